// Package assets loads the decorative images of a prescription (clinic logos
// and the doctor's signature). Loading never fails: every reference resolves
// to either a Loaded image ready for embedding or a Skipped result with a
// reason.
package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Result is the outcome of loading one asset.
type Result struct {
	Name   string
	Data   []byte // 8-bit PNG; nil when skipped
	Width  int
	Height int
	Reason string // why the asset was skipped
}

// Loaded reports whether the asset can be embedded.
func (r Result) Loaded() bool { return len(r.Data) > 0 }

func Skipped(name, reason string) Result {
	return Result{Name: name, Reason: reason}
}

// Loader resolves image references. A reference is a data: URL, an http(s)
// URL, or empty. Remote fetches are attempted once.
type Loader struct {
	client *resty.Client
	logger zerolog.Logger

	// OnSkip, when set, is called for every skipped asset.
	OnSkip func(name, reason string)
}

// Size bounds for a single asset. Pixels are checked from the image header
// before the full decode.
const (
	MaxBytes  = 4 << 20
	MaxPixels = 4096 * 4096
)

func NewLoader(logger zerolog.Logger) *Loader {
	client := resty.New().
		SetRetryCount(0).
		SetResponseBodyLimit(MaxBytes).
		SetHeader("Accept", "image/png, image/jpeg, image/gif")
	return &Loader{client: client, logger: logger}
}

// Load resolves ref into an embeddable image. It never returns an error.
func (l *Loader) Load(ctx context.Context, name, ref string) Result {
	res := l.load(ctx, name, strings.TrimSpace(ref))
	if !res.Loaded() {
		l.logger.Debug().Str("asset", name).Str("reason", res.Reason).Msg("asset skipped")
		if l.OnSkip != nil {
			l.OnSkip(name, res.Reason)
		}
	}
	return res
}

func (l *Loader) load(ctx context.Context, name, ref string) Result {
	switch {
	case ref == "":
		return Skipped(name, "empty reference")
	case strings.HasPrefix(ref, "data:"):
		raw, err := decodeDataURL(ref)
		if err != nil {
			return Skipped(name, err.Error())
		}
		return Normalize(name, raw)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		resp, err := l.client.R().SetContext(ctx).Get(ref)
		if errors.Is(err, resty.ErrResponseBodyTooLarge) {
			return Skipped(name, "image too large")
		}
		if err != nil {
			return Skipped(name, fmt.Sprintf("fetch: %v", err))
		}
		if resp.IsError() {
			return Skipped(name, fmt.Sprintf("fetch: http status %d", resp.StatusCode()))
		}
		return Normalize(name, resp.Body())
	default:
		return Skipped(name, "unsupported reference scheme")
	}
}

// Normalize decodes a PNG, JPEG or GIF and re-encodes it as a non-interlaced
// 8-bit PNG, which every PDF backend can embed. Images over MaxBytes or
// MaxPixels are skipped.
func Normalize(name string, raw []byte) Result {
	if len(raw) == 0 {
		return Skipped(name, "empty image")
	}
	if len(raw) > MaxBytes {
		return Skipped(name, "image too large")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Skipped(name, fmt.Sprintf("decode: %v", err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Skipped(name, "zero-size image")
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return Skipped(name, "image too large")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Skipped(name, fmt.Sprintf("decode: %v", err))
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Skipped(name, "zero-size image")
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Skipped(name, fmt.Sprintf("encode: %v", err))
	}
	return Result{Name: name, Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}
}

func decodeDataURL(ref string) ([]byte, error) {
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data url")
	}
	header, payload := ref[len("data:"):comma], ref[comma+1:]
	if strings.HasSuffix(header, ";base64") {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("data url: %w", err)
		}
		return raw, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("data url: %w", err)
	}
	return []byte(s), nil
}
