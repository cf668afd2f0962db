package prescription

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/receta/receta/internal/platform/kv"
)

// CounterStore hands out per-key sequence numbers starting at 1.
type CounterStore interface {
	Next(ctx context.Context, key string) (int64, error)
}

// KVCounter keeps counters in a key/value store. Keys never expire.
type KVCounter struct {
	kv kv.KV
}

func NewKVCounter(store kv.KV) *KVCounter {
	return &KVCounter{kv: store}
}

func (c *KVCounter) Next(ctx context.Context, key string) (int64, error) {
	return c.kv.Incr(ctx, key)
}

// IDGenerator derives prescription folios and patient codes.
type IDGenerator struct {
	counters CounterStore
	loc      *time.Location
	now      func() time.Time
}

func NewIDGenerator(counters CounterStore, loc *time.Location) *IDGenerator {
	if loc == nil {
		loc = time.UTC
	}
	return &IDGenerator{counters: counters, loc: loc, now: time.Now}
}

const randomSuffixLen = 6

// PrescriptionID returns RX-<base36 epoch millis>-<6 random base36 chars>,
// upper-cased. Uniqueness is probabilistic; storage rejects a collision.
func (g *IDGenerator) PrescriptionID() string {
	ts := strconv.FormatInt(g.now().UnixMilli(), 36)
	return strings.ToUpper("RX-" + ts + "-" + randomBase36(randomSuffixLen))
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand: %v", err))
		}
		b[i] = alphabet[v.Int64()]
	}
	return string(b)
}

// PatientID returns DDMM + initials + a two-digit daily sequence for the
// given name, or "" when the name is blank. Each call consumes a sequence
// number, so calling it twice for the same patient yields 01 then 02.
func (g *IDGenerator) PatientID(ctx context.Context, fullName string) (string, error) {
	if strings.TrimSpace(fullName) == "" {
		return "", nil
	}
	stamp := g.now().In(g.loc).Format("0201")
	ini := Initials(fullName)

	seq, err := g.counters.Next(ctx, counterKey(stamp, ini))
	if err != nil {
		return "", fmt.Errorf("next patient sequence: %w", err)
	}
	return fmt.Sprintf("%s%s%02d", stamp, ini, seq), nil
}

func counterKey(stamp, initials string) string {
	return "patient_seq:" + stamp + ":" + initials
}

// Initials returns two upper-case ASCII letters for a name: the first
// letters of the first and last words, or the first two letters of a
// single word. Accents are folded and missing letters padded with X.
func Initials(fullName string) string {
	var words []string
	for _, w := range strings.Fields(foldASCII(fullName)) {
		if w = lettersOnly(w); w != "" {
			words = append(words, w)
		}
	}

	var out string
	switch {
	case len(words) >= 2:
		out = words[0][:1] + words[len(words)-1][:1]
	case len(words) == 1:
		out = words[0]
		if len(out) > 2 {
			out = out[:2]
		}
	}
	for len(out) < 2 {
		out += "X"
	}
	return out
}

var diacritics = runes.Remove(runes.In(unicode.Mn))

func foldASCII(s string) string {
	t := transform.Chain(norm.NFD, diacritics, norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return strings.ToUpper(out)
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
