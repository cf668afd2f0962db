package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a limit/offset window over a result set.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or non-positive limits
// become DefaultLimit, larger ones MaxLimit; negative offsets become 0.
func FromContext(c echo.Context) Params {
	p := Params{
		Limit:  queryInt(c, "limit"),
		Offset: queryInt(c, "offset"),
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	p.Offset = max(p.Offset, 0)
	return p
}

func queryInt(c echo.Context, name string) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return 0
	}
	return n
}

// HasNext reports whether rows remain after this window.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// Page is one window of results with enough metadata to fetch the next.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewPage wraps items fetched with p. A nil slice is sent as [].
func NewPage[T any](items []T, total int, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}
