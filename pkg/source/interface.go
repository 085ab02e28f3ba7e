package source

import (
	"context"
	"errors"

	"golang.org/x/net/html"
)

// ErrPageLayout is returned when a fetched page lacks the structure a source
// relies on, usually because the site changed its markup.
var ErrPageLayout = errors.New("unexpected page layout")

// SymbolName is the symbol a shared-object source must export.
// Its type must be func() Source.
const SymbolName = "GetSource"

// Client is the HTTP capability the host hands to every source.
// Get fetches url and returns the parsed HTML document.
type Client interface {
	Get(ctx context.Context, url string) (*html.Node, error)
}

type volatileKey struct{}

// Volatile marks requests made with the returned context as fetching pages
// that embed short-lived tokens. Hosts must not answer them from a cache or
// store their responses.
func Volatile(ctx context.Context) context.Context {
	return context.WithValue(ctx, volatileKey{}, true)
}

// IsVolatile reports whether ctx was derived from Volatile.
func IsVolatile(ctx context.Context) bool {
	volatile, _ := ctx.Value(volatileKey{}).(bool)
	return volatile
}

// Source defines the interface that every book source must implement.
type Source interface {
	// Name is the human readable name shown by the host.
	Name() string

	// SaveName uniquely identifies the source across host restarts.
	SaveName() string

	// Search returns the books matching query. A query with no matches
	// yields an empty slice, not an error.
	Search(ctx context.Context, query string, client Client) ([]ShowResponse, error)

	// LoadBook loads the detail page at link and resolves its download links.
	// extra is the Extra map of the ShowResponse that produced link, if any.
	LoadBook(ctx context.Context, link string, extra map[string]string, client Client) (*Book, error)
}

// ShowResponse is a single search result.
type ShowResponse struct {
	Name     string            `json:"name"`
	Link     string            `json:"link"`
	CoverURL string            `json:"cover_url"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Book is a loaded book with its resolved download links.
type Book struct {
	Name        string   `json:"name"`
	Img         string   `json:"img"`
	Description *string  `json:"description,omitempty"`
	Links       []string `json:"links"`
}
