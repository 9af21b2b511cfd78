// Package source adapts external media sources (the yt-dlp binary and the
// native YouTube client) to the rendition model used by the resolver.
package source

import (
	"context"
	"errors"

	"github.com/onnwee/tubedrop/media"
)

// Error taxonomy shared by every source. Callers inspect with errors.Is.
var (
	ErrNotFound          = errors.New("media not found")
	ErrRateLimited       = errors.New("rate limited by media host")
	ErrNetwork           = errors.New("network error")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrRestricted        = errors.New("media restricted")
)

// Prober lists the renditions available for a URL.
type Prober interface {
	Probe(ctx context.Context, url string) ([]media.Rendition, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, url string) ([]media.Rendition, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, url string) ([]media.Rendition, error) {
	return f(ctx, url)
}

// FetchSpec is one fetch invocation.
type FetchSpec struct {
	URL             string
	Format          string // yt-dlp -f expression
	OutputBase      string // path without extension; the source picks the extension
	FragmentRetries int
}
