// Package artwork fetches poster images for delivered media. Downloads are
// decoded to prove they are real images (PNG, JPEG, GIF, or WebP) and then
// re-encoded as PNG into a temp staging file, so storage targets only ever
// see one well-formed format regardless of what the artwork host serves.
package artwork

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"

	_ "golang.org/x/image/webp"

	"github.com/jmylchreest/fetcharr/internal/httpclient"
)

// maxImageBytes caps the downloaded payload. Posters run a few megabytes;
// anything past this is not artwork.
const maxImageBytes = 32 << 20

// ErrNotAnImage indicates the downloaded payload did not decode as a
// supported image format.
var ErrNotAnImage = errors.New("payload is not a supported image")

// Fetcher downloads and validates poster images.
type Fetcher struct {
	client  *httpclient.Client
	tempDir string
	logger  *slog.Logger
}

// New creates a fetcher staging files under tempDir.
func New(tempDir string) *Fetcher {
	return &Fetcher{
		client:  httpclient.NewWithDefaults(),
		tempDir: tempDir,
		logger:  slog.Default(),
	}
}

// WithClient overrides the HTTP client.
func (f *Fetcher) WithClient(client *httpclient.Client) *Fetcher {
	if client != nil {
		f.client = client
	}
	return f
}

// WithLogger sets the logger for the fetcher.
func (f *Fetcher) WithLogger(logger *slog.Logger) *Fetcher {
	if logger != nil {
		f.logger = logger.With(slog.String("component", "artwork"))
	}
	return f
}

// Fetch downloads the image at url, validates it, and writes it as PNG to a
// temp file. The caller owns the returned file and removes it after use.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, string, error) {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return "", "", fmt.Errorf("fetching artwork: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetching artwork: unexpected status %d", resp.StatusCode)
	}

	img, format, err := image.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	staged, err := f.stagePNG(img)
	if err != nil {
		return "", "", err
	}

	f.logger.Debug("artwork staged",
		slog.String("url", url),
		slog.String("source_format", format),
		slog.String("path", staged))
	return staged, ".png", nil
}

func (f *Fetcher) stagePNG(img image.Image) (string, error) {
	if f.tempDir != "" {
		if err := os.MkdirAll(f.tempDir, 0o755); err != nil {
			return "", fmt.Errorf("creating staging directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(f.tempDir, "fetcharr-artwork-*.png")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encoding artwork: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing staging file: %w", err)
	}
	return tmp.Name(), nil
}
