package artwork

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImageBytes(t *testing.T, encode func(io.Writer, image.Image) error) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(40 * x), G: uint8(40 * y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, encode(&buf, img))
	return buf.Bytes()
}

func newFetcher(t *testing.T) *Fetcher {
	return New(t.TempDir()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetcher_FetchPNG(t *testing.T) {
	payload := testImageBytes(t, func(w io.Writer, img image.Image) error {
		return png.Encode(w, img)
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	path, ext, err := newFetcher(t).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	defer os.Remove(path)
	assert.Equal(t, ".png", ext)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, format, err := image.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 4, 6), img.Bounds())
}

func TestFetcher_FetchJPEGReencodesToPNG(t *testing.T) {
	payload := testImageBytes(t, func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, nil)
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	path, ext, err := newFetcher(t).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	defer os.Remove(path)
	assert.Equal(t, ".png", ext)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestFetcher_FetchRejectsNonImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not a poster</html>"))
	}))
	defer server.Close()

	_, _, err := newFetcher(t).Fetch(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrNotAnImage)
}

func TestFetcher_FetchRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, _, err := newFetcher(t).Fetch(context.Background(), server.URL)
	assert.Error(t, err)
}
