package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/httpclient"
	"github.com/jmylchreest/fetcharr/internal/models"
)

const torznabFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
  <channel>
    <item>
      <title>Fight Club 1999 1080p BluRay x264</title>
      <link>http://indexer.test/dl/1</link>
      <size>4200000000</size>
      <pubDate>Sat, 01 Mar 2025 10:30:00 +0000</pubDate>
      <torznab:attr name="seeders" value="52"/>
      <torznab:attr name="infohash" value="AA11BB22CC33DD44EE55FF66AA11BB22CC33DD44"/>
    </item>
    <item>
      <title>Fight Club 1999 720p WEB</title>
      <enclosure url="http://indexer.test/dl/2" length="2100000000" type="application/x-bittorrent"/>
      <size>2100000000</size>
      <torznab:attr name="seeders" value="7"/>
    </item>
    <item>
      <title>No download link here</title>
    </item>
  </channel>
</rss>`

func fastClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	return httpclient.New(cfg)
}

func TestTorznabIndexer_Search(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(torznabFixture))
	}))
	defer server.Close()

	indexer := NewTorznabIndexer("primary", server.URL+"/api", "key123", fastClient())
	releases, err := indexer.Search(context.Background(), SearchQuery{
		Kind:  models.MediaKindMovie,
		Title: "Fight Club",
		Year:  1999,
	})
	require.NoError(t, err)

	assert.Equal(t, "key123", gotQuery.Get("apikey"))
	assert.Equal(t, "movie", gotQuery.Get("t"))
	assert.Equal(t, "Fight Club 1999", gotQuery.Get("q"))

	require.Len(t, releases, 2, "items without a download link are dropped")

	first := releases[0]
	assert.Equal(t, "Fight Club 1999 1080p BluRay x264", first.Title)
	assert.Equal(t, "http://indexer.test/dl/1", first.DownloadURL)
	assert.Equal(t, "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44", first.InfoHash)
	assert.Equal(t, int64(4200000000), first.Size)
	assert.Equal(t, 52, first.Seeders)
	assert.Equal(t, "primary", first.Indexer)
	assert.Equal(t, 2025, first.PublishedAt.Year())

	second := releases[1]
	assert.Equal(t, "http://indexer.test/dl/2", second.DownloadURL, "enclosure URL is the fallback")
	assert.Empty(t, second.InfoHash)
}

func TestTorznabIndexer_TVQueryParameters(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`<rss><channel></channel></rss>`))
	}))
	defer server.Close()

	indexer := NewTorznabIndexer("primary", server.URL+"/api", "key", fastClient())
	season, episode := 2, 5

	t.Run("episode search", func(t *testing.T) {
		_, err := indexer.Search(context.Background(), SearchQuery{
			Kind: models.MediaKindTV, Title: "The Wire", Season: &season, Episode: &episode,
		})
		require.NoError(t, err)
		assert.Equal(t, "tvsearch", gotQuery.Get("t"))
		assert.Equal(t, "The Wire", gotQuery.Get("q"))
		assert.Equal(t, "2", gotQuery.Get("season"))
		assert.Equal(t, "5", gotQuery.Get("ep"))
	})

	t.Run("season pack search", func(t *testing.T) {
		_, err := indexer.Search(context.Background(), SearchQuery{
			Kind: models.MediaKindTV, Title: "The Wire", Season: &season,
		})
		require.NoError(t, err)
		assert.Equal(t, "tvsearch", gotQuery.Get("t"))
		assert.Equal(t, "2", gotQuery.Get("season"))
		assert.Empty(t, gotQuery.Get("ep"))
	})
}

func TestTorznabIndexer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   faults.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, "30", faults.KindRateLimited},
		{"not found", http.StatusNotFound, "", faults.KindNotFound},
		{"forbidden", http.StatusForbidden, "", faults.KindForbidden},
		{"bad gateway", http.StatusBadGateway, "", faults.KindTransient5xx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			indexer := NewTorznabIndexer("primary", server.URL+"/api", "key", fastClient())
			_, err := indexer.Search(context.Background(), SearchQuery{Title: "anything"})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, faults.KindOf(err))
			if tt.retryAfter != "" {
				assert.Equal(t, 30*time.Second, faults.RetryAfterHint(err))
			}
		})
	}
}

func TestTorznabIndexer_EmptyTitleRejected(t *testing.T) {
	indexer := NewTorznabIndexer("primary", "http://indexer.test/api", "key", fastClient())
	_, err := indexer.Search(context.Background(), SearchQuery{})
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalid, faults.KindOf(err))
}

func TestParseTorznabFeed_Garbage(t *testing.T) {
	_, err := parseTorznabFeed([]byte("not xml at all"), "primary")
	assert.Error(t, err)
}

func TestRetryAfterHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Zero(t, retryAfterHeader(resp))

	resp.Header.Set("Retry-After", "15")
	assert.Equal(t, 15*time.Second, retryAfterHeader(resp))

	resp.Header.Set("Retry-After", "garbage")
	assert.Zero(t, retryAfterHeader(resp))

	resp.Header.Set("Retry-After", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	hint := retryAfterHeader(resp)
	assert.Greater(t, hint, 30*time.Second)
	assert.LessOrEqual(t, hint, time.Minute)
}
