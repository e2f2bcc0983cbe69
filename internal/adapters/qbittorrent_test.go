package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/internal/faults"
)

// fakeQB is a minimal qBittorrent WebUI: cookie sessions, add, info, delete.
type fakeQB struct {
	t        *testing.T
	session  atomic.Int64
	logins   atomic.Int64
	adds     atomic.Int64
	lastAdd  atomic.Value
	torrents map[string]qbTorrentInfo
}

func (f *fakeQB) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "hunter2" {
			w.Write([]byte("Fails."))
			return
		}
		f.logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: fmt.Sprintf("session-%d", f.session.Load()), Path: "/"})
		w.Write([]byte("Ok."))
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("SID")
			if err != nil || cookie.Value != fmt.Sprintf("session-%d", f.session.Load()) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/v2/torrents/add", authed(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		f.adds.Add(1)
		f.lastAdd.Store(r.PostForm)
		w.Write([]byte("Ok."))
	}))
	mux.HandleFunc("/api/v2/torrents/info", authed(func(w http.ResponseWriter, r *http.Request) {
		hash := r.URL.Query().Get("hashes")
		w.Header().Set("Content-Type", "application/json")
		if info, ok := f.torrents[hash]; ok {
			fmt.Fprintf(w, `[{"hash":%q,"name":%q,"state":%q,"progress":%v,"size":%d,"save_path":%q,"content_path":%q}]`,
				info.Hash, info.Name, info.State, info.Progress, info.Size, info.SavePath, info.ContentPath)
			return
		}
		w.Write([]byte("[]"))
	}))
	mux.HandleFunc("/api/v2/torrents/delete", authed(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		delete(f.torrents, r.PostForm.Get("hashes"))
		w.Write([]byte(""))
	}))
	return mux
}

func newFakeQB(t *testing.T) (*fakeQB, *QBittorrentClient) {
	fake := &fakeQB{t: t, torrents: make(map[string]qbTorrentInfo)}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client, err := NewQBittorrentClient(server.URL, "admin", "hunter2", 5*time.Second)
	require.NoError(t, err)
	return fake, client
}

func TestQBittorrent_AddUsesIndexerHash(t *testing.T) {
	fake, client := newFakeQB(t)
	ctx := context.Background()

	hash, err := client.Add(ctx, Release{
		Title:       "Fight Club 1999",
		DownloadURL: "http://indexer.test/dl/1",
		InfoHash:    "AA11BB22CC33DD44EE55FF66AA11BB22CC33DD44",
	}, "fetcharr")
	require.NoError(t, err)
	assert.Equal(t, "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44", hash)
	assert.Equal(t, int64(1), fake.logins.Load(), "first call logs in lazily")
	assert.Equal(t, int64(1), fake.adds.Load())

	form := fake.lastAdd.Load().(url.Values)
	assert.Equal(t, "http://indexer.test/dl/1", form.Get("urls"))
	assert.Equal(t, "fetcharr", form.Get("category"))
}

func TestQBittorrent_AddExtractsMagnetHash(t *testing.T) {
	_, client := newFakeQB(t)

	hash, err := client.Add(context.Background(), Release{
		Title:       "Some Show S01E01",
		DownloadURL: "magnet:?xt=urn:btih:FF00FF00FF00FF00FF00FF00FF00FF00FF00FF00&dn=x",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00", hash)
}

func TestQBittorrent_AddWithoutHashFails(t *testing.T) {
	_, client := newFakeQB(t)

	_, err := client.Add(context.Background(), Release{
		Title:       "Mystery Release",
		DownloadURL: "http://indexer.test/dl/9",
	}, "")
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalid, faults.KindOf(err))
	assert.False(t, faults.IsRetryable(err))
}

func TestQBittorrent_ReloginOnExpiredSession(t *testing.T) {
	fake, client := newFakeQB(t)
	ctx := context.Background()

	_, err := client.Add(ctx, Release{DownloadURL: "u", InfoHash: "aa"}, "")
	require.NoError(t, err)

	// Server-side session invalidation: the next call sees 403, logs in
	// again, and repeats the request.
	fake.session.Add(1)
	_, err = client.Add(ctx, Release{DownloadURL: "u", InfoHash: "bb"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.logins.Load())
	assert.Equal(t, int64(2), fake.adds.Load())
}

func TestQBittorrent_BadCredentials(t *testing.T) {
	fake := &fakeQB{t: t, torrents: make(map[string]qbTorrentInfo)}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client, err := NewQBittorrentClient(server.URL, "admin", "wrong", time.Second)
	require.NoError(t, err)

	_, err = client.Add(context.Background(), Release{DownloadURL: "u", InfoHash: "aa"}, "")
	require.Error(t, err)
	assert.Equal(t, faults.KindForbidden, faults.KindOf(err))
}

func TestQBittorrent_Status(t *testing.T) {
	fake, client := newFakeQB(t)
	fake.torrents["aa11"] = qbTorrentInfo{
		Hash: "aa11", Name: "Fight.Club.1999.1080p", State: "stalledUP",
		Progress: 1.0, Size: 4200, SavePath: "/downloads", ContentPath: "/downloads/Fight.Club.1999.1080p.mkv",
	}

	status, err := client.Status(context.Background(), "AA11")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, TransferCompleted, status.State)
	assert.Equal(t, float64(100), status.Progress)
	assert.Equal(t, "/downloads/Fight.Club.1999.1080p.mkv", status.ContentPath)

	missing, err := client.Status(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing, "an unknown hash is absence, not an error")
}

func TestQBittorrent_Remove(t *testing.T) {
	fake, client := newFakeQB(t)
	fake.torrents["aa11"] = qbTorrentInfo{Hash: "aa11", State: "downloading"}

	require.NoError(t, client.Remove(context.Background(), "aa11", true))
	assert.NotContains(t, fake.torrents, "aa11")
}

func TestMapQBState(t *testing.T) {
	tests := []struct {
		state string
		want  TransferState
	}{
		{"downloading", TransferDownloading},
		{"metaDL", TransferDownloading},
		{"forcedDL", TransferDownloading},
		{"queuedDL", TransferQueued},
		{"stalledDL", TransferStalled},
		{"pausedDL", TransferStalled},
		{"uploading", TransferCompleted},
		{"stalledUP", TransferCompleted},
		{"pausedUP", TransferCompleted},
		{"error", TransferFailed},
		{"missingFiles", TransferFailed},
		{"somethingNew", TransferQueued},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapQBState(tt.state), "state %s", tt.state)
	}
}

func TestMagnetHash(t *testing.T) {
	assert.Equal(t, "abcdef0123456789abcdef0123456789abcdef01",
		magnetHash("magnet:?xt=urn:btih:ABCDEF0123456789ABCDEF0123456789ABCDEF01&dn=name&tr=udp://t"))
	assert.Empty(t, magnetHash("http://not-a-magnet"))
	assert.Empty(t, magnetHash("magnet:?dn=no-hash-here"))
}
