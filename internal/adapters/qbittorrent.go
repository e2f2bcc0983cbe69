package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/httpclient"
)

const qbAPIBase = "/api/v2"

// QBittorrentClient drives a qBittorrent WebUI. Sessions ride on the SID
// cookie; an expired session answers 403 and the client logs in again once.
//
// POST bodies are rebuilt per attempt here rather than retried inside the
// HTTP layer, because a drained form body must not be re-sent empty.
type QBittorrentClient struct {
	baseURL  string
	username string
	password string
	client   *httpclient.Client

	mu       sync.Mutex
	loggedIn bool
}

// NewQBittorrentClient creates a client for the WebUI at baseURL.
func NewQBittorrentClient(baseURL, username, password string, timeout time.Duration) (*QBittorrentClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.RetryAttempts = 0
	cfg.BaseClient = &http.Client{Timeout: timeout, Jar: jar}

	return &QBittorrentClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   httpclient.New(cfg),
	}, nil
}

// Add submits a release by URL or magnet and returns its info hash. The WebUI
// does not echo the hash back, so it must come from the indexer or the magnet
// link; a release exposing neither cannot be tracked and is rejected.
func (q *QBittorrentClient) Add(ctx context.Context, release Release, category string) (string, error) {
	hash := strings.ToLower(release.InfoHash)
	if hash == "" {
		hash = magnetHash(release.DownloadURL)
	}
	if hash == "" {
		return "", faults.Newf(faults.KindInvalid, "release %q exposes no info hash", release.Title)
	}

	form := url.Values{}
	form.Set("urls", release.DownloadURL)
	if category != "" {
		form.Set("category", category)
	}

	resp, err := q.postForm(ctx, "/torrents/add", form)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnsupportedMediaType {
		return "", faults.Newf(faults.KindInvalid, "download client rejected %q as not a torrent", release.Title)
	}
	if resp.StatusCode != http.StatusOK {
		return "", faults.FromStatusCode(resp.StatusCode, retryAfterHeader(resp))
	}
	return hash, nil
}

// Status reports the transfer for hash, nil when the client no longer has it.
func (q *QBittorrentClient) Status(ctx context.Context, hash string) (*TransferStatus, error) {
	resp, err := q.get(ctx, "/torrents/info?hashes="+url.QueryEscape(strings.ToLower(hash)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, faults.FromStatusCode(resp.StatusCode, retryAfterHeader(resp))
	}

	var infos []qbTorrentInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decoding torrent info: %w", err)
	}
	if len(infos) == 0 {
		return nil, nil
	}

	info := infos[0]
	return &TransferStatus{
		Hash:        strings.ToLower(info.Hash),
		Name:        info.Name,
		State:       mapQBState(info.State),
		Progress:    info.Progress * 100,
		Size:        info.Size,
		SavePath:    info.SavePath,
		ContentPath: info.ContentPath,
	}, nil
}

// Remove deletes the transfer, optionally with its downloaded data.
func (q *QBittorrentClient) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	form := url.Values{}
	form.Set("hashes", strings.ToLower(hash))
	form.Set("deleteFiles", fmt.Sprintf("%t", deleteFiles))

	resp, err := q.postForm(ctx, "/torrents/delete", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return faults.FromStatusCode(resp.StatusCode, retryAfterHeader(resp))
	}
	return nil
}

// login authenticates and stores the SID cookie in the jar. qBittorrent
// reports bad credentials with 200 and the body "Fails.".
func (q *QBittorrentClient) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", q.username)
	form.Set("password", q.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.baseURL+qbAPIBase+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := q.client.Do(req)
	if err != nil {
		return faults.Classify(fmt.Errorf("logging in to download client: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return faults.FromStatusCode(resp.StatusCode, retryAfterHeader(resp))
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if strings.HasPrefix(string(body), "Fails") {
		return faults.Newf(faults.KindForbidden, "download client rejected credentials")
	}

	q.mu.Lock()
	q.loggedIn = true
	q.mu.Unlock()
	return nil
}

func (q *QBittorrentClient) ensureLogin(ctx context.Context) error {
	q.mu.Lock()
	loggedIn := q.loggedIn
	q.mu.Unlock()
	if loggedIn {
		return nil
	}
	return q.login(ctx)
}

func (q *QBittorrentClient) expireSession() {
	q.mu.Lock()
	q.loggedIn = false
	q.mu.Unlock()
}

// do runs an authenticated request, re-logging in once when the session has
// expired. build constructs a fresh request per attempt.
func (q *QBittorrentClient) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	if err := q.ensureLogin(ctx); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		resp, err := q.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, faults.Classify(fmt.Errorf("calling download client: %w", err))
		}
		if resp.StatusCode == http.StatusForbidden && attempt == 0 {
			resp.Body.Close()
			q.expireSession()
			if err := q.login(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return resp, nil
	}
	return nil, faults.Newf(faults.KindForbidden, "download client session could not be established")
}

func (q *QBittorrentClient) get(ctx context.Context, path string) (*http.Response, error) {
	return q.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+qbAPIBase+path, nil)
	})
}

func (q *QBittorrentClient) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	return q.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			q.baseURL+qbAPIBase+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// qbTorrentInfo is the subset of /torrents/info the tracker needs.
type qbTorrentInfo struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Progress    float64 `json:"progress"`
	Size        int64   `json:"size"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
}

// mapQBState folds qBittorrent's many states into the transfer states the
// pipeline distinguishes. Seeding variants mean the payload is complete.
func mapQBState(state string) TransferState {
	switch state {
	case "downloading", "metaDL", "allocating", "checkingDL", "forcedDL":
		return TransferDownloading
	case "queuedDL", "checkingResumeData":
		return TransferQueued
	case "stalledDL", "pausedDL", "stoppedDL":
		return TransferStalled
	case "uploading", "stalledUP", "pausedUP", "stoppedUP", "queuedUP", "checkingUP", "forcedUP":
		return TransferCompleted
	case "error", "missingFiles":
		return TransferFailed
	default:
		return TransferQueued
	}
}

// magnetHash extracts the btih info hash from a magnet link, lowercased.
func magnetHash(rawURL string) string {
	if !strings.HasPrefix(rawURL, "magnet:") {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	for _, xt := range u.Query()["xt"] {
		const prefix = "urn:btih:"
		if strings.HasPrefix(strings.ToLower(xt), prefix) {
			return strings.ToLower(xt[len(prefix):])
		}
	}
	return ""
}
