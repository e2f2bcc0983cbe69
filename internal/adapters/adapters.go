// Package adapters holds the outward-facing integrations: indexers that find
// releases, the download client that fetches them, storage targets that
// receive finished files, and notifiers that announce lifecycle events. Step
// handlers depend on these interfaces only; concrete implementations are
// bound from configuration at startup.
package adapters

import (
	"context"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// SearchQuery describes what an indexer should look for. Season-only queries
// (Season set, Episode nil) search for season packs.
type SearchQuery struct {
	Kind    models.MediaKind
	Title   string
	Year    int
	TmdbID  int64
	Season  *int
	Episode *int
}

// Release is one candidate result from an indexer.
type Release struct {
	// Title is the raw release name as published.
	Title string

	// DownloadURL is the .torrent URL or magnet link.
	DownloadURL string

	// InfoHash is the torrent info hash when the indexer exposes it.
	InfoHash string

	// Size is the content size in bytes.
	Size int64

	// Seeders is the seeder count at search time.
	Seeders int

	// Indexer names the indexer that returned the release.
	Indexer string

	// PublishedAt is the release publication time.
	PublishedAt time.Time
}

// ReleaseFromContext rebuilds a Release from its context-map form. Context
// maps round-trip through JSON columns, so numeric fields may arrive as
// float64.
func ReleaseFromContext(m models.ContextMap) Release {
	release := Release{
		Title:       m.GetString("title"),
		DownloadURL: m.GetString("downloadUrl"),
		InfoHash:    m.GetString("infoHash"),
		Indexer:     m.GetString("indexer"),
	}
	switch v := m["size"].(type) {
	case float64:
		release.Size = int64(v)
	case int64:
		release.Size = v
	case int:
		release.Size = int64(v)
	}
	switch v := m["seeders"].(type) {
	case float64:
		release.Seeders = int(v)
	case int:
		release.Seeders = v
	}
	return release
}

// Indexer searches a single release source.
type Indexer interface {
	// Name returns the configured indexer name.
	Name() string

	// Search returns candidate releases for the query. An empty slice and
	// nil error means the indexer answered and had nothing.
	Search(ctx context.Context, query SearchQuery) ([]Release, error)
}

// TransferState is the download client's view of one transfer.
type TransferState string

const (
	TransferQueued      TransferState = "queued"
	TransferDownloading TransferState = "downloading"
	TransferCompleted   TransferState = "completed"
	TransferStalled     TransferState = "stalled"
	TransferFailed      TransferState = "failed"
)

// TransferStatus reports progress of one transfer in the download client.
type TransferStatus struct {
	Hash        string
	Name        string
	State       TransferState
	Progress    float64
	Size        int64
	SavePath    string
	ContentPath string
}

// DownloadClient submits releases to an external download manager and tracks
// them by info hash.
type DownloadClient interface {
	// Add submits a release and returns its info hash.
	Add(ctx context.Context, release Release, category string) (string, error)

	// Status reports the transfer; nil when the client no longer knows the
	// hash.
	Status(ctx context.Context, hash string) (*TransferStatus, error)

	// Remove deletes the transfer, optionally with its data.
	Remove(ctx context.Context, hash string, deleteFiles bool) error
}

// StorageTarget receives finished files into a library layout.
type StorageTarget interface {
	// Name returns the configured target name.
	Name() string

	// Deliver places sourcePath at relativeDest under the target's root and
	// returns the final absolute path. Delivery is atomic per file: readers
	// of the library never observe partial content.
	Deliver(ctx context.Context, sourcePath, relativeDest string) (string, error)
}

// Event is a lifecycle notification.
type Event struct {
	// Type is the event name, e.g. "request.completed".
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific fields.
	Data map[string]any `json:"data,omitempty"`
}

// Lifecycle event types emitted by the pipeline.
const (
	EventRequestCompleted = "request.completed"
	EventRequestFailed    = "request.failed"
	EventItemCompleted    = "item.completed"
	EventItemFailed       = "item.failed"
	EventDelivered        = "item.delivered"
)

// Notifier fans a lifecycle event out to one destination.
type Notifier interface {
	// Name returns the configured notifier name.
	Name() string

	// Wants reports whether the notifier subscribes to the event type.
	Wants(eventType string) bool

	// Notify sends the event.
	Notify(ctx context.Context, event Event) error
}
