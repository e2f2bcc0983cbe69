package models

import (
	"gorm.io/gorm"
)

// DownloadStatus mirrors the external download client's view of a torrent.
type DownloadStatus string

const (
	// DownloadStatusQueued indicates the client accepted the torrent but has
	// not started transferring.
	DownloadStatusQueued DownloadStatus = "queued"
	// DownloadStatusDownloading indicates the transfer is in progress.
	DownloadStatusDownloading DownloadStatus = "downloading"
	// DownloadStatusCompleted indicates all content is on disk.
	DownloadStatusCompleted DownloadStatus = "completed"
	// DownloadStatusFailed indicates the client reported an error.
	DownloadStatusFailed DownloadStatus = "failed"
)

// Download records one torrent handed to the download client. A single
// download may back many processing items (a season pack backs every episode
// it contains); items link to it via their DownloadID.
type Download struct {
	BaseModel

	// RequestID links back to the originating request.
	RequestID ULID `gorm:"not null;index" json:"request_id"`

	// TorrentHash is the info hash; unique so re-grabs reuse the row.
	TorrentHash string `gorm:"not null;uniqueIndex;size:64" json:"torrent_hash"`

	// TorrentName is the release name reported by the client.
	TorrentName string `gorm:"size:512" json:"torrent_name"`

	// MediaKind is the media class the torrent carries.
	MediaKind MediaKind `gorm:"size:10" json:"media_kind"`

	// Status mirrors the client state.
	Status DownloadStatus `gorm:"not null;default:'queued';size:20;index" json:"status"`

	// Progress is the 0-100 transfer progress.
	Progress float64 `gorm:"default:0" json:"progress"`

	// SavePath is the client-side directory the content lands in.
	SavePath string `gorm:"size:1024" json:"save_path,omitempty"`

	// ContentPath is the path of the downloaded content (file or directory).
	ContentPath string `gorm:"size:1024" json:"content_path,omitempty"`

	// Size is the total content size in bytes.
	Size int64 `json:"size,omitempty"`

	// CompletedAt is set when the transfer finished.
	CompletedAt *Time `json:"completed_at,omitempty"`
}

// TableName returns the table name for Download.
func (Download) TableName() string {
	return "downloads"
}

// IsComplete returns true once all content is on disk.
func (d *Download) IsComplete() bool {
	return d.Status == DownloadStatusCompleted
}

// MarkCompleted records transfer completion and the final content path.
func (d *Download) MarkCompleted(contentPath string) {
	d.Status = DownloadStatusCompleted
	d.Progress = 100
	d.ContentPath = contentPath
	now := Now()
	d.CompletedAt = &now
}

// Validate performs basic validation on the download.
func (d *Download) Validate() error {
	if d.RequestID.IsZero() {
		return ErrRequestIDRequired
	}
	if d.TorrentHash == "" {
		return ErrTorrentHashRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the download and generates a ULID.
func (d *Download) BeforeCreate(tx *gorm.DB) error {
	if err := d.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return d.Validate()
}
