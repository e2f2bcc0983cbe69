package models

import (
	"gorm.io/gorm"
)

// MediaKind identifies the class of media a request acquires.
type MediaKind string

const (
	// MediaKindMovie is a single-film acquisition.
	MediaKindMovie MediaKind = "movie"
	// MediaKindTV is an episodic acquisition (seasons and/or episodes).
	MediaKindTV MediaKind = "tv"
)

// Valid returns true if the media kind is a known value.
func (k MediaKind) Valid() bool {
	return k == MediaKindMovie || k == MediaKindTV
}

// RequestStatus represents the user-visible status of an acquisition request.
// Once processing items exist the status is derived from their aggregate; the
// stored value is a cache of that computation.
type RequestStatus string

const (
	// RequestStatusPending indicates the request has been accepted but no
	// pipeline execution has started.
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusProcessing indicates at least one processing item is
	// still moving through the pipeline.
	RequestStatusProcessing RequestStatus = "processing"
	// RequestStatusCompleted indicates every processing item completed.
	RequestStatusCompleted RequestStatus = "completed"
	// RequestStatusFailed indicates all items are terminal and at least one
	// failed.
	RequestStatusFailed RequestStatus = "failed"
	// RequestStatusCancelled indicates the request was cancelled.
	RequestStatusCancelled RequestStatus = "cancelled"
)

// EpisodeRef identifies a single episode within a TV request.
type EpisodeRef struct {
	Season  int `json:"season"`
	Episode int `json:"episode"`
}

// Request represents a user's acquisition order: one movie or a set of TV
// episodes, plus the delivery targets the results should land on.
type Request struct {
	BaseModel

	// Kind is the media class being acquired.
	Kind MediaKind `gorm:"not null;size:10;index" json:"kind"`

	// TmdbID is the TMDB identifier of the movie or show.
	TmdbID int64 `gorm:"not null;index" json:"tmdb_id"`

	// Title is the display title at request time.
	Title string `gorm:"not null;size:512" json:"title"`

	// Year is the release year (movies) or first-air year (TV).
	Year int `json:"year,omitempty"`

	// RequestedSeasons lists whole seasons to acquire (TV only).
	RequestedSeasons []int `gorm:"type:text;serializer:json" json:"requested_seasons,omitempty"`

	// RequestedEpisodes lists individual episodes to acquire (TV only).
	RequestedEpisodes []EpisodeRef `gorm:"type:text;serializer:json" json:"requested_episodes,omitempty"`

	// Targets names the storage targets results are delivered to.
	Targets []string `gorm:"type:text;serializer:json" json:"targets,omitempty"`

	// Status is the derived aggregate status (see RequestStatus).
	Status RequestStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// Progress is the 0-100 aggregate across processing items.
	Progress int `gorm:"default:0" json:"progress"`

	// Error holds the most recent user-visible failure text.
	Error string `gorm:"size:4096" json:"error,omitempty"`

	// CompletedAt is set when the request reaches a terminal status.
	CompletedAt *Time `json:"completed_at,omitempty"`
}

// TableName returns the table name for Request.
func (Request) TableName() string {
	return "requests"
}

// IsTerminal returns true once the request reached a final status.
func (r *Request) IsTerminal() bool {
	return r.Status == RequestStatusCompleted ||
		r.Status == RequestStatusFailed ||
		r.Status == RequestStatusCancelled
}

// MarkCompleted marks the request completed.
func (r *Request) MarkCompleted() {
	r.Status = RequestStatusCompleted
	r.Progress = 100
	r.Error = ""
	now := Now()
	r.CompletedAt = &now
}

// MarkFailed marks the request failed with the given user-visible error.
func (r *Request) MarkFailed(msg string) {
	r.Status = RequestStatusFailed
	r.Error = msg
	now := Now()
	r.CompletedAt = &now
}

// MarkCancelled marks the request cancelled.
func (r *Request) MarkCancelled() {
	r.Status = RequestStatusCancelled
	now := Now()
	r.CompletedAt = &now
}

// Validate performs basic validation on the request.
func (r *Request) Validate() error {
	if !r.Kind.Valid() {
		return ErrInvalidMediaKind
	}
	if r.Title == "" {
		return ErrTitleRequired
	}
	if r.TmdbID == 0 {
		return ErrTmdbIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the request and generates a ULID.
func (r *Request) BeforeCreate(tx *gorm.DB) error {
	if err := r.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return r.Validate()
}
