package models

import (
	"gorm.io/gorm"
)

// ItemType is the granularity of a processing item.
type ItemType string

const (
	// ItemTypeMovie is a whole-film unit of work.
	ItemTypeMovie ItemType = "movie"
	// ItemTypeEpisode is a single-episode unit of work.
	ItemTypeEpisode ItemType = "episode"
)

// ItemStatus is a state of the per-item acquisition state machine.
type ItemStatus string

const (
	ItemStatusPending     ItemStatus = "pending"
	ItemStatusSearching   ItemStatus = "searching"
	ItemStatusDiscovered  ItemStatus = "discovered"
	ItemStatusFound       ItemStatus = "found"
	ItemStatusDownloading ItemStatus = "downloading"
	ItemStatusDownloaded  ItemStatus = "downloaded"
	ItemStatusEncoding    ItemStatus = "encoding"
	ItemStatusEncoded     ItemStatus = "encoded"
	ItemStatusDelivering  ItemStatus = "delivering"
	ItemStatusCompleted   ItemStatus = "completed"
	ItemStatusFailed      ItemStatus = "failed"
	ItemStatusCancelled   ItemStatus = "cancelled"
)

// itemTransitions is the legal transition table. FAILED -> PENDING is the
// manual retry path; COMPLETED and CANCELLED are terminal.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusPending:     {ItemStatusSearching, ItemStatusCancelled},
	ItemStatusSearching:   {ItemStatusDiscovered, ItemStatusFound, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusDiscovered:  {ItemStatusDownloading, ItemStatusCancelled},
	ItemStatusFound:       {ItemStatusDownloading, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusDownloading: {ItemStatusDownloaded, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusDownloaded:  {ItemStatusEncoding, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusEncoding:    {ItemStatusEncoded, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusEncoded:     {ItemStatusDelivering, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusDelivering:  {ItemStatusCompleted, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusFailed:      {ItemStatusPending},
	ItemStatusCompleted:   {},
	ItemStatusCancelled:   {},
}

// CanTransitionTo returns true if target is a legal successor of s.
func (s ItemStatus) CanTransitionTo(target ItemStatus) bool {
	for _, allowed := range itemTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed and cancelled.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusCancelled
}

// StepContextFileValidated is the step context flag set once the downloaded
// file passed validation; required to leave DOWNLOADED.
const StepContextFileValidated = "file_validated"

// StepContextEncodedFile is the step context key holding the encoder's output
// path. The dispatcher stamps it when a job completes; the deliver step reads
// it to pick the payload to place in the library.
const StepContextEncodedFile = "encodedFile"

// StepContextRelease is the step context key holding the release chosen for
// the item. The search step stamps it; the download step and the cooldown
// promoter grab from it.
const StepContextRelease = "release"

// StepContextDeliveredTo is the step context key listing the final library
// paths the item's payload was copied to.
const StepContextDeliveredTo = "deliveredTo"

// ProcessingItem is the per-artifact unit of work: one movie or one episode,
// driven through the acquisition state machine independently of the template
// topology. The (RequestID, Type, Season, Episode) tuple is unique so retries
// never create duplicates; Season and Episode are zero for movies.
type ProcessingItem struct {
	BaseModel

	// RequestID links back to the originating request.
	RequestID ULID `gorm:"not null;index;uniqueIndex:idx_items_request_unit" json:"request_id"`

	// Type is the item granularity.
	Type ItemType `gorm:"not null;size:10;uniqueIndex:idx_items_request_unit" json:"type"`

	// TmdbID is the TMDB identifier of the movie or show.
	TmdbID int64 `gorm:"not null" json:"tmdb_id"`

	// Title is the display title used for searching and logging.
	Title string `gorm:"not null;size:512" json:"title"`

	// Season is the season number (episodes only, zero for movies).
	Season int `gorm:"not null;default:0;uniqueIndex:idx_items_request_unit" json:"season,omitempty"`

	// Episode is the episode number (episodes only, zero for movies).
	Episode int `gorm:"not null;default:0;uniqueIndex:idx_items_request_unit" json:"episode,omitempty"`

	// Status is the state machine position.
	Status ItemStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// Progress is the 0-100 progress of the current phase.
	Progress int `gorm:"default:0" json:"progress"`

	// CurrentStep names the pipeline step currently driving the item.
	CurrentStep string `gorm:"size:255" json:"current_step,omitempty"`

	// StepContext carries per-item data between steps and recovery sweeps.
	StepContext ContextMap `gorm:"type:text;serializer:json" json:"step_context,omitempty"`

	// DownloadID links to the backing download once one exists. Required to
	// enter DOWNLOADING. Season packs share one download across episodes.
	DownloadID *ULID `gorm:"type:varchar(26);index" json:"download_id,omitempty"`

	// EncodingJobID is the encode job this item is waiting on. Required to
	// enter ENCODING.
	EncodingJobID string `gorm:"size:36;index" json:"encoding_job_id,omitempty"`

	// SourceFilePath is the validated media file produced by the download
	// phase. Required to leave DOWNLOADED.
	SourceFilePath string `gorm:"size:1024" json:"source_file_path,omitempty"`

	// CooldownEndsAt delays DISCOVERED items until the wait window expires.
	CooldownEndsAt *Time `json:"cooldown_ends_at,omitempty"`

	// LastError holds the most recent user-visible failure text.
	LastError string `gorm:"size:4096" json:"last_error,omitempty"`
}

// TableName returns the table name for ProcessingItem.
func (ProcessingItem) TableName() string {
	return "processing_items"
}

// IsTerminal returns true once the item reached a final status.
func (i *ProcessingItem) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// ValidateTransition checks that moving to target is legal from the item's
// current status and that entry/exit requirements hold. It returns a
// TransitionError describing the refusal otherwise.
func (i *ProcessingItem) ValidateTransition(target ItemStatus) error {
	if !i.Status.CanTransitionTo(target) {
		return TransitionError{From: i.Status, To: target}
	}

	// Entry requirements.
	switch target {
	case ItemStatusDownloading:
		if i.DownloadID == nil || i.DownloadID.IsZero() {
			return TransitionError{From: i.Status, To: target, Reason: "download_id is not set"}
		}
	case ItemStatusEncoding:
		if i.EncodingJobID == "" {
			return TransitionError{From: i.Status, To: target, Reason: "encoding_job_id is not set"}
		}
	case ItemStatusDiscovered:
		if i.CooldownEndsAt == nil {
			return TransitionError{From: i.Status, To: target, Reason: "cooldown_ends_at is not set"}
		}
	}

	// Exit requirements.
	switch i.Status {
	case ItemStatusDownloaded:
		if target == ItemStatusEncoding {
			if i.SourceFilePath == "" {
				return TransitionError{From: i.Status, To: target, Reason: "source_file_path is not set"}
			}
			if !i.StepContext.GetBool(StepContextFileValidated) {
				return TransitionError{From: i.Status, To: target, Reason: "downloaded file has not been validated"}
			}
		}
	case ItemStatusDiscovered:
		if target == ItemStatusDownloading && i.CooldownEndsAt != nil && Now().Before(*i.CooldownEndsAt) {
			return TransitionError{From: i.Status, To: target, Reason: "cooldown window has not expired"}
		}
	}

	return nil
}

// Validate performs basic validation on the item.
func (i *ProcessingItem) Validate() error {
	if i.RequestID.IsZero() {
		return ErrRequestIDRequired
	}
	if i.Title == "" {
		return ErrTitleRequired
	}
	if i.Type != ItemTypeMovie && i.Type != ItemTypeEpisode {
		return ErrValidation{Field: "type", Message: "must be 'movie' or 'episode'"}
	}
	if i.Type == ItemTypeEpisode && (i.Season <= 0 || i.Episode <= 0) {
		return ErrValidation{Field: "episode", Message: "episodes require positive season and episode numbers"}
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the item and generates a ULID.
func (i *ProcessingItem) BeforeCreate(tx *gorm.DB) error {
	if err := i.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return i.Validate()
}
