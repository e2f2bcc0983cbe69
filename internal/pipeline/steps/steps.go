// Package steps implements the concrete pipeline step handlers: search,
// download, encode, deliver, approval, and notification. Handlers are written
// to converge rather than to run once: a re-executed handler inspects how far
// its processing items already got and only performs the missing work, which
// is what lets executions pause, resume, crash, and re-walk safely.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/ratelimit"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/statemachine"
)

// Pause reasons the handlers park executions with. External components
// (dispatcher, download poller, cooldown promoter) match on them to resume
// only the executions waiting on their event, never ones parked for
// approval or another concern.
const (
	// PauseWaitingForEncoder marks executions parked on encode jobs.
	PauseWaitingForEncoder = "waiting for encoder"
	// PauseWaitingForDownloads marks executions parked on the download client.
	PauseWaitingForDownloads = "waiting for downloads to finish"
	// PauseWaitingForCooldown prefixes executions parked on a release
	// cooldown; the full reason carries the promotion time.
	PauseWaitingForCooldown = "waiting for release cooldown"
)

// ArtworkFetcher downloads a poster image to a local staging file and
// validates it. The returned path is temporary; callers deliver it and then
// remove it.
type ArtworkFetcher interface {
	Fetch(ctx context.Context, url string) (path string, ext string, err error)
}

// Dependencies carries everything the step handlers share. The composition
// root fills it once and registers every handler from it.
type Dependencies struct {
	Items       repository.ProcessingItemRepository
	Downloads   repository.DownloadRepository
	Assignments repository.EncoderAssignmentRepository
	Machine     *statemachine.Machine
	Adapters    *adapters.Set
	Limiter     *ratelimit.Limiter
	Artwork     ArtworkFetcher
	Search      config.SearchConfig
	Download    config.DownloadConfig
	Dispatch    config.DispatchConfig
	Logger      *slog.Logger
}

func (d *Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// RegisterAll binds every step kind into the registry.
func RegisterAll(registry *pipeline.Registry, deps Dependencies) {
	registry.MustRegister(models.StepTypeSearch, func() pipeline.Handler { return NewSearchHandler(deps) })
	registry.MustRegister(models.StepTypeDownload, func() pipeline.Handler { return NewDownloadHandler(deps) })
	registry.MustRegister(models.StepTypeEncode, func() pipeline.Handler { return NewEncodeHandler(deps) })
	registry.MustRegister(models.StepTypeDeliver, func() pipeline.Handler { return NewDeliverHandler(deps) })
	registry.MustRegister(models.StepTypeApproval, func() pipeline.Handler { return NewApprovalHandler(deps) })
	registry.MustRegister(models.StepTypeNotification, func() pipeline.Handler { return NewNotificationHandler(deps) })
}

// resolveItems returns the processing items a step invocation drives: the
// branch's single item, or every live item of the request for root
// executions.
func resolveItems(ctx context.Context, deps *Dependencies, in pipeline.Input) ([]*models.ProcessingItem, error) {
	if in.ItemID != nil {
		item, err := deps.Items.GetByID(ctx, *in.ItemID)
		if err != nil {
			return nil, fmt.Errorf("loading branch item: %w", err)
		}
		if item == nil {
			return nil, fmt.Errorf("branch item %s not found", in.ItemID)
		}
		return []*models.ProcessingItem{item}, nil
	}

	items, err := deps.Items.GetByRequestID(ctx, in.RequestID)
	if err != nil {
		return nil, fmt.Errorf("loading request items: %w", err)
	}
	live := make([]*models.ProcessingItem, 0, len(items))
	for _, item := range items {
		if !item.IsTerminal() {
			live = append(live, item)
		}
	}
	return live, nil
}

// isTVRoot reports whether the invocation is the root execution of a TV
// request. Per-episode phases (encode, deliver) skip there; branches own
// them.
func isTVRoot(in pipeline.Input) bool {
	if in.IsBranch {
		return false
	}
	media := in.Context.Namespace("media")
	return media.GetString("kind") == string(models.MediaKindTV)
}

// itemKey names an item inside shared context maps: "movie" for films,
// "S02E05" style for episodes.
func itemKey(item *models.ProcessingItem) string {
	if item.Type == models.ItemTypeMovie {
		return "movie"
	}
	return fmt.Sprintf("S%02dE%02d", item.Season, item.Episode)
}

// statusAtLeast reports whether an item has progressed to target or beyond on
// the happy path.
func statusAtLeast(status, target models.ItemStatus) bool {
	order := map[models.ItemStatus]int{
		models.ItemStatusPending:     0,
		models.ItemStatusSearching:   1,
		models.ItemStatusDiscovered:  2,
		models.ItemStatusFound:       2,
		models.ItemStatusDownloading: 3,
		models.ItemStatusDownloaded:  4,
		models.ItemStatusEncoding:    5,
		models.ItemStatusEncoded:     6,
		models.ItemStatusDelivering:  7,
		models.ItemStatusCompleted:   8,
	}
	current, ok := order[status]
	if !ok {
		return false
	}
	want, ok := order[target]
	if !ok {
		return false
	}
	return current >= want
}

// configString reads an optional string from step config.
func configString(cfg models.ContextMap, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config key %q must be a string", key)
	}
	return s, nil
}

// configNumber reads an optional number from step config. JSON decoding
// leaves float64 behind; template literals may be int.
func configNumber(cfg models.ContextMap, key string) (float64, bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	default:
		return 0, false, fmt.Errorf("config key %q must be a number", key)
	}
}

// mediaTitle pulls the display title out of the pipeline context.
func mediaTitle(pctx models.ContextMap) string {
	return pctx.Namespace("media").GetString("title")
}

// mediaYear pulls the release year out of the pipeline context.
func mediaYear(pctx models.ContextMap) int {
	media := pctx.Namespace("media")
	if media == nil {
		return 0
	}
	switch y := media["year"].(type) {
	case float64:
		return int(y)
	case int:
		return y
	default:
		return 0
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
