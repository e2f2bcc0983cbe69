package steps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// DeliverHandler places encoded payloads into the storage targets using the
// library layout and finishes the items. Re-delivery after a crash is safe:
// targets rename atomically, so a half-finished item just repeats its copies.
type DeliverHandler struct {
	pipeline.BaseHandler
	deps Dependencies
}

// NewDeliverHandler creates a deliver step handler.
func NewDeliverHandler(deps Dependencies) *DeliverHandler {
	return &DeliverHandler{deps: deps}
}

// ValidateConfig checks the optional target list and artwork overrides.
func (h *DeliverHandler) ValidateConfig(cfg models.ContextMap) error {
	if _, err := stringList(cfg["targets"]); err != nil {
		return fmt.Errorf("config key %q: %w", "targets", err)
	}
	_, err := configString(cfg, "artworkUrl")
	return err
}

// Execute delivers every encoded item to the resolved targets and completes
// it. TV root executions skip; branches deliver their own episode.
func (h *DeliverHandler) Execute(ctx context.Context, in pipeline.Input) (*pipeline.StepOutput, error) {
	if isTVRoot(in) {
		return pipeline.Skipped(), nil
	}

	items, err := resolveItems(ctx, &h.deps, in)
	if err != nil {
		return nil, err
	}

	live := make([]*models.ProcessingItem, 0, len(items))
	failed := 0
	for _, item := range items {
		if item.Status == models.ItemStatusFailed {
			failed++
			continue
		}
		live = append(live, item)
	}
	if len(live) == 0 {
		if failed > 0 {
			return pipeline.Failed("every item of the request has failed"), nil
		}
		return pipeline.Skipped(), nil
	}

	targets, err := h.resolveTargets(in)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return pipeline.Failed("no storage targets configured"), nil
	}

	delivered := models.ContextMap{}
	raced := 0
	for _, item := range live {
		switch item.Status {
		case models.ItemStatusEncoded:
			ok, err := h.deps.Machine.ToDelivering(ctx, item)
			if err != nil {
				return nil, fmt.Errorf("moving item %s to delivering: %w", item.ID, err)
			}
			if !ok {
				raced++
				continue
			}
		case models.ItemStatusDelivering:
			// Crash recovery path; repeat the copies.
		default:
			return pipeline.Failed(fmt.Sprintf("item %s is not ready for delivery (status %s)",
				itemKey(item), item.Status)), nil
		}

		paths, err := h.deliverItem(ctx, in, item, targets)
		if err != nil {
			if faults.IsRetryable(err) {
				return nil, err
			}
			reason := fmt.Sprintf("delivering %s: %v", itemKey(item), err)
			if _, ferr := h.deps.Machine.ToFailed(ctx, item, reason); ferr != nil {
				return nil, fmt.Errorf("failing item %s: %w", item.ID, ferr)
			}
			return pipeline.Failed(reason), nil
		}
		delivered[itemKey(item)] = paths
	}

	if raced > 0 {
		// Another actor holds those items; the next walk converges.
		return pipeline.Paused("waiting for concurrent delivery to settle"), nil
	}

	targetNames := make([]any, 0, len(targets))
	for _, target := range targets {
		targetNames = append(targetNames, target.Name())
	}
	return pipeline.Completed(models.ContextMap{
		"deliver": map[string]any{
			"delivered": map[string]any(delivered),
			"targets":   targetNames,
		},
	}), nil
}

// deliverItem copies the item's best payload to every target, stamps the
// final paths, and completes the item.
func (h *DeliverHandler) deliverItem(ctx context.Context, in pipeline.Input, item *models.ProcessingItem, targets []adapters.StorageTarget) (map[string]any, error) {
	source, err := h.sourceFor(ctx, item)
	if err != nil {
		return nil, err
	}
	if source == "" {
		return nil, faults.Newf(faults.KindInvalid, "item %s has no payload to deliver", itemKey(item))
	}

	ext := filepath.Ext(source)
	if ext == "" {
		ext = ".mkv"
	}
	relative := libraryRelativePath(in.Context, item, ext)

	paths := make(map[string]any, len(targets))
	finals := make([]any, 0, len(targets))
	for _, target := range targets {
		final, err := target.Deliver(ctx, source, relative)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target.Name(), err)
		}
		paths[target.Name()] = final
		finals = append(finals, final)
		h.deps.logger().Info("payload delivered",
			slog.String("item_id", item.ID.String()),
			slog.String("target", target.Name()),
			slog.String("path", final))
	}

	h.deliverArtwork(ctx, in, item, targets)

	if item.StepContext == nil {
		item.StepContext = models.ContextMap{}
	}
	item.StepContext[models.StepContextDeliveredTo] = finals
	item.CurrentStep = string(models.StepTypeDeliver)
	if err := h.deps.Items.Update(ctx, item); err != nil {
		return nil, fmt.Errorf("recording delivery on item %s: %w", item.ID, err)
	}

	if _, err := h.deps.Machine.ToCompleted(ctx, item); err != nil {
		return nil, fmt.Errorf("completing item %s: %w", item.ID, err)
	}
	return paths, nil
}

// sourceFor picks the payload to deliver: the encoder output when there is
// one, the raw download otherwise.
func (h *DeliverHandler) sourceFor(ctx context.Context, item *models.ProcessingItem) (string, error) {
	if path := item.StepContext.GetString(models.StepContextEncodedFile); path != "" {
		return path, nil
	}
	if item.EncodingJobID != "" {
		assignment, err := h.deps.Assignments.GetByJobID(ctx, item.EncodingJobID)
		if err != nil {
			return "", fmt.Errorf("loading encode job %s: %w", item.EncodingJobID, err)
		}
		if assignment != nil && assignment.OutputPath != "" {
			return assignment.OutputPath, nil
		}
	}
	return item.SourceFilePath, nil
}

// resolveTargets returns the storage targets for this delivery, in priority
// order: step config override, then the request's target list, then every
// configured target.
func (h *DeliverHandler) resolveTargets(in pipeline.Input) ([]adapters.StorageTarget, error) {
	names, err := stringList(in.Config["targets"])
	if err != nil {
		return nil, fmt.Errorf("config key %q: %w", "targets", err)
	}
	if len(names) == 0 {
		names, err = stringList(in.Context.Namespace("request")["targets"])
		if err != nil {
			return nil, fmt.Errorf("request targets: %w", err)
		}
	}

	if len(names) == 0 {
		all := make([]adapters.StorageTarget, 0, len(h.deps.Adapters.Targets))
		for _, target := range h.deps.Adapters.Targets {
			all = append(all, target)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
		return all, nil
	}

	targets := make([]adapters.StorageTarget, 0, len(names))
	for _, name := range names {
		target, err := h.deps.Adapters.Target(name)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// deliverArtwork ships the optional poster sidecar next to the payload.
// Artwork never blocks delivery; failures are logged and dropped.
func (h *DeliverHandler) deliverArtwork(ctx context.Context, in pipeline.Input, item *models.ProcessingItem, targets []adapters.StorageTarget) {
	url, err := configString(in.Config, "artworkUrl")
	if err != nil || url == "" || h.deps.Artwork == nil {
		return
	}

	local, ext, err := h.deps.Artwork.Fetch(ctx, url)
	if err != nil {
		h.deps.logger().Warn("artwork fetch failed",
			slog.String("url", url),
			slog.Any("error", err))
		return
	}
	defer os.Remove(local)

	relative := filepath.Join(artworkDir(in.Context, item), "poster"+ext)
	for _, target := range targets {
		if _, err := target.Deliver(ctx, local, relative); err != nil {
			h.deps.logger().Warn("artwork delivery failed",
				slog.String("target", target.Name()),
				slog.Any("error", err))
		}
	}
}

// libraryRelativePath lays files out the way media servers expect:
// movies/Title (Year)/Title (Year).ext and
// tv/Show/Season 02/Show - S02E05.ext.
func libraryRelativePath(pctx models.ContextMap, item *models.ProcessingItem, ext string) string {
	title := sanitizeName(mediaTitle(pctx))
	if title == "" {
		title = sanitizeName(item.Title)
	}

	if item.Type == models.ItemTypeMovie {
		name := title
		if year := mediaYear(pctx); year > 0 {
			name = fmt.Sprintf("%s (%d)", title, year)
		}
		return filepath.Join("movies", name, name+ext)
	}

	season := fmt.Sprintf("Season %02d", item.Season)
	file := fmt.Sprintf("%s - S%02dE%02d%s", title, item.Season, item.Episode, ext)
	return filepath.Join("tv", title, season, file)
}

// artworkDir is where the poster sidecar lands: the movie folder, or the
// show folder for episodes.
func artworkDir(pctx models.ContextMap, item *models.ProcessingItem) string {
	title := sanitizeName(mediaTitle(pctx))
	if title == "" {
		title = sanitizeName(item.Title)
	}
	if item.Type == models.ItemTypeMovie {
		name := title
		if year := mediaYear(pctx); year > 0 {
			name = fmt.Sprintf("%s (%d)", title, year)
		}
		return filepath.Join("movies", name)
	}
	return filepath.Join("tv", title)
}

var unsafePathChars = regexp.MustCompile(`[<>:"/\\|?*]+`)

// sanitizeName strips characters that are unsafe in library folder names and
// collapses the whitespace left behind.
func sanitizeName(name string) string {
	cleaned := unsafePathChars.ReplaceAllString(name, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// stringList coerces config and context list values, which arrive as
// []string fresh from a request and as []any after a JSON context clone.
func stringList(raw any) ([]string, error) {
	switch list := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string entries, got %T", v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
}
