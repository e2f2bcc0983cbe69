package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// SearchHandler queries the configured indexers for each unit of work and
// either records a grabbable release (item FOUND) or parks the group on a
// cooldown (item DISCOVERED) when nothing scores above the grab threshold.
// Episode items of the same season search together as one season-pack query;
// single-episode groups and branches query at episode granularity.
type SearchHandler struct {
	pipeline.BaseHandler
	deps Dependencies
}

// NewSearchHandler creates a search step handler.
func NewSearchHandler(deps Dependencies) *SearchHandler {
	return &SearchHandler{deps: deps}
}

// ValidateConfig checks the optional overrides a template step may carry.
func (h *SearchHandler) ValidateConfig(cfg models.ContextMap) error {
	if _, _, err := configNumber(cfg, "minScore"); err != nil {
		return err
	}
	if _, _, err := configNumber(cfg, "cooldownMinutes"); err != nil {
		return err
	}
	return nil
}

// Execute resolves a release per season group. It pauses the execution when
// any group is waiting out a cooldown; the cooldown promoter resumes it.
func (h *SearchHandler) Execute(ctx context.Context, in pipeline.Input) (*pipeline.StepOutput, error) {
	items, err := resolveItems(ctx, &h.deps, in)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return pipeline.Skipped(), nil
	}

	minScore := h.deps.Search.MinScore
	if v, ok, err := configNumber(in.Config, "minScore"); err != nil {
		return nil, err
	} else if ok {
		minScore = int(v)
	}
	cooldown := h.deps.Search.Cooldown
	if v, ok, err := configNumber(in.Config, "cooldownMinutes"); err != nil {
		return nil, err
	} else if ok {
		cooldown = time.Duration(v) * time.Minute
	}
	if cooldown <= 0 {
		cooldown = time.Hour
	}

	chosen := make([]any, 0, 4)
	var waitUntil time.Time
	waiting := 0

	for _, group := range groupItems(items) {
		release, parkedUntil, err := h.resolveGroup(ctx, in, group, minScore, cooldown)
		if err != nil {
			return nil, err
		}
		if !parkedUntil.IsZero() {
			waiting++
			if parkedUntil.After(waitUntil) {
				waitUntil = parkedUntil
			}
			continue
		}
		if release != nil {
			chosen = append(chosen, map[string]any(release))
		}
	}

	if waiting > 0 {
		return pipeline.Paused(fmt.Sprintf(PauseWaitingForCooldown+" until %s",
			waitUntil.UTC().Format(time.RFC3339))), nil
	}

	return pipeline.Completed(models.ContextMap{
		"search": map[string]any{
			"chosen":   chosen,
			"minScore": minScore,
		},
	}), nil
}

// seasonGroup is the unit a single indexer query covers: the movie item, or
// the episode items of one season.
type seasonGroup struct {
	season int
	items  []*models.ProcessingItem
}

func groupItems(items []*models.ProcessingItem) []seasonGroup {
	bySeason := make(map[int][]*models.ProcessingItem)
	order := make([]int, 0, 4)
	for _, item := range items {
		season := 0
		if item.Type == models.ItemTypeEpisode {
			season = item.Season
		}
		if _, seen := bySeason[season]; !seen {
			order = append(order, season)
		}
		bySeason[season] = append(bySeason[season], item)
	}

	groups := make([]seasonGroup, 0, len(order))
	for _, season := range order {
		groups = append(groups, seasonGroup{season: season, items: bySeason[season]})
	}
	return groups
}

// resolveGroup returns the group's grabbable release, or the time its
// cooldown ends when the group is parked. Both zero means the group has
// already progressed past search.
func (h *SearchHandler) resolveGroup(ctx context.Context, in pipeline.Input, group seasonGroup, minScore int, cooldown time.Duration) (models.ContextMap, time.Time, error) {
	now := nowUTC()

	var (
		searchable []*models.ProcessingItem
		parked     []*models.ProcessingItem
		expired    []*models.ProcessingItem
		stored     models.ContextMap
	)
	allPast := true
	for _, item := range group.items {
		if !statusAtLeast(item.Status, models.ItemStatusDownloading) {
			allPast = false
		}
		if stored == nil {
			stored = storedRelease(item)
		}
		switch item.Status {
		case models.ItemStatusPending, models.ItemStatusSearching:
			searchable = append(searchable, item)
		case models.ItemStatusDiscovered:
			if item.CooldownEndsAt != nil && item.CooldownEndsAt.After(now) {
				parked = append(parked, item)
			} else {
				expired = append(expired, item)
			}
		}
	}

	switch {
	case allPast:
		// Already grabbed; nothing for search to do.
		return stored, time.Time{}, nil
	case len(parked) > 0:
		return nil, latestCooldown(parked), nil
	case stored != nil && len(searchable) == 0:
		// Discovered items past their cooldown grab the stored release.
		return stored, time.Time{}, nil
	case stored != nil:
		// A crash left part of the group behind; adopt the release the rest
		// of the group already chose instead of searching again.
		if err := h.adoptRelease(ctx, searchable, stored); err != nil {
			return nil, time.Time{}, err
		}
		return stored, time.Time{}, nil
	}

	targets := append(searchable, expired...)
	for _, item := range searchable {
		if item.Status != models.ItemStatusPending {
			continue
		}
		if _, err := h.deps.Machine.ToSearching(ctx, item); err != nil {
			return nil, time.Time{}, fmt.Errorf("moving item %s to searching: %w", item.ID, err)
		}
	}

	query := buildQuery(in, group)
	releases, deniedFor, err := h.searchIndexers(ctx, query)
	if err != nil {
		return nil, time.Time{}, err
	}
	if deniedFor > 0 {
		until := now.Add(deniedFor)
		h.deps.logger().Info("all indexers rate limited, parking group",
			slog.String("title", query.Title),
			slog.Int("season", group.season),
			slog.Time("until", until))
		if err := h.parkGroup(ctx, targets, until, nil); err != nil {
			return nil, time.Time{}, err
		}
		return nil, until, nil
	}

	best, bestScore := pickBest(query, releases)
	if best == nil {
		until := now.Add(cooldown)
		h.deps.logger().Info("no matching release, cooling down",
			slog.String("title", query.Title),
			slog.Int("season", group.season),
			slog.Int("candidates", len(releases)),
			slog.Time("until", until))
		if err := h.parkGroup(ctx, targets, until, nil); err != nil {
			return nil, time.Time{}, err
		}
		return nil, until, nil
	}

	release := releaseToMap(*best, bestScore, group.season, query)
	if bestScore < minScore {
		until := now.Add(cooldown)
		h.deps.logger().Info("best release below grab threshold, cooling down",
			slog.String("title", best.Title),
			slog.Int("score", bestScore),
			slog.Int("min_score", minScore),
			slog.Time("until", until))
		if err := h.parkGroup(ctx, targets, until, release); err != nil {
			return nil, time.Time{}, err
		}
		return nil, until, nil
	}

	h.deps.logger().Info("release chosen",
		slog.String("title", best.Title),
		slog.String("indexer", best.Indexer),
		slog.Int("score", bestScore),
		slog.Int("seeders", best.Seeders))
	if err := h.adoptRelease(ctx, targets, release); err != nil {
		return nil, time.Time{}, err
	}
	return release, time.Time{}, nil
}

// searchIndexers fans the query across every configured indexer, honouring
// each one's rate limit window. A positive duration with no releases means
// every indexer was rate limited and the group should wait that long.
func (h *SearchHandler) searchIndexers(ctx context.Context, query adapters.SearchQuery) ([]adapters.Release, time.Duration, error) {
	set := h.deps.Adapters
	if set == nil || len(set.Indexers) == 0 {
		return nil, 0, faults.New(faults.KindInvalid, errors.New("no indexers configured"))
	}

	var (
		all    []adapters.Release
		denied int
		retry  time.Duration
	)
	for _, indexer := range set.Indexers {
		decision, err := h.deps.Limiter.Acquire(ctx, indexer.Name(), set.Limits[indexer.Name()])
		if err != nil {
			return nil, 0, fmt.Errorf("rate limit check for %s: %w", indexer.Name(), err)
		}
		if !decision.Allowed {
			denied++
			if retry == 0 || decision.RetryAfter < retry {
				retry = decision.RetryAfter
			}
			continue
		}

		releases, err := indexer.Search(ctx, query)
		if err != nil {
			// One indexer down must not sink the whole search round.
			h.deps.logger().Warn("indexer search failed",
				slog.String("indexer", indexer.Name()),
				slog.Any("error", err))
			continue
		}
		all = append(all, releases...)
	}

	if len(all) == 0 && denied > 0 && denied == len(set.Indexers) {
		if retry < time.Minute {
			retry = time.Minute
		}
		return nil, retry, nil
	}
	return all, 0, nil
}

func buildQuery(in pipeline.Input, group seasonGroup) adapters.SearchQuery {
	media := in.Context.Namespace("media")
	query := adapters.SearchQuery{
		Kind:  models.MediaKind(media.GetString("kind")),
		Title: media.GetString("title"),
		Year:  mediaYear(in.Context),
	}
	if tmdb, ok := media["tmdbId"].(float64); ok {
		query.TmdbID = int64(tmdb)
	}
	if group.season > 0 {
		season := group.season
		query.Season = &season
		// A lone episode in the group means the caller wants exactly that
		// episode, not the season pack.
		if len(group.items) == 1 && group.items[0].Type == models.ItemTypeEpisode {
			episode := group.items[0].Episode
			query.Episode = &episode
		}
	}
	return query
}

func pickBest(query adapters.SearchQuery, releases []adapters.Release) (*adapters.Release, int) {
	var best *adapters.Release
	bestScore := 0
	for i := range releases {
		score := adapters.ScoreRelease(releases[i], query)
		if score <= 0 {
			continue
		}
		if best == nil || score > bestScore {
			best = &releases[i]
			bestScore = score
		}
	}
	return best, bestScore
}

// adoptRelease records the chosen release on each item and moves searching
// items to FOUND. Discovered items keep their status; the grab is legal from
// there once the cooldown passed.
func (h *SearchHandler) adoptRelease(ctx context.Context, items []*models.ProcessingItem, release models.ContextMap) error {
	for _, item := range items {
		if item.Status == models.ItemStatusSearching {
			ok, err := h.deps.Machine.ToFound(ctx, item)
			if err != nil {
				return fmt.Errorf("moving item %s to found: %w", item.ID, err)
			}
			if !ok {
				// Another actor moved the item; leave its context alone.
				continue
			}
		}
		if err := h.stampRelease(ctx, item, release); err != nil {
			return err
		}
	}
	return nil
}

// parkGroup parks every target item on the cooldown, keeping the
// below-threshold release (when there is one) so a later round can grab it
// without searching again.
func (h *SearchHandler) parkGroup(ctx context.Context, items []*models.ProcessingItem, until time.Time, release models.ContextMap) error {
	for _, item := range items {
		switch item.Status {
		case models.ItemStatusSearching:
			ok, err := h.deps.Machine.ToDiscovered(ctx, item, until)
			if err != nil {
				return fmt.Errorf("parking item %s: %w", item.ID, err)
			}
			if !ok {
				continue
			}
		case models.ItemStatusDiscovered:
			// Re-search round came up empty; extend the window in place.
			end := until
			item.CooldownEndsAt = &end
		default:
			continue
		}
		if err := h.stampRelease(ctx, item, release); err != nil {
			return err
		}
	}
	return nil
}

func (h *SearchHandler) stampRelease(ctx context.Context, item *models.ProcessingItem, release models.ContextMap) error {
	if item.StepContext == nil {
		item.StepContext = models.ContextMap{}
	}
	if release != nil {
		item.StepContext[models.StepContextRelease] = map[string]any(release)
	}
	item.CurrentStep = string(models.StepTypeSearch)
	if err := h.deps.Items.Update(ctx, item); err != nil {
		return fmt.Errorf("recording search result on item %s: %w", item.ID, err)
	}
	return nil
}

func storedRelease(item *models.ProcessingItem) models.ContextMap {
	raw, ok := item.StepContext[models.StepContextRelease]
	if !ok {
		return nil
	}
	switch rel := raw.(type) {
	case map[string]any:
		return models.ContextMap(rel)
	case models.ContextMap:
		return rel
	default:
		return nil
	}
}

func latestCooldown(items []*models.ProcessingItem) time.Time {
	var latest time.Time
	for _, item := range items {
		if item.CooldownEndsAt != nil && item.CooldownEndsAt.After(latest) {
			latest = *item.CooldownEndsAt
		}
	}
	return latest
}

func releaseToMap(release adapters.Release, score, season int, query adapters.SearchQuery) models.ContextMap {
	m := models.ContextMap{
		"title":       release.Title,
		"downloadUrl": release.DownloadURL,
		"infoHash":    release.InfoHash,
		"size":        release.Size,
		"seeders":     release.Seeders,
		"indexer":     release.Indexer,
		"score":       score,
		"season":      season,
	}
	if query.Episode != nil {
		m["episode"] = *query.Episode
	}
	return m
}
