package adapters

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Release name patterns. Episode numbering is the SxxEyy convention; season
// packs name a season with no episode.
var (
	episodePattern    = regexp.MustCompile(`(?i)\bS(\d{1,2})\s?E(\d{1,2})\b`)
	seasonPackPattern = regexp.MustCompile(`(?i)\b(?:S(\d{1,2})|Season[ ._-]?(\d{1,2}))\b`)
	yearPattern       = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	separatorPattern  = regexp.MustCompile(`[._\-\[\]()+]+`)
)

// Score weights. Title similarity dominates; seeders break ties between
// plausible candidates rather than outvoting a bad title match.
const (
	titleWeight     = 60
	numberingWeight = 20
	seederWeight    = 20
	seederCeiling   = 20
)

// NormalizeTitle lowercases, strips diacritics, and collapses release-name
// separators so "Les.Misérables-2012" and "les miserables 2012" compare equal.
func NormalizeTitle(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, title)
	if err != nil {
		stripped = title
	}
	stripped = strings.ToLower(stripped)
	stripped = separatorPattern.ReplaceAllString(stripped, " ")
	return strings.Join(strings.Fields(stripped), " ")
}

// ParseEpisode extracts SxxEyy numbering from a release or file name.
func ParseEpisode(name string) (season, episode int, ok bool) {
	m := episodePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	season, _ = strconv.Atoi(m[1])
	episode, _ = strconv.Atoi(m[2])
	return season, episode, true
}

// ParseSeasonPack reports the season number of a pack-style name: a season
// marker with no episode marker.
func ParseSeasonPack(name string) (season int, ok bool) {
	if _, _, isEpisode := ParseEpisode(name); isEpisode {
		return 0, false
	}
	m := seasonPackPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	for _, group := range m[1:] {
		if group != "" {
			season, _ = strconv.Atoi(group)
			return season, true
		}
	}
	return 0, false
}

// ScoreRelease rates a release against a query on a 0-100 scale. Zero means
// unusable (wrong title, wrong numbering, or dead); the search step filters
// on a configured minimum.
func ScoreRelease(release Release, query SearchQuery) int {
	if release.Seeders <= 0 {
		return 0
	}

	score := titleScore(release.Title, query)
	if score == 0 {
		return 0
	}

	if query.Season != nil {
		if !numberingMatches(release.Title, query) {
			return 0
		}
		score += numberingWeight
	} else {
		if year, ok := releaseYear(release.Title); ok && query.Year > 0 {
			if year == query.Year {
				score += numberingWeight
			} else if year != query.Year+1 && year != query.Year-1 {
				// A far-off year on a title match is a different film.
				return 0
			}
		}
	}

	seeders := release.Seeders
	if seeders > seederCeiling {
		seeders = seederCeiling
	}
	score += seeders * seederWeight / seederCeiling

	if score > 100 {
		score = 100
	}
	return score
}

// titleScore rates how much of the wanted title the release name carries.
func titleScore(releaseTitle string, query SearchQuery) int {
	wanted := strings.Fields(NormalizeTitle(query.Title))
	if len(wanted) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, word := range strings.Fields(NormalizeTitle(releaseTitle)) {
		have[word] = true
	}

	matched := 0
	for _, word := range wanted {
		if have[word] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return titleWeight * matched / len(wanted)
}

// numberingMatches checks that a TV release carries the queried episode or is
// the queried season's pack.
func numberingMatches(releaseTitle string, query SearchQuery) bool {
	if query.Episode != nil {
		season, episode, ok := ParseEpisode(releaseTitle)
		return ok && season == *query.Season && episode == *query.Episode
	}
	season, ok := ParseSeasonPack(releaseTitle)
	return ok && season == *query.Season
}

func releaseYear(releaseTitle string) (int, bool) {
	m := yearPattern.FindString(releaseTitle)
	if m == "" {
		return 0, false
	}
	year, err := strconv.Atoi(m)
	return year, err == nil
}
