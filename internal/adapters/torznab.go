package adapters

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/httpclient"
)

// torznab attribute names carried in item extensions.
const (
	torznabAttrSeeders  = "seeders"
	torznabAttrInfoHash = "infohash"
)

// maxTorznabBody bounds a search response; a feed past this size is a broken
// indexer, not a big result set.
const maxTorznabBody = 32 << 20

// TorznabIndexer queries a Torznab-compatible search endpoint (Jackett,
// Prowlarr, NZBHydra and most native trackers speak it).
type TorznabIndexer struct {
	name    string
	baseURL string
	apiKey  string
	client  *httpclient.Client
}

// NewTorznabIndexer creates an indexer over a Torznab endpoint. baseURL is
// the path up to and including /api; the query parameters are appended.
func NewTorznabIndexer(name, baseURL, apiKey string, client *httpclient.Client) *TorznabIndexer {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	return &TorznabIndexer{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// Name returns the configured indexer name.
func (t *TorznabIndexer) Name() string {
	return t.name
}

// Search runs one Torznab query and maps the feed into releases.
func (t *TorznabIndexer) Search(ctx context.Context, query SearchQuery) ([]Release, error) {
	searchURL, err := t.buildURL(query)
	if err != nil {
		return nil, faults.New(faults.KindInvalid, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, faults.Classify(fmt.Errorf("querying indexer %s: %w", t.name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, faults.FromStatusCode(resp.StatusCode, retryAfterHeader(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTorznabBody))
	if err != nil {
		return nil, faults.Classify(fmt.Errorf("reading indexer response: %w", err))
	}

	releases, err := parseTorznabFeed(body, t.name)
	if err != nil {
		return nil, fmt.Errorf("parsing indexer %s response: %w", t.name, err)
	}
	return releases, nil
}

// buildURL assembles the Torznab query. TV queries use t=tvsearch with
// season/ep parameters; movie queries use t=movie with the year folded into
// the free-text term, which more trackers match than the year parameter.
func (t *TorznabIndexer) buildURL(query SearchQuery) (string, error) {
	if query.Title == "" {
		return "", fmt.Errorf("search query has no title")
	}

	params := url.Values{}
	params.Set("apikey", t.apiKey)

	switch {
	case query.Season != nil:
		params.Set("t", "tvsearch")
		params.Set("q", query.Title)
		params.Set("season", strconv.Itoa(*query.Season))
		if query.Episode != nil {
			params.Set("ep", strconv.Itoa(*query.Episode))
		}
	default:
		params.Set("t", "movie")
		term := query.Title
		if query.Year > 0 {
			term = fmt.Sprintf("%s %d", query.Title, query.Year)
		}
		params.Set("q", term)
	}

	return t.baseURL + "?" + params.Encode(), nil
}

// torznabFeed is the subset of the RSS response the indexer cares about.
type torznabFeed struct {
	Channel struct {
		Items []torznabItem `xml:"item"`
	} `xml:"channel"`
}

type torznabItem struct {
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	Size      int64  `xml:"size"`
	PubDate   string `xml:"pubDate"`
	Enclosure struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
	Attrs []torznabAttr `xml:"attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (i *torznabItem) attr(name string) string {
	for _, a := range i.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value
		}
	}
	return ""
}

func parseTorznabFeed(body []byte, indexer string) ([]Release, error) {
	var feed torznabFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decoding torznab feed: %w", err)
	}

	releases := make([]Release, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		if item.Title == "" {
			continue
		}
		downloadURL := item.Link
		if downloadURL == "" {
			downloadURL = item.Enclosure.URL
		}
		if downloadURL == "" {
			continue
		}

		release := Release{
			Title:       item.Title,
			DownloadURL: downloadURL,
			InfoHash:    strings.ToLower(item.attr(torznabAttrInfoHash)),
			Size:        item.Size,
			Indexer:     indexer,
		}
		if seeders, err := strconv.Atoi(item.attr(torznabAttrSeeders)); err == nil {
			release.Seeders = seeders
		}
		if item.PubDate != "" {
			if published, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
				release.PublishedAt = published
			} else if published, err := time.Parse(time.RFC1123, item.PubDate); err == nil {
				release.PublishedAt = published
			}
		}
		releases = append(releases, release)
	}
	return releases, nil
}

// retryAfterHeader parses a Retry-After response header as a delay. Absolute
// HTTP dates are converted relative to now; garbage yields zero.
func retryAfterHeader(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
