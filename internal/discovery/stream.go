// Package discovery pages through the full-text search API and feeds the hits to
// the fetch queue, one page at a time.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/filing-archiver/internal/accession"
	"github.com/JakeFAU/filing-archiver/internal/filing"
	"github.com/JakeFAU/filing-archiver/internal/metrics"
)

// Defaults for the public EDGAR endpoints.
const (
	DefaultSearchURL   = "https://efts.sec.gov/LATEST/search-index"
	DefaultURLTemplate = "https://www.sec.gov/Archives/edgar/data/{cik}/{accession_nodash}/{accession}.txt"
	DefaultPageSize    = 100
)

// State is the position of the stream in its page cycle.
type State int

// Stream states. Hits are enqueued while Querying; the stream then stays
// PausedForDownloads until every queued target is done, and is Draining while it
// decides between the next page and Done.
const (
	Querying State = iota
	PausedForDownloads
	Draining
	Done
)

func (s State) String() string {
	switch s {
	case Querying:
		return "querying"
	case PausedForDownloads:
		return "paused_for_downloads"
	case Draining:
		return "draining"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Query narrows the search. Empty fields are omitted from the request.
type Query struct {
	Text      string
	Forms     []string
	CIKs      []string
	StartDate string
	EndDate   string
}

// Config controls the stream.
type Config struct {
	SearchURL   string
	URLTemplate string
	PageSize    int
	APIKey      string
	UserAgent   string
}

// Sink receives targets and blocks in Join until every enqueued target finished.
type Sink interface {
	Enqueue(ctx context.Context, target filing.FetchTarget) error
	Join(ctx context.Context) error
}

// PageObserver is told how many hits each page carried.
type PageObserver interface {
	SearchPage(hits int)
}

// Stats counts what the stream saw.
type Stats struct {
	Pages      int
	Hits       int
	Total      int
	Queued     int
	Skipped    int
	Duplicates int
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStateObserver registers fn for every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(s *Stream) {
		s.onState = fn
	}
}

// WithPageObserver registers a PageObserver.
func WithPageObserver(o PageObserver) Option {
	return func(s *Stream) {
		s.pages = o
	}
}

// Stream converts search pages into fetch targets. Pagination pauses while the
// targets of the current page are downloaded.
type Stream struct {
	cfg     Config
	fetcher filing.Fetcher
	limiter filing.RateLimiter
	sink    Sink
	policy  filing.Policy
	logger  *zap.Logger
	onState func(State)
	pages   PageObserver
	headers map[string]string
	state   State
}

// New builds a Stream. policy may be nil.
func New(cfg Config, fetcher filing.Fetcher, limiter filing.RateLimiter, sink Sink, policy filing.Policy, opts ...Option) *Stream {
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	headers := map[string]string{"User-Agent": cfg.UserAgent, "Accept": "application/json"}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	s := &Stream{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: limiter,
		sink:    sink,
		policy:  policy,
		logger:  zap.NewNop(),
		headers: headers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state. It is only meaningful from the goroutine running
// Run or from a state observer.
func (s *Stream) State() State {
	return s.state
}

// Run pages through q until a page comes back empty or the reported total is
// reached. Every target of a page has finished before the next page is requested.
// A failed page request ends the stream with that error.
func (s *Stream) Run(ctx context.Context, q Query) (Stats, error) {
	var stats Stats
	seen := make(map[accession.Number]struct{})
	defer s.setState(Done)

	for offset := 0; ; {
		s.setState(Querying)
		page, err := s.fetchPage(ctx, q, offset)
		if err != nil {
			return stats, fmt.Errorf("search page at offset %d: %w", offset, err)
		}
		stats.Pages++
		stats.Hits += len(page.hits)
		stats.Total = page.total
		metrics.ObserveSearchPage()
		if s.pages != nil {
			s.pages.SearchPage(len(page.hits))
		}
		s.logger.Debug("search page",
			zap.Int("offset", offset),
			zap.Int("hits", len(page.hits)),
			zap.Int("total", page.total),
		)
		if len(page.hits) == 0 {
			return stats, nil
		}

		for i := range page.hits {
			hit := page.hits[i]
			target, ok := s.target(&hit)
			if !ok {
				stats.Skipped++
				continue
			}
			if _, dup := seen[target.ID]; dup {
				stats.Duplicates++
				continue
			}
			seen[target.ID] = struct{}{}
			if err := s.sink.Enqueue(ctx, target); err != nil {
				return stats, fmt.Errorf("enqueue %s: %w", target.ID.Dash(), err)
			}
			stats.Queued++
		}

		s.setState(PausedForDownloads)
		if err := s.sink.Join(ctx); err != nil {
			return stats, fmt.Errorf("wait for downloads: %w", err)
		}
		s.setState(Draining)

		offset += len(page.hits)
		if offset >= page.total {
			return stats, nil
		}
	}
}

func (s *Stream) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
}

type page struct {
	hits  []filing.Hit
	total int
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *Stream) fetchPage(ctx context.Context, q Query, offset int) (page, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return page{}, fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := s.fetcher.Get(ctx, s.PageURL(q, offset), s.headers)
	if err != nil {
		return page{}, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return page{}, filing.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return page{}, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return page{}, fmt.Errorf("decode search response: %w", err)
	}
	out := page{total: body.Hits.Total.Value, hits: make([]filing.Hit, 0, len(body.Hits.Hits))}
	for _, raw := range body.Hits.Hits {
		out.hits = append(out.hits, filing.Hit{
			ID:      raw.ID,
			CIK:     firstString(raw.Source["ciks"]),
			Form:    stringField(raw.Source, "form"),
			FiledAt: stringField(raw.Source, "file_date"),
			Source:  raw.Source,
		})
	}
	return out, nil
}

// PageURL builds the request URL for the page starting at offset.
func (s *Stream) PageURL(q Query, offset int) string {
	params := url.Values{}
	if q.Text != "" {
		params.Set("q", q.Text)
	}
	if len(q.Forms) > 0 {
		params.Set("forms", strings.Join(q.Forms, ","))
	}
	if len(q.CIKs) > 0 {
		ciks := make([]string, 0, len(q.CIKs))
		for _, c := range q.CIKs {
			ciks = append(ciks, padCIK(c))
		}
		params.Set("ciks", strings.Join(ciks, ","))
	}
	if q.StartDate != "" || q.EndDate != "" {
		params.Set("dateRange", "custom")
		params.Set("startdt", q.StartDate)
		params.Set("enddt", q.EndDate)
	}
	params.Set("from", strconv.Itoa(offset))
	params.Set("size", strconv.Itoa(s.cfg.PageSize))
	return s.cfg.SearchURL + "?" + params.Encode()
}

// target turns a hit into a fetch target, or reports false when the hit is unusable
// or rejected by the policy.
func (s *Stream) target(hit *filing.Hit) (filing.FetchTarget, bool) {
	raw, _, _ := strings.Cut(hit.ID, ":")
	id, err := accession.Parse(raw)
	if err != nil {
		s.logger.Debug("skip hit with bad accession", zap.String("hit", hit.ID), zap.Error(err))
		return filing.FetchTarget{}, false
	}
	if s.policy != nil && !s.policy.AllowFetch(id) {
		return filing.FetchTarget{}, false
	}
	if hit.CIK == "" && strings.Contains(s.cfg.URLTemplate, "{cik}") {
		s.logger.Debug("skip hit without cik", zap.String("accession", id.Dash()))
		return filing.FetchTarget{}, false
	}
	return filing.FetchTarget{ID: id, URL: BuildURL(s.cfg.URLTemplate, hit.CIK, id), Hit: hit}, true
}

// BuildURL expands {cik}, {accession} and {accession_nodash} in template.
func BuildURL(template, cik string, id accession.Number) string {
	return strings.NewReplacer(
		"{cik}", trimCIK(cik),
		"{accession}", id.Dash(),
		"{accession_nodash}", id.NoDash(),
	).Replace(template)
}

// ErrNoQuery is returned by Validate when a query would match every filing.
var ErrNoQuery = errors.New("search query needs text, forms, ciks or a date range")

// Validate rejects an empty query.
func (q Query) Validate() error {
	if q.Text == "" && len(q.Forms) == 0 && len(q.CIKs) == 0 && q.StartDate == "" && q.EndDate == "" {
		return ErrNoQuery
	}
	return nil
}

func padCIK(cik string) string {
	cik = strings.TrimSpace(cik)
	if len(cik) >= 10 {
		return cik
	}
	return strings.Repeat("0", 10-len(cik)) + cik
}

func trimCIK(cik string) string {
	trimmed := strings.TrimLeft(cik, "0")
	if trimmed == "" && cik != "" {
		return "0"
	}
	return trimmed
}

func firstString(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	s, _ := list[0].(string)
	return s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
