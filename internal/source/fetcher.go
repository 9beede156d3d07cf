package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"projectsync/internal/cache"
	"projectsync/internal/model"
	"projectsync/internal/normalize"
	"projectsync/pkg/upstream"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// fetchIDKey is injected into item-mode records so an id survives payloads that omit it
const fetchIDKey = "fetch_id"

const activeEndpointTTL = 30 * time.Minute

// FetchFailure is an id range the fetch chain could not retrieve
type FetchFailure struct {
	From int64
	To   int64
	Err  error
}

// ItemID labels the failure for logs and caches
func (f FetchFailure) ItemID() string {
	if f.From == f.To {
		return strconv.FormatInt(f.From, 10)
	}
	return fmt.Sprintf("%d-%d", f.From, f.To)
}

// FetchResult is what one batch fetch produced
type FetchResult struct {
	Records  []Raw
	Failures []FetchFailure
	Missing  int
}

// Fetcher walks the primary endpoint, alternate endpoints and the embedded page
// for one source, in that order.
type Fetcher struct {
	src        model.Source
	client     *upstream.Client
	cache      cache.Cache
	payloadTTL time.Duration
}

func NewFetcher(src model.Source, client *upstream.Client, c cache.Cache, payloadTTL time.Duration) *Fetcher {
	return &Fetcher{src: src, client: client, cache: c, payloadTTL: payloadTTL}
}

// Client exposes the underlying upstream client
func (f *Fetcher) Client() *upstream.Client {
	return f.client
}

// FetchRange fetches [from, to]. Item-mode sources are fetched one id at a time and
// per-id failures are reported without failing the batch; once the source answers with
// a maintenance page the remaining ids are reported as failed without being requested.
// List-mode sources are fetched with one (limit, offset) request and a failure fails the batch.
func (f *Fetcher) FetchRange(ctx context.Context, from, to int64) (*FetchResult, error) {
	result := &FetchResult{}

	if !f.src.ItemMode() {
		raws, err := f.fetchChain(ctx, from, to)
		if errors.Is(err, upstream.ErrNoData) {
			result.Missing = int(to - from + 1)
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result.Records = raws
		return result, nil
	}

	for id := from; id <= to; id++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		raws, err := f.fetchChain(ctx, id, id)
		switch {
		case errors.Is(err, upstream.ErrNoData):
			result.Missing++
		case err != nil:
			result.Failures = append(result.Failures, FetchFailure{From: id, To: id, Err: err})
			if upstream.IsMaintenance(err) && id < to {
				log.Warn().
					Str("source", f.src.Code).
					Int64("from", id+1).
					Int64("to", to).
					Msg("Source is in maintenance, remaining ids in batch not requested")
				notRequested := fmt.Errorf("not requested during maintenance: %w", err)
				for rest := id + 1; rest <= to; rest++ {
					result.Failures = append(result.Failures, FetchFailure{From: rest, To: rest, Err: notRequested})
				}
				return result, nil
			}
		default:
			result.Records = append(result.Records, raws...)
		}
	}
	return result, nil
}

func (f *Fetcher) fetchChain(ctx context.Context, from, to int64) ([]Raw, error) {
	raws, primaryErr := f.FetchPrimary(ctx, from, to)
	if primaryErr == nil || errors.Is(primaryErr, upstream.ErrNoData) || ctx.Err() != nil {
		return raws, primaryErr
	}

	if raws, err := f.FetchAlternate(ctx, from, to); err == nil {
		return raws, nil
	}
	if raws, err := f.FetchPage(ctx, from, to); err == nil {
		return raws, nil
	}
	return nil, primaryErr
}

// FetchPrimary requests the active endpoint with the full retry policy
func (f *Fetcher) FetchPrimary(ctx context.Context, from, to int64) ([]Raw, error) {
	return f.fetchEndpoint(ctx, f.activeEndpoint(ctx), from, to, true)
}

// FetchAlternate tries the alternate endpoints in priority order, one attempt each.
// The first endpoint that answers becomes the active endpoint for later calls.
func (f *Fetcher) FetchAlternate(ctx context.Context, from, to int64) ([]Raw, error) {
	if len(f.src.AlternateEndpoints) == 0 {
		return nil, errors.New("no alternate endpoints configured")
	}

	var lastErr error
	for _, endpoint := range f.src.AlternateEndpoints {
		raws, err := f.fetchEndpoint(ctx, endpoint, from, to, false)
		if err != nil {
			lastErr = err
			continue
		}
		f.setActiveEndpoint(ctx, endpoint)
		return raws, nil
	}
	return nil, fmt.Errorf("all alternate endpoints failed: %w", lastErr)
}

// FetchPage scrapes the embedded JSON payload from the server-rendered page
func (f *Fetcher) FetchPage(ctx context.Context, from, to int64) ([]Raw, error) {
	if f.src.PageURL == "" {
		return nil, errors.New("no page url configured")
	}

	path := model.ExpandEndpoint(f.src.PageURL, from, to-from+1, model.ListOffset(from))
	page, err := f.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	payload, err := ExtractEmbeddedJSON(page, f.src.EmbeddedScriptID)
	if err != nil {
		return nil, err
	}
	raws, err := DecodeRecords(payload)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, upstream.ErrNoData
	}

	log.Info().
		Str("source", f.src.Code).
		Int64("from", from).
		Int64("to", to).
		Int("records", len(raws)).
		Msg("Recovered records from embedded page payload")

	f.remember(ctx, from, to, raws)
	return raws, nil
}

// Cached returns the last successfully fetched payload for an item
func (f *Fetcher) Cached(ctx context.Context, itemID string) ([]Raw, error) {
	if f.cache == nil {
		return nil, cache.ErrCacheMiss
	}
	var raw Raw
	if err := cache.GetJSON(ctx, f.cache, cache.PayloadKey(f.src.Code, itemID), &raw); err != nil {
		return nil, err
	}
	return []Raw{raw}, nil
}

// CheckHealth requests the health endpoint once. A maintenance page counts as unhealthy.
func (f *Fetcher) CheckHealth(ctx context.Context) error {
	path := f.src.HealthURL
	if path == "" {
		path = "/"
	}
	body, err := f.client.Get(ctx, path)
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(string(body)), "maintenance") {
		return &upstream.StatusError{StatusCode: 503, URL: f.client.URL(path), Body: "maintenance"}
	}
	return nil
}

func (f *Fetcher) fetchEndpoint(ctx context.Context, endpoint string, from, to int64, retry bool) ([]Raw, error) {
	path := model.ExpandEndpoint(endpoint, from, to-from+1, model.ListOffset(from))

	var body []byte
	var err error
	if retry {
		body, err = f.client.Fetch(ctx, path)
	} else {
		body, err = f.client.Get(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	raws, err := DecodeRecords(body)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, upstream.ErrNoData
	}
	f.remember(ctx, from, to, raws)
	return raws, nil
}

// remember tags item-mode records with their fetch id and keeps the payload as a last-known value
func (f *Fetcher) remember(ctx context.Context, from, to int64, raws []Raw) {
	itemMode := f.src.ItemMode() && from == to
	for _, raw := range raws {
		if itemMode {
			raw[fetchIDKey] = strconv.FormatInt(from, 10)
		}
		if f.cache == nil {
			continue
		}

		id := itemKey(raw)
		if id == "" {
			continue
		}
		b, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		if err := f.cache.Set(ctx, cache.PayloadKey(f.src.Code, id), b, f.payloadTTL); err != nil {
			log.Warn().Err(err).Str("source", f.src.Code).Str("item", id).Msg("Failed to cache payload")
		}
	}
}

func itemKey(raw Raw) string {
	if id, ok := raw[fetchIDKey].(string); ok && id != "" {
		return id
	}
	return normalize.ID(lookup(Extract(raw), idKeys...))
}

func (f *Fetcher) activeEndpoint(ctx context.Context) string {
	if f.cache == nil {
		return f.src.Endpoint
	}
	b, err := f.cache.Get(ctx, cache.ActiveEndpointKey(f.src.Code))
	if err != nil || len(b) == 0 {
		return f.src.Endpoint
	}
	return string(b)
}

func (f *Fetcher) setActiveEndpoint(ctx context.Context, endpoint string) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Set(ctx, cache.ActiveEndpointKey(f.src.Code), []byte(endpoint), activeEndpointTTL); err != nil {
		log.Warn().Err(err).Str("source", f.src.Code).Msg("Failed to cache active endpoint")
		return
	}
	log.Info().Str("source", f.src.Code).Str("endpoint", endpoint).Msg("Switched active endpoint")
}
