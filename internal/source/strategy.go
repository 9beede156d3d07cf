package source

import (
	"context"
	"errors"
	"fmt"
	"projectsync/internal/cache"
	"projectsync/internal/model"
	"projectsync/internal/normalize"
	"projectsync/pkg/upstream"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSource   = errors.New("unknown source")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrNoIdentity      = fmt.Errorf("%w: record has no identity field", model.ErrValidation)
)

// Strategy validates, extracts and transforms raw records for one source
type Strategy interface {
	// Code is the source code the strategy is registered under
	Code() string

	// UniqueField names the record identity used for upserts
	UniqueField() string

	// Fetch retrieves raw records for the inclusive id range
	Fetch(ctx context.Context, from, to int64) (*FetchResult, error)

	// Validate reports whether a raw record carries an id or a name under any shape
	Validate(raw Raw) bool

	// Extract unwraps and normalizes a raw record
	Extract(raw Raw) Raw

	// Transform maps an extracted record onto the canonical schema
	Transform(raw Raw) (*model.Record, error)
}

// Recoverable is implemented by strategies whose fetch steps can be replayed
// individually by the recovery engine
type Recoverable interface {
	FetchPrimary(ctx context.Context, from, to int64) ([]Raw, error)
	FetchAlternate(ctx context.Context, from, to int64) ([]Raw, error)
	FetchPage(ctx context.Context, from, to int64) ([]Raw, error)
	Cached(ctx context.Context, itemID string) ([]Raw, error)
	CheckHealth(ctx context.Context) error
	RotateCredential() bool
}

// Deps are shared collaborators handed to every strategy
type Deps struct {
	Cache      cache.Cache
	PayloadTTL time.Duration
	Observer   upstream.Observer
}

// Factory builds a strategy for a source descriptor
type Factory func(src model.Source, fetcher *Fetcher) Strategy

// factories is the static set of strategy variants, keyed by the source's strategy name
var factories = map[string]Factory{
	"dpwh":     NewDPWH,
	"opendata": NewOpenData,
}

// Registry holds one strategy per configured source code
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	sources    map[string]model.Source
}

// NewRegistry builds strategies for every configured source
func NewRegistry(sources []model.Source, deps Deps) (*Registry, error) {
	r := &Registry{
		strategies: make(map[string]Strategy),
		sources:    make(map[string]model.Source),
	}

	for _, src := range sources {
		factory, ok := factories[src.Strategy]
		if !ok {
			return nil, fmt.Errorf("%w %q for source %s", ErrUnknownStrategy, src.Strategy, src.Code)
		}

		client := upstream.New(upstream.Options{
			Name:          src.Code,
			BaseURL:       src.BaseURL,
			RateLimit:     src.RateLimit,
			Timeout:       src.Timeout,
			RetryAttempts: src.RetryAttempts,
			RetryBackoff:  src.RetryBackoff,
			Cooldown:      src.RateLimitCooldown,
			Headers:       src.Headers,
			Credentials:   src.Credentials,
		}, deps.Observer)

		fetcher := NewFetcher(src, client, deps.Cache, deps.PayloadTTL)
		r.Register(src, factory(src, fetcher))
	}

	return r, nil
}

// Register adds or replaces the strategy for a source
func (r *Registry) Register(src model.Source, strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategies[src.Code] = strategy
	r.sources[src.Code] = src

	log.Info().
		Str("source", src.Code).
		Str("strategy", src.Strategy).
		Msg("Registered source strategy")
}

// Get retrieves the strategy for a source code
func (r *Registry) Get(code string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[code]
	return s, ok
}

// Source retrieves the descriptor for a source code
func (r *Registry) Source(code string) (model.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[code]
	return s, ok
}

// Sources lists the configured sources ordered by code
func (r *Registry) Sources() []model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// fieldMap lists, per canonical field, the snake_case keys a source may use
type fieldMap struct {
	id, code, name, description, status, category []string
	regionName, regionCode                        []string
	provinceName, provinceCode                    []string
	cityName, cityCode                            []string
	barangayName, barangayCode                    []string
	latitude, longitude, cost                     []string
	startDate, endDate                            []string
	offices, contractors, fundingSources, program []string
}

// jsonStrategy implements the shared shape handling; variants differ in field maps and identity
type jsonStrategy struct {
	*Fetcher
	src    model.Source
	fields fieldMap
	unique string
}

func (s *jsonStrategy) Code() string        { return s.src.Code }
func (s *jsonStrategy) UniqueField() string { return s.unique }

func (s *jsonStrategy) Fetch(ctx context.Context, from, to int64) (*FetchResult, error) {
	return s.FetchRange(ctx, from, to)
}

func (s *jsonStrategy) RotateCredential() bool {
	return s.Client().RotateCredential()
}

func (s *jsonStrategy) Extract(raw Raw) Raw {
	return Extract(raw)
}

func (s *jsonStrategy) Validate(raw Raw) bool {
	e := Extract(raw)
	ids := append(append([]string{}, idKeys...), s.fields.id...)
	names := append(append([]string{}, nameKeys...), s.fields.name...)
	return normalize.ID(lookup(e, ids...)) != "" || normalize.String(lookup(e, names...)) != ""
}

func (s *jsonStrategy) Transform(e Raw) (*model.Record, error) {
	loc := e
	if nested, ok := e["location"].(map[string]any); ok {
		loc = mergeRaw(normalizeKeys(nested), e)
	}

	rec := &model.Record{
		Source:      s.src.Code,
		ExternalID:  normalize.ID(lookup(e, s.fields.id...)),
		Code:        normalize.ID(lookup(e, s.fields.code...)),
		Name:        normalize.String(lookup(e, s.fields.name...)),
		Description: normalize.String(lookup(e, s.fields.description...)),
		Status:      normalize.String(lookup(e, s.fields.status...)),
		Category:    normalize.String(lookup(e, s.fields.category...)),
		Location: model.Location{
			RegionName:   normalize.String(lookup(loc, s.fields.regionName...)),
			RegionCode:   normalize.ID(lookup(loc, s.fields.regionCode...)),
			ProvinceName: normalize.String(lookup(loc, s.fields.provinceName...)),
			ProvinceCode: normalize.ID(lookup(loc, s.fields.provinceCode...)),
			CityName:     normalize.String(lookup(loc, s.fields.cityName...)),
			CityCode:     normalize.ID(lookup(loc, s.fields.cityCode...)),
			BarangayName: normalize.String(lookup(loc, s.fields.barangayName...)),
			BarangayCode: normalize.ID(lookup(loc, s.fields.barangayCode...)),
		},
		Latitude:  normalize.Latitude(lookup(loc, s.fields.latitude...)),
		Longitude: normalize.Longitude(lookup(loc, s.fields.longitude...)),
		Cost:      normalize.Amount(lookup(e, s.fields.cost...)),
		StartDate: normalize.Date(lookup(e, s.fields.startDate...)),
		EndDate:   normalize.Date(lookup(e, s.fields.endDate...)),
		Metadata:  map[string]any{},
	}

	if rec.ExternalID == "" {
		rec.ExternalID = normalize.ID(e[fetchIDKey])
	}
	if rec.Name == "" {
		rec.Name = rec.Description
	}
	// the secondary identity only correlates; rows are keyed by the unique field
	if rec.UniqueValue(s.unique) == "" {
		return nil, ErrNoIdentity
	}

	keep := func(key string, keys []string) {
		if v := lookup(e, keys...); v != nil {
			rec.Metadata[key] = v
		}
	}
	keep(model.MetaOffices, s.fields.offices)
	keep(model.MetaContractors, s.fields.contractors)
	keep(model.MetaFundingSources, s.fields.fundingSources)
	keep(model.MetaProgram, s.fields.program)

	return rec, nil
}

func mergeRaw(primary, fallback Raw) Raw {
	out := make(Raw, len(primary)+len(fallback))
	for k, v := range fallback {
		out[k] = v
	}
	for k, v := range primary {
		out[k] = v
	}
	return out
}
