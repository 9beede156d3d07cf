// Package geo resolves free-text and coded location references to the
// administrative hierarchy: region, province, city/municipality and barangay.
package geo

import (
	"context"
	"fmt"
	"projectsync/internal/model"
	"projectsync/internal/telemetry"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Resolution methods recorded per level
const (
	MethodCode      = "code"
	MethodName      = "name"
	MethodSubstring = "substring"
	MethodPrefix    = "prefix"
	MethodParent    = "parent"
)

// minSubstring keeps short tokens such as "Sur" from matching everything
const minSubstring = 4

var knownPrefixes = []string{"city of", "municipality of", "province of", "barangay", "brgy."}

// Store is the read surface over the reference geography tables
type Store interface {
	GeoEntities(ctx context.Context, level model.GeoLevel) ([]model.GeoEntity, error)
	BarangaysByCity(ctx context.Context, cityID int64) ([]model.GeoEntity, error)
	FindBarangays(ctx context.Context, code, name string) ([]model.GeoEntity, error)
}

type index struct {
	entries    []*model.GeoEntity
	byID       map[int64]*model.GeoEntity
	byCode     map[string][]*model.GeoEntity
	byName     map[string][]*model.GeoEntity
	byStripped map[string][]*model.GeoEntity
}

func newIndex(entities []model.GeoEntity) *index {
	idx := &index{
		entries:    make([]*model.GeoEntity, 0, len(entities)),
		byID:       make(map[int64]*model.GeoEntity, len(entities)),
		byCode:     make(map[string][]*model.GeoEntity),
		byName:     make(map[string][]*model.GeoEntity),
		byStripped: make(map[string][]*model.GeoEntity),
	}
	for i := range entities {
		e := &entities[i]
		idx.entries = append(idx.entries, e)
		idx.byID[e.ID] = e
	}
	// lowest id first so every candidate list is deterministic
	sort.Slice(idx.entries, func(i, j int) bool { return idx.entries[i].ID < idx.entries[j].ID })

	for _, e := range idx.entries {
		for _, code := range []string{e.Code, e.ExternalCode} {
			if k := codeKey(code); k != "" {
				idx.byCode[k] = appendUnique(idx.byCode[k], e)
			}
		}
		for _, name := range e.Names() {
			if k := nameKey(name); k != "" {
				idx.byName[k] = appendUnique(idx.byName[k], e)
			}
			if k := stripPrefix(nameKey(name)); k != "" {
				idx.byStripped[k] = appendUnique(idx.byStripped[k], e)
			}
		}
	}
	return idx
}

func appendUnique(list []*model.GeoEntity, e *model.GeoEntity) []*model.GeoEntity {
	for _, existing := range list {
		if existing.ID == e.ID {
			return list
		}
	}
	return append(list, e)
}

// Context holds the lookup caches for one job run. It is not safe for concurrent use.
type Context struct {
	store     Store
	levels    [3]*index
	barangays map[int64]*index
	seen      map[int64]*model.GeoEntity
	outcomes  map[model.MatchOutcome]int
	methods   map[string]int
}

// Load builds the region, province and city caches for a job
func Load(ctx context.Context, store Store) (*Context, error) {
	c := &Context{
		store:     store,
		barangays: make(map[int64]*index),
		seen:      make(map[int64]*model.GeoEntity),
		outcomes:  make(map[model.MatchOutcome]int),
		methods:   make(map[string]int),
	}

	for _, level := range []model.GeoLevel{model.LevelRegion, model.LevelProvince, model.LevelCity} {
		entities, err := store.GeoEntities(ctx, level)
		if err != nil {
			return nil, fmt.Errorf("load %s reference data: %w", level, err)
		}
		c.levels[level] = newIndex(entities)
	}

	log.Info().
		Int("regions", len(c.levels[model.LevelRegion].entries)).
		Int("provinces", len(c.levels[model.LevelProvince].entries)).
		Int("cities", len(c.levels[model.LevelCity].entries)).
		Msg("Loaded geographic reference caches")

	return c, nil
}

// Resolve maps a location onto hierarchy ids. Levels with no reference are left
// for the parent back-fill; an unresolvable location yields an unmatched outcome.
func (c *Context) Resolve(ctx context.Context, loc model.Location) (model.Resolution, error) {
	var res model.Resolution

	refs := [4][2]string{
		{loc.RegionCode, loc.RegionName},
		{loc.ProvinceCode, loc.ProvinceName},
		{loc.CityCode, loc.CityName},
		{loc.BarangayCode, loc.BarangayName},
	}

	for _, level := range model.GeoLevels {
		code, name := refs[level][0], refs[level][1]
		if code == "" && name == "" {
			continue
		}

		var parentID *int64
		if parent, ok := level.Parent(); ok {
			parentID = res.IDs[parent]
		}

		var entity *model.GeoEntity
		var method string
		if level == model.LevelBarangay {
			var err error
			entity, method, err = c.resolveBarangay(ctx, code, name, parentID)
			if err != nil {
				return res, err
			}
		} else {
			entity, method = c.levels[level].match(code, name, parentID)
		}

		if entity != nil {
			id := entity.ID
			res.IDs[level] = &id
			res.Methods[level] = method
			c.methods[method]++
		}
	}

	c.backfill(&res)
	res.Finalize()

	c.outcomes[res.Outcome]++
	telemetry.GeoResolutions.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// backfill walks resolved entities upward and fills missing ancestors without
// replacing anything already resolved
func (c *Context) backfill(res *model.Resolution) {
	for level := model.LevelBarangay; level > model.LevelRegion; level-- {
		parent, _ := level.Parent()
		if res.IDs[level] == nil || res.IDs[parent] != nil {
			continue
		}
		entity := c.entity(level, *res.IDs[level])
		if entity == nil || entity.ParentID == nil {
			continue
		}
		id := *entity.ParentID
		res.IDs[parent] = &id
		res.Methods[parent] = MethodParent
		c.methods[MethodParent]++
	}
}

func (c *Context) entity(level model.GeoLevel, id int64) *model.GeoEntity {
	if level == model.LevelBarangay {
		return c.seen[id]
	}
	return c.levels[level].byID[id]
}

func (c *Context) resolveBarangay(ctx context.Context, code, name string, cityID *int64) (*model.GeoEntity, string, error) {
	if cityID != nil {
		idx, err := c.barangayIndex(ctx, *cityID)
		if err != nil {
			return nil, "", err
		}
		e, method := idx.match(code, name, cityID)
		return e, method, nil
	}

	// no city to scope by: exact code or name only
	entities, err := c.store.FindBarangays(ctx, code, name)
	if err != nil {
		return nil, "", fmt.Errorf("find barangays: %w", err)
	}
	if len(entities) == 0 {
		return nil, "", nil
	}
	idx := newIndex(entities)
	for _, e := range idx.entries {
		c.seen[e.ID] = e
	}
	if e := first(idx.byCode[codeKey(code)], nil); e != nil {
		return e, MethodCode, nil
	}
	if e := first(idx.byName[nameKey(name)], nil); e != nil {
		return e, MethodName, nil
	}
	return nil, "", nil
}

func (c *Context) barangayIndex(ctx context.Context, cityID int64) (*index, error) {
	if idx, ok := c.barangays[cityID]; ok {
		return idx, nil
	}
	entities, err := c.store.BarangaysByCity(ctx, cityID)
	if err != nil {
		return nil, fmt.Errorf("load barangays of city %d: %w", cityID, err)
	}
	idx := newIndex(entities)
	for _, e := range idx.entries {
		c.seen[e.ID] = e
	}
	c.barangays[cityID] = idx
	return idx, nil
}

// Stats reports aggregate outcomes and match methods for the job's statistics
func (c *Context) Stats() map[string]int {
	out := map[string]int{
		"geo_full":      c.outcomes[model.MatchFull],
		"geo_partial":   c.outcomes[model.MatchPartial],
		"geo_unmatched": c.outcomes[model.MatchUnmatched],
	}
	for method, n := range c.methods {
		out["geo_by_"+method] = n
	}
	return out
}

// match tries code, exact name, substring and prefix-stripped name in that order
func (idx *index) match(code, name string, parentID *int64) (*model.GeoEntity, string) {
	if k := codeKey(code); k != "" {
		if e := scoped(idx.byCode[k], parentID); e != nil {
			return e, MethodCode
		}
	}

	key := nameKey(name)
	if key == "" {
		return nil, ""
	}

	if e := first(idx.byName[key], parentID); e != nil {
		return e, MethodName
	}
	if e := idx.substring(key, parentID); e != nil {
		return e, MethodSubstring
	}
	if stripped := stripPrefix(key); stripped != "" {
		if e := first(idx.byStripped[stripped], parentID); e != nil {
			return e, MethodPrefix
		}
	}
	return nil, ""
}

// substring matches when either name contains the other, preferring the longest
// entity name and then the lowest id
func (idx *index) substring(key string, parentID *int64) *model.GeoEntity {
	if len(key) < minSubstring {
		return nil
	}

	var best *model.GeoEntity
	bestLen := 0
	for _, e := range idx.entries {
		if parentID != nil && (e.ParentID == nil || *e.ParentID != *parentID) {
			continue
		}
		for _, n := range e.Names() {
			candidate := nameKey(n)
			if len(candidate) < minSubstring {
				continue
			}
			if !strings.Contains(candidate, key) && !strings.Contains(key, candidate) {
				continue
			}
			if len(candidate) > bestLen {
				best, bestLen = e, len(candidate)
			}
		}
	}
	return best
}

// scoped returns the first candidate under parentID, or the first overall when no parent is known
func scoped(candidates []*model.GeoEntity, parentID *int64) *model.GeoEntity {
	for _, e := range candidates {
		if parentID == nil || (e.ParentID != nil && *e.ParentID == *parentID) {
			return e
		}
	}
	return nil
}

// first prefers a candidate under parentID and otherwise takes the lowest id
func first(candidates []*model.GeoEntity, parentID *int64) *model.GeoEntity {
	if len(candidates) == 0 {
		return nil
	}
	if e := scoped(candidates, parentID); e != nil {
		return e
	}
	return candidates[0]
}

func nameKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func codeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func stripPrefix(key string) string {
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(key, prefix+" ") {
			return strings.TrimSpace(strings.TrimPrefix(key, prefix))
		}
	}
	return key
}
