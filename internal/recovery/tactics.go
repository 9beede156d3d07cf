package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"projectsync/internal/model"
	"projectsync/internal/normalize"
	"projectsync/internal/source"
	"projectsync/pkg/upstream"
	"strings"
	"time"
)

const placeholderStatus = "unknown"

type fetchFunc func(ctx context.Context, from, to int64) ([]source.Raw, error)

func recoverable(inc *Incident) (source.Recoverable, bool) {
	if inc.Record != nil || inc.Strategy == nil {
		return nil, false
	}
	r, ok := inc.Strategy.(source.Recoverable)
	return r, ok
}

// refetch replays one fetch step. An upstream "no data" answer drops the item.
func refetch(ctx context.Context, inc *Incident, out *Outcome, fetch fetchFunc) bool {
	raws, err := fetch(ctx, inc.From, inc.To)
	if errors.Is(err, upstream.ErrNoData) {
		out.Skipped = true
		return true
	}
	if err != nil || len(raws) == 0 {
		return false
	}
	out.Records = raws
	return true
}

// replay repeats the failed operation once: the upsert for a record, the primary fetch otherwise
func (e *Engine) replay(ctx context.Context, inc *Incident, out *Outcome) bool {
	if inc.Record != nil {
		if e.writer == nil {
			return false
		}
		res, err := e.writer.Upsert(ctx, inc.Record, inc.UniqueField)
		if err != nil {
			return false
		}
		out.Result = &res
		return true
	}
	r, ok := recoverable(inc)
	if !ok {
		return false
	}
	return refetch(ctx, inc, out, r.FetchPrimary)
}

func (e *Engine) retryWithBackoff(ctx context.Context, inc *Incident, out *Outcome) bool {
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
			return false
		}
		if e.replay(ctx, inc, out) {
			return true
		}
	}
	return false
}

func (e *Engine) exponentialBackoff(ctx context.Context, inc *Incident, out *Outcome) bool {
	for attempt := 0; attempt < e.opts.MaxRetries; attempt++ {
		d := e.opts.BaseBackoff * time.Duration(math.Pow(2, float64(attempt)))
		if d > e.opts.MaxBackoff {
			d = e.opts.MaxBackoff
		}
		if err := e.sleep(ctx, d); err != nil {
			return false
		}
		if e.replay(ctx, inc, out) {
			return true
		}
	}
	return false
}

func (e *Engine) serveCached(ctx context.Context, inc *Incident, out *Outcome) bool {
	r, ok := recoverable(inc)
	if !ok || inc.ItemID == "" {
		return false
	}
	raws, err := r.Cached(ctx, inc.ItemID)
	if err != nil || len(raws) == 0 {
		return false
	}
	out.Records = raws
	return true
}

func (e *Engine) switchAlternate(ctx context.Context, inc *Incident, out *Outcome) bool {
	r, ok := recoverable(inc)
	if !ok {
		return false
	}
	return refetch(ctx, inc, out, r.FetchAlternate)
}

func (e *Engine) scrapePage(ctx context.Context, inc *Incident, out *Outcome) bool {
	r, ok := recoverable(inc)
	if !ok {
		return false
	}
	return refetch(ctx, inc, out, r.FetchPage)
}

// waitForRecovery polls the source health a bounded number of times
func (e *Engine) waitForRecovery(ctx context.Context, inc *Incident, out *Outcome) bool {
	r, ok := recoverable(inc)
	if !ok {
		return false
	}
	for poll := 1; poll <= e.opts.MaintenancePolls; poll++ {
		if err := e.sleep(ctx, e.opts.MaintenanceWait); err != nil {
			return false
		}
		if err := r.CheckHealth(ctx); err != nil {
			continue
		}
		return refetch(ctx, inc, out, r.FetchPrimary)
	}
	return false
}

func (e *Engine) shrinkBatch(ctx context.Context, inc *Incident, out *Outcome) bool {
	if inc.Shrink == nil || !inc.Shrink() {
		return false
	}
	if err := e.sleep(ctx, e.opts.MaxBackoff); err != nil {
		return false
	}
	return e.replay(ctx, inc, out)
}

func (e *Engine) rotateCredentials(ctx context.Context, inc *Incident, out *Outcome) bool {
	r, ok := recoverable(inc)
	if !ok || !r.RotateCredential() {
		return false
	}
	return refetch(ctx, inc, out, r.FetchPrimary)
}

func (e *Engine) updateExisting(ctx context.Context, inc *Incident, out *Outcome) bool {
	if inc.Record == nil || e.writer == nil {
		return false
	}
	res, err := e.writer.ForceUpdate(ctx, inc.Record, inc.UniqueField)
	if err != nil {
		return false
	}
	out.Result = &res
	return true
}

// fixRecord applies a repair to the record and writes it again. A repair that
// changes nothing fails without writing.
func (e *Engine) fixRecord(fix func(*model.Record) bool) func(context.Context, *Incident, *Outcome) bool {
	return func(ctx context.Context, inc *Incident, out *Outcome) bool {
		if inc.Record == nil || !fix(inc.Record) {
			return false
		}
		return e.replay(ctx, inc, out)
	}
}

func sanitizeRecord(r *model.Record) bool {
	changed := false
	for _, s := range []*string{
		&r.ExternalID, &r.Code, &r.Name, &r.Description, &r.Status, &r.Category,
		&r.Location.RegionName, &r.Location.ProvinceName, &r.Location.CityName, &r.Location.BarangayName,
		&r.Location.RegionCode, &r.Location.ProvinceCode, &r.Location.CityCode, &r.Location.BarangayCode,
	} {
		if clean := normalize.SanitizeText(*s); clean != *s {
			*s = clean
			changed = true
		}
	}
	return changed
}

func normalizeRecord(r *model.Record) bool {
	changed := false
	if r.Latitude != nil && normalize.Latitude(*r.Latitude) == nil {
		r.Latitude = nil
		changed = true
	}
	if r.Longitude != nil && normalize.Longitude(*r.Longitude) == nil {
		r.Longitude = nil
		changed = true
	}
	if r.Cost != nil && (*r.Cost < 0 || math.IsNaN(*r.Cost) || math.IsInf(*r.Cost, 0) || *r.Cost >= 1e16) {
		r.Cost = nil
		changed = true
	}
	for _, d := range []**time.Time{&r.StartDate, &r.EndDate} {
		if *d != nil && normalize.Date(normalize.FormatDate(*d)) == nil {
			*d = nil
			changed = true
		}
	}
	if r.StartDate != nil && r.EndDate != nil && r.EndDate.Before(*r.StartDate) {
		r.EndDate = nil
		changed = true
	}
	return changed
}

func defaultRecord(r *model.Record) bool {
	changed := false
	if strings.TrimSpace(r.Name) == "" {
		id := r.ExternalID
		if id == "" {
			id = r.Code
		}
		r.Name = fmt.Sprintf("Untitled project %s", id)
		changed = true
	}
	if r.Status == "" {
		r.Status = placeholderStatus
		changed = true
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
		changed = true
	}
	if r.Geo.Outcome == "" {
		r.Geo.Finalize()
		changed = true
	}
	return changed
}

func clearGeo(r *model.Record) bool {
	if r.Geo.Matched() == 0 {
		return false
	}
	r.Geo = model.Resolution{}
	r.Geo.Finalize()
	return true
}
