package orchestrator

import (
	"context"
	"fmt"
	"projectsync/internal/model"
	"projectsync/internal/recovery"
	"projectsync/internal/source"
	"projectsync/internal/telemetry"
	"projectsync/internal/upsert"
	"projectsync/pkg/upstream"

	"github.com/prometheus/client_golang/prometheus"
)

// outage tracks a source maintenance window within one batch
type outage int

const (
	outageNone outage = iota
	outageOngoing
	outageOver
)

// runBatch fetches and persists [from, to]. Item-level problems are absorbed into the
// job counters; the returned error is reserved for a panic or an interrupted context.
// An interrupted batch leaves the counters as they were before it started.
func (r *Runner) runBatch(ctx context.Context, st *run, from, to int64) (err error) {
	timer := prometheus.NewTimer(telemetry.BatchDuration.WithLabelValues(st.src.Code))
	defer timer.ObserveDuration()

	counters := st.job.Counters
	result := "ok"
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in batch: %v", p)
		}
		switch {
		case err != nil && ctx.Err() != nil:
			st.job.Counters = counters
			result = "interrupted"
		case err != nil:
			result = "panic"
		}
		telemetry.BatchesProcessed.WithLabelValues(st.src.Code, result).Inc()
	}()

	res, err := st.strategy.Fetch(ctx, from, to)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		result = "fetch_failed"
		res = &source.FetchResult{Failures: []source.FetchFailure{{From: from, To: to, Err: err}}}
	}

	res.Records = capRecords(st, from, to, res.Records)

	if res.Missing > 0 {
		r.skip(st, res.Missing)
	}
	state := outageNone
	for _, failure := range res.Failures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if result == "ok" {
			result = "partial"
		}

		// the first maintenance failure waits for the source; the rest follow its outcome
		if state != outageNone && upstream.IsMaintenance(failure.Err) {
			if state == outageOngoing {
				r.fetchError(st, failure, string(recovery.ClassMaintenance))
			} else {
				r.refetch(ctx, st, failure)
			}
			continue
		}

		out := r.recoverFetch(ctx, st, failure)
		if out.Class.Class == recovery.ClassMaintenance {
			state = outageOngoing
			if out.Recovered {
				state = outageOver
			}
		}
	}
	for _, raw := range res.Records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.processRaw(ctx, st, raw)
	}

	st.logger.Debug().
		Int64("from", from).
		Int64("to", to).
		Int("records", len(res.Records)).
		Int("missing", res.Missing).
		Int("failures", len(res.Failures)).
		Msg("Batch processed")
	return ctx.Err()
}

// recoverFetch hands a failed fetch to the recovery engine and processes whatever it salvages
func (r *Runner) recoverFetch(ctx context.Context, st *run, failure source.FetchFailure) recovery.Outcome {
	out := st.recoverer.Recover(ctx, &recovery.Incident{
		Err:      failure.Err,
		JobID:    st.job.ID,
		Source:   st.src.Code,
		ItemID:   failure.ItemID(),
		From:     failure.From,
		To:       failure.To,
		Strategy: st.strategy,
		Shrink:   st.shrink,
	})

	switch {
	case !out.Recovered:
		r.fetchError(st, failure, out.Class.Key())
	case out.Skipped:
		r.skip(st, int(failure.To-failure.From+1))
	default:
		for _, raw := range capRecords(st, failure.From, failure.To, out.Records) {
			r.processRaw(ctx, st, raw)
		}
	}
	return out
}

// capRecords drops list-mode records beyond the batch size for upstreams that ignore the limit
func capRecords(st *run, from, to int64, raws []source.Raw) []source.Raw {
	size := int(to - from + 1)
	if st.src.ItemMode() || len(raws) <= size {
		return raws
	}
	st.logger.Warn().
		Int64("from", from).
		Int64("to", to).
		Int("records", len(raws)).
		Msg("Upstream returned more records than requested, extra records dropped")
	return raws[:size]
}

// refetch requests an id again once the source is back from maintenance
func (r *Runner) refetch(ctx context.Context, st *run, failure source.FetchFailure) {
	res, err := st.strategy.Fetch(ctx, failure.From, failure.To)
	if err != nil {
		res = &source.FetchResult{Failures: []source.FetchFailure{{From: failure.From, To: failure.To, Err: err}}}
	}

	if res.Missing > 0 {
		r.skip(st, res.Missing)
	}
	for _, f := range res.Failures {
		if upstream.IsMaintenance(f.Err) {
			r.fetchError(st, f, string(recovery.ClassMaintenance))
			continue
		}
		r.recoverFetch(ctx, st, f)
	}
	for _, raw := range res.Records {
		r.processRaw(ctx, st, raw)
	}
}

func (r *Runner) fetchError(st *run, failure source.FetchFailure, class string) {
	st.job.IncrementError(1)
	st.job.LogError(failure.ItemID(), failure.Err.Error(), map[string]string{
		"stage": "fetch",
		"class": class,
	})
	telemetry.RecordsProcessed.WithLabelValues(st.src.Code, "error").Inc()
}

// processRaw validates, transforms, geo-resolves and upserts one raw record
func (r *Runner) processRaw(ctx context.Context, st *run, raw source.Raw) {
	if !st.strategy.Validate(raw) {
		r.skip(st, 1)
		return
	}

	rec, err := st.strategy.Transform(st.strategy.Extract(raw))
	if err != nil {
		st.logger.Debug().Err(err).Msg("Skipping record that cannot be transformed")
		r.skip(st, 1)
		return
	}

	res, err := st.places.Resolve(ctx, rec.Location)
	if err != nil {
		st.logger.Warn().Err(err).Str("item", recordID(rec, st.strategy.UniqueField())).Msg("Geographic resolution failed")
		res = model.Resolution{}
		res.Finalize()
	}
	rec.Geo = res

	uniqueField := st.strategy.UniqueField()
	result, err := st.writer.Upsert(ctx, rec, uniqueField)
	if err != nil {
		itemID := recordID(rec, uniqueField)
		out := st.recoverer.Recover(ctx, &recovery.Incident{
			Err:         err,
			JobID:       st.job.ID,
			Source:      st.src.Code,
			ItemID:      itemID,
			Record:      rec,
			UniqueField: uniqueField,
		})
		switch {
		case !out.Recovered:
			st.job.IncrementError(1)
			st.job.LogError(itemID, err.Error(), map[string]string{
				"stage": "persist",
				"class": out.Class.Key(),
			})
			telemetry.RecordsProcessed.WithLabelValues(st.src.Code, "error").Inc()
			return
		case out.Skipped || out.Result == nil:
			r.skip(st, 1)
			return
		}
		result = *out.Result
	}

	r.count(st, result)
}

func (r *Runner) count(st *run, result upsert.Result) {
	switch result.Action {
	case upsert.ActionCreated:
		st.job.IncrementSuccess(1)
		st.job.IncrementCreate(1)
	case upsert.ActionUpdated:
		st.job.IncrementSuccess(1)
		st.job.IncrementUpdate(1)
	default:
		r.skip(st, 1)
		return
	}
	telemetry.RecordsProcessed.WithLabelValues(st.src.Code, string(result.Action)).Inc()
}

func (r *Runner) skip(st *run, n int) {
	st.job.IncrementSkip(n)
	telemetry.RecordsProcessed.WithLabelValues(st.src.Code, "skipped").Add(float64(n))
}

func recordID(rec *model.Record, uniqueField string) string {
	if id := rec.UniqueValue(uniqueField); id != "" {
		return id
	}
	return rec.SecondaryValue(uniqueField)
}
