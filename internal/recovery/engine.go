package recovery

import (
	"context"
	"fmt"
	"projectsync/internal/model"
	"projectsync/internal/source"
	"projectsync/internal/telemetry"
	"projectsync/internal/upsert"
	"projectsync/pkg/upstream"
	"time"

	"github.com/rs/zerolog/log"
)

// Incident is one failed fetch or persist handed to the engine
type Incident struct {
	Err    error
	JobID  string
	Source string
	ItemID string

	// fetch failures
	From, To int64
	Strategy source.Strategy
	// Shrink lowers the batch size for later requests; false when it cannot go lower
	Shrink func() bool

	// persist failures
	Record      *model.Record
	UniqueField string
}

// Outcome reports what recovery achieved
type Outcome struct {
	Class     Classification
	Tactic    string
	Recovered bool
	// Skipped means the item was deliberately dropped; it counts as recovered
	Skipped bool
	// Records holds raw payloads recovered for a fetch failure
	Records []source.Raw
	// Result holds the write made for a persist failure
	Result *upsert.Result
}

// Writer persists records
type Writer interface {
	Upsert(ctx context.Context, rec *model.Record, uniqueField string) (upsert.Result, error)
	ForceUpdate(ctx context.Context, rec *model.Record, uniqueField string) (upsert.Result, error)
}

// Escalation is raised when a failure needs an operator
type Escalation struct {
	JobID   string `json:"job_id"`
	Source  string `json:"source"`
	ItemID  string `json:"item_id"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

type Options struct {
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MaintenancePolls int
	MaintenanceWait  time.Duration
}

// DefaultOptions bound every wait: linear retry backoff capped at 30s, three health polls a minute apart
func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		BaseBackoff:      2 * time.Second,
		MaxBackoff:       30 * time.Second,
		MaintenancePolls: 3,
		MaintenanceWait:  time.Minute,
	}
}

type tactic struct {
	name string
	run  func(ctx context.Context, inc *Incident, out *Outcome) bool
}

type Engine struct {
	writer    Writer
	escalator Escalator
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewEngine(writer Writer, escalator Escalator, opts Options) *Engine {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.MaintenancePolls <= 0 {
		opts.MaintenancePolls = def.MaintenancePolls
	}
	if opts.MaintenanceWait <= 0 {
		opts.MaintenanceWait = def.MaintenanceWait
	}
	return &Engine{writer: writer, escalator: escalator, opts: opts, sleep: upstream.Sleep}
}

// Recover classifies the incident and tries the class's tactics in order until one succeeds
func (e *Engine) Recover(ctx context.Context, inc *Incident) Outcome {
	out := Outcome{Class: Classify(inc.Err)}
	tactics := e.plan(out.Class)

	logger := log.With().
		Str("jobId", inc.JobID).
		Str("source", inc.Source).
		Str("item", inc.ItemID).
		Str("class", out.Class.Key()).
		Logger()

	if len(tactics) == 0 {
		logger.Debug().Err(inc.Err).Msg("No recovery tactic for failure class")
		return out
	}

	for _, t := range tactics {
		if ctx.Err() != nil {
			break
		}
		ok := t.run(ctx, inc, &out)

		result := "failure"
		if ok {
			result = "success"
		}
		telemetry.RecoveryAttempts.WithLabelValues(out.Class.Key(), t.name, result).Inc()

		if ok {
			out.Tactic = t.name
			out.Recovered = true
			logger.Info().Str("tactic", t.name).Bool("skipped", out.Skipped).Msg("Recovered from failure")
			return out
		}
		logger.Debug().Str("tactic", t.name).Msg("Recovery tactic did not succeed")
	}

	logger.Warn().Err(inc.Err).Msg("Failure not recovered")
	return out
}

func (e *Engine) plan(c Classification) []tactic {
	switch c.Class {
	case ClassNetwork:
		return []tactic{
			{"retry", e.retryWithBackoff},
			{"cached", e.serveCached},
			{"alternate", e.switchAlternate},
		}
	case ClassMaintenance:
		return []tactic{
			{"wait_for_recovery", e.waitForRecovery},
			{"alternate", e.switchAlternate},
			{"escalate", e.escalate},
		}
	case ClassNotFound:
		return []tactic{
			{"alternate", e.switchAlternate},
			{"scrape", e.scrapePage},
			{"skip", skip},
		}
	case ClassRateLimit:
		return []tactic{
			{"exponential_backoff", e.exponentialBackoff},
			{"shrink_batch", e.shrinkBatch},
			{"rotate_credentials", e.rotateCredentials},
		}
	case ClassForbidden:
		return []tactic{
			{"rotate_credentials", e.rotateCredentials},
			{"escalate", e.escalate},
		}
	case ClassServerError:
		return []tactic{
			{"retry", e.retryWithBackoff},
			{"alternate", e.switchAlternate},
		}
	case ClassValidation:
		return []tactic{
			{"sanitize", e.fixRecord(sanitizeRecord)},
			{"normalize", e.fixRecord(normalizeRecord)},
			{"defaults", e.fixRecord(defaultRecord)},
		}
	case ClassDatabase:
		switch c.DBKind {
		case "null_constraint":
			return []tactic{{"defaults", e.fixRecord(defaultRecord)}}
		case "duplicate":
			return []tactic{
				{"update_existing", e.updateExisting},
				{"skip", skip},
			}
		case "foreign_key":
			return []tactic{{"clear_geo", e.fixRecord(clearGeo)}}
		}
	}
	return nil
}

func skip(_ context.Context, _ *Incident, out *Outcome) bool {
	out.Skipped = true
	return true
}

func (e *Engine) escalate(ctx context.Context, inc *Incident, out *Outcome) bool {
	log.Error().
		Str("jobId", inc.JobID).
		Str("source", inc.Source).
		Str("item", inc.ItemID).
		Str("class", out.Class.Key()).
		Err(inc.Err).
		Msg("Failure requires operator attention")

	if e.escalator != nil {
		err := e.escalator.Escalate(ctx, Escalation{
			JobID:   inc.JobID,
			Source:  inc.Source,
			ItemID:  inc.ItemID,
			Class:   out.Class.Key(),
			Message: fmt.Sprint(inc.Err),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to publish escalation")
		}
	}
	return false
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.BaseBackoff * time.Duration(attempt)
	if d > e.opts.MaxBackoff {
		d = e.opts.MaxBackoff
	}
	return d
}
