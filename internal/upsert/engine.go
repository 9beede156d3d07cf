// Package upsert persists canonical records as projects, one row-locked transaction per record.
package upsert

import (
	"context"
	"fmt"
	"projectsync/internal/model"
	"time"
)

// DefaultGrace is the freshness window within which a re-synced row is left untouched
const DefaultGrace = time.Hour

// Action is what an upsert did to the target row
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
)

// Result of a single upsert
type Result struct {
	Action    Action
	ProjectID int64
}

// Tx is the row-locked find-then-write surface available inside a transaction
type Tx interface {
	// FindForUpdate locks and returns the row whose unique field equals value or whose
	// secondary field equals secondary. It returns nil when neither matches.
	FindForUpdate(ctx context.Context, source, uniqueField, value, secondary string) (*model.Project, error)
	Insert(ctx context.Context, p *model.Project) (int64, error)
	Update(ctx context.Context, p *model.Project) error
}

// Store runs fn inside one transaction, committing on nil and rolling back otherwise
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Engine writes records idempotently
type Engine struct {
	store Store
	grace time.Duration
	now   func() time.Time
}

func NewEngine(store Store, grace time.Duration) *Engine {
	if grace < 0 {
		grace = 0
	}
	return &Engine{store: store, grace: grace, now: time.Now}
}

// WithGrace returns a copy of the engine using a different freshness window
func (e *Engine) WithGrace(grace time.Duration) *Engine {
	cp := *e
	cp.grace = grace
	return &cp
}

// Upsert inserts the record, updates the row it matches, or skips a row synced within the grace window
func (e *Engine) Upsert(ctx context.Context, rec *model.Record, uniqueField string) (Result, error) {
	return e.write(ctx, rec, uniqueField, true)
}

// ForceUpdate writes over the matching row regardless of freshness.
// A record that matches nothing is inserted.
func (e *Engine) ForceUpdate(ctx context.Context, rec *model.Record, uniqueField string) (Result, error) {
	return e.write(ctx, rec, uniqueField, false)
}

func (e *Engine) write(ctx context.Context, rec *model.Record, uniqueField string, guard bool) (Result, error) {
	value := rec.UniqueValue(uniqueField)
	if value == "" {
		return Result{}, fmt.Errorf("%w: record has no %s", model.ErrValidation, uniqueField)
	}

	var result Result
	err := e.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.FindForUpdate(ctx, rec.Source, uniqueField, value, rec.SecondaryValue(uniqueField))
		if err != nil {
			return fmt.Errorf("find %s=%s: %w", uniqueField, value, err)
		}

		now := e.now().UTC()
		p := model.ProjectFromRecord(rec)
		p.LastSyncedAt = now
		p.UpdatedAt = now

		if existing == nil {
			p.CreatedAt = now
			id, err := tx.Insert(ctx, p)
			if err != nil {
				return fmt.Errorf("insert %s=%s: %w", uniqueField, value, err)
			}
			result = Result{Action: ActionCreated, ProjectID: id}
			return nil
		}

		if guard && e.grace > 0 && now.Sub(existing.LastSyncedAt) < e.grace {
			result = Result{Action: ActionSkipped, ProjectID: existing.ID}
			return nil
		}

		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		// the secondary identity is only written when the record carries one
		if rec.SecondaryValue(uniqueField) == "" {
			if uniqueField == model.FieldCode {
				p.ExternalID = existing.ExternalID
			} else {
				p.Code = existing.Code
			}
		}
		if err := tx.Update(ctx, p); err != nil {
			return fmt.Errorf("update project %d: %w", existing.ID, err)
		}
		result = Result{Action: ActionUpdated, ProjectID: existing.ID}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
