package upsert

import (
	"context"
	"errors"
	"projectsync/internal/model"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore stages writes per transaction and applies them on commit
type memStore struct {
	mu        sync.Mutex
	rows      map[int64]model.Project
	nextID    int64
	failWrite error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]model.Project)}
}

type memTx struct {
	s      *memStore
	staged map[int64]model.Project
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, staged: make(map[int64]model.Project)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, p := range tx.staged {
		s.rows[id] = p
	}
	return nil
}

func (t *memTx) FindForUpdate(_ context.Context, source, field, value, secondary string) (*model.Project, error) {
	for _, p := range t.s.rows {
		if p.Source != source {
			continue
		}
		primary, other := p.ExternalID, p.Code
		if field == model.FieldCode {
			primary, other = p.Code, p.ExternalID
		}
		if primary == value || (secondary != "" && other == secondary) {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) Insert(_ context.Context, p *model.Project) (int64, error) {
	if t.s.failWrite != nil {
		return 0, t.s.failWrite
	}
	t.s.nextID++
	p.ID = t.s.nextID
	t.staged[p.ID] = *p
	return p.ID, nil
}

func (t *memTx) Update(_ context.Context, p *model.Project) error {
	if t.s.failWrite != nil {
		return t.s.failWrite
	}
	t.staged[p.ID] = *p
	return nil
}

func testEngine(store Store, clock *time.Time) *Engine {
	e := NewEngine(store, time.Hour)
	e.now = func() time.Time { return *clock }
	return e
}

func record(externalID, code, name string) *model.Record {
	return &model.Record{Source: "dpwh", ExternalID: externalID, Code: code, Name: name}
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newMemStore()
	clock := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	e := testEngine(store, &clock)
	ctx := context.Background()

	res, err := e.Upsert(ctx, record("100", "C-1", "Bridge"), model.FieldExternalID)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, res.Action)

	// inside the grace window: skip and leave last_synced_at alone
	clock = clock.Add(30 * time.Minute)
	res, err = e.Upsert(ctx, record("100", "C-1", "Bridge v2"), model.FieldExternalID)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, res.Action)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "Bridge", store.rows[1].Name)
	assert.Equal(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), store.rows[1].LastSyncedAt)

	// past the grace window: update in place
	clock = clock.Add(2 * time.Hour)
	res, err = e.Upsert(ctx, record("100", "C-1", "Bridge v3"), model.FieldExternalID)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, res.Action)
	assert.Equal(t, int64(1), res.ProjectID)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "Bridge v3", store.rows[1].Name)
	assert.Equal(t, clock, store.rows[1].LastSyncedAt)
	assert.Equal(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), store.rows[1].CreatedAt)
}

func TestUpsertMatchesSecondaryField(t *testing.T) {
	store := newMemStore()
	clock := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	e := testEngine(store, &clock)
	ctx := context.Background()

	_, err := e.Upsert(ctx, record("100", "C-1", "Bridge"), model.FieldExternalID)
	require.NoError(t, err)

	// the upstream reissued the external id; the contract code still correlates
	clock = clock.Add(3 * time.Hour)
	res, err := e.Upsert(ctx, record("200", "C-1", "Bridge"), model.FieldExternalID)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, res.Action)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "200", store.rows[1].ExternalID, "primary unique field is written through")
}

func TestUpsertKeepsSecondaryWhenRecordHasNone(t *testing.T) {
	store := newMemStore()
	clock := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	e := testEngine(store, &clock)
	ctx := context.Background()

	_, err := e.Upsert(ctx, record("100", "C-1", "Bridge"), model.FieldExternalID)
	require.NoError(t, err)

	res, err := e.ForceUpdate(ctx, record("100", "", "Bridge"), model.FieldExternalID)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, res.Action)
	assert.Equal(t, "C-1", store.rows[1].Code)
}

func TestUpsertRejectsMissingIdentity(t *testing.T) {
	e := NewEngine(newMemStore(), time.Hour)

	_, err := e.Upsert(context.Background(), record("", "C-1", "Bridge"), model.FieldExternalID)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestUpsertRollsBackOnFailure(t *testing.T) {
	store := newMemStore()
	store.failWrite = errors.New("null value in column \"name\"")
	e := NewEngine(store, time.Hour)

	_, err := e.Upsert(context.Background(), record("100", "", ""), model.FieldExternalID)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.failWrite)
	assert.Empty(t, store.rows)
}

func TestUpsertConcurrentSameIdentity(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Upsert(context.Background(), record("100", "C-1", "Bridge"), model.FieldExternalID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, store.rows, 1)
}
