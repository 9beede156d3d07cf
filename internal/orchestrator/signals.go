package orchestrator

import (
	"context"
	"errors"
	"projectsync/internal/cache"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StopMode says what a stopped job becomes
type StopMode string

const (
	StopPause  StopMode = "pause"
	StopCancel StopMode = "cancel"
)

const signalTTL = 24 * time.Hour

type stopSignal struct {
	Mode        StopMode  `json:"mode"`
	RequestedAt time.Time `json:"requested_at"`
}

// Signals carries cooperative stop requests to running jobs. Requests raised in
// this process are seen immediately; requests from other processes travel through redis.
type Signals struct {
	cache cache.Cache
	mu    sync.Mutex
	local map[string]StopMode
}

func NewSignals(c cache.Cache) *Signals {
	return &Signals{cache: c, local: make(map[string]StopMode)}
}

// Raise asks the job to stop at its next batch boundary
func (s *Signals) Raise(ctx context.Context, jobID string, mode StopMode) error {
	s.mu.Lock()
	s.local[jobID] = mode
	s.mu.Unlock()

	if s.cache == nil {
		return nil
	}
	signal := stopSignal{Mode: mode, RequestedAt: time.Now().UTC()}
	return cache.SetJSON(ctx, s.cache, cache.StopSignalKey(jobID), signal, signalTTL)
}

// Check returns the pending stop request for a job, if any
func (s *Signals) Check(ctx context.Context, jobID string) (StopMode, bool) {
	s.mu.Lock()
	mode, ok := s.local[jobID]
	s.mu.Unlock()
	if ok {
		return mode, true
	}

	if s.cache == nil {
		return "", false
	}
	var signal stopSignal
	err := cache.GetJSON(ctx, s.cache, cache.StopSignalKey(jobID), &signal)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("jobId", jobID).Msg("Failed to read stop signal")
		}
		return "", false
	}
	if signal.Mode != StopCancel {
		signal.Mode = StopPause
	}
	return signal.Mode, true
}

// Clear drops any stop request once the job has acted on it
func (s *Signals) Clear(ctx context.Context, jobID string) {
	s.mu.Lock()
	delete(s.local, jobID)
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.StopSignalKey(jobID)); err != nil {
		log.Warn().Err(err).Str("jobId", jobID).Msg("Failed to clear stop signal")
	}
}
