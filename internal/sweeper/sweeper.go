// Package sweeper periodically reclaims assistant messages left stuck in
// "pending": a process crash between Phase 1's insert and Phase 3's finalize,
// or a streaming pump that died without a chance to finalize itself. It never
// competes with a live stream — the streaming pump's own liveness marker in
// Redis is checked before a row is touched.
package sweeper

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"nexus/internal/nexuserr"
	"nexus/internal/observability"
	"nexus/internal/ratelimit"
	"nexus/internal/store"
)

const (
	// defaultStaleThreshold mirrors the original's STALE_THRESHOLD_MINUTES.
	defaultStaleThreshold = 5 * time.Minute

	orphanedContent = "Request timed out — please try again."
)

// Sweeper runs the periodic pending-message reclaim job.
type Sweeper struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	every   time.Duration
	stale   time.Duration
}

// New builds a Sweeper that scans every interval for messages older than
// staleAfter. interval is floored at a minute — finer-grained polling buys
// nothing once staleAfter is itself minutes wide; staleAfter defaults to
// defaultStaleThreshold when zero.
func New(st *store.Store, limiter *ratelimit.Limiter, interval, staleAfter time.Duration) *Sweeper {
	if interval < time.Minute {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleThreshold
	}
	return &Sweeper{store: st, limiter: limiter, every: interval, stale: staleAfter}
}

// Run blocks, sweeping on every tick until ctx is canceled. main starts it
// as a background goroutine; there is no standalone entrypoint.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single scan-and-finalize pass, logging the count and the
// oldest age it found, matching the original task's summary log line.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	logger := observability.LoggerWithTrace(ctx)

	stale, err := s.store.ListStalePending(ctx, int(s.stale.Seconds()))
	if err != nil {
		logger.Error().Err(err).Msg("sweeper.scan_failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	var oldestAge time.Duration
	finalized := 0

	for _, m := range stale {
		age := time.Since(m.CreatedAt)
		if age > oldestAge {
			oldestAge = age
		}

		if s.limiter.IsStreamActive(ctx, m.ID) {
			logger.Debug().Str("message_id", m.ID).Dur("age", age).Msg("sweeper.skip_active")
			continue
		}

		if s.finalizeOrphan(ctx, m.ID) {
			finalized++
			logger.Info().Str("message_id", m.ID).Dur("age", age).Msg("sweeper.finalized")
		}
	}

	if finalized > 0 {
		logger.Info().
			Int("finalized_count", finalized).
			Int("total_stale", len(stale)).
			Dur("oldest_age", oldestAge).
			Msg("sweeper.complete")
	}
}

// finalizeOrphan applies the conditional finalize + best-effort message_llm
// insert to one stale row. The finalize-once conditional update means a
// race with a streaming pump that finalizes between ListStalePending and
// here resolves cleanly: at most one of them actually updates the row.
func (s *Sweeper) finalizeOrphan(ctx context.Context, messageID string) bool {
	var finalizedHere bool

	err := pgx.BeginFunc(ctx, s.store.Pool(), func(tx pgx.Tx) error {
		errorCode := string(nexuserr.CodeOrphanedPending)
		ok, err := store.FinalizeMessageTx(ctx, tx, messageID, orphanedContent, store.StatusError, &errorCode)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		finalizedHere = true

		// provider/model_name are recorded as "unknown" here rather than the
		// original's hardcoded "openai": the sweeper has no way to know
		// which provider a row was destined for once its own process died,
		// and "openai" would be actively misleading for a non-OpenAI model.
		return store.InsertMessageLLM(ctx, tx, store.MessageLLM{
			MessageID:        messageID,
			Provider:         "unknown",
			ModelName:        "unknown",
			KeyModeRequested: store.KeyModeAuto,
			KeyModeUsed:      store.KeyUsedPlatform,
			ErrorClass:       &errorCode,
			PromptVersion:    "sweeper",
		})
	})
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("message_id", messageID).Msg("sweeper.finalize_failed")
		return false
	}
	return finalizedHere
}
