package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/kwartapay/backend/internal/config"
	"github.com/kwartapay/backend/internal/models"
	"github.com/kwartapay/backend/internal/rail"
)

// SweepService resolves ledger entries that stayed pending past the
// configured window, usually because a webhook was dropped. It queries the
// rail for final status and applies the outcome through the reconciliation
// path, so it is safe to run concurrently with webhook delivery.
type SweepService struct {
	db    *sql.DB
	rail  rail.Client
	recon *ReconciliationService
	cfg   *config.SettlementConfig
}

func NewSweepService(db *sql.DB, railClient rail.Client, recon *ReconciliationService, cfg *config.SettlementConfig) *SweepService {
	return &SweepService{db: db, rail: railClient, recon: recon, cfg: cfg}
}

// Run loops until ctx is cancelled.
func (sw *SweepService) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[SWEEP] Reconciliation sweep running every %s for entries pending over %s",
		sw.cfg.SweepInterval, sw.cfg.PendingTimeout)

	for {
		select {
		case <-ctx.Done():
			log.Println("[SWEEP] Stopped")
			return
		case <-ticker.C:
			if err := sw.SweepOnce(ctx); err != nil {
				log.Printf("[SWEEP] Pass failed: %v", err)
			}
		}
	}
}

// SweepOnce resolves one batch of overdue pending entries.
func (sw *SweepService) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-sw.cfg.PendingTimeout)

	rows, err := sw.db.Query(`
		SELECT idempotency_key, external_reference
		FROM ledger_entries
		WHERE status = $1 AND external_reference IS NOT NULL AND created_at < $2
		ORDER BY created_at
		LIMIT 100`, models.StatusPending, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()

	type overdue struct {
		key string
		ref string
	}
	var batch []overdue
	for rows.Next() {
		var o overdue
		if err := rows.Scan(&o.key, &o.ref); err != nil {
			return err
		}
		batch = append(batch, o)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, o := range batch {
		status, err := sw.rail.Status(ctx, o.ref)
		if err != nil {
			log.Printf("[SWEEP] Rail status query failed for ref %s: %v", o.ref, err)
			continue
		}

		var outcome string
		switch status {
		case rail.StatusCompleted:
			outcome = OutcomeSuccess
		case rail.StatusFailed:
			outcome = OutcomeFailure
		default:
			// Still in flight on the rail's side; leave it for a later pass.
			continue
		}

		if err := sw.recon.ApplyOutcome(o.ref, outcome); err != nil {
			log.Printf("[SWEEP] Failed to apply %s for entry %s: %v", outcome, o.key, err)
			continue
		}
		log.Printf("[SWEEP] Entry %s resolved to %s", o.key, outcome)
	}

	return nil
}
