// Package timeout implements TimeoutMonitor (spec.md §4.6): a background
// scan loop that expires stale escrows, warns on escrows approaching a
// deadline, and flags multisig setups stuck in one phase too long. Shaped
// directly on the teacher's core/system_health_logging.go HealthLogger:
// a ticker-driven collector registered against a Prometheus registry,
// logging through logrus.
package timeout

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"marketescrow/internal/config"
	"marketescrow/internal/cryptoutil"
	"marketescrow/internal/escrow"
	"marketescrow/internal/notify"
	"marketescrow/internal/store"
)

// Monitor runs the three scans from spec §4.6 on a fixed interval.
type Monitor struct {
	store    store.Store
	bus      *notify.Bus
	timeouts config.Timeouts
	log      *logrus.Logger

	timeoutsCounter  *prometheus.CounterVec
	stuckSetupsGauge prometheus.Counter
}

// New constructs a Monitor. reg is the Prometheus registry the caller
// already owns (cmd/escrowd wires one process-wide registry, matching the
// teacher's single `*prometheus.Registry` per HealthLogger instance).
func New(s store.Store, bus *notify.Bus, timeouts config.Timeouts, log *logrus.Logger, reg *prometheus.Registry) *Monitor {
	m := &Monitor{
		store:    s,
		bus:      bus,
		timeouts: timeouts,
		log:      log,
		timeoutsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketescrow_timeouts_total",
			Help: "Total number of timeout actions taken by the monitor, by action.",
		}, []string{"action"}),
		stuckSetupsGauge: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketescrow_stuck_setups_total",
			Help: "Total number of multisig setups flagged as stuck.",
		}),
	}
	reg.MustRegister(m.timeoutsCounter, m.stuckSetupsGauge)
	return m
}

// Run drives the scan loop until ctx is cancelled, exactly mirroring
// HealthLogger.RunMetricsCollector's ticker+select shape.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.timeouts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	now := time.Now().UTC()
	m.scanExpired(ctx, now)
	m.scanExpiringSoon(ctx, now)
	m.scanStuckMultisig(ctx, now)
}

// scanExpired handles every escrow whose deadline has already passed
// (spec §4.6 "expired" scan): created and funded escrows are cancelled,
// every other status gets EventExpire.
func (m *Monitor) scanExpired(ctx context.Context, now time.Time) {
	list, err := m.store.ListExpired(ctx, now)
	if err != nil {
		m.log.WithError(err).Error("timeout: list expired")
		return
	}
	for _, e := range list {
		event, evType, action := escrow.EventExpire, notify.EventEscrowExpired, "expired"
		if e.Status == escrow.StatusCreated || e.Status == escrow.StatusFunded {
			event, evType, action = escrow.EventCancel, notify.EventEscrowCancelled, "auto_cancelled"
		}
		_, err := m.store.WithEscrowLock(ctx, e.ID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
			return escrow.Transition(cur, event, m.timeouts, now)
		})
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"escrow_id": cryptoutil.SanitizeUUID(e.ID),
				"error":     err.Error(),
			}).Warn("timeout: expire transition failed")
			continue
		}
		m.timeoutsCounter.WithLabelValues(action).Inc()
		var hoursPending float64
		if e.ExpiresAt != nil {
			hoursPending = now.Sub(*e.ExpiresAt).Hours()
		}
		m.bus.Publish(notify.Event{
			Type:            evType,
			EscrowID:        e.ID,
			UserIDs:         []string{e.BuyerID, e.VendorID, e.ArbiterID},
			At:              now,
			TxHash:          e.TransactionHash,
			HoursPending:    hoursPending,
			SuggestedAction: "contact support",
		})
	}
}

// scanExpiringSoon warns once per escrow per warning window (spec §4.6
// "expiring soon" scan, S6's "no duplicate warning within the same
// window"). The snapshot's ExpiringWarningSentAt timestamp is the
// dedup guard, persisted so a restart doesn't re-fire the warning.
func (m *Monitor) scanExpiringSoon(ctx context.Context, now time.Time) {
	list, err := m.store.ListExpiringSoon(ctx, now, m.timeouts.WarningThreshold)
	if err != nil {
		m.log.WithError(err).Error("timeout: list expiring soon")
		return
	}
	for _, e := range list {
		if alreadyWarnedWithin(e.Snapshot.ExpiringWarningSentAt, now, m.timeouts.WarningThreshold) {
			continue
		}
		_, err := m.store.WithEscrowLock(ctx, e.ID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
			if alreadyWarnedWithin(cur.Snapshot.ExpiringWarningSentAt, now, m.timeouts.WarningThreshold) {
				return cur, nil
			}
			out := cur
			out.Snapshot.ExpiringWarningSentAt = &now
			out.UpdatedAt = now
			return out, nil
		})
		if err != nil {
			m.log.WithError(err).Warn("timeout: record expiring-soon warning")
			continue
		}
		m.timeoutsCounter.WithLabelValues("expiring_soon_warning").Inc()
		var secondsRemaining int64
		if e.ExpiresAt != nil {
			secondsRemaining = int64(e.ExpiresAt.Sub(now).Seconds())
		}
		m.bus.Publish(notify.Event{
			Type:             notify.EventEscrowExpiringSoon,
			EscrowID:         e.ID,
			UserIDs:          []string{e.BuyerID, e.VendorID, e.ArbiterID},
			At:               now,
			SecondsRemaining: secondsRemaining,
			ActionRequired:   "advance the escrow before it expires",
		})
	}
}

// scanStuckMultisig flags a multisig setup idle in the same phase past the
// stuck threshold (spec §4.6 "stuck" scan). Like the expiring-soon scan,
// it is deduped per phase so the same stuck phase does not re-fire every
// tick.
func (m *Monitor) scanStuckMultisig(ctx context.Context, now time.Time) {
	list, err := m.store.ListStuckMultisig(ctx, now, m.timeouts.StuckThreshold)
	if err != nil {
		m.log.WithError(err).Error("timeout: list stuck multisig")
		return
	}
	for _, e := range list {
		if e.Snapshot.StuckWarningPhase == e.Phase && alreadyWarnedWithin(e.Snapshot.StuckWarningSentAt, now, m.timeouts.StuckThreshold) {
			continue
		}
		_, err := m.store.WithEscrowLock(ctx, e.ID, func(ctx context.Context, cur escrow.Escrow) (escrow.Escrow, error) {
			if cur.Snapshot.StuckWarningPhase == cur.Phase && alreadyWarnedWithin(cur.Snapshot.StuckWarningSentAt, now, m.timeouts.StuckThreshold) {
				return cur, nil
			}
			out := cur
			out.Snapshot.StuckWarningPhase = cur.Phase
			out.Snapshot.StuckWarningSentAt = &now
			out.UpdatedAt = now
			return out, nil
		})
		if err != nil {
			m.log.WithError(err).Warn("timeout: record stuck-setup warning")
			continue
		}
		m.stuckSetupsGauge.Inc()
		m.timeoutsCounter.WithLabelValues("stuck_setup").Inc()
		minutesStuck := int64(now.Sub(e.MultisigUpdatedAt).Minutes())
		m.bus.Publish(notify.Event{
			Type:            notify.EventMultisigSetupStuck,
			EscrowID:        e.ID,
			UserIDs:         []string{e.BuyerID, e.VendorID, e.ArbiterID},
			At:              now,
			MinutesStuck:    minutesStuck,
			LastStep:        string(e.Phase),
			SuggestedAction: "check wallet daemons for all three parties",
		})
	}
}

func alreadyWarnedWithin(last *time.Time, now time.Time, window time.Duration) bool {
	if last == nil {
		return false
	}
	return now.Before(last.Add(window))
}
