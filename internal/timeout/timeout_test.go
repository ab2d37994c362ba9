package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"marketescrow/internal/config"
	"marketescrow/internal/escrow"
	"marketescrow/internal/notify"
	"marketescrow/internal/store"
)

func testTimeouts() config.Timeouts {
	return config.Timeouts{
		MultisigSetup:     time.Hour,
		Funding:           24 * time.Hour,
		TxConfirmation:    6 * time.Hour,
		DisputeResolution: 7 * 24 * time.Hour,
		PollInterval:      time.Minute,
		WarningThreshold:  time.Hour,
		StuckThreshold:    15 * time.Minute,
		WalletRPC:         30 * time.Second,
	}
}

func newMonitor(t *testing.T, s store.Store, bus *notify.Bus) *Monitor {
	t.Helper()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	return New(s, bus, testTimeouts(), log, prometheus.NewRegistry())
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func escrowWithExpiry(id string, expiresAt *time.Time, status escrow.Status) escrow.Escrow {
	now := time.Now().UTC()
	return escrow.Escrow{
		ID: id, BuyerID: "b", VendorID: "v", ArbiterID: "a",
		Amount: 100, Status: status, Phase: escrow.PhaseNotStarted,
		CreatedAt: now, LastActivityAt: now, MultisigUpdatedAt: now, UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
}

func TestScanExpiredTransitionsAndNotifies(t *testing.T) {
	mem := store.NewMemory()
	bus := notify.NewBus()
	ch, unsub := bus.Subscribe("b")
	defer unsub()

	past := time.Now().Add(-time.Hour)
	e := escrowWithExpiry("e1", &past, escrow.StatusReleasing)
	if err := mem.CreateEscrow(context.Background(), e); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}

	mon := newMonitor(t, mem, bus)
	mon.scanExpired(context.Background(), time.Now())

	got, err := mem.GetEscrow(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if got.Status != escrow.StatusExpired {
		t.Fatalf("Status = %s, want %s", got.Status, escrow.StatusExpired)
	}

	select {
	case ev := <-ch:
		if ev.Type != notify.EventEscrowExpired {
			t.Fatalf("event type = %s, want %s", ev.Type, notify.EventEscrowExpired)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an expiry notification")
	}
}

func TestScanExpiringSoonWarnsOnce(t *testing.T) {
	mem := store.NewMemory()
	bus := notify.NewBus()
	mon := newMonitor(t, mem, bus)

	soon := time.Now().Add(10 * time.Minute)
	e := escrowWithExpiry("e2", &soon, escrow.StatusFunded)
	if err := mem.CreateEscrow(context.Background(), e); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}

	now := time.Now()
	mon.scanExpiringSoon(context.Background(), now)
	first, _ := mem.GetEscrow(context.Background(), "e2")
	if first.Snapshot.ExpiringWarningSentAt == nil {
		t.Fatal("expected warning timestamp to be recorded")
	}

	// A second scan within the warning window must not re-fire (S6: no
	// duplicate warning within the same window).
	mon.scanExpiringSoon(context.Background(), now.Add(time.Minute))
	second, _ := mem.GetEscrow(context.Background(), "e2")
	if !second.Snapshot.ExpiringWarningSentAt.Equal(*first.Snapshot.ExpiringWarningSentAt) {
		t.Fatal("expected warning timestamp to remain unchanged on second scan")
	}
}

func TestScanStuckMultisigFlagsAndDedupes(t *testing.T) {
	mem := store.NewMemory()
	bus := notify.NewBus()
	mon := newMonitor(t, mem, bus)

	now := time.Now().UTC()
	e := escrow.Escrow{
		ID: "e3", BuyerID: "b", VendorID: "v", ArbiterID: "a",
		Amount: 100, Status: escrow.StatusFunded, Phase: escrow.PhaseMaking,
		CreatedAt:         now.Add(-2 * time.Hour),
		LastActivityAt:    now.Add(-2 * time.Hour),
		MultisigUpdatedAt: now.Add(-2 * time.Hour),
		UpdatedAt:         now.Add(-2 * time.Hour),
	}
	if err := mem.CreateEscrow(context.Background(), e); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}

	mon.scanStuckMultisig(context.Background(), now)
	got, _ := mem.GetEscrow(context.Background(), "e3")
	if got.Snapshot.StuckWarningPhase != escrow.PhaseMaking {
		t.Fatalf("StuckWarningPhase = %s, want %s", got.Snapshot.StuckWarningPhase, escrow.PhaseMaking)
	}

	mon.scanStuckMultisig(context.Background(), now.Add(time.Minute))
	second, _ := mem.GetEscrow(context.Background(), "e3")
	if !second.Snapshot.StuckWarningSentAt.Equal(*got.Snapshot.StuckWarningSentAt) {
		t.Fatal("expected stuck warning not to re-fire within the same window")
	}
}

// TestScanStuckMultisigUsesStuckThresholdNotWarningThreshold is S6: a setup
// idle 16 minutes is stuck against the 15-minute stuck_threshold even
// though it is nowhere near the hour-long warning threshold used for
// expiring-soon notices.
func TestScanStuckMultisigUsesStuckThresholdNotWarningThreshold(t *testing.T) {
	mem := store.NewMemory()
	bus := notify.NewBus()
	ch, unsub := bus.Subscribe("b")
	defer unsub()
	mon := newMonitor(t, mem, bus)

	now := time.Now().UTC()
	e := escrow.Escrow{
		ID: "e4", BuyerID: "b", VendorID: "v", ArbiterID: "a",
		Amount: 100, Status: escrow.StatusFunded, Phase: escrow.PhasePreparing,
		CreatedAt:         now.Add(-16 * time.Minute),
		LastActivityAt:    now.Add(-16 * time.Minute),
		MultisigUpdatedAt: now.Add(-16 * time.Minute),
		UpdatedAt:         now.Add(-16 * time.Minute),
	}
	if err := mem.CreateEscrow(context.Background(), e); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}

	mon.scanStuckMultisig(context.Background(), now)
	got, _ := mem.GetEscrow(context.Background(), "e4")
	if got.Snapshot.StuckWarningPhase != escrow.PhasePreparing {
		t.Fatalf("StuckWarningPhase = %s, want %s", got.Snapshot.StuckWarningPhase, escrow.PhasePreparing)
	}

	select {
	case ev := <-ch:
		if ev.MinutesStuck != 16 {
			t.Fatalf("MinutesStuck = %d, want 16", ev.MinutesStuck)
		}
		if ev.LastStep != "preparing" {
			t.Fatalf("LastStep = %q, want %q", ev.LastStep, "preparing")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a stuck-setup notification")
	}
}
