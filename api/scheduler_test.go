package api_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

func TestScheduler_RunNowRepairsDrift(t *testing.T) {
	// GIVEN: A party whose cached balance was overwritten
	// WHEN: The scheduler runs
	// THEN: The cached balance matches the replay again

	mem := store.NewMemory()
	eng := ledger.NewEngine(mem)
	ctx := context.Background()
	require.NoError(t, mem.SaveParty(ctx, ledger.Party{ID: "s", Domain: ledger.DomainSupplier}))
	e, err := eng.Writer.Post(ctx, ledger.PostInput{
		Domain: ledger.DomainSupplier, PartyID: "s", Direction: ledger.Increasing,
		Amount: decimal.NewFromInt(40), Reference: ledger.Reference{ID: "po", Type: ledger.RefPurchaseOrder},
	})
	require.NoError(t, err)
	require.NoError(t, mem.SetBalance(ctx, ledger.DomainSupplier, e.ID, decimal.NewFromInt(7)))

	s := api.NewRecalculationScheduler(eng, time.Hour)
	report := s.RunNow(ctx)

	assert.Empty(t, report.Discrepancies())
	check, err := eng.Balances.CheckBalance(ctx, ledger.DomainSupplier, "s")
	require.NoError(t, err)
	assert.True(t, check.Consistent())
	assert.True(t, s.NextRunTime().After(time.Now()))
}

func TestScheduler_DisabledStartStop(t *testing.T) {
	s := api.NewRecalculationScheduler(ledger.NewEngine(store.NewMemory()), 0)

	assert.False(t, s.Enabled())
	assert.NotPanics(t, func() {
		s.Start()
		s.Stop()
	})
}

func TestScheduler_StartStop(t *testing.T) {
	s := api.NewRecalculationScheduler(ledger.NewEngine(store.NewMemory()), time.Hour)

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

func TestScheduler_NextRunTimeDuringRun(t *testing.T) {
	// GIVEN: A recalculation stuck listing parties
	// WHEN: NextRunTime is asked
	// THEN: It answers without waiting for the run

	mem := store.NewMemory()
	s := api.NewRecalculationScheduler(ledger.NewEngine(mem), time.Hour)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mem.SetFault(func(op string, _ ledger.Domain, _ ledger.PartyID) error {
		if op == "party_ids" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		s.RunNow(context.Background())
		close(done)
	}()
	<-entered
	defer func() {
		close(release)
		<-done
	}()

	got := make(chan time.Time, 1)
	go func() { got <- s.NextRunTime() }()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("NextRunTime waited for the in-flight recalculation")
	}
}
