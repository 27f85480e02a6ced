/*
recalculator.go - Balance Recalculator: rebuild cached balances by replay

PURPOSE:
  Restores the replay invariant for a party: after sorting entries by
  (CreatedAt, Seq, ID) and folding them with the domain's Semantics, the
  running total after entry k equals entry k's stored BalanceAfter.

  Used after deletes (the Reconciler calls it), after total revisions,
  and by the admin "Recalculate All Balances" action.

WRITE-ON-CHANGE:
  Only rows whose cached balance differs from the replayed value are
  rewritten. A second run with no intervening writes rewrites nothing.

BATCH:
  RecalculateAll enumerates the union of party ids in the ledger table and
  in the party registry. One party failing does not stop the others; all
  failures are combined and returned at the end together with the report.
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/logger"
	"go.uber.org/multierr"
)

type Recalculator struct {
	store    Store
	log      *logger.Logger
	observer Observer
	locker   Locker
	auditor  *Auditor
}

// NewRecalculator builds a standalone Recalculator.
func NewRecalculator(store Store, opts ...Option) *Recalculator {
	o := buildOptions(opts)
	r := newRecalculator(store, o)
	r.auditor = newAuditor(store, o)
	return r
}

func newRecalculator(store Store, o options) *Recalculator {
	return &Recalculator{store: store, log: o.log, observer: o.observer, locker: o.locker}
}

// PartyResult is the outcome of recalculating one party.
type PartyResult struct {
	PartyID   PartyID
	Balance   decimal.Decimal
	Entries   int
	Rewritten int
}

// Recalculate replays the party's entries and returns its current balance.
func (r *Recalculator) Recalculate(ctx context.Context, domain Domain, partyID PartyID) (decimal.Decimal, error) {
	res, err := r.RecalculateParty(ctx, domain, partyID)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Balance, nil
}

// RecalculateParty is Recalculate with row counts.
func (r *Recalculator) RecalculateParty(ctx context.Context, domain Domain, partyID PartyID) (PartyResult, error) {
	start := time.Now()
	res, err := r.recalculate(ctx, domain, partyID)
	r.observer.RecalcRecorded(domain, partyID, time.Since(start), err)

	logCtx := r.log.WithFields(ctx, map[string]any{"domain": domain, "party_id": partyID})
	if err != nil {
		r.log.Error(logCtx, "recalculation failed", err)
		return res, err
	}
	if res.Rewritten > 0 {
		r.log.Info(r.log.WithFields(logCtx, map[string]any{
			"rewritten": res.Rewritten,
			"entries":   res.Entries,
			"balance":   res.Balance.String(),
		}), "recalculated party balance")
	}
	return res, nil
}

func (r *Recalculator) recalculate(ctx context.Context, domain Domain, partyID PartyID) (PartyResult, error) {
	res := PartyResult{PartyID: partyID, Balance: decimal.Zero}

	sem, err := SemanticsFor(domain)
	if err != nil {
		return res, err
	}

	unlock, err := r.locker.Lock(ctx, domain, partyID)
	if err != nil {
		return res, err
	}
	defer unlock()

	entries, err := r.store.Entries(ctx, domain, partyID)
	if err != nil {
		return res, storeErr("load entries", err)
	}
	SortEntries(entries)
	res.Entries = len(entries)

	balance := decimal.Zero
	for _, e := range entries {
		balance = sem.Apply(balance, e)
		if e.BalanceAfter.Equal(balance) {
			continue
		}
		if err := r.store.SetBalance(ctx, domain, e.ID, balance); err != nil {
			return res, storeErr("set balance", err)
		}
		res.Rewritten++
	}
	res.Balance = balance
	return res, nil
}

// =============================================================================
// BATCH
// =============================================================================

// RecalcReport summarizes a RecalculateAll run for one domain.
type RecalcReport struct {
	Domain    Domain
	StartedAt time.Time
	Duration  time.Duration
	Parties   []PartyResult
	Failures  map[PartyID]error
	// Discrepancies lists parties that still disagree with a replay
	// after the run (operator review).
	Discrepancies []DriftDetected
}

func (r *RecalcReport) Succeeded() int { return len(r.Parties) }
func (r *RecalcReport) Failed() int    { return len(r.Failures) }

// RecalculateAll recalculates every party of the domain. Returns the report
// and the combined error of all failed parties.
func (r *Recalculator) RecalculateAll(ctx context.Context, domain Domain) (*RecalcReport, error) {
	report := &RecalcReport{
		Domain:    domain,
		StartedAt: time.Now(),
		Failures:  make(map[PartyID]error),
	}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	if _, err := SemanticsFor(domain); err != nil {
		return report, err
	}

	ids, err := r.partyIDs(ctx, domain)
	if err != nil {
		return report, err
	}

	var errs error
	for _, id := range ids {
		res, err := r.RecalculateParty(ctx, domain, id)
		if err != nil {
			report.Failures[id] = err
			errs = multierr.Append(errs, err)
			continue
		}
		report.Parties = append(report.Parties, res)
	}

	if r.auditor != nil {
		drift, err := r.auditor.Drift(ctx, domain)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		report.Discrepancies = drift
	}

	r.log.Info(r.log.WithFields(ctx, map[string]any{
		"domain":        domain,
		"parties":       len(ids),
		"succeeded":     report.Succeeded(),
		"failed":        report.Failed(),
		"discrepancies": len(report.Discrepancies),
	}), "recalculate all complete")

	return report, errs
}

// partyIDs unions ledger party ids with the registry, sorted.
func (r *Recalculator) partyIDs(ctx context.Context, domain Domain) ([]PartyID, error) {
	seen := make(map[PartyID]bool)
	fromLedger, err := r.store.PartyIDs(ctx, domain)
	if err != nil {
		return nil, storeErr("list ledger parties", err)
	}
	for _, id := range fromLedger {
		seen[id] = true
	}
	registered, err := r.store.ListParties(ctx, domain)
	if err != nil {
		return nil, storeErr("list parties", err)
	}
	for _, p := range registered {
		seen[p.ID] = true
	}

	ids := make([]PartyID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func combine(errs ...error) error {
	return multierr.Combine(errs...)
}
