package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCES - Party balance queries
// =============================================================================

// Balances answers "how much is owed" questions. CurrentBalance trusts the
// cached BalanceAfter of the last entry; ReplayBalance recomputes it. When
// the two disagree the party needs recalculation.
type Balances struct {
	store Store
}

func NewBalances(store Store) *Balances {
	return &Balances{store: store}
}

// CurrentBalance reads the most recent entry's BalanceAfter (0 if none).
func (b *Balances) CurrentBalance(ctx context.Context, domain Domain, partyID PartyID) (decimal.Decimal, error) {
	if !domain.IsValid() {
		return decimal.Zero, ErrUnknownDomain
	}
	last, err := b.store.Last(ctx, domain, partyID)
	if err != nil {
		return decimal.Zero, storeErr("last entry", err)
	}
	if last == nil {
		return decimal.Zero, nil
	}
	return last.BalanceAfter, nil
}

// ReplayBalance folds all of the party's entries chronologically.
func (b *Balances) ReplayBalance(ctx context.Context, domain Domain, partyID PartyID) (decimal.Decimal, error) {
	sem, err := SemanticsFor(domain)
	if err != nil {
		return decimal.Zero, err
	}
	entries, err := b.store.Entries(ctx, domain, partyID)
	if err != nil {
		return decimal.Zero, storeErr("load entries", err)
	}
	SortEntries(entries)
	return Fold(entries, sem), nil
}

// BalanceCheck holds both balance computations for one party.
type BalanceCheck struct {
	PartyID  PartyID
	Domain   Domain
	Cached   decimal.Decimal
	Replayed decimal.Decimal
}

func (c BalanceCheck) Consistent() bool { return c.Cached.Equal(c.Replayed) }

// CheckBalance computes the cached and replayed balance of a party.
func (b *Balances) CheckBalance(ctx context.Context, domain Domain, partyID PartyID) (BalanceCheck, error) {
	check := BalanceCheck{PartyID: partyID, Domain: domain}
	var err error
	if check.Cached, err = b.CurrentBalance(ctx, domain, partyID); err != nil {
		return check, err
	}
	if check.Replayed, err = b.ReplayBalance(ctx, domain, partyID); err != nil {
		return check, err
	}
	return check, nil
}

// AllBalances computes every party's balance in one pass over the domain's
// entries, grouping by party and sorting each group before folding.
func (b *Balances) AllBalances(ctx context.Context, domain Domain) (map[PartyID]decimal.Decimal, error) {
	sem, err := SemanticsFor(domain)
	if err != nil {
		return nil, err
	}
	entries, err := b.store.AllEntries(ctx, domain)
	if err != nil {
		return nil, storeErr("load all entries", err)
	}
	out := make(map[PartyID]decimal.Decimal)
	for party, group := range GroupByParty(entries) {
		out[party] = Fold(group, sem)
	}
	return out, nil
}

// =============================================================================
// STATEMENT - Raw entries for statement and print views
// =============================================================================

type StatementLine struct {
	Entry
	Direction Direction
	// Replayed is the balance recomputed from scratch at this line.
	Replayed decimal.Decimal
}

// Drifted reports whether the stored balance disagrees with the replay.
func (l StatementLine) Drifted() bool { return !l.BalanceAfter.Equal(l.Replayed) }

type Statement struct {
	Domain  Domain
	PartyID PartyID
	Lines   []StatementLine
	Balance decimal.Decimal
}

// Statement returns the party's entries in replay order.
func (b *Balances) Statement(ctx context.Context, domain Domain, partyID PartyID) (Statement, error) {
	st := Statement{Domain: domain, PartyID: partyID, Balance: decimal.Zero}
	sem, err := SemanticsFor(domain)
	if err != nil {
		return st, err
	}
	entries, err := b.store.Entries(ctx, domain, partyID)
	if err != nil {
		return st, storeErr("load entries", err)
	}
	SortEntries(entries)
	running := Replay(entries, sem)
	st.Lines = make([]StatementLine, len(entries))
	for i, e := range entries {
		dir, _ := sem.DirectionOf(e.Type)
		st.Lines[i] = StatementLine{Entry: e, Direction: dir, Replayed: running[i]}
	}
	if n := len(running); n > 0 {
		st.Balance = running[n-1]
	}
	return st, nil
}
