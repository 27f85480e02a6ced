package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SortEntries orders entries by CreatedAt, then Seq, then ID. This is the
// only ordering the engine replays in.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
}

func entryLess(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// Replay returns the running balance after each entry. Entries must already
// be sorted (see SortEntries).
func Replay(entries []Entry, sem Semantics) []decimal.Decimal {
	out := make([]decimal.Decimal, len(entries))
	balance := decimal.Zero
	for i, e := range entries {
		balance = sem.Apply(balance, e)
		out[i] = balance
	}
	return out
}

// Fold returns the final balance of sorted entries.
func Fold(entries []Entry, sem Semantics) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range entries {
		balance = sem.Apply(balance, e)
	}
	return balance
}

// GroupByParty splits entries per party and sorts each group.
func GroupByParty(entries []Entry) map[PartyID][]Entry {
	groups := make(map[PartyID][]Entry)
	for _, e := range entries {
		groups[e.PartyID] = append(groups[e.PartyID], e)
	}
	for _, g := range groups {
		SortEntries(g)
	}
	return groups
}
