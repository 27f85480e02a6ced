package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewEngine(mem, opts...), mem
}

// frozenClock makes every insert share one timestamp so ordering falls back
// to Seq.
func frozenClock() func() time.Time {
	at := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func addParty(t *testing.T, st ledger.PartyStore, domain ledger.Domain, id ledger.PartyID) {
	t.Helper()
	require.NoError(t, st.SaveParty(context.Background(), ledger.Party{ID: id, Domain: domain, Name: string(id)}))
}

// createDoc stores a document and posts its entry.
func createDoc(t *testing.T, eng *ledger.Engine, kind ledger.ReferenceType, party ledger.PartyID, parent string, total string) ledger.Document {
	t.Helper()
	ctx := context.Background()
	info, err := kind.Info()
	require.NoError(t, err)

	doc, err := eng.Store.CreateDocument(ctx, ledger.Document{
		Kind:     kind,
		PartyID:  party,
		ParentID: parent,
		Total:    dec(total),
	})
	require.NoError(t, err)

	_, err = eng.Writer.Post(ctx, ledger.PostInput{
		Domain:      info.Domain,
		PartyID:     party,
		Direction:   info.Direction,
		Amount:      doc.Total,
		Reference:   doc.Reference(),
		Description: string(kind) + " " + doc.ID,
	})
	require.NoError(t, err)
	return doc
}

func post(t *testing.T, eng *ledger.Engine, domain ledger.Domain, party ledger.PartyID, dir ledger.Direction, amount string, ref ledger.Reference) ledger.Entry {
	t.Helper()
	e, err := eng.Writer.Post(context.Background(), ledger.PostInput{
		Domain:    domain,
		PartyID:   party,
		Direction: dir,
		Amount:    dec(amount),
		Reference: ref,
	})
	require.NoError(t, err)
	return e
}

func balanceOf(t *testing.T, eng *ledger.Engine, domain ledger.Domain, party ledger.PartyID) decimal.Decimal {
	t.Helper()
	b, err := eng.Balances.CurrentBalance(context.Background(), domain, party)
	require.NoError(t, err)
	return b
}

func entriesOf(t *testing.T, st ledger.EntryStore, domain ledger.Domain, party ledger.PartyID) []ledger.Entry {
	t.Helper()
	es, err := st.Entries(context.Background(), domain, party)
	require.NoError(t, err)
	return es
}

// snapshot maps entry ids to their cached balances.
func snapshot(t *testing.T, st ledger.EntryStore, domain ledger.Domain, party ledger.PartyID) map[ledger.EntryID]string {
	t.Helper()
	out := make(map[ledger.EntryID]string)
	for _, e := range entriesOf(t, st, domain, party) {
		out[e.ID] = e.BalanceAfter.String()
	}
	return out
}

func decEqual(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}
