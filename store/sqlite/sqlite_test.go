package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// ENTRY STORE
// =============================================================================

func TestInsert_AssignsIDTimeAndSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Insert(ctx, ledger.Entry{
		Domain: ledger.DomainSupplier, PartyID: "sup-1", Type: ledger.Credit,
		Amount: dec("100.10"), BalanceAfter: dec("100.10"),
		Reference: ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder},
	})
	require.NoError(t, err)
	second, err := store.Insert(ctx, ledger.Entry{
		Domain: ledger.DomainSupplier, PartyID: "sup-1", Type: ledger.Debit,
		Amount: dec("0.10"), BalanceAfter: dec("100"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Less(t, first.Seq, second.Seq)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	last, err := store.Last(ctx, ledger.DomainSupplier, "sup-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, second.ID, last.ID)
	assert.True(t, dec("100").Equal(last.BalanceAfter))
}

func TestLast_NoEntries_Nil(t *testing.T) {
	store := newTestStore(t)

	last, err := store.Last(context.Background(), ledger.DomainBuyer, "nobody")

	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestEntries_DecimalRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Insert(ctx, ledger.Entry{
		Domain: ledger.DomainBuyer, PartyID: "b", Type: ledger.Debit,
		Amount: dec("1234567.891"), BalanceAfter: dec("1234567.891"),
		Description: "Sale 42",
	})
	require.NoError(t, err)

	es, err := store.Entries(ctx, ledger.DomainBuyer, "b")

	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, "1234567.891", es[0].Amount.String())
	assert.Equal(t, ledger.DomainBuyer, es[0].Domain)
	assert.Equal(t, "Sale 42", es[0].Description)
}

func TestDomains_UseSeparateTables(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Insert(ctx, ledger.Entry{Domain: ledger.DomainBuyer, PartyID: "x", Type: ledger.Debit, Amount: dec("1"), BalanceAfter: dec("1")})
	require.NoError(t, err)

	sup, err := store.AllEntries(ctx, ledger.DomainSupplier)
	require.NoError(t, err)
	buy, err := store.AllEntries(ctx, ledger.DomainBuyer)
	require.NoError(t, err)

	assert.Empty(t, sup)
	assert.Len(t, buy, 1)
}

func TestDeletes_ByIDsAndReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref := ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder}
	var ids []ledger.EntryID
	for i := 0; i < 3; i++ {
		e, err := store.Insert(ctx, ledger.Entry{Domain: ledger.DomainSupplier, PartyID: "s", Type: ledger.Credit, Amount: dec("1"), BalanceAfter: dec("1"), Reference: ref})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	n, err := store.DeleteByIDs(ctx, ledger.DomainSupplier, ids[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.DeleteByReference(ctx, ledger.DomainSupplier, ref)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.DeleteByReference(ctx, ledger.DomainSupplier, ref)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "missing rows are not an error")
}

func TestByDescription_LiteralMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, desc := range []string{"PO 100%_A", "PO 100XYA"} {
		_, err := store.Insert(ctx, ledger.Entry{
			Domain: ledger.DomainSupplier, PartyID: "s", Type: ledger.Credit,
			Amount: dec("1"), BalanceAfter: dec("1"), Description: desc,
			Reference: ledger.Reference{ID: "x", Type: ledger.RefPurchaseOrder},
		})
		require.NoError(t, err)
	}

	got, err := store.ByDescription(ctx, ledger.DomainSupplier, ledger.RefPurchaseOrder, "100%_A")

	require.NoError(t, err)
	require.Len(t, got, 1, "wildcards in the needle are literal")
	assert.Equal(t, "PO 100%_A", got[0].Description)
}

func TestSetBalance_MissingEntry(t *testing.T) {
	store := newTestStore(t)

	err := store.SetBalance(context.Background(), ledger.DomainSupplier, "nope", dec("1"))

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// DOCUMENTS AND PARTIES
// =============================================================================

func TestDocuments_CRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	po, err := store.CreateDocument(ctx, ledger.Document{Kind: ledger.RefPurchaseOrder, PartyID: "s", Total: dec("1000")})
	require.NoError(t, err)
	_, err = store.CreateDocument(ctx, ledger.Document{Kind: ledger.RefPayment, PartyID: "s", ParentID: po.ID, Total: dec("300")})
	require.NoError(t, err)

	got, err := store.GetDocument(ctx, ledger.RefPurchaseOrder, po.ID)
	require.NoError(t, err)
	assert.True(t, dec("1000").Equal(got.Total))

	payments, err := store.PaymentsFor(ctx, ledger.RefPayment, po.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	require.NoError(t, store.UpdateDocumentTotal(ctx, ledger.RefPurchaseOrder, po.ID, dec("1200")))
	got, err = store.GetDocument(ctx, ledger.RefPurchaseOrder, po.ID)
	require.NoError(t, err)
	assert.True(t, dec("1200").Equal(got.Total))

	require.NoError(t, store.DeleteDocument(ctx, ledger.RefPurchaseOrder, po.ID))
	require.NoError(t, store.DeleteDocument(ctx, ledger.RefPurchaseOrder, po.ID), "second delete is a no-op")
	_, err = store.GetDocument(ctx, ledger.RefPurchaseOrder, po.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestParties_SaveIsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.SaveParty(ctx, ledger.Party{ID: "s", Domain: ledger.DomainSupplier, Name: "Old", CreatedAt: created}))
	require.NoError(t, store.SaveParty(ctx, ledger.Party{ID: "s", Domain: ledger.DomainSupplier, Name: "New"}))

	p, err := store.GetParty(ctx, ledger.DomainSupplier, "s")
	require.NoError(t, err)
	assert.Equal(t, "New", p.Name)
	assert.True(t, created.Equal(p.CreatedAt))

	_, err = store.GetParty(ctx, ledger.DomainBuyer, "s")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "registries are per domain")
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_CascadeDeleteOnSQLite(t *testing.T) {
	// GIVEN: Purchase order 1000 with payments 300 and 400, stored in SQLite
	// WHEN: The purchase order is deleted
	// THEN: No entries remain and the balance is 0

	store := newTestStore(t)
	ctx := context.Background()
	eng := ledger.NewEngine(store)
	require.NoError(t, store.SaveParty(ctx, ledger.Party{ID: "sup-1", Domain: ledger.DomainSupplier, Name: "Acme"}))

	po, err := store.CreateDocument(ctx, ledger.Document{Kind: ledger.RefPurchaseOrder, PartyID: "sup-1", Total: dec("1000")})
	require.NoError(t, err)
	_, err = eng.Writer.Post(ctx, ledger.PostInput{Domain: ledger.DomainSupplier, PartyID: "sup-1", Direction: ledger.Increasing, Amount: po.Total, Reference: po.Reference()})
	require.NoError(t, err)
	for _, amt := range []string{"300", "400"} {
		pay, err := store.CreateDocument(ctx, ledger.Document{Kind: ledger.RefPayment, PartyID: "sup-1", ParentID: po.ID, Total: dec(amt)})
		require.NoError(t, err)
		_, err = eng.Writer.Post(ctx, ledger.PostInput{Domain: ledger.DomainSupplier, PartyID: "sup-1", Direction: ledger.Decreasing, Amount: pay.Total, Reference: pay.Reference()})
		require.NoError(t, err)
	}

	b, err := eng.Balances.CurrentBalance(ctx, ledger.DomainSupplier, "sup-1")
	require.NoError(t, err)
	assert.True(t, dec("300").Equal(b))

	require.NoError(t, eng.Reconciler.DeletePurchaseOrder(ctx, po.ID))

	es, err := store.Entries(ctx, ledger.DomainSupplier, "sup-1")
	require.NoError(t, err)
	assert.Empty(t, es)
	b, err = eng.Balances.CurrentBalance(ctx, ledger.DomainSupplier, "sup-1")
	require.NoError(t, err)
	assert.True(t, b.IsZero())
}
