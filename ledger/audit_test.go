package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/ledger"
)

func TestAudit_CleanLedger(t *testing.T) {
	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")
	po := createDoc(t, eng, ledger.RefPurchaseOrder, "sup-1", "", "100")
	createDoc(t, eng, ledger.RefPayment, "sup-1", po.ID, "40")

	report, err := eng.Auditor.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestAudit_Drift(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	addParty(t, mem, ledger.DomainSupplier, "sup-1")
	first := post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "100", ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder})
	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "5", ledger.Reference{ID: "po-2", Type: ledger.RefPurchaseOrder})
	require.NoError(t, mem.SetBalance(ctx, ledger.DomainSupplier, first.ID, dec("99")))

	drift, err := eng.Auditor.Drift(ctx, ledger.DomainSupplier)

	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, first.ID, drift[0].EntryID)
	decEqual(t, "99", drift[0].Stored)
	decEqual(t, "100", drift[0].Replayed)
	assert.Equal(t, 1, drift[0].Entries)
}

func TestAudit_Orphans(t *testing.T) {
	// GIVEN: A purchase order row deleted directly, leaving its entry
	// WHEN: Orphans runs
	// THEN: The entry is reported with reason "document not found"

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	addParty(t, mem, ledger.DomainSupplier, "sup-1")
	po := createDoc(t, eng, ledger.RefPurchaseOrder, "sup-1", "", "100")
	require.NoError(t, mem.DeleteDocument(ctx, ledger.RefPurchaseOrder, po.ID))

	orphans, err := eng.Auditor.Orphans(ctx, ledger.DomainSupplier)

	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, po.Reference(), orphans[0].Reference)
	assert.Equal(t, "document not found", orphans[0].Reason)
}

func TestAudit_Orphans_PartyRemoved(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	addParty(t, mem, ledger.DomainBuyer, "buy-1")
	createDoc(t, eng, ledger.RefWholesaleSale, "buy-1", "", "100")
	require.NoError(t, mem.DeleteParty(ctx, ledger.DomainBuyer, "buy-1"))

	orphans, err := eng.Auditor.Orphans(ctx, ledger.DomainBuyer)

	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "party not found", orphans[0].Reason)
}

func TestAudit_Duplicates(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	addParty(t, mem, ledger.DomainSupplier, "sup-1")
	ref := ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder}
	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "100", ref)
	_, err := mem.Insert(ctx, ledger.Entry{
		Domain: ledger.DomainSupplier, PartyID: "sup-1", Type: ledger.Credit,
		Amount: dec("100"), BalanceAfter: dec("200"), Reference: ref,
	})
	require.NoError(t, err)

	dups, err := eng.Auditor.Duplicates(ctx, ledger.DomainSupplier)

	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, ref, dups[0].Reference)
	assert.Len(t, dups[0].EntryIDs, 2)
}

func TestAudit_Unposted(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	addParty(t, mem, ledger.DomainBuyer, "buy-1")
	doc, err := mem.CreateDocument(ctx, ledger.Document{Kind: ledger.RefWholesaleSale, PartyID: "buy-1", Total: dec("10")})
	require.NoError(t, err)

	unposted, err := eng.Auditor.Unposted(ctx, ledger.DomainBuyer)

	require.NoError(t, err)
	require.Len(t, unposted, 1)
	assert.Equal(t, doc.ID, unposted[0].ID)
}

func TestAudit_LegacyMatches(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	addParty(t, mem, ledger.DomainSupplier, "sup-1")
	po := createDoc(t, eng, ledger.RefPurchaseOrder, "sup-1", "", "100")
	_, err := eng.Writer.Post(ctx, ledger.PostInput{
		Domain: ledger.DomainSupplier, PartyID: "sup-1", Direction: ledger.Increasing,
		Amount:      dec("1"),
		Reference:   ledger.Reference{ID: "old", Type: ledger.RefPurchaseOrder},
		Description: "adjustment for " + po.ID,
	})
	require.NoError(t, err)

	matches, err := eng.Auditor.LegacyMatches(ctx, ledger.DomainSupplier, po.Reference())

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "old", matches[0].Reference.ID)
}
