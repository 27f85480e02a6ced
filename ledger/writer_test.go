package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

// =============================================================================
// POSTING TESTS
// =============================================================================

func TestPost_FirstEntry_BalanceEqualsAmount(t *testing.T) {
	// GIVEN: A supplier with no entries
	// WHEN: A 500 purchase order is posted
	// THEN: The current balance is 500

	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")

	e := post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "500",
		ledger.Reference{ID: "ref1", Type: ledger.RefPurchaseOrder})

	assert.Equal(t, ledger.Credit, e.Type)
	decEqual(t, "500", e.BalanceAfter)
	decEqual(t, "500", balanceOf(t, eng, ledger.DomainSupplier, "sup-1"))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero(), "store assigns created_at")
}

func TestPost_ChainsFromLastBalance(t *testing.T) {
	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")

	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "500", ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder})
	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Decreasing, "200", ledger.Reference{ID: "pay-1", Type: ledger.RefPayment})
	e := post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "100.25", ledger.Reference{ID: "po-2", Type: ledger.RefPurchaseOrder})

	decEqual(t, "400.25", e.BalanceAfter)
}

func TestPost_SignConventionAsymmetry(t *testing.T) {
	// GIVEN: A buyer and a supplier
	// WHEN: Both get an obligation of 1000 and a payment of 300
	// THEN: Both balances are 700, but the transaction type labels are opposite

	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainBuyer, "buy-1")
	addParty(t, mem, ledger.DomainSupplier, "sup-1")

	sale := post(t, eng, ledger.DomainBuyer, "buy-1", ledger.Increasing, "1000", ledger.Reference{ID: "s-1", Type: ledger.RefWholesaleSale})
	bpay := post(t, eng, ledger.DomainBuyer, "buy-1", ledger.Decreasing, "300", ledger.Reference{ID: "bp-1", Type: ledger.RefBuyerPayment})
	po := post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "1000", ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder})
	pay := post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Decreasing, "300", ledger.Reference{ID: "p-1", Type: ledger.RefPayment})

	assert.Equal(t, ledger.Debit, sale.Type)
	assert.Equal(t, ledger.Credit, bpay.Type)
	assert.Equal(t, ledger.Credit, po.Type)
	assert.Equal(t, ledger.Debit, pay.Type)

	decEqual(t, "700", balanceOf(t, eng, ledger.DomainBuyer, "buy-1"))
	decEqual(t, "700", balanceOf(t, eng, ledger.DomainSupplier, "sup-1"))
}

func TestPost_DomainsAreIndependent(t *testing.T) {
	// The same party id on both sides keeps two separate ledgers.
	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainBuyer, "acme")
	addParty(t, mem, ledger.DomainSupplier, "acme")

	post(t, eng, ledger.DomainBuyer, "acme", ledger.Increasing, "50", ledger.Reference{ID: "s-1", Type: ledger.RefWholesaleSale})
	post(t, eng, ledger.DomainSupplier, "acme", ledger.Increasing, "70", ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder})

	decEqual(t, "50", balanceOf(t, eng, ledger.DomainBuyer, "acme"))
	decEqual(t, "70", balanceOf(t, eng, ledger.DomainSupplier, "acme"))
}

func TestPost_BalanceMayGoNegative(t *testing.T) {
	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")

	e := post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Decreasing, "80", ledger.Reference{ID: "p-1", Type: ledger.RefPayment})

	decEqual(t, "-80", e.BalanceAfter)
}

// =============================================================================
// POSTING FAILURES
// =============================================================================

func TestPost_UnknownParty_Fatal(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Writer.Post(context.Background(), ledger.PostInput{
		Domain:    ledger.DomainSupplier,
		PartyID:   "ghost",
		Direction: ledger.Increasing,
		Amount:    dec("10"),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPartyNotFound)
	var pe *ledger.PostingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "party", pe.Stage)
}

func TestPost_NonPositiveAmount_Rejected(t *testing.T) {
	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")

	for _, amount := range []string{"0", "-5"} {
		_, err := eng.Writer.Post(context.Background(), ledger.PostInput{
			Domain:    ledger.DomainSupplier,
			PartyID:   "sup-1",
			Direction: ledger.Increasing,
			Amount:    dec(amount),
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, amount)
		assert.True(t, ledger.IsClientError(err))
	}
	assert.Empty(t, entriesOf(t, mem, ledger.DomainSupplier, "sup-1"))
}

func TestPost_UnknownDomain_Rejected(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Writer.Post(context.Background(), ledger.PostInput{
		Domain:    "vendor",
		PartyID:   "x",
		Direction: ledger.Increasing,
		Amount:    dec("1"),
	})

	assert.ErrorIs(t, err, ledger.ErrUnknownDomain)
}

func TestPost_DuplicateReference_Rejected(t *testing.T) {
	// GIVEN: A purchase order already posted
	// WHEN: The same reference is posted again
	// THEN: ErrDuplicatePosting, and no second entry exists

	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")
	ref := ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder}
	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "100", ref)

	_, err := eng.Writer.Post(context.Background(), ledger.PostInput{
		Domain: ledger.DomainSupplier, PartyID: "sup-1", Direction: ledger.Increasing,
		Amount: dec("100"), Reference: ref,
	})

	assert.ErrorIs(t, err, ledger.ErrDuplicatePosting)
	assert.Len(t, entriesOf(t, mem, ledger.DomainSupplier, "sup-1"), 1)
}

func TestPost_InsertFailure_ReturnsPostingError(t *testing.T) {
	eng, mem := newTestEngine(t)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")
	boom := errors.New("connection reset")
	mem.SetFault(func(op string, _ ledger.Domain, _ ledger.PartyID) error {
		if op == "insert" {
			return boom
		}
		return nil
	})

	_, err := eng.Writer.Post(context.Background(), ledger.PostInput{
		Domain: ledger.DomainSupplier, PartyID: "sup-1", Direction: ledger.Increasing,
		Amount: dec("100"), Reference: ledger.Reference{ID: "po-1", Type: ledger.RefPurchaseOrder},
	})

	var pe *ledger.PostingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert", pe.Stage)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ledger.IsRetryable(err))
}

// =============================================================================
// ORDERING
// =============================================================================

func TestPost_SameTimestamp_OrderedBySeq(t *testing.T) {
	// GIVEN: A clock that never advances
	// WHEN: Three entries are posted
	// THEN: They replay in insertion order

	mem := store.NewMemory(store.WithClock(frozenClock()))
	eng := ledger.NewEngine(mem)
	addParty(t, mem, ledger.DomainSupplier, "sup-1")

	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "10", ledger.Reference{ID: "a", Type: ledger.RefPurchaseOrder})
	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Decreasing, "3", ledger.Reference{ID: "b", Type: ledger.RefPayment})
	post(t, eng, ledger.DomainSupplier, "sup-1", ledger.Increasing, "1", ledger.Reference{ID: "c", Type: ledger.RefPurchaseOrder})

	es := entriesOf(t, mem, ledger.DomainSupplier, "sup-1")
	require.Len(t, es, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{es[0].Reference.ID, es[1].Reference.ID, es[2].Reference.ID})
	decEqual(t, "8", es[2].BalanceAfter)
	assert.Less(t, es[0].Seq, es[1].Seq)
}
