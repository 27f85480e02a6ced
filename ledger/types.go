/*
Package ledger provides the credit ledger engine for payables and receivables.

PURPOSE:
  Tracks running balances owed TO suppliers (payables) and owed BY buyers
  (receivables). Each party has an append-only log of entries; every entry
  caches the party's balance right after it was written.

KEY CONCEPTS IN THIS FILE (types.go):
  - Domain: which side of the business a ledger belongs to (supplier, buyer)
  - Semantics: which transaction type increases the balance in a domain
  - Entry: one immutable ledger row (only BalanceAfter is ever rewritten)
  - Document: the source document (order, sale, payment) behind an entry
  - Reference: (id, type) link from an entry back to its document

SIGN CONVENTION:
  The two domains use OPPOSITE labels for the same movement:

    supplier: credit = we owe more (purchase order), debit = payment made
    buyer:    debit = they owe more (sale),          credit = payment received

  Reports and statements depend on these labels. Always go through
  SupplierLedgerSemantics / BuyerLedgerSemantics, never a shared boolean.

CACHED BALANCE:
  Entry.BalanceAfter is a cache. The truth is Fold() over the party's
  entries in (CreatedAt, Seq, ID) order. See fold.go.

SEE ALSO:
  - fold.go: Pure replay of entries into balances
  - store.go: Persistence contract
  - writer.go, recalculator.go, reconciler.go: The engine components
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PartyID string
type EntryID string

// =============================================================================
// DOMAIN - Supplier (payables) or Buyer (receivables)
// =============================================================================

type Domain string

const (
	DomainSupplier Domain = "supplier"
	DomainBuyer    Domain = "buyer"
)

// Domains lists every domain, supplier first.
var Domains = []Domain{DomainSupplier, DomainBuyer}

// Table returns the ledger table backing the domain.
func (d Domain) Table() string {
	switch d {
	case DomainSupplier:
		return "credit_ledger"
	case DomainBuyer:
		return "buyer_credit_ledger"
	}
	return ""
}

func (d Domain) IsValid() bool {
	return d == DomainSupplier || d == DomainBuyer
}

// ParseDomain converts a string into a Domain.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if !d.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
	}
	return d, nil
}

// =============================================================================
// TRANSACTION TYPE AND DIRECTION
// =============================================================================

type TransactionType string

const (
	Credit TransactionType = "credit"
	Debit  TransactionType = "debit"
)

// Direction says what a posting does to the party's balance, independent
// of how the domain labels it.
type Direction int

const (
	Increasing Direction = iota + 1
	Decreasing
)

func (d Direction) String() string {
	switch d {
	case Increasing:
		return "increasing"
	case Decreasing:
		return "decreasing"
	}
	return "unknown"
}

// =============================================================================
// SEMANTICS - Per-domain sign convention
// =============================================================================

// Semantics maps directions to transaction types for one domain.
type Semantics struct {
	Domain     Domain
	Increasing TransactionType
	Decreasing TransactionType
}

var (
	// SupplierLedgerSemantics: credit = obligation created (purchase order),
	// debit = obligation settled (payment made).
	SupplierLedgerSemantics = Semantics{Domain: DomainSupplier, Increasing: Credit, Decreasing: Debit}

	// BuyerLedgerSemantics: debit = obligation created (sale),
	// credit = payment received.
	BuyerLedgerSemantics = Semantics{Domain: DomainBuyer, Increasing: Debit, Decreasing: Credit}
)

// SemanticsFor returns the sign convention of a domain.
func SemanticsFor(d Domain) (Semantics, error) {
	switch d {
	case DomainSupplier:
		return SupplierLedgerSemantics, nil
	case DomainBuyer:
		return BuyerLedgerSemantics, nil
	}
	return Semantics{}, fmt.Errorf("%w: %q", ErrUnknownDomain, d)
}

// TypeFor returns the transaction type used for a direction in this domain.
func (s Semantics) TypeFor(dir Direction) TransactionType {
	if dir == Decreasing {
		return s.Decreasing
	}
	return s.Increasing
}

// DirectionOf is the inverse of TypeFor.
func (s Semantics) DirectionOf(t TransactionType) (Direction, error) {
	switch t {
	case s.Increasing:
		return Increasing, nil
	case s.Decreasing:
		return Decreasing, nil
	}
	return 0, fmt.Errorf("unknown transaction type %q for %s ledger", t, s.Domain)
}

// Apply returns the balance after applying one entry.
func (s Semantics) Apply(balance decimal.Decimal, e Entry) decimal.Decimal {
	if e.Type == s.Increasing {
		return balance.Add(e.Amount)
	}
	return balance.Sub(e.Amount)
}

// =============================================================================
// REFERENCES AND DOCUMENT KINDS
// =============================================================================

// ReferenceType identifies the kind of source document. Document kinds and
// reference types share one vocabulary.
type ReferenceType string

const (
	RefPurchaseOrder ReferenceType = "purchase_order"
	RefPayment       ReferenceType = "payment"
	RefWholesaleSale ReferenceType = "wholesale_sale"
	RefBuyerPayment  ReferenceType = "buyer_payment"
)

// KindInfo describes how a document kind posts to the ledger.
type KindInfo struct {
	Domain    Domain
	Direction Direction
	// Parent is the kind a payment settles (empty for orders and sales).
	Parent ReferenceType
	// Payment is the kind that settles this one (empty for payments).
	Payment ReferenceType
}

var kinds = map[ReferenceType]KindInfo{
	RefPurchaseOrder: {Domain: DomainSupplier, Direction: Increasing, Payment: RefPayment},
	RefPayment:       {Domain: DomainSupplier, Direction: Decreasing, Parent: RefPurchaseOrder},
	RefWholesaleSale: {Domain: DomainBuyer, Direction: Increasing, Payment: RefBuyerPayment},
	RefBuyerPayment:  {Domain: DomainBuyer, Direction: Decreasing, Parent: RefWholesaleSale},
}

// Info returns posting metadata for the kind.
func (r ReferenceType) Info() (KindInfo, error) {
	info, ok := kinds[r]
	if !ok {
		return KindInfo{}, fmt.Errorf("%w: %q", ErrUnknownKind, r)
	}
	return info, nil
}

func (r ReferenceType) IsPayment() bool {
	return r == RefPayment || r == RefBuyerPayment
}

// PaymentKind returns the payment kind of a domain.
func PaymentKind(d Domain) ReferenceType {
	if d == DomainBuyer {
		return RefBuyerPayment
	}
	return RefPayment
}

// DocumentKind returns the obligation-creating kind of a domain.
func DocumentKind(d Domain) ReferenceType {
	if d == DomainBuyer {
		return RefWholesaleSale
	}
	return RefPurchaseOrder
}

// Reference links an entry to its source document.
type Reference struct {
	ID   string
	Type ReferenceType
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

func (r Reference) IsZero() bool {
	return r.ID == "" && r.Type == ""
}

// =============================================================================
// ENTRY - One ledger row
// =============================================================================

// Entry is an immutable ledger row. Only BalanceAfter is ever rewritten,
// and only by the Recalculator.
type Entry struct {
	ID           EntryID
	Domain       Domain
	PartyID      PartyID
	Type         TransactionType
	Amount       decimal.Decimal // always positive
	BalanceAfter decimal.Decimal // cached running balance
	Reference    Reference
	Description  string

	// Assigned by the store at insert time.
	CreatedAt time.Time
	Seq       int64
}

// =============================================================================
// DOCUMENT - Source document registry
// =============================================================================

// Document is a purchase order, sale, or payment. CRUD of the full document
// (line items, taxes, ...) lives elsewhere; the ledger only needs this shape.
type Document struct {
	ID          string
	Kind        ReferenceType
	PartyID     PartyID
	ParentID    string // payments: the order or sale being settled
	Total       decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// Reference returns the ledger reference for this document.
func (d Document) Reference() Reference {
	return Reference{ID: d.ID, Type: d.Kind}
}

// =============================================================================
// PARTY - Supplier or Buyer
// =============================================================================

type Party struct {
	ID        PartyID
	Domain    Domain
	Name      string
	CreatedAt time.Time
}
