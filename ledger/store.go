/*
store.go - Persistence contract for ledger entries, documents and parties

PURPOSE:
  Defines the interface between the engine and the relational store. The
  store is a request/response service: get, insert, update, delete and
  filtered reads. It exposes NO multi-statement transactions and NO row
  locks, so every multi-step operation in this package is an application
  level protocol (see saga.go, reconciler.go).

KEY INTERFACES:
  EntryStore:    Ledger rows, one table per domain
  DocumentStore: Source documents (orders, sales, payments)
  PartyStore:    Supplier / buyer registry (referenced, not owned)
  Store:         All three

INSERT CONTRACT:
  Insert assigns ID, CreatedAt and Seq. Callers never supply timestamps.
  CreatedAt is monotonic per store; Seq is strictly increasing and breaks
  CreatedAt ties.

NOT FOUND:
  Single-row reads return an error wrapping ErrNotFound. Deletes of missing
  rows are NOT errors (they report zero rows).

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite (database/sql)
  - store/gormstore/gorm.go: PostgreSQL / MySQL / SQLite via GORM
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY STORE
// =============================================================================

type EntryStore interface {
	// Insert appends an entry and returns it with ID, CreatedAt and Seq set.
	Insert(ctx context.Context, e Entry) (Entry, error)

	// Last returns the party's most recent entry, or (nil, nil) if none.
	Last(ctx context.Context, domain Domain, partyID PartyID) (*Entry, error)

	// Entries returns all entries of a party ordered by CreatedAt, Seq.
	Entries(ctx context.Context, domain Domain, partyID PartyID) ([]Entry, error)

	// AllEntries returns every entry of the domain in any order.
	AllEntries(ctx context.Context, domain Domain) ([]Entry, error)

	// PartyIDs returns the distinct party ids present in the ledger table.
	PartyIDs(ctx context.Context, domain Domain) ([]PartyID, error)

	// ByReference returns entries with the given reference id and type.
	ByReference(ctx context.Context, domain Domain, ref Reference) ([]Entry, error)

	// ByDescription returns entries of the given reference type whose
	// description contains needle. Legacy sweep only.
	ByDescription(ctx context.Context, domain Domain, refType ReferenceType, needle string) ([]Entry, error)

	// DeleteByIDs deletes the listed entries and reports how many went away.
	DeleteByIDs(ctx context.Context, domain Domain, ids []EntryID) (int, error)

	// DeleteByReference deletes entries matching the reference filter.
	DeleteByReference(ctx context.Context, domain Domain, ref Reference) (int, error)

	// SetBalance rewrites the cached BalanceAfter of one entry.
	SetBalance(ctx context.Context, domain Domain, id EntryID, balance decimal.Decimal) error
}

// =============================================================================
// DOCUMENT STORE
// =============================================================================

type DocumentStore interface {
	// CreateDocument stores a document, assigning ID (if empty) and CreatedAt.
	CreateDocument(ctx context.Context, d Document) (Document, error)

	GetDocument(ctx context.Context, kind ReferenceType, id string) (*Document, error)

	// DeleteDocument removes a document. Missing documents are not an error.
	DeleteDocument(ctx context.Context, kind ReferenceType, id string) error

	// UpdateDocumentTotal changes the stored total of a document.
	UpdateDocumentTotal(ctx context.Context, kind ReferenceType, id string, total decimal.Decimal) error

	// PaymentsFor lists payments of the given kind whose ParentID is parentID.
	PaymentsFor(ctx context.Context, kind ReferenceType, parentID string) ([]Document, error)

	ListDocuments(ctx context.Context, kind ReferenceType) ([]Document, error)
}

// =============================================================================
// PARTY STORE
// =============================================================================

type PartyStore interface {
	SaveParty(ctx context.Context, p Party) error
	GetParty(ctx context.Context, domain Domain, id PartyID) (*Party, error)
	ListParties(ctx context.Context, domain Domain) ([]Party, error)
}

// Store is everything the engine needs.
type Store interface {
	EntryStore
	DocumentStore
	PartyStore
}
