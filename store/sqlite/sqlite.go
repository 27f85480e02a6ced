/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists ledger entries, source documents and the party registry. The
  same schema runs on PostgreSQL/MySQL through store/gormstore; this package
  talks database/sql directly.

KEY TABLES:
  credit_ledger:       Supplier payables (credit increases the balance)
  buyer_credit_ledger: Buyer receivables (debit increases the balance)
  documents:           Purchase orders, sales, payments (kind, id)
  parties:             Supplier / buyer registry (domain, id)

INDEXES:
  - idx_*_party_time: Entries(party) and Last(party) (hot path)
  - idx_*_reference:  ByReference / DeleteByReference
  - idx_documents_parent: PaymentsFor(order)

NO TRANSACTIONS:
  Every method is a single statement (or a read followed by a write under
  the store mutex). The engine never asks for more; see ledger/saga.go.

DECIMALS AND TIME:
  Amounts are stored as TEXT (shopspring/decimal String) so no float
  rounding ever touches a balance. created_at is a fixed-width UTC string
  so lexical order equals time order.

MIGRATION:
  Schema lives in migrations/*.sql and is applied with goose on New().

USAGE:
  store, err := sqlite.New(ctx, "./data/credit-ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed width so ORDER BY created_at is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	lastAt time.Time
	now    func() time.Time
}

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func table(domain ledger.Domain) (string, error) {
	if !domain.IsValid() {
		return "", fmt.Errorf("%w: %q", ledger.ErrUnknownDomain, domain)
	}
	return domain.Table(), nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

const entryColumns = `id, party_id, transaction_type, amount, balance_after,
	reference_id, reference_type, description, created_at, seq`

// Insert appends an entry, assigning ID, CreatedAt and Seq.
func (s *Store) Insert(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	tbl, err := table(e.Domain)
	if err != nil {
		return ledger.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var maxSeq int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s", tbl)).Scan(&maxSeq)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to read sequence: %w", err)
	}

	if e.ID == "" {
		e.ID = ledger.EntryID(uuid.NewString())
	}
	e.CreatedAt = s.nextTime()
	e.Seq = maxSeq + 1

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tbl, entryColumns)
	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.PartyID,
		e.Type,
		e.Amount.String(),
		e.BalanceAfter.String(),
		e.Reference.ID,
		e.Reference.Type,
		e.Description,
		e.CreatedAt.Format(timeLayout),
		e.Seq,
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to insert entry: %w", err)
	}
	return e, nil
}

// nextTime returns a UTC timestamp that never goes backwards. Must hold mu.
func (s *Store) nextTime() time.Time {
	at := s.now().UTC()
	if at.Before(s.lastAt) {
		at = s.lastAt
	}
	s.lastAt = at
	return at
}

// Last returns the party's most recent entry, or nil.
func (s *Store) Last(ctx context.Context, domain ledger.Domain, partyID ledger.PartyID) (*ledger.Entry, error) {
	tbl, err := table(domain)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE party_id = ?
		ORDER BY created_at DESC, seq DESC, id DESC LIMIT 1`, entryColumns, tbl)
	entries, err := s.queryEntries(ctx, domain, query, partyID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Entries returns the party's entries in replay order.
func (s *Store) Entries(ctx context.Context, domain ledger.Domain, partyID ledger.PartyID) ([]ledger.Entry, error) {
	tbl, err := table(domain)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE party_id = ?
		ORDER BY created_at ASC, seq ASC, id ASC`, entryColumns, tbl)
	return s.queryEntries(ctx, domain, query, partyID)
}

// AllEntries returns every entry of the domain.
func (s *Store) AllEntries(ctx context.Context, domain ledger.Domain) ([]ledger.Entry, error) {
	tbl, err := table(domain)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY party_id, created_at, seq`, entryColumns, tbl)
	return s.queryEntries(ctx, domain, query)
}

// PartyIDs returns the distinct party ids in the domain's ledger.
func (s *Store) PartyIDs(ctx context.Context, domain ledger.Domain) ([]ledger.PartyID, error) {
	tbl, err := table(domain)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT party_id FROM %s ORDER BY party_id", tbl))
	if err != nil {
		return nil, fmt.Errorf("failed to query party ids: %w", err)
	}
	defer rows.Close()

	var ids []ledger.PartyID
	for rows.Next() {
		var id ledger.PartyID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan party id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ByReference returns entries linked to ref.
func (s *Store) ByReference(ctx context.Context, domain ledger.Domain, ref ledger.Reference) ([]ledger.Entry, error) {
	tbl, err := table(domain)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE reference_id = ? AND reference_type = ?
		ORDER BY created_at, seq`, entryColumns, tbl)
	return s.queryEntries(ctx, domain, query, ref.ID, ref.Type)
}

// ByDescription returns entries of refType whose description contains needle.
func (s *Store) ByDescription(ctx context.Context, domain ledger.Domain, refType ledger.ReferenceType, needle string) ([]ledger.Entry, error) {
	tbl, err := table(domain)
	if err != nil {
		return nil, err
	}
	if needle == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE reference_type = ? AND instr(description, ?) > 0
		ORDER BY created_at, seq`, entryColumns, tbl)
	return s.queryEntries(ctx, domain, query, refType, needle)
}

// DeleteByIDs deletes the listed entries.
func (s *Store) DeleteByIDs(ctx context.Context, domain ledger.Domain, ids []ledger.EntryID) (int, error) {
	tbl, err := table(domain)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", tbl, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	return affected(res)
}

// DeleteByReference deletes entries linked to ref.
func (s *Store) DeleteByReference(ctx context.Context, domain ledger.Domain, ref ledger.Reference) (int, error) {
	tbl, err := table(domain)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE reference_id = ? AND reference_type = ?", tbl),
		ref.ID, ref.Type,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries by reference: %w", err)
	}
	return affected(res)
}

// SetBalance rewrites one entry's cached balance.
func (s *Store) SetBalance(ctx context.Context, domain ledger.Domain, id ledger.EntryID, balance decimal.Decimal) error {
	tbl, err := table(domain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET balance_after = ? WHERE id = ?", tbl),
		balance.String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) queryEntries(ctx context.Context, domain ledger.Domain, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		e.Domain = domain
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		amount       string
		balanceAfter string
		createdAt    string
	)
	err := rows.Scan(
		&e.ID, &e.PartyID, &e.Type, &amount, &balanceAfter,
		&e.Reference.ID, &e.Reference.Type, &e.Description, &createdAt, &e.Seq,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s: bad amount %q: %w", e.ID, amount, err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return e, fmt.Errorf("entry %s: bad balance %q: %w", e.ID, balanceAfter, err)
	}
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// DOCUMENT STORE
// =============================================================================

const documentColumns = `kind, id, party_id, parent_id, total, description, created_at`

func (s *Store) CreateDocument(ctx context.Context, d ledger.Document) (ledger.Document, error) {
	if _, err := d.Kind.Info(); err != nil {
		return ledger.Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = s.nextTime()

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO documents (%s) VALUES (?, ?, ?, ?, ?, ?, ?)", documentColumns),
		d.Kind, d.ID, d.PartyID, d.ParentID, d.Total.String(), d.Description, d.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return ledger.Document{}, fmt.Errorf("failed to insert document: %w", err)
	}
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, kind ledger.ReferenceType, id string) (*ledger.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, err := s.queryDocuments(ctx,
		fmt.Sprintf("SELECT %s FROM documents WHERE kind = ? AND id = ?", documentColumns),
		kind, id,
	)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &docs[0], nil
}

func (s *Store) DeleteDocument(ctx context.Context, kind ledger.ReferenceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE kind = ? AND id = ?", kind, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (s *Store) UpdateDocumentTotal(ctx context.Context, kind ledger.ReferenceType, id string, total decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET total = ? WHERE kind = ? AND id = ?",
		total.String(), kind, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) PaymentsFor(ctx context.Context, kind ledger.ReferenceType, parentID string) ([]ledger.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryDocuments(ctx,
		fmt.Sprintf("SELECT %s FROM documents WHERE kind = ? AND parent_id = ? ORDER BY created_at, id", documentColumns),
		kind, parentID,
	)
}

func (s *Store) ListDocuments(ctx context.Context, kind ledger.ReferenceType) ([]ledger.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryDocuments(ctx,
		fmt.Sprintf("SELECT %s FROM documents WHERE kind = ? ORDER BY created_at, id", documentColumns),
		kind,
	)
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]ledger.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []ledger.Document
	for rows.Next() {
		var (
			d         ledger.Document
			total     string
			createdAt string
		)
		if err := rows.Scan(&d.Kind, &d.ID, &d.PartyID, &d.ParentID, &total, &d.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if d.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("document %s: bad total %q: %w", d.ID, total, err)
		}
		d.CreatedAt = parseTime(createdAt)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// =============================================================================
// PARTY STORE
// =============================================================================

// SaveParty inserts or renames a party.
func (s *Store) SaveParty(ctx context.Context, p ledger.Party) error {
	if !p.Domain.IsValid() {
		return ledger.ErrUnknownDomain
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parties (domain, id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(domain, id) DO UPDATE SET name = excluded.name`,
		p.Domain, p.ID, p.Name, p.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save party: %w", err)
	}
	return nil
}

func (s *Store) GetParty(ctx context.Context, domain ledger.Domain, id ledger.PartyID) (*ledger.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p         = ledger.Party{Domain: domain}
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM parties WHERE domain = ? AND id = ?",
		domain, id,
	).Scan(&p.ID, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *Store) ListParties(ctx context.Context, domain ledger.Domain) ([]ledger.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM parties WHERE domain = ? ORDER BY id",
		domain,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query parties: %w", err)
	}
	defer rows.Close()

	var parties []ledger.Party
	for rows.Next() {
		var (
			p         = ledger.Party{Domain: domain}
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

var _ ledger.Store = (*Store)(nil)
