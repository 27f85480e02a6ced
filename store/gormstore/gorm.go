/*
Package gormstore implements ledger.Store on GORM for PostgreSQL, MySQL and
SQLite.

TABLES:
  Same layout as store/sqlite: credit_ledger, buyer_credit_ledger,
  documents, parties. Created with AutoMigrate.

DECIMALS:
  Stored as varchar through decimal.Decimal's Valuer/Scanner. Balances are
  never summed in SQL.

SEQUENCE:
  Seq is MAX(seq)+1 under the store mutex. One writer process per database;
  the engine's Locker (lock/redis.go) covers per-party ordering across
  processes, Seq only breaks created_at ties.
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/ledger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

// EntryRow is the column set shared by both ledger tables. It is exported so
// gorm sees it as an embedded field of the per-table models.
type EntryRow struct {
	ID              string          `gorm:"primaryKey;size:64"`
	PartyID         string          `gorm:"size:64;not null;index"`
	TransactionType string          `gorm:"size:16;not null"`
	Amount          decimal.Decimal `gorm:"type:varchar(40);not null"`
	BalanceAfter    decimal.Decimal `gorm:"type:varchar(40);not null"`
	ReferenceID     string          `gorm:"size:64;not null;default:'';index"`
	ReferenceType   string          `gorm:"size:32;not null;default:''"`
	Description     string          `gorm:"size:512;not null;default:''"`
	CreatedAt       time.Time       `gorm:"not null;precision:6"`
	Seq             int64           `gorm:"not null"`
}

type supplierEntry struct {
	EntryRow `gorm:"embedded"`
}

func (supplierEntry) TableName() string { return ledger.DomainSupplier.Table() }

type buyerEntry struct {
	EntryRow `gorm:"embedded"`
}

func (buyerEntry) TableName() string { return ledger.DomainBuyer.Table() }

type documentRow struct {
	Kind        string          `gorm:"primaryKey;size:32"`
	ID          string          `gorm:"primaryKey;size:64"`
	PartyID     string          `gorm:"size:64;not null"`
	ParentID    string          `gorm:"size:64;not null;default:'';index"`
	Total       decimal.Decimal `gorm:"type:varchar(40);not null"`
	Description string          `gorm:"size:512;not null;default:''"`
	CreatedAt   time.Time       `gorm:"not null;precision:6"`
}

func (documentRow) TableName() string { return "documents" }

type partyRow struct {
	Domain    string    `gorm:"primaryKey;size:16"`
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"size:255;not null;default:''"`
	CreatedAt time.Time `gorm:"not null;precision:6"`
}

func (partyRow) TableName() string { return "parties" }

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	db *gorm.DB
	mu sync.Mutex

	lastAt time.Time
}

// Open connects with the named driver ("postgres", "mysql" or "sqlite") and
// migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}

	if driver == "sqlite" {
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, fmt.Errorf("getting sql db handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := New(conn)
	if err := s.AutoMigrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. Call AutoMigrate before use.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the tables.
func (s *Store) AutoMigrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&supplierEntry{}, &buyerEntry{}, &documentRow{}, &partyRow{})
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) entries(ctx context.Context, domain ledger.Domain) (*gorm.DB, error) {
	if !domain.IsValid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownDomain, domain)
	}
	return s.db.WithContext(ctx).Table(domain.Table()), nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

func (s *Store) Insert(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	q, err := s.entries(ctx, e.Domain)
	if err != nil {
		return ledger.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var maxSeq int64
	if err := q.Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return ledger.Entry{}, fmt.Errorf("read sequence: %w", err)
	}

	if e.ID == "" {
		e.ID = ledger.EntryID(uuid.NewString())
	}
	e.CreatedAt = s.nextTime()
	e.Seq = maxSeq + 1

	row := toEntryRow(e)
	if err := s.db.WithContext(ctx).Table(e.Domain.Table()).Create(&row).Error; err != nil {
		return ledger.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

// nextTime returns a UTC timestamp (microsecond precision) that never goes
// backwards. Must hold mu.
func (s *Store) nextTime() time.Time {
	at := time.Now().UTC().Truncate(time.Microsecond)
	if at.Before(s.lastAt) {
		at = s.lastAt
	}
	s.lastAt = at
	return at
}

func (s *Store) Last(ctx context.Context, domain ledger.Domain, partyID ledger.PartyID) (*ledger.Entry, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return nil, err
	}
	var rows []EntryRow
	err = q.Where("party_id = ?", partyID).
		Order("created_at DESC").Order("seq DESC").Order("id DESC").
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("last entry: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e := rows[0].toEntry(domain)
	return &e, nil
}

func (s *Store) Entries(ctx context.Context, domain ledger.Domain, partyID ledger.PartyID) ([]ledger.Entry, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return nil, err
	}
	return findEntries(domain, q.Where("party_id = ?", partyID))
}

func (s *Store) AllEntries(ctx context.Context, domain ledger.Domain) ([]ledger.Entry, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return nil, err
	}
	return findEntries(domain, q)
}

func (s *Store) PartyIDs(ctx context.Context, domain ledger.Domain) ([]ledger.PartyID, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := q.Distinct("party_id").Order("party_id").Pluck("party_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("party ids: %w", err)
	}
	out := make([]ledger.PartyID, len(ids))
	for i, id := range ids {
		out[i] = ledger.PartyID(id)
	}
	return out, nil
}

func (s *Store) ByReference(ctx context.Context, domain ledger.Domain, ref ledger.Reference) ([]ledger.Entry, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return nil, err
	}
	return findEntries(domain, q.Where("reference_id = ? AND reference_type = ?", ref.ID, string(ref.Type)))
}

func (s *Store) ByDescription(ctx context.Context, domain ledger.Domain, refType ledger.ReferenceType, needle string) ([]ledger.Entry, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return nil, err
	}
	if needle == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(needle) + "%"
	return findEntries(domain, q.Where("reference_type = ? AND description LIKE ? ESCAPE '!'", string(refType), pattern))
}

func (s *Store) DeleteByIDs(ctx context.Context, domain ledger.Domain, ids []ledger.EntryID) (int, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	res := q.Where("id IN ?", raw).Delete(&EntryRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete entries: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) DeleteByReference(ctx context.Context, domain ledger.Domain, ref ledger.Reference) (int, error) {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return 0, err
	}
	res := q.Where("reference_id = ? AND reference_type = ?", ref.ID, string(ref.Type)).Delete(&EntryRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete entries by reference: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) SetBalance(ctx context.Context, domain ledger.Domain, id ledger.EntryID, balance decimal.Decimal) error {
	q, err := s.entries(ctx, domain)
	if err != nil {
		return err
	}
	res := q.Where("id = ?", string(id)).Update("balance_after", balance)
	if res.Error != nil {
		return fmt.Errorf("update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func findEntries(domain ledger.Domain, q *gorm.DB) ([]ledger.Entry, error) {
	var rows []EntryRow
	if err := q.Order("created_at").Order("seq").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	out := make([]ledger.Entry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry(domain)
	}
	return out, nil
}

func toEntryRow(e ledger.Entry) EntryRow {
	return EntryRow{
		ID:              string(e.ID),
		PartyID:         string(e.PartyID),
		TransactionType: string(e.Type),
		Amount:          e.Amount,
		BalanceAfter:    e.BalanceAfter,
		ReferenceID:     e.Reference.ID,
		ReferenceType:   string(e.Reference.Type),
		Description:     e.Description,
		CreatedAt:       e.CreatedAt,
		Seq:             e.Seq,
	}
}

func (r EntryRow) toEntry(domain ledger.Domain) ledger.Entry {
	return ledger.Entry{
		ID:           ledger.EntryID(r.ID),
		Domain:       domain,
		PartyID:      ledger.PartyID(r.PartyID),
		Type:         ledger.TransactionType(r.TransactionType),
		Amount:       r.Amount,
		BalanceAfter: r.BalanceAfter,
		Reference:    ledger.Reference{ID: r.ReferenceID, Type: ledger.ReferenceType(r.ReferenceType)},
		Description:  r.Description,
		CreatedAt:    r.CreatedAt.UTC(),
		Seq:          r.Seq,
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// =============================================================================
// DOCUMENT STORE
// =============================================================================

func (s *Store) CreateDocument(ctx context.Context, d ledger.Document) (ledger.Document, error) {
	if _, err := d.Kind.Info(); err != nil {
		return ledger.Document{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.mu.Lock()
	d.CreatedAt = s.nextTime()
	s.mu.Unlock()

	row := documentRow{
		Kind:        string(d.Kind),
		ID:          d.ID,
		PartyID:     string(d.PartyID),
		ParentID:    d.ParentID,
		Total:       d.Total,
		Description: d.Description,
		CreatedAt:   d.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, kind ledger.ReferenceType, id string) (*ledger.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("kind = ? AND id = ?", string(kind), id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d := row.toDocument()
	return &d, nil
}

func (s *Store) DeleteDocument(ctx context.Context, kind ledger.ReferenceType, id string) error {
	err := s.db.WithContext(ctx).Where("kind = ? AND id = ?", string(kind), id).Delete(&documentRow{}).Error
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *Store) UpdateDocumentTotal(ctx context.Context, kind ledger.ReferenceType, id string, total decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&documentRow{}).
		Where("kind = ? AND id = ?", string(kind), id).
		Update("total", total)
	if res.Error != nil {
		return fmt.Errorf("update document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) PaymentsFor(ctx context.Context, kind ledger.ReferenceType, parentID string) ([]ledger.Document, error) {
	return s.findDocuments(s.db.WithContext(ctx).Where("kind = ? AND parent_id = ?", string(kind), parentID))
}

func (s *Store) ListDocuments(ctx context.Context, kind ledger.ReferenceType) ([]ledger.Document, error) {
	return s.findDocuments(s.db.WithContext(ctx).Where("kind = ?", string(kind)))
}

func (s *Store) findDocuments(q *gorm.DB) ([]ledger.Document, error) {
	var rows []documentRow
	if err := q.Order("created_at").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	out := make([]ledger.Document, len(rows))
	for i, r := range rows {
		out[i] = r.toDocument()
	}
	return out, nil
}

func (r documentRow) toDocument() ledger.Document {
	return ledger.Document{
		ID:          r.ID,
		Kind:        ledger.ReferenceType(r.Kind),
		PartyID:     ledger.PartyID(r.PartyID),
		ParentID:    r.ParentID,
		Total:       r.Total,
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

// =============================================================================
// PARTY STORE
// =============================================================================

func (s *Store) SaveParty(ctx context.Context, p ledger.Party) error {
	if !p.Domain.IsValid() {
		return ledger.ErrUnknownDomain
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	row := partyRow{Domain: string(p.Domain), ID: string(p.ID), Name: p.Name, CreatedAt: p.CreatedAt.UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save party: %w", err)
	}
	return nil
}

func (s *Store) GetParty(ctx context.Context, domain ledger.Domain, id ledger.PartyID) (*ledger.Party, error) {
	var row partyRow
	err := s.db.WithContext(ctx).Where("domain = ? AND id = ?", string(domain), string(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get party: %w", err)
	}
	p := row.toParty()
	return &p, nil
}

func (s *Store) ListParties(ctx context.Context, domain ledger.Domain) ([]ledger.Party, error) {
	var rows []partyRow
	if err := s.db.WithContext(ctx).Where("domain = ?", string(domain)).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list parties: %w", err)
	}
	out := make([]ledger.Party, len(rows))
	for i, r := range rows {
		out[i] = r.toParty()
	}
	return out, nil
}

func (r partyRow) toParty() ledger.Party {
	return ledger.Party{
		ID:        ledger.PartyID(r.ID),
		Domain:    ledger.Domain(r.Domain),
		Name:      r.Name,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

var _ ledger.Store = (*Store)(nil)
