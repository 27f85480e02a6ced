// Package store provides in-process ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// FaultFunc is consulted before every store call. A non-nil return value
// fails the call. op is the method name in snake_case ("insert",
// "delete_by_ids", "get_document", ...). party is empty for calls that are
// not scoped to one party.
type FaultFunc func(op string, domain ledger.Domain, party ledger.PartyID) error

type Memory struct {
	mu        sync.RWMutex
	entries   map[ledger.Domain]map[ledger.EntryID]ledger.Entry
	documents map[ledger.ReferenceType]map[string]ledger.Document
	parties   map[ledger.Domain]map[ledger.PartyID]ledger.Party

	now    func() time.Time
	lastAt time.Time
	seq    int64

	fault  FaultFunc
	pinned map[ledger.EntryID]int
}

type Option func(*Memory)

// WithClock replaces time.Now. Assigned timestamps never go backwards even
// if the clock does.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		entries:   make(map[ledger.Domain]map[ledger.EntryID]ledger.Entry),
		documents: make(map[ledger.ReferenceType]map[string]ledger.Document),
		parties:   make(map[ledger.Domain]map[ledger.PartyID]ledger.Party),
		now:       time.Now,
		pinned:    make(map[ledger.EntryID]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// SetFault installs (or clears, with nil) the fault hook.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Pin makes the entry survive its next n delete attempts while the delete
// still reports success. n < 0 pins forever.
func (m *Memory) Pin(id ledger.EntryID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[id] = n
}

func (m *Memory) check(op string, domain ledger.Domain, party ledger.PartyID) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, domain, party)
}

// survives consumes one pin of id. Must hold the write lock.
func (m *Memory) survives(id ledger.EntryID) bool {
	n, ok := m.pinned[id]
	if !ok {
		return false
	}
	switch {
	case n < 0:
		return true
	case n == 0:
		delete(m.pinned, id)
		return false
	}
	m.pinned[id] = n - 1
	return true
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) Insert(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert", e.Domain, e.PartyID); err != nil {
		return ledger.Entry{}, err
	}

	if e.ID == "" {
		e.ID = ledger.EntryID(uuid.NewString())
	}
	at := m.now().UTC()
	if at.Before(m.lastAt) {
		at = m.lastAt
	}
	m.lastAt = at
	m.seq++
	e.CreatedAt = at
	e.Seq = m.seq

	table := m.entries[e.Domain]
	if table == nil {
		table = make(map[ledger.EntryID]ledger.Entry)
		m.entries[e.Domain] = table
	}
	table[e.ID] = e
	return e, nil
}

func (m *Memory) Last(_ context.Context, domain ledger.Domain, partyID ledger.PartyID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("last", domain, partyID); err != nil {
		return nil, err
	}
	entries := m.filter(domain, func(e ledger.Entry) bool { return e.PartyID == partyID })
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func (m *Memory) Entries(_ context.Context, domain ledger.Domain, partyID ledger.PartyID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("entries", domain, partyID); err != nil {
		return nil, err
	}
	return m.filter(domain, func(e ledger.Entry) bool { return e.PartyID == partyID }), nil
}

func (m *Memory) AllEntries(_ context.Context, domain ledger.Domain) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("all_entries", domain, ""); err != nil {
		return nil, err
	}
	return m.filter(domain, func(ledger.Entry) bool { return true }), nil
}

func (m *Memory) PartyIDs(_ context.Context, domain ledger.Domain) ([]ledger.PartyID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("party_ids", domain, ""); err != nil {
		return nil, err
	}
	seen := make(map[ledger.PartyID]bool)
	var ids []ledger.PartyID
	for _, e := range m.entries[domain] {
		if !seen[e.PartyID] {
			seen[e.PartyID] = true
			ids = append(ids, e.PartyID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) ByReference(_ context.Context, domain ledger.Domain, ref ledger.Reference) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("by_reference", domain, ""); err != nil {
		return nil, err
	}
	return m.filter(domain, func(e ledger.Entry) bool { return e.Reference == ref }), nil
}

func (m *Memory) ByDescription(_ context.Context, domain ledger.Domain, refType ledger.ReferenceType, needle string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("by_description", domain, ""); err != nil {
		return nil, err
	}
	if needle == "" {
		return nil, nil
	}
	return m.filter(domain, func(e ledger.Entry) bool {
		return e.Reference.Type == refType && strings.Contains(e.Description, needle)
	}), nil
}

func (m *Memory) DeleteByIDs(_ context.Context, domain ledger.Domain, ids []ledger.EntryID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_by_ids", domain, ""); err != nil {
		return 0, err
	}
	table := m.entries[domain]
	n := 0
	for _, id := range ids {
		if _, ok := table[id]; !ok || m.survives(id) {
			continue
		}
		delete(table, id)
		n++
	}
	return n, nil
}

func (m *Memory) DeleteByReference(_ context.Context, domain ledger.Domain, ref ledger.Reference) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_by_reference", domain, ""); err != nil {
		return 0, err
	}
	table := m.entries[domain]
	n := 0
	for id, e := range table {
		if e.Reference != ref || m.survives(id) {
			continue
		}
		delete(table, id)
		n++
	}
	return n, nil
}

func (m *Memory) SetBalance(_ context.Context, domain ledger.Domain, id ledger.EntryID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set_balance", domain, ""); err != nil {
		return err
	}
	e, ok := m.entries[domain][id]
	if !ok {
		return ledger.ErrNotFound
	}
	e.BalanceAfter = balance
	m.entries[domain][id] = e
	return nil
}

// filter returns matching entries ordered by CreatedAt, Seq. Must hold a lock.
func (m *Memory) filter(domain ledger.Domain, keep func(ledger.Entry) bool) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range m.entries[domain] {
		if keep(e) {
			out = append(out, e)
		}
	}
	ledger.SortEntries(out)
	return out
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (m *Memory) CreateDocument(_ context.Context, d ledger.Document) (ledger.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := d.Kind.Info()
	if err != nil {
		return ledger.Document{}, err
	}
	if err := m.check("create_document", info.Domain, d.PartyID); err != nil {
		return ledger.Document{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = m.now().UTC()

	table := m.documents[d.Kind]
	if table == nil {
		table = make(map[string]ledger.Document)
		m.documents[d.Kind] = table
	}
	table[d.ID] = d
	return d, nil
}

func (m *Memory) GetDocument(_ context.Context, kind ledger.ReferenceType, id string) (*ledger.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_document", kindDomain(kind), ""); err != nil {
		return nil, err
	}
	d, ok := m.documents[kind][id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &d, nil
}

func (m *Memory) DeleteDocument(_ context.Context, kind ledger.ReferenceType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_document", kindDomain(kind), ""); err != nil {
		return err
	}
	delete(m.documents[kind], id)
	return nil
}

func (m *Memory) UpdateDocumentTotal(_ context.Context, kind ledger.ReferenceType, id string, total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update_document_total", kindDomain(kind), ""); err != nil {
		return err
	}
	d, ok := m.documents[kind][id]
	if !ok {
		return ledger.ErrNotFound
	}
	d.Total = total
	m.documents[kind][id] = d
	return nil
}

func (m *Memory) PaymentsFor(_ context.Context, kind ledger.ReferenceType, parentID string) ([]ledger.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("payments_for", kindDomain(kind), ""); err != nil {
		return nil, err
	}
	var out []ledger.Document
	for _, d := range m.documents[kind] {
		if d.ParentID == parentID {
			out = append(out, d)
		}
	}
	sortDocuments(out)
	return out, nil
}

func (m *Memory) ListDocuments(_ context.Context, kind ledger.ReferenceType) ([]ledger.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_documents", kindDomain(kind), ""); err != nil {
		return nil, err
	}
	out := make([]ledger.Document, 0, len(m.documents[kind]))
	for _, d := range m.documents[kind] {
		out = append(out, d)
	}
	sortDocuments(out)
	return out, nil
}

func sortDocuments(docs []ledger.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

func kindDomain(kind ledger.ReferenceType) ledger.Domain {
	info, err := kind.Info()
	if err != nil {
		return ""
	}
	return info.Domain
}

// =============================================================================
// PARTIES
// =============================================================================

func (m *Memory) SaveParty(_ context.Context, p ledger.Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save_party", p.Domain, p.ID); err != nil {
		return err
	}
	if !p.Domain.IsValid() {
		return ledger.ErrUnknownDomain
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	table := m.parties[p.Domain]
	if table == nil {
		table = make(map[ledger.PartyID]ledger.Party)
		m.parties[p.Domain] = table
	}
	table[p.ID] = p
	return nil
}

func (m *Memory) GetParty(_ context.Context, domain ledger.Domain, id ledger.PartyID) (*ledger.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get_party", domain, id); err != nil {
		return nil, err
	}
	p, ok := m.parties[domain][id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}

func (m *Memory) ListParties(_ context.Context, domain ledger.Domain) ([]ledger.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_parties", domain, ""); err != nil {
		return nil, err
	}
	out := make([]ledger.Party, 0, len(m.parties[domain]))
	for _, p := range m.parties[domain] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteParty removes a party from the registry. Ledger rows are left alone.
func (m *Memory) DeleteParty(_ context.Context, domain ledger.Domain, id ledger.PartyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete_party", domain, id); err != nil {
		return err
	}
	delete(m.parties[domain], id)
	return nil
}

var _ ledger.Store = (*Memory)(nil)
