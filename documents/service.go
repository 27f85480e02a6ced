/*
Package documents manages the source documents that post to the ledger:
purchase orders and supplier payments (payables), wholesale sales and buyer
payments (receivables).

CREATE:
  create document row -> post ledger entry. Two store calls, no transaction:
  if posting fails the document row is deleted again (saga compensation). If
  that compensation fails too, the document stays unposted and shows up in
  Auditor.Unposted; RetryPosting fixes it.

REVISE TOTAL:
  Entries are never edited in place. The old entry is deleted with
  verification, the total updated, a new entry posted and the party
  recalculated. The new entry takes its place at the end of the party's
  history. On failure the undo steps restore the old entry and total, and
  the party is recalculated last.

DELETE:
  Delegates to ledger.Reconciler (payments directly, orders and sales as a
  cascade over their payments).
*/
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logger"
)

type Service struct {
	engine *ledger.Engine
	store  ledger.Store
	log    *logger.Logger
}

func NewService(engine *ledger.Engine) *Service {
	return &Service{engine: engine, store: engine.Store, log: engine.Logger()}
}

// CreateInput describes a new document. ID is optional.
type CreateInput struct {
	ID          string
	PartyID     ledger.PartyID
	ParentID    string
	Total       decimal.Decimal
	Description string
}

// Posted is a document together with the ledger entry it produced.
type Posted struct {
	Document ledger.Document
	Entry    ledger.Entry
}

// =============================================================================
// CREATE
// =============================================================================

func (s *Service) CreatePurchaseOrder(ctx context.Context, in CreateInput) (Posted, error) {
	return s.Create(ctx, ledger.RefPurchaseOrder, in)
}

func (s *Service) CreatePayment(ctx context.Context, in CreateInput) (Posted, error) {
	return s.Create(ctx, ledger.RefPayment, in)
}

func (s *Service) CreateSale(ctx context.Context, in CreateInput) (Posted, error) {
	return s.Create(ctx, ledger.RefWholesaleSale, in)
}

func (s *Service) CreateBuyerPayment(ctx context.Context, in CreateInput) (Posted, error) {
	return s.Create(ctx, ledger.RefBuyerPayment, in)
}

// Create stores a document of the given kind and posts its ledger entry.
func (s *Service) Create(ctx context.Context, kind ledger.ReferenceType, in CreateInput) (Posted, error) {
	var out Posted

	info, err := kind.Info()
	if err != nil {
		return out, err
	}
	if !in.Total.IsPositive() {
		return out, ledger.ErrInvalidAmount
	}
	if err := s.checkParty(ctx, info.Domain, in.PartyID); err != nil {
		return out, err
	}
	if in.ID != "" {
		_, err := s.store.GetDocument(ctx, kind, in.ID)
		switch {
		case err == nil:
			return out, fmt.Errorf("%w: %s %s already exists", ledger.ErrDuplicatePosting, kind, in.ID)
		case !errors.Is(err, ledger.ErrNotFound):
			return out, err
		}
	}
	if in.ParentID != "" {
		if info.Parent == "" {
			return out, fmt.Errorf("%w: %s cannot settle another document", ledger.ErrUnknownKind, kind)
		}
		parent, err := s.store.GetDocument(ctx, info.Parent, in.ParentID)
		if err != nil {
			return out, fmt.Errorf("%s %s: %w", info.Parent, in.ParentID, err)
		}
		if parent.PartyID != in.PartyID {
			return out, ledger.ErrPartyMismatch
		}
	}

	saga := ledger.NewSaga("create_"+string(kind), s.log)
	saga.Step("create_document", func(ctx context.Context) error {
		doc, err := s.store.CreateDocument(ctx, ledger.Document{
			ID:          in.ID,
			Kind:        kind,
			PartyID:     in.PartyID,
			ParentID:    in.ParentID,
			Total:       in.Total,
			Description: in.Description,
		})
		out.Document = doc
		return err
	}, func(ctx context.Context) error {
		return s.store.DeleteDocument(ctx, kind, out.Document.ID)
	})
	saga.Step("post_entry", func(ctx context.Context) error {
		entry, err := s.post(ctx, out.Document)
		out.Entry = entry
		return err
	}, nil)

	if err := saga.Run(ctx); err != nil {
		return Posted{}, err
	}
	return out, nil
}

func (s *Service) checkParty(ctx context.Context, domain ledger.Domain, id ledger.PartyID) error {
	if id == "" {
		return ledger.ErrPartyNotFound
	}
	if _, err := s.store.GetParty(ctx, domain, id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.ErrPartyNotFound
		}
		return err
	}
	return nil
}

func (s *Service) post(ctx context.Context, doc ledger.Document) (ledger.Entry, error) {
	info, err := doc.Kind.Info()
	if err != nil {
		return ledger.Entry{}, err
	}
	return s.engine.Writer.Post(ctx, ledger.PostInput{
		Domain:      info.Domain,
		PartyID:     doc.PartyID,
		Direction:   info.Direction,
		Amount:      doc.Total,
		Reference:   doc.Reference(),
		Description: describe(doc),
	})
}

// describe names the document in its ledger entry. The id is always part of
// it.
func describe(doc ledger.Document) string {
	label := strings.ReplaceAll(string(doc.Kind), "_", " ")
	if doc.Description == "" {
		return fmt.Sprintf("%s %s", label, doc.ID)
	}
	if strings.Contains(doc.Description, doc.ID) {
		return doc.Description
	}
	return fmt.Sprintf("%s (%s %s)", doc.Description, label, doc.ID)
}

// =============================================================================
// REVISE / RETRY
// =============================================================================

// ReviseTotal replaces a document's total and its ledger entry.
func (s *Service) ReviseTotal(ctx context.Context, kind ledger.ReferenceType, id string, total decimal.Decimal) (Posted, error) {
	var out Posted

	info, err := kind.Info()
	if err != nil {
		return out, err
	}
	if !total.IsPositive() {
		return out, ledger.ErrInvalidAmount
	}
	doc, err := s.store.GetDocument(ctx, kind, id)
	if err != nil {
		return out, err
	}
	old := *doc
	revised := old
	revised.Total = total
	if old.Total.Equal(total) {
		out.Document = old
		return out, nil
	}

	recalculate := func(ctx context.Context) error {
		_, err := s.engine.Recalculator.Recalculate(ctx, info.Domain, old.PartyID)
		return err
	}

	saga := ledger.NewSaga("revise_"+string(kind), s.log)
	// Compensated last: reposting the old entry chains from a stale cached
	// balance, so the party is rebuilt after every other undo.
	saga.Step("begin", func(context.Context) error { return nil }, recalculate)
	saga.Step("delete_entries", func(ctx context.Context) error {
		_, err := s.engine.Reconciler.DeleteWithVerification(ctx, info.Domain, old.Reference())
		return err
	}, func(ctx context.Context) error {
		_, err := s.post(ctx, old)
		return err
	})
	saga.Step("update_total", func(ctx context.Context) error {
		return s.store.UpdateDocumentTotal(ctx, kind, id, total)
	}, func(ctx context.Context) error {
		return s.store.UpdateDocumentTotal(ctx, kind, id, old.Total)
	})
	saga.Step("post_entry", func(ctx context.Context) error {
		entry, err := s.post(ctx, revised)
		out.Entry = entry
		return err
	}, func(ctx context.Context) error {
		_, err := s.engine.Reconciler.DeleteWithVerification(ctx, info.Domain, revised.Reference())
		return err
	})
	saga.Step("recalculate", recalculate, nil)

	if err := saga.Run(ctx); err != nil {
		return Posted{}, err
	}
	out.Document = revised
	return out, nil
}

// RetryPosting posts a document that has no ledger entry yet.
func (s *Service) RetryPosting(ctx context.Context, kind ledger.ReferenceType, id string) (Posted, error) {
	if _, err := kind.Info(); err != nil {
		return Posted{}, err
	}
	doc, err := s.store.GetDocument(ctx, kind, id)
	if err != nil {
		return Posted{}, err
	}
	entry, err := s.post(ctx, *doc)
	if err != nil {
		return Posted{}, err
	}
	s.log.Info(s.log.WithField(ctx, "reference", doc.Reference().String()), "unposted document posted")
	return Posted{Document: *doc, Entry: entry}, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a document of any kind with its ledger entries.
func (s *Service) Delete(ctx context.Context, kind ledger.ReferenceType, id string) error {
	info, err := kind.Info()
	if err != nil {
		return err
	}
	if kind.IsPayment() {
		return s.engine.Reconciler.DeletePayment(ctx, info.Domain, id)
	}
	return s.engine.Reconciler.DeleteDocument(ctx, info.Domain, id)
}

func (s *Service) Get(ctx context.Context, kind ledger.ReferenceType, id string) (*ledger.Document, error) {
	if _, err := kind.Info(); err != nil {
		return nil, err
	}
	return s.store.GetDocument(ctx, kind, id)
}

func (s *Service) List(ctx context.Context, kind ledger.ReferenceType) ([]ledger.Document, error) {
	if _, err := kind.Info(); err != nil {
		return nil, err
	}
	return s.store.ListDocuments(ctx, kind)
}
