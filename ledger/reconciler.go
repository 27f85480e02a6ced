/*
reconciler.go - Deletion Reconciler: cascade deletes without transactions

PURPOSE:
  When a source document is deleted its ledger entries must go too, and the
  party's cached balances must be rebuilt. The store cannot do this
  atomically, so every step verifies itself and the sequence is ordered so
  that a crash never leaves a ledger row pointing at a missing document:

    ledger entries (verified)  ->  document row  ->  recalculate

VERIFIED DELETE (DeleteWithVerification):
  1. Locate entries by (reference_id, reference_type)
  2. Delete by the collected ids          (errors logged, continue)
  3. Delete by the reference filter       (errors logged, continue)
  4. Re-query: zero left -> done
  5. Direct delete-by-id of the stragglers, re-query again
  6. Still present -> *VerificationError (FATAL, carries remaining ids)

ABORTED DELETE:
  A fatal step stops the sequence, but rows removed before it stay
  removed. The touched parties are recalculated anyway before the error
  is returned.

DELETE PAYMENT:
  lookup payment -> verified delete of its entries -> delete payment row
  -> recalculate. A missing payment is not an error: the entry cleanup and
  recalculation still run, so calling it twice converges to the same state.

DELETE DOCUMENT (purchase order / wholesale sale):
  lookup document -> enumerate its payments -> for each payment: verified
  delete of entries, delete payment row -> verified delete of the
  document's entries -> optional legacy sweep -> delete document row
  -> recalculate the party.

LEGACY SWEEP (opt-in):
  Finds entries of the same reference type whose description contains the
  document id (rows whose reference_id linkage is stale). Best effort:
  failures are logged as warnings and never abort the delete.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/warp/credit-ledger/logger"
	"go.uber.org/multierr"
)

type Reconciler struct {
	store       Store
	recalc      *Recalculator
	log         *logger.Logger
	observer    Observer
	legacySweep bool
}

// NewReconciler builds a standalone Reconciler.
func NewReconciler(store Store, recalc *Recalculator, opts ...Option) *Reconciler {
	return newReconciler(store, recalc, buildOptions(opts))
}

func newReconciler(store Store, recalc *Recalculator, o options) *Reconciler {
	return &Reconciler{
		store:       store,
		recalc:      recalc,
		log:         o.log,
		observer:    o.observer,
		legacySweep: o.legacySweep,
	}
}

// =============================================================================
// VERIFIED DELETE
// =============================================================================

// DeleteResult describes what a verified delete removed.
type DeleteResult struct {
	Deleted int
	IDs     []EntryID
	Parties []PartyID
}

// DeleteWithVerification removes every entry matching ref and proves it.
func (r *Reconciler) DeleteWithVerification(ctx context.Context, domain Domain, ref Reference) (DeleteResult, error) {
	var res DeleteResult
	ctx = r.log.WithFields(ctx, map[string]any{"domain": domain, "reference": ref.String()})

	found, err := r.store.ByReference(ctx, domain, ref)
	if err != nil {
		return res, storeErr("find by reference", err)
	}
	res.IDs = entryIDs(found)
	res.Parties = partyIDsOf(found)

	if len(found) > 0 {
		n, err := r.store.DeleteByIDs(ctx, domain, res.IDs)
		if err != nil {
			r.log.WarnErr(ctx, "delete by collected ids failed, trying reference filter", err)
		}
		res.Deleted += n
	}

	n, err := r.store.DeleteByReference(ctx, domain, ref)
	if err != nil {
		r.log.WarnErr(ctx, "delete by reference filter failed", err)
	}
	res.Deleted += n

	remaining, err := r.store.ByReference(ctx, domain, ref)
	if err != nil {
		return res, &VerificationError{Domain: domain, Reference: ref, Remaining: res.IDs, Err: storeErr("verify delete", err)}
	}
	if len(remaining) == 0 {
		return res, nil
	}

	// Rows the first read missed (race) or that survived both strategies.
	res.IDs = mergeIDs(res.IDs, entryIDs(remaining))
	res.Parties = mergeParties(res.Parties, partyIDsOf(remaining))
	r.log.Warn(r.log.WithField(ctx, "remaining", len(remaining)), "ledger entries survived delete, retrying by id")

	n, lastErr := r.store.DeleteByIDs(ctx, domain, entryIDs(remaining))
	res.Deleted += n

	after, err := r.store.ByReference(ctx, domain, ref)
	if err != nil {
		return res, &VerificationError{Domain: domain, Reference: ref, Remaining: entryIDs(remaining), Err: storeErr("verify delete", err)}
	}
	if len(after) > 0 {
		verr := &VerificationError{Domain: domain, Reference: ref, Remaining: entryIDs(after), Err: lastErr}
		r.log.Error(ctx, "ledger entries could not be deleted", verr)
		return res, verr
	}
	return res, nil
}

// =============================================================================
// DELETE PAYMENT
// =============================================================================

// DeletePayment deletes a supplier payment (DomainSupplier) or a buyer
// payment (DomainBuyer) together with its ledger entries.
func (r *Reconciler) DeletePayment(ctx context.Context, domain Domain, paymentID string) error {
	kind := PaymentKind(domain)
	err := r.deletePayment(ctx, domain, kind, paymentID)
	r.observer.DeleteRecorded(domain, kind, err)
	return err
}

func (r *Reconciler) deletePayment(ctx context.Context, domain Domain, kind ReferenceType, paymentID string) error {
	if !domain.IsValid() {
		return ErrUnknownDomain
	}
	ref := Reference{ID: paymentID, Type: kind}
	ctx = r.log.WithFields(ctx, map[string]any{"domain": domain, "reference": ref.String()})
	parties := newPartySet()

	payment, err := r.store.GetDocument(ctx, kind, paymentID)
	switch {
	case err == nil:
		parties.add(payment.PartyID)
	case errors.Is(err, ErrNotFound):
		r.log.Info(ctx, "payment already deleted, running cleanup only")
		payment = nil
	default:
		return storeErr("get payment", err)
	}

	saga := NewSaga("delete_"+string(kind), r.log)
	saga.Step("delete_entries", func(ctx context.Context) error {
		res, err := r.DeleteWithVerification(ctx, domain, ref)
		parties.add(res.Parties...)
		return err
	}, nil)
	if payment != nil {
		saga.Step("delete_document", func(ctx context.Context) error {
			return storeErr("delete payment", r.store.DeleteDocument(ctx, kind, paymentID))
		}, nil)
	}
	saga.Step("recalculate", func(ctx context.Context) error {
		return r.recalculateAll(ctx, domain, parties)
	}, nil)
	if err := saga.Run(ctx); err != nil {
		r.repair(ctx, domain, parties, err)
		return err
	}
	return nil
}

// =============================================================================
// DELETE DOCUMENT (cascade)
// =============================================================================

// DeletePurchaseOrder cascades a purchase order delete on the supplier side.
func (r *Reconciler) DeletePurchaseOrder(ctx context.Context, id string) error {
	return r.DeleteDocument(ctx, DomainSupplier, id)
}

// DeleteSale cascades a wholesale sale delete on the buyer side.
func (r *Reconciler) DeleteSale(ctx context.Context, id string) error {
	return r.DeleteDocument(ctx, DomainBuyer, id)
}

// DeleteDocument deletes the domain's obligation document (purchase order or
// wholesale sale), every payment settling it, and all their ledger entries.
func (r *Reconciler) DeleteDocument(ctx context.Context, domain Domain, documentID string) error {
	kind := DocumentKind(domain)
	err := r.deleteDocument(ctx, domain, kind, documentID)
	r.observer.DeleteRecorded(domain, kind, err)
	return err
}

func (r *Reconciler) deleteDocument(ctx context.Context, domain Domain, kind ReferenceType, documentID string) error {
	if !domain.IsValid() {
		return ErrUnknownDomain
	}
	payKind := PaymentKind(domain)
	ref := Reference{ID: documentID, Type: kind}
	ctx = r.log.WithFields(ctx, map[string]any{"domain": domain, "reference": ref.String()})
	parties := newPartySet()

	doc, err := r.store.GetDocument(ctx, kind, documentID)
	var owner PartyID
	switch {
	case err == nil:
		owner = doc.PartyID
		parties.add(owner)
	case errors.Is(err, ErrNotFound):
		r.log.Info(ctx, "document already deleted, running cleanup only")
		doc = nil
	default:
		return storeErr("get document", err)
	}

	payments, err := r.store.PaymentsFor(ctx, payKind, documentID)
	if err != nil {
		return storeErr("list payments", err)
	}
	for _, p := range payments {
		parties.add(p.PartyID)
	}

	removed := make(map[EntryID]bool)
	track := func(res DeleteResult) {
		for _, id := range res.IDs {
			removed[id] = true
		}
		parties.add(res.Parties...)
	}

	saga := NewSaga("delete_"+string(kind), r.log)
	for _, p := range payments {
		p := p
		payRef := p.Reference()
		saga.Step("delete_payment_entries:"+p.ID, func(ctx context.Context) error {
			res, err := r.DeleteWithVerification(ctx, domain, payRef)
			track(res)
			return err
		}, nil)
		saga.Step("delete_payment:"+p.ID, func(ctx context.Context) error {
			return storeErr("delete payment", r.store.DeleteDocument(ctx, payKind, p.ID))
		}, nil)
	}
	saga.Step("delete_document_entries", func(ctx context.Context) error {
		res, err := r.DeleteWithVerification(ctx, domain, ref)
		track(res)
		return err
	}, nil)
	if r.legacySweep {
		saga.Step("legacy_sweep", func(ctx context.Context) error {
			r.sweep(ctx, domain, ref, owner, removed, parties)
			for _, p := range payments {
				r.sweep(ctx, domain, p.Reference(), owner, removed, parties)
			}
			return nil
		}, nil)
	}
	if doc != nil {
		saga.Step("delete_document", func(ctx context.Context) error {
			return storeErr("delete document", r.store.DeleteDocument(ctx, kind, documentID))
		}, nil)
	}
	saga.Step("recalculate", func(ctx context.Context) error {
		return r.recalculateAll(ctx, domain, parties)
	}, nil)
	if err := saga.Run(ctx); err != nil {
		r.repair(ctx, domain, parties, err)
		return err
	}
	return nil
}

// sweep deletes entries of ref.Type whose description mentions ref.ID and
// that were not already removed in this pass. Never fails the caller.
func (r *Reconciler) sweep(ctx context.Context, domain Domain, ref Reference, owner PartyID, removed map[EntryID]bool, parties *partySet) {
	ctx = r.log.WithFields(ctx, map[string]any{"sweep": ref.String()})

	matches, err := r.store.ByDescription(ctx, domain, ref.Type, ref.ID)
	if err != nil {
		r.log.WarnErr(ctx, "legacy sweep lookup failed", err)
		return
	}
	var ids []EntryID
	for _, m := range matches {
		if removed[m.ID] {
			continue
		}
		if owner != "" && m.PartyID != owner {
			continue
		}
		ids = append(ids, m.ID)
		parties.add(m.PartyID)
	}
	if len(ids) == 0 {
		return
	}

	n, err := r.store.DeleteByIDs(ctx, domain, ids)
	if err != nil {
		r.log.WarnErr(ctx, "legacy sweep delete failed", err)
		return
	}
	for _, id := range ids {
		removed[id] = true
	}
	r.log.Warn(r.log.WithField(ctx, "deleted", n), "legacy sweep removed entries with stale reference linkage")
}

// repair recalculates the touched parties after an aborted delete so the
// cached balances match the entries that were already removed. Best effort.
func (r *Reconciler) repair(ctx context.Context, domain Domain, parties *partySet, cause error) {
	var se *SagaError
	if errors.As(cause, &se) && se.Step == "recalculate" {
		return
	}
	if err := r.recalculateAll(ctx, domain, parties); err != nil {
		r.log.WarnErr(ctx, "recalculation after aborted delete failed", err)
		return
	}
	r.log.Info(ctx, "recalculated parties after aborted delete")
}

func (r *Reconciler) recalculateAll(ctx context.Context, domain Domain, parties *partySet) error {
	var errs error
	for _, id := range parties.sorted() {
		if _, err := r.recalc.Recalculate(ctx, domain, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recalculate %s: %w", id, err))
		}
	}
	return errs
}

// =============================================================================
// HELPERS
// =============================================================================

type partySet struct {
	ids map[PartyID]bool
}

func newPartySet() *partySet {
	return &partySet{ids: make(map[PartyID]bool)}
}

func (s *partySet) add(ids ...PartyID) {
	for _, id := range ids {
		if id != "" {
			s.ids[id] = true
		}
	}
}

func (s *partySet) sorted() []PartyID {
	out := make([]PartyID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func entryIDs(entries []Entry) []EntryID {
	ids := make([]EntryID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func partyIDsOf(entries []Entry) []PartyID {
	ids := make([]PartyID, len(entries))
	for i, e := range entries {
		ids[i] = e.PartyID
	}
	return mergeParties(nil, ids)
}

func mergeIDs(a, b []EntryID) []EntryID {
	seen := make(map[EntryID]bool, len(a))
	out := append([]EntryID(nil), a...)
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func mergeParties(a, b []PartyID) []PartyID {
	seen := make(map[PartyID]bool, len(a))
	var out []PartyID
	for _, id := range append(append([]PartyID(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
