/*
writer.go - Ledger Writer: appends one entry per source document

ALGORITHM:
  1. Validate: amount > 0, known domain
  2. Resolve the party (unknown party is FATAL here, unlike deletes)
  3. Reject a second posting for the same (reference_id, reference_type)
  4. previous = Last(party).BalanceAfter, or 0 if the party has no entries
  5. balance_after = previous +/- amount per the domain's Semantics
  6. Insert

NOT ATOMIC WITH THE DOCUMENT:
  The document row and the ledger row are two separate store calls. Post
  returns *PostingError whenever no entry was written so the caller can
  roll back the document or retry (see documents.Service and saga.go).

LOST UPDATE:
  Two concurrent posts for one party can both read the same "last" entry.
  Without a Locker the second balance_after is wrong until the party is
  recalculated. With a Locker, steps 3..6 run under the party lock.
*/
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/logger"
)

// PostInput is everything needed to append one entry.
type PostInput struct {
	Domain      Domain
	PartyID     PartyID
	Direction   Direction
	Amount      decimal.Decimal
	Reference   Reference
	Description string
}

type Writer struct {
	store    Store
	log      *logger.Logger
	observer Observer
	locker   Locker
}

// NewWriter builds a standalone Writer.
func NewWriter(store Store, opts ...Option) *Writer {
	return newWriter(store, buildOptions(opts))
}

func newWriter(store Store, o options) *Writer {
	return &Writer{store: store, log: o.log, observer: o.observer, locker: o.locker}
}

// Post appends an entry and returns it with its computed balance.
func (w *Writer) Post(ctx context.Context, in PostInput) (Entry, error) {
	entry, err := w.post(ctx, in)
	w.observer.PostRecorded(in.Domain, err)
	if err != nil {
		w.log.Error(w.logCtx(ctx, in), "ledger posting failed", err)
		return Entry{}, err
	}
	w.log.Debug(w.logCtx(ctx, in), "ledger entry posted")
	return entry, nil
}

func (w *Writer) post(ctx context.Context, in PostInput) (Entry, error) {
	fail := func(stage string, err error) (Entry, error) {
		return Entry{}, &PostingError{
			Stage:     stage,
			Domain:    in.Domain,
			PartyID:   in.PartyID,
			Reference: in.Reference,
			Err:       err,
		}
	}

	sem, err := SemanticsFor(in.Domain)
	if err != nil {
		return fail("validate", err)
	}
	if !in.Amount.IsPositive() {
		return fail("validate", ErrInvalidAmount)
	}
	if in.Direction != Increasing && in.Direction != Decreasing {
		return fail("validate", errors.New("direction is required"))
	}
	if in.PartyID == "" {
		return fail("party", ErrPartyNotFound)
	}

	if _, err := w.store.GetParty(ctx, in.Domain, in.PartyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail("party", ErrPartyNotFound)
		}
		return fail("party", storeErr("get party", err))
	}

	unlock, err := w.locker.Lock(ctx, in.Domain, in.PartyID)
	if err != nil {
		return fail("lock", err)
	}
	defer unlock()

	if in.Reference.ID != "" {
		existing, err := w.store.ByReference(ctx, in.Domain, in.Reference)
		if err != nil {
			return fail("duplicate", storeErr("find by reference", err))
		}
		if len(existing) > 0 {
			return fail("duplicate", ErrDuplicatePosting)
		}
	}

	previous := decimal.Zero
	last, err := w.store.Last(ctx, in.Domain, in.PartyID)
	if err != nil {
		return fail("last_balance", storeErr("last entry", err))
	}
	if last != nil {
		previous = last.BalanceAfter
	}

	entry := Entry{
		Domain:      in.Domain,
		PartyID:     in.PartyID,
		Type:        sem.TypeFor(in.Direction),
		Amount:      in.Amount,
		Reference:   in.Reference,
		Description: in.Description,
	}
	entry.BalanceAfter = sem.Apply(previous, entry)

	stored, err := w.store.Insert(ctx, entry)
	if err != nil {
		return fail("insert", storeErr("insert entry", err))
	}
	return stored, nil
}

func (w *Writer) logCtx(ctx context.Context, in PostInput) context.Context {
	return w.log.WithFields(ctx, map[string]any{
		"domain":    in.Domain,
		"party_id":  in.PartyID,
		"reference": in.Reference.String(),
		"direction": in.Direction.String(),
		"amount":    in.Amount.String(),
	})
}
