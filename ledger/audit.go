/*
audit.go - Read-only consistency checks

PURPOSE:
  Nothing here modifies the ledger. The Auditor finds the states the
  non-transactional protocols can leave behind and reports them so an
  operator (or the admin recalculate action) can repair them:

    Drift       cached BalanceAfter disagrees with a replay
    Orphans     entry whose referenced document or party is gone
    Duplicates  more than one entry for one (reference_id, reference_type)
    Unposted    document with no ledger entry (posting failed after create)

  LegacyMatches lists entries whose description mentions a document id
  while their reference points elsewhere: the rows a legacy sweep would
  remove.
*/
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/logger"
	"go.uber.org/multierr"
)

// DriftDetected describes a party whose cached balances disagree with a
// replay of its entries.
type DriftDetected struct {
	Domain  Domain
	PartyID PartyID
	// EntryID is the first entry (in replay order) that disagrees.
	EntryID  EntryID
	Stored   decimal.Decimal
	Replayed decimal.Decimal
	// Entries is how many of the party's entries disagree.
	Entries int
}

// OrphanedEntry is a ledger row that references something missing.
type OrphanedEntry struct {
	Entry
	Reason string
}

// DuplicatePosting groups entries sharing one reference.
type DuplicatePosting struct {
	Domain    Domain
	Reference Reference
	EntryIDs  []EntryID
}

type Auditor struct {
	store Store
	log   *logger.Logger
}

func NewAuditor(store Store, opts ...Option) *Auditor {
	return newAuditor(store, buildOptions(opts))
}

func newAuditor(store Store, o options) *Auditor {
	return &Auditor{store: store, log: o.log}
}

// Drift replays every party of the domain and reports disagreements.
func (a *Auditor) Drift(ctx context.Context, domain Domain) ([]DriftDetected, error) {
	sem, err := SemanticsFor(domain)
	if err != nil {
		return nil, err
	}
	entries, err := a.store.AllEntries(ctx, domain)
	if err != nil {
		return nil, storeErr("load all entries", err)
	}

	var out []DriftDetected
	for party, group := range GroupByParty(entries) {
		running := Replay(group, sem)
		var d *DriftDetected
		for i, e := range group {
			if e.BalanceAfter.Equal(running[i]) {
				continue
			}
			if d == nil {
				d = &DriftDetected{
					Domain:   domain,
					PartyID:  party,
					EntryID:  e.ID,
					Stored:   e.BalanceAfter,
					Replayed: running[i],
				}
			}
			d.Entries++
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	return out, nil
}

// Orphans reports entries whose document or party no longer exists.
func (a *Auditor) Orphans(ctx context.Context, domain Domain) ([]OrphanedEntry, error) {
	if !domain.IsValid() {
		return nil, ErrUnknownDomain
	}
	entries, err := a.store.AllEntries(ctx, domain)
	if err != nil {
		return nil, storeErr("load all entries", err)
	}
	SortEntries(entries)

	docs := make(map[Reference]bool)
	parties := make(map[PartyID]bool)
	var out []OrphanedEntry

	for _, e := range entries {
		exists, seen := parties[e.PartyID]
		if !seen {
			_, err := a.store.GetParty(ctx, domain, e.PartyID)
			switch {
			case err == nil:
				exists = true
			case errors.Is(err, ErrNotFound):
			default:
				return out, storeErr("get party", err)
			}
			parties[e.PartyID] = exists
		}
		if !exists {
			out = append(out, OrphanedEntry{Entry: e, Reason: "party not found"})
			continue
		}

		if e.Reference.ID == "" {
			continue
		}
		if _, err := e.Reference.Type.Info(); err != nil {
			out = append(out, OrphanedEntry{Entry: e, Reason: "unknown reference type"})
			continue
		}
		exists, seen = docs[e.Reference]
		if !seen {
			_, err := a.store.GetDocument(ctx, e.Reference.Type, e.Reference.ID)
			switch {
			case err == nil:
				exists = true
			case errors.Is(err, ErrNotFound):
			default:
				return out, storeErr("get document", err)
			}
			docs[e.Reference] = exists
		}
		if !exists {
			out = append(out, OrphanedEntry{Entry: e, Reason: "document not found"})
		}
	}
	return out, nil
}

// Duplicates reports references posted more than once.
func (a *Auditor) Duplicates(ctx context.Context, domain Domain) ([]DuplicatePosting, error) {
	if !domain.IsValid() {
		return nil, ErrUnknownDomain
	}
	entries, err := a.store.AllEntries(ctx, domain)
	if err != nil {
		return nil, storeErr("load all entries", err)
	}
	SortEntries(entries)

	byRef := make(map[Reference][]EntryID)
	var order []Reference
	for _, e := range entries {
		if e.Reference.IsZero() {
			continue
		}
		if _, ok := byRef[e.Reference]; !ok {
			order = append(order, e.Reference)
		}
		byRef[e.Reference] = append(byRef[e.Reference], e.ID)
	}

	var out []DuplicatePosting
	for _, ref := range order {
		if ids := byRef[ref]; len(ids) > 1 {
			out = append(out, DuplicatePosting{Domain: domain, Reference: ref, EntryIDs: ids})
		}
	}
	return out, nil
}

// Unposted lists the domain's documents that have no ledger entry.
func (a *Auditor) Unposted(ctx context.Context, domain Domain) ([]Document, error) {
	if !domain.IsValid() {
		return nil, ErrUnknownDomain
	}
	entries, err := a.store.AllEntries(ctx, domain)
	if err != nil {
		return nil, storeErr("load all entries", err)
	}
	posted := make(map[Reference]bool, len(entries))
	for _, e := range entries {
		posted[e.Reference] = true
	}

	var out []Document
	for _, kind := range []ReferenceType{DocumentKind(domain), PaymentKind(domain)} {
		docs, err := a.store.ListDocuments(ctx, kind)
		if err != nil {
			return out, storeErr("list documents", err)
		}
		for _, d := range docs {
			if !posted[d.Reference()] {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// LegacyMatches returns entries of ref.Type whose description contains
// ref.ID but whose reference id differs.
func (a *Auditor) LegacyMatches(ctx context.Context, domain Domain, ref Reference) ([]Entry, error) {
	if !domain.IsValid() {
		return nil, ErrUnknownDomain
	}
	if strings.TrimSpace(ref.ID) == "" {
		return nil, nil
	}
	matches, err := a.store.ByDescription(ctx, domain, ref.Type, ref.ID)
	if err != nil {
		return nil, storeErr("find by description", err)
	}
	var out []Entry
	for _, m := range matches {
		if m.Reference.ID != ref.ID {
			out = append(out, m)
		}
	}
	return out, nil
}

// =============================================================================
// FULL AUDIT
// =============================================================================

type AuditReport struct {
	Drift      []DriftDetected
	Orphans    []OrphanedEntry
	Duplicates []DuplicatePosting
	Unposted   []Document
}

// Clean reports whether nothing was found.
func (r AuditReport) Clean() bool {
	return len(r.Drift) == 0 && len(r.Orphans) == 0 &&
		len(r.Duplicates) == 0 && len(r.Unposted) == 0
}

// Run executes every check for both domains and logs each finding as a
// warning. Checks that fail are skipped; their errors are combined.
func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	var report AuditReport
	var errs error

	for _, d := range Domains {
		dctx := a.log.WithField(ctx, "domain", d)

		drift, err := a.Drift(ctx, d)
		errs = multierr.Append(errs, err)
		for _, x := range drift {
			a.log.Warn(a.log.WithFields(dctx, map[string]any{
				"party_id": x.PartyID,
				"entry_id": x.EntryID,
				"stored":   x.Stored.String(),
				"replayed": x.Replayed.String(),
			}), "balance drift detected")
		}
		report.Drift = append(report.Drift, drift...)

		orphans, err := a.Orphans(ctx, d)
		errs = multierr.Append(errs, err)
		for _, o := range orphans {
			a.log.Warn(a.log.WithFields(dctx, map[string]any{
				"entry_id":  o.ID,
				"reference": o.Reference.String(),
				"reason":    o.Reason,
			}), "orphaned ledger entry")
		}
		report.Orphans = append(report.Orphans, orphans...)

		dups, err := a.Duplicates(ctx, d)
		errs = multierr.Append(errs, err)
		for _, x := range dups {
			a.log.Warn(a.log.WithFields(dctx, map[string]any{
				"reference": x.Reference.String(),
				"entries":   len(x.EntryIDs),
			}), "duplicate posting")
		}
		report.Duplicates = append(report.Duplicates, dups...)

		unposted, err := a.Unposted(ctx, d)
		errs = multierr.Append(errs, err)
		for _, doc := range unposted {
			a.log.Warn(a.log.WithField(dctx, "reference", doc.Reference().String()), "document has no ledger entry")
		}
		report.Unposted = append(report.Unposted, unposted...)
	}
	return report, errs
}
