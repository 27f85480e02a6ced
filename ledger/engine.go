/*
engine.go - Wiring of the ledger components

PURPOSE:
  Engine bundles the components that share one Store:

    Writer       append an entry when a document is created
    Recalculator replay a party's entries and rewrite cached balances
    Reconciler   cascade deletes with verification, then recalculate
    Balances     current / replayed / all balances, statements
    Auditor      drift, orphans, duplicates, unposted documents

  Components can also be built on their own; Engine is the common path.

OPTIONS:
  WithLogger      structured logger (default: discard)
  WithObserver    metrics hooks (default: none)
  WithLocker      per-party lock around Post and Recalculate (default: none)
  WithLegacySweep enable description-based orphan sweep on cascade delete

SEE ALSO:
  - documents/service.go: Document create/delete flows on top of Engine
  - api/handlers.go: HTTP surface
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/credit-ledger/logger"
)

// =============================================================================
// HOOKS
// =============================================================================

// Observer receives outcome notifications for metrics.
type Observer interface {
	PostRecorded(domain Domain, err error)
	DeleteRecorded(domain Domain, kind ReferenceType, err error)
	RecalcRecorded(domain Domain, partyID PartyID, took time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) PostRecorded(Domain, error)                            {}
func (nopObserver) DeleteRecorded(Domain, ReferenceType, error)           {}
func (nopObserver) RecalcRecorded(Domain, PartyID, time.Duration, error) {}

// Locker serializes writers of one party's ledger. The engine works without
// one; the lost-update race on "read last balance" is then repaired by
// recalculation.
type Locker interface {
	Lock(ctx context.Context, domain Domain, partyID PartyID) (unlock func(), err error)
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, Domain, PartyID) (func(), error) {
	return func() {}, nil
}

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	log         *logger.Logger
	observer    Observer
	locker      Locker
	legacySweep bool
}

type Option func(*options)

func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithLocker(l Locker) Option {
	return func(o *options) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithLegacySweep enables the description-based fallback sweep during
// cascading deletes.
func WithLegacySweep(enabled bool) Option {
	return func(o *options) { o.legacySweep = enabled }
}

func buildOptions(opts []Option) options {
	o := options{
		log:      logger.Nop(),
		observer: nopObserver{},
		locker:   nopLocker{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store        Store
	Writer       *Writer
	Recalculator *Recalculator
	Reconciler   *Reconciler
	Balances     *Balances
	Auditor      *Auditor

	log *logger.Logger
}

func NewEngine(store Store, opts ...Option) *Engine {
	o := buildOptions(opts)
	recalc := newRecalculator(store, o)
	auditor := newAuditor(store, o)
	recalc.auditor = auditor
	return &Engine{
		Store:        store,
		Writer:       newWriter(store, o),
		Recalculator: recalc,
		Reconciler:   newReconciler(store, recalc, o),
		Balances:     NewBalances(store),
		Auditor:      auditor,
		log:          o.log,
	}
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *logger.Logger { return e.log }

// AdminReport is the result of the "Recalculate All Balances" action.
type AdminReport struct {
	Domains map[Domain]*RecalcReport
}

// Discrepancies lists parties that still disagree with a replay after the
// run, across both domains.
func (r AdminReport) Discrepancies() []DriftDetected {
	var out []DriftDetected
	for _, d := range Domains {
		if rep, ok := r.Domains[d]; ok && rep != nil {
			out = append(out, rep.Discrepancies...)
		}
	}
	return out
}

// RecalculateAllBalances runs RecalculateAll for both domains. A failure in
// one domain does not stop the other; the combined error is returned.
func (e *Engine) RecalculateAllBalances(ctx context.Context) (AdminReport, error) {
	report := AdminReport{Domains: make(map[Domain]*RecalcReport, len(Domains))}
	var errs []error
	for _, d := range Domains {
		rep, err := e.Recalculator.RecalculateAll(ctx, d)
		report.Domains[d] = rep
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, combine(errs...)
}
