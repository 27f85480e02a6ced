// Package metrics exports ledger engine activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/credit-ledger/ledger"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// LedgerMetrics implements ledger.Observer.
type LedgerMetrics struct {
	posts        *prometheus.CounterVec
	deletes      *prometheus.CounterVec
	recalcTime   *prometheus.HistogramVec
	recalcResult *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
// A nil registerer yields a collector that records nothing.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	posts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_posts_total",
		Help: "Ledger postings by domain and result.",
	}, []string{"domain", "result"})
	deletes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deletes_total",
		Help: "Verified document and payment deletions by domain, kind and result.",
	}, []string{"domain", "kind", "result"})
	recalcTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_recalc_duration_seconds",
		Help:    "Duration of single-party balance recalculations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"domain"})
	recalcResult := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_recalc_parties_total",
		Help: "Party recalculations by domain and result.",
	}, []string{"domain", "result"})
	reg.MustRegister(posts, deletes, recalcTime, recalcResult)
	return &LedgerMetrics{
		posts:        posts,
		deletes:      deletes,
		recalcTime:   recalcTime,
		recalcResult: recalcResult,
	}
}

func (m *LedgerMetrics) PostRecorded(domain ledger.Domain, err error) {
	if m == nil || m.posts == nil {
		return
	}
	m.posts.WithLabelValues(normalizeLabel(string(domain)), result(err)).Inc()
}

func (m *LedgerMetrics) DeleteRecorded(domain ledger.Domain, kind ledger.ReferenceType, err error) {
	if m == nil || m.deletes == nil {
		return
	}
	m.deletes.WithLabelValues(normalizeLabel(string(domain)), normalizeLabel(string(kind)), result(err)).Inc()
}

func (m *LedgerMetrics) RecalcRecorded(domain ledger.Domain, _ ledger.PartyID, took time.Duration, err error) {
	if m == nil || m.recalcTime == nil {
		return
	}
	d := normalizeLabel(string(domain))
	m.recalcTime.WithLabelValues(d).Observe(took.Seconds())
	m.recalcResult.WithLabelValues(d, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

var _ ledger.Observer = (*LedgerMetrics)(nil)
