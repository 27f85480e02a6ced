// Command recalculate runs Recalculate All Balances once (both domains, or
// one with -domain) and optionally the full audit. Exit status is 1 when any
// party failed or drift remains.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/warp/credit-ledger/app"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/ledger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	dbDSN := flag.String("db", cfg.DB.DSN, "Database DSN or SQLite path")
	domainFlag := flag.String("domain", "", "Only this domain (supplier or buyer)")
	audit := flag.Bool("audit", false, "Run the audit after recalculating")
	flag.Parse()
	cfg.DB.DSN = *dbDSN

	log := app.NewLogger(cfg, "credit-ledger-recalculate")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, nil)
	if err != nil {
		log.Error(ctx, "failed to initialize", err)
		os.Exit(1)
	}

	code := run(ctx, a, *domainFlag, *audit)
	if err := a.Close(); err != nil {
		log.Error(ctx, "close resources", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, domainName string, audit bool) int {
	log := a.Log
	code := 0

	var report ledger.AdminReport
	var err error
	if domainName == "" {
		report, err = a.Engine.RecalculateAllBalances(ctx)
	} else {
		d, perr := ledger.ParseDomain(domainName)
		if perr != nil {
			log.Error(ctx, "invalid -domain", perr)
			return 2
		}
		var rep *ledger.RecalcReport
		rep, err = a.Engine.Recalculator.RecalculateAll(ctx, d)
		report = ledger.AdminReport{Domains: map[ledger.Domain]*ledger.RecalcReport{d: rep}}
	}
	if err != nil {
		log.Error(ctx, "recalculation finished with errors", err)
		code = 1
	}
	for _, d := range report.Discrepancies() {
		log.Warn(log.WithFields(ctx, map[string]any{
			"domain":   d.Domain,
			"party_id": d.PartyID,
			"stored":   d.Stored.String(),
			"replayed": d.Replayed.String(),
		}), "drift remains after recalculation")
		code = 1
	}

	if audit {
		ar, err := a.Engine.Auditor.Run(ctx)
		if err != nil {
			log.Error(ctx, "audit finished with errors", err)
			code = 1
		}
		if !ar.Clean() {
			code = 1
		}
		log.Info(log.WithFields(ctx, map[string]any{
			"drift":      len(ar.Drift),
			"orphans":    len(ar.Orphans),
			"duplicates": len(ar.Duplicates),
			"unposted":   len(ar.Unposted),
		}), "audit complete")
	}
	return code
}
