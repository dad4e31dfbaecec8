// Command ledgerctl is the operator console for the poolbet ledger. It talks
// to the configured store directly, so it works while the server is down.
//
//	ledgerctl [-config poolbet.toml] [-o table|json|yaml] <command> [args]
//
// Commands:
//
//	reconcile                         run a reconciliation now
//	reports [-limit n]                list reports, most recent first
//	report <id>                       show one report with its discrepancies
//	pool <market>                     show a market's pool state
//	balance <user>                    show a user's balances
//	resync <user> <currency> <reason> set a balance to its ledger sum
//	audit [-limit n]                  list audit entries, newest first
//	archives [prefix]                 list archived objects (S3 only)
//	archive-cat <path>                print one archived object (S3 only)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/poolbet/internal/app"
	"github.com/alanyoungcy/poolbet/internal/config"
	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

var (
	errUsage       = errors.New("usage")
	errNoArchiving = errors.New("s3 archiving is disabled")
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	format := flag.String("o", "table", "output format: table, json or yaml")
	verbose := flag.Bool("v", false, "log to stderr")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *format, flag.Args(), os.Stdout, logger); err != nil {
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: ledgerctl [-config file] [-o table|json|yaml] <command> [args]

commands:
  reconcile
  reports [-limit n]
  report <id>
  pool <market>
  balance <user>
  resync <user> <currency> <reason>
  audit [-limit n]
  archives [prefix]
  archive-cat <path>
`)
}

func run(ctx context.Context, configPath, format string, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	r, err := newRenderer(out, format)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	params, err := app.Params(cfg)
	if err != nil {
		return err
	}
	svcs := app.NewServices(cfg, deps, params, logger)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "reconcile":
		rep, err := svcs.Reconciliation.RunReconciliation(ctx, "operator:"+operatorName())
		if err != nil {
			return err
		}
		return r.report(rep)

	case "reports":
		fs := flag.NewFlagSet("reports", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "number of reports")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		reps, err := svcs.Reconciliation.ListReports(ctx, domain.ListOpts{Limit: *limit})
		if err != nil {
			return err
		}
		return r.reports(reps)

	case "report":
		if len(rest) != 1 {
			return errUsage
		}
		rep, err := svcs.Reconciliation.GetReport(ctx, rest[0])
		if err != nil {
			return err
		}
		return r.report(rep)

	case "pool":
		if len(rest) != 1 {
			return errUsage
		}
		st, err := svcs.Pools.GetPoolState(ctx, rest[0])
		if err != nil {
			return err
		}
		return r.pool(st)

	case "balance":
		if len(rest) != 1 {
			return errUsage
		}
		b, err := svcs.Balances.GetBalance(ctx, rest[0])
		if err != nil {
			return err
		}
		return r.balance(b)

	case "resync":
		if len(rest) < 3 {
			return errUsage
		}
		cur, err := money.ParseCurrency(rest[1])
		if err != nil {
			return err
		}
		res, err := svcs.Balances.Resync(ctx, rest[0], cur, strings.Join(rest[2:], " "), operatorName())
		if err != nil {
			return err
		}
		return r.value(res)

	case "audit":
		fs := flag.NewFlagSet("audit", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		limit := fs.Int("limit", 50, "number of entries")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		entries, err := deps.Audit.List(ctx, domain.ListOpts{Limit: *limit})
		if err != nil {
			return err
		}
		return r.audit(entries)

	case "archives":
		if len(rest) > 1 {
			return errUsage
		}
		if deps.Archives == nil {
			return errNoArchiving
		}
		prefix := ""
		if len(rest) == 1 {
			prefix = rest[0]
		}
		infos, err := deps.Archives.ListArchives(ctx, prefix)
		if err != nil {
			return err
		}
		return r.archives(infos)

	case "archive-cat":
		if len(rest) != 1 {
			return errUsage
		}
		if deps.Archives == nil {
			return errNoArchiving
		}
		rc, err := deps.Archives.OpenArchive(ctx, rest[0])
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(out, rc)
		return err

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// operatorName identifies the shell user in audit entries.
func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return "ledgerctl:" + u
	}
	return "ledgerctl"
}
