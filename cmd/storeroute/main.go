// Command storeroute runs the task workers and submits snapshot and
// duplication requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/duplication"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/snapshot"
	"github.com/storeroute/storeroute/pkg/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "storeroute: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `storeroute

Usage: storeroute [-config file] <command> [flags]

Commands:
  worker      Run the task workers until interrupted
  snapshot    Submit a snapshot of a space in a staging store
  duplicate   Submit duplication of a space or content item
  resolve     Print the storage accounts resolved for a tenant
`)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("storeroute", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		usage(stdout)
		return err
	}
	if fs.NArg() == 0 {
		usage(stdout)
		return errors.NewError(errors.ErrCodeValidationFailed, "no command given")
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "help" {
		usage(stdout)
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{
		Level:      strings.ToLower(cfg.Global.LogLevel),
		Format:     cfg.Global.LogFormat,
		OutputPath: cfg.Global.LogFile,
	}); err != nil {
		return err
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.L()

	var command func(context.Context, *app, []string, io.Writer) error
	switch cmd {
	case "worker":
		command = runWorker
	case "snapshot":
		command = runSnapshot
	case "duplicate":
		command = runDuplicate
	case "resolve":
		command = runResolve
	default:
		usage(stdout)
		return errors.Newf(errors.ErrCodeValidationFailed, "unknown command %q", cmd)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", logging.Err(err))
		}
	}()
	return command(ctx, a, cmdArgs, stdout)
}

func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runWorker(ctx context.Context, a *app, _ []string, _ io.Writer) error {
	a.metrics.HandleHealth(a.health.Handler())
	go a.health.StartHealthChecks(ctx)
	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = a.metrics.Stop(context.Background()) }()

	a.logger.Info("storeroute worker starting",
		zap.String("queue", a.cfg.Queue.Driver),
		zap.String("repository", a.cfg.Repository.Driver),
		zap.String("ledger", a.cfg.Ledger.Driver))
	err := a.pool().Run(ctx)
	a.logger.Info("storeroute worker stopped")
	return err
}

func runSnapshot(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	var req snapshot.Request
	fs.StringVar(&req.Account, "account", "", "Tenant id (subdomain)")
	fs.StringVar(&req.StoreID, "store", "", "Staging store id")
	fs.StringVar(&req.SpaceID, "space", "", "Space id")
	fs.StringVar(&req.Description, "description", "", "Snapshot description")
	fs.StringVar(&req.UserEmail, "email", "", "Requesting user's email")
	fs.StringVar(&req.MemberID, "member", "", "Member id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	warnVolatile(a)

	t, err := snapshot.NewInitiator(a.submitter(), a.cfg.Instance.Host).Initiate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "snapshot %s submitted\n", t.SnapshotID.String())
	return nil
}

func runDuplicate(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("duplicate", flag.ContinueOnError)
	var req duplication.Request
	fs.StringVar(&req.Account, "account", "", "Tenant id (subdomain)")
	fs.StringVar(&req.SpaceID, "space", "", "Space id")
	fs.StringVar(&req.ContentID, "content", "", "Content id (default: whole space)")
	fs.StringVar(&req.SourceStoreID, "from", "", "Source store id (default: primary)")
	fs.StringVar(&req.StoreID, "to", "", "Destination store id (default: every secondary)")
	fs.BoolVar(&req.Delete, "delete", false, "Remove the duplicate instead of copying")
	if err := fs.Parse(args); err != nil {
		return err
	}
	warnVolatile(a)

	t, err := duplication.NewInitiator(a.submitter()).Initiate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "duplication %s submitted\n", t.Key())
	return nil
}

func runResolve(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	tenant := fs.String("account", "", "Tenant id (subdomain)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" {
		return errors.NewError(errors.ErrCodeValidationFailed, "-account is required")
	}

	m, err := a.builder.Descriptors(ctx, *tenant)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "tenant %s routed via %s:%s\n", m.AccountID, m.Host, m.Port)
	for _, acct := range m.Accounts() {
		acct = acct.Masked()
		role := "secondary"
		if acct.Primary {
			role = "primary"
		}
		fmt.Fprintf(stdout, "  %-9s %-6s %-15s user=%s\n", role, acct.ID, acct.Type, acct.Username)
		keys := make([]string, 0, len(acct.Options))
		for k := range acct.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(stdout, "            %s=%s\n", k, acct.Options[k])
		}
	}
	return nil
}

// warnVolatile flags submissions that cannot reach a separate worker.
func warnVolatile(a *app) {
	if a.cfg.Queue.Driver == "memory" {
		a.logger.Warn("memory queue in use: submitted tasks are not visible to other processes")
	}
}
