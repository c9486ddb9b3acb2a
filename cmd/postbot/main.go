package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postbot/internal/app"
	logx "postbot/pkg/logx"
)

const usage = `usage: postbot <command> [flags]

commands:
  run       start the daemon (tick + daily plan triggers, config hot reload)
  tick      run one coordinator evaluation and exit
  plan      generate the posting plan for a date
  dispatch  dispatch immediately for one tenant, bypassing the due-check

run 'postbot <command> -h' for command flags`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd := os.Args[1]; cmd {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "tick":
		err = cmdTick(ctx, os.Args[2:])
	case "plan":
		err = cmdPlan(ctx, os.Args[2:])
	case "dispatch":
		err = cmdDispatch(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		// app.New may fail before the configured log service exists, so a
		// standalone console logger reports the failure.
		logx.NewConsole("info").Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

func newApp(fs *flag.FlagSet, args []string) (*app.App, error) {
	cfgPath := fs.String("config", "./config.yaml", "path to config file (JSON or YAML)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return app.New(*cfgPath)
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	a, err := newApp(fs, args)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

func cmdTick(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	a, err := newApp(fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	// Per-tenant outcomes are reported, not fatal: only coordinator-level
	// failures set the exit code.
	res, err := a.Tick(ctx)
	if err != nil {
		return err
	}
	if res.TenantID != "" {
		fmt.Printf("%s tenant=%s outcome=%s\n", res.Status, res.TenantID, res.Outcome)
	} else {
		fmt.Println(res.Status)
	}
	return nil
}

func cmdPlan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	date := fs.String("date", "", "date to plan (YYYY-MM-DD, default today)")
	force := fs.Bool("force", false, "regenerate even when a plan for the date exists")
	a, err := newApp(fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	day := time.Now()
	if *date != "" {
		day, err = time.Parse("2006-01-02", *date)
		if err != nil {
			return fmt.Errorf("invalid -date: %w", err)
		}
	}

	plan, generated, err := a.PlanDate(ctx, day, *force)
	if err != nil {
		return err
	}
	if !generated {
		fmt.Printf("plan for %s already exists (%d slots); use -force to regenerate\n", plan.Date, len(plan.Slots))
		return nil
	}
	fmt.Printf("plan %s: %d slots, %d unplaced\n", plan.Date, len(plan.Slots), len(plan.Unplaced))
	for _, s := range plan.Slots {
		fmt.Printf("  %s  %s\n", s.At.Format(time.RFC3339), s.TenantID)
	}
	for _, u := range plan.Unplaced {
		fmt.Printf("  unplaced %s: %s\n", u.TenantID, u.Reason)
	}
	return nil
}

func cmdDispatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id to dispatch for")
	a, err := newApp(fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	if *tenant == "" {
		return fmt.Errorf("-tenant required")
	}
	res, err := a.DispatchOne(ctx, *tenant)
	if err != nil {
		return err
	}
	fmt.Printf("%s tenant=%s outcome=%s", res.Status, res.TenantID, res.Outcome)
	if res.ExternalID != "" {
		fmt.Printf(" external_id=%s", res.ExternalID)
	}
	fmt.Println()
	return nil
}
