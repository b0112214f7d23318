// Package main is the entry point for orbitalctl, a command-line client
// for the Orbital Intake API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kandev/orbital/internal/orbitalctl"
)

func main() {
	serverFlag := flag.String("server", "http://localhost:8080", "Orbital Intake API base URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := orbitalctl.NewClient(*serverFlag)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch args[0] {
	case "submit":
		err = runSubmit(ctx, client, args[1:])
	case "get":
		err = runGet(ctx, client, args[1:])
	case "list":
		err = runList(ctx, client)
	case "cancel":
		err = runCancel(ctx, client, args[1:])
	case "retry":
		err = runRetry(ctx, client, args[1:])
	case "audit":
		err = runAudit(ctx, client, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "orbitalctl: unknown command %q\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "orbitalctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `orbitalctl - control client for the Orbital Intake API

Usage:
  orbitalctl [-server URL] <command> [args]

Commands:
  submit <intent_label> [params_json]   submit a new job
  get <job_id>                          show one job
  list                                  list known jobs
  cancel <job_id>                       request cancellation
  retry <job_id>                        retry a failed job
  audit <job_id>                        show a job's audit trail`)
}

func runSubmit(ctx context.Context, c *orbitalctl.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("submit requires an intent_label")
	}
	var params map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			return fmt.Errorf("invalid params JSON: %w", err)
		}
	}
	job, err := c.SubmitJob(ctx, args[0], params, 0)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runGet(ctx context.Context, c *orbitalctl.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("get requires a job_id")
	}
	job, err := c.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runList(ctx context.Context, c *orbitalctl.Client) error {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return err
	}
	return printJSON(jobs)
}

func runCancel(ctx context.Context, c *orbitalctl.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cancel requires a job_id")
	}
	if err := c.CancelJob(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s\n", args[0])
	return nil
}

func runRetry(ctx context.Context, c *orbitalctl.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("retry requires a job_id")
	}
	job, err := c.RetryJob(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runAudit(ctx context.Context, c *orbitalctl.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("audit requires a job_id")
	}
	entries, err := c.AuditHistory(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
