package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/taskpool/internal/history"
)

func runHistory(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printHistoryHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action, actionArgs := args[0], args[1:]

	fs := flag.NewFlagSet("history "+action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dbPath := fs.String("db", "", "Path to the history database (overrides config)")
	queue := fs.String("queue", "", "Queue name (default: queue.name from config)")
	limit := fs.Int("limit", 20, "Number of records to list")
	olderThan := fs.Duration("older-than", 0, "Prune records older than this (default: history.retention)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(actionArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *dbPath == "" {
		*dbPath = cfg.History.Path
	}
	if *queue == "" {
		*queue = cfg.Queue.Name
	}
	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "History database unavailable: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := history.Open(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer store.Close()

	switch action {
	case "list":
		records, err := store.Recent(ctx, *queue, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(records)
		}
		printRecords(os.Stdout, records)

	case "summary":
		sum, err := store.Summarize(ctx, *queue)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to summarize history: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(map[string]any{"queue": *queue, "summary": sum})
		}
		fmt.Printf("queue: %s\nsucceeded: %d\nfailed: %d\n", *queue, sum.Succeeded, sum.Failed)

	case "prune":
		age := *olderThan
		if age <= 0 {
			age = cfg.History.Retention
		}
		if age <= 0 {
			fmt.Fprintln(os.Stderr, "Nothing to prune: no --older-than and no history.retention")
			return 1
		}
		n, err := store.Prune(ctx, time.Now().Add(-age))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to prune history: %v\n", err)
			return 1
		}
		fmt.Printf("Pruned %d records older than %s\n", n, age)

	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return 1
	}
	return 0
}

func printRecords(w io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No settled tasks recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPLETED\tTASK\tWORKER\tSTATUS\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.CompletedAt.Local().Format(time.DateTime), r.TaskID, r.WorkerID, r.Status, r.Error)
	}
	_ = tw.Flush()
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func printHistoryHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: fibpool history <list|summary|prune> [--config PATH] [--db PATH] [--queue NAME] [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Inspect the settled-task journal written by 'fibpool serve'.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  list      Most recent settled tasks (--limit N, --json)")
	fmt.Fprintln(w, "  summary   Succeeded and failed counts (--json)")
	fmt.Fprintln(w, "  prune     Delete records older than --older-than or history.retention")
}
