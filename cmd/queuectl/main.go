// Command queuectl inspects and repairs the spool.
//
//	queuectl stats                  per-source envelope counts
//	queuectl failed <source>        list failed envelopes with their errors
//	queuectl requeue <source>       reset every failed envelope of a source
//	queuectl requeue <source> <id>  reset one failed envelope
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	_ "modernc.org/sqlite"

	"github.com/Jorineg/TeamworkMissiveConnector/config"
	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: queuectl stats | failed <source> | requeue <source> [id]")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := dbopen.Open(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	sp := spool.New(db, spool.Options{MaxAttempts: cfg.MaxQueueAttempts})
	if err := sp.EnsureTable(ctx); err != nil {
		return err
	}

	switch args[0] {
	case "stats":
		return stats(ctx, sp)
	case "failed":
		if len(args) != 2 {
			return fmt.Errorf("usage: queuectl failed <source>")
		}
		return listFailed(ctx, sp, args[1])
	case "requeue":
		switch len(args) {
		case 2:
			n, err := sp.RequeueFailed(ctx, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d envelopes\n", n)
			return nil
		case 3:
			if err := sp.Requeue(ctx, args[1], args[2]); err != nil {
				return err
			}
			fmt.Println("requeued 1 envelope")
			return nil
		default:
			return fmt.Errorf("usage: queuectl requeue <source> [id]")
		}
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func stats(ctx context.Context, sp *spool.Spool) error {
	all, err := sp.Stats(ctx)
	if err != nil {
		return err
	}
	sources := make([]string, 0, len(all))
	for s := range all {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tPENDING\tLEASED\tCOMPLETED\tFAILED")
	for _, s := range sources {
		c := all[s]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s, c.Pending, c.Leased, c.Completed, c.Failed)
	}
	return w.Flush()
}

func listFailed(ctx context.Context, sp *spool.Spool, source string) error {
	envs, err := sp.List(ctx, source, spool.StateFailed)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tATTEMPTS\tLAST ERROR")
	for _, e := range envs {
		fmt.Fprintf(w, "%s\t%d\t%s\n", e.ID, e.Attempts, e.LastError)
	}
	return w.Flush()
}
