package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"formicarium/core"
	"formicarium/services/journal"
)

type entryView struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	RecordedAt time.Time         `json:"recordedAt"`
	Attributes map[string]string `json:"attributes"`
}

func runEventsCommand(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}
	switch args[0] {
	case "list":
		return runEventsList(opts, args[1:], stdout, stderr)
	case "verify":
		return runEventsVerify(opts, args[1:], stdout, stderr)
	case "export":
		return runEventsExport(opts, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown events subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}
}

func openJournal(n *core.Node) (*journal.Journal, error) {
	j := n.Journal()
	if j == nil {
		return nil, errors.New("journal not configured; set [journal] DSN in the node config")
	}
	return j, nil
}

func runEventsList(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events list", stderr, eventsUsage)
	var order string
	var since uint64
	var limit int
	var disputes bool
	fs.StringVar(&order, "order", "", "only entries for this order id")
	fs.Uint64Var(&since, "since", 0, "only entries after this journal sequence")
	fs.IntVar(&limit, "limit", 0, "maximum entries to return")
	fs.BoolVar(&disputes, "disputes", false, "only customer dispute reports")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		j, err := openJournal(n)
		if err != nil {
			return err
		}
		ctx := context.Background()
		var entries []journal.Entry
		switch {
		case strings.TrimSpace(order) != "":
			orderID, perr := parseAddress("order", order)
			if perr != nil {
				return perr
			}
			entries, err = j.ByOrder(ctx, orderID)
		case disputes:
			entries, err = j.Disputes(ctx)
		default:
			entries, err = j.Since(ctx, since, limit)
		}
		if err != nil {
			return err
		}
		views := make([]entryView, 0, len(entries))
		for _, entry := range entries {
			evt, err := entry.Event()
			if err != nil {
				return err
			}
			views = append(views, entryView{
				Sequence:   entry.Sequence,
				Type:       entry.Type,
				RecordedAt: entry.RecordedAt.UTC(),
				Attributes: evt.Attributes,
			})
		}
		writeJSON(stdout, views)
		return nil
	})
}

func runEventsVerify(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events verify", stderr, eventsUsage)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		j, err := openJournal(n)
		if err != nil {
			return err
		}
		verified, err := j.Verify(context.Background())
		if err != nil {
			return err
		}
		writeJSON(stdout, map[string]uint64{"verified": verified})
		return nil
	})
}

func runEventsExport(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events export", stderr, eventsUsage)
	var out string
	var since uint64
	fs.StringVar(&out, "out", "", "parquet file to write")
	fs.Uint64Var(&since, "since", 0, "only entries after this journal sequence")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return printError(stderr, "--out is required")
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		j, err := openJournal(n)
		if err != nil {
			return err
		}
		rows, err := j.ExportParquet(context.Background(), out, since)
		if err != nil {
			return err
		}
		writeJSON(stdout, map[string]interface{}{"path": out, "rows": rows})
		return nil
	})
}

func eventsUsage() string {
	return strings.TrimSpace(`Usage:
  formicarium events <command> [flags]

Commands:
  list    List journal entries [--order id | --disputes | --since seq] [--limit n]
  verify  Recompute the journal digest chain
  export  Write entries after --since to the parquet file --out
`)
}
