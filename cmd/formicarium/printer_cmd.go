package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"formicarium/core"
	"formicarium/native/printing"
)

func runPrinterCommand(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, printerUsage())
		return 1
	}
	switch args[0] {
	case "register":
		return runPrinterRegister(opts, args[1:], stdout, stderr)
	case "get":
		return runPrinterGet(opts, args[1:], stdout, stderr)
	case "list":
		return runPrinterList(opts, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown printer subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, printerUsage())
		return 1
	}
}

func runPrinterRegister(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("printer register", stderr, printerUsage)
	var as, details string
	fs.StringVar(&as, "as", "", "printer account registering itself")
	fs.StringVar(&details, "details", "", "free-form printer description")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	caller, err := parseAddress("as", as)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(details) == "" {
		return printError(stderr, "--details is required")
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		printer, err := n.Engine().RegisterPrinter(context.Background(), caller, details)
		if err != nil {
			return err
		}
		writeJSON(stdout, printer)
		return nil
	})
}

func runPrinterGet(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("printer get", stderr, printerUsage)
	var id string
	fs.StringVar(&id, "id", "", "printer account")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	printerID, err := parseAddress("id", id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		printer, err := n.Engine().Printer(context.Background(), printerID)
		if err != nil {
			return err
		}
		writeJSON(stdout, printer)
		return nil
	})
}

func runPrinterList(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("printer list", stderr, printerUsage)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		printers := make([]*printing.Printer, 0)
		for printer, err := range n.Engine().Printers(context.Background()) {
			if err != nil {
				return err
			}
			printers = append(printers, printer)
		}
		writeJSON(stdout, printers)
		return nil
	})
}

func printerUsage() string {
	return strings.TrimSpace(`Usage:
  formicarium printer <command> [flags]

Commands:
  register  Register the --as account as a printer
  get       Show a printer by --id
  list      List every registered printer in registration order
`)
}
