package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/config"
	"formicarium/core"
	"formicarium/native/printing"
	"formicarium/observability/logging"
)

var (
	cliNow   = time.Now
	openNode = defaultOpenNode
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type globalOptions struct {
	configPath string
	verbose    bool
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("formicarium", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	var opts globalOptions
	fs.StringVar(&opts.configPath, "config", "config.toml", "path to the node configuration")
	fs.BoolVar(&opts.verbose, "v", false, "log engine transitions to stderr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch rest[0] {
	case "printer":
		return runPrinterCommand(opts, rest[1:], stdout, stderr)
	case "order":
		return runOrderCommand(opts, rest[1:], stdout, stderr)
	case "token":
		return runTokenCommand(opts, rest[1:], stdout, stderr)
	case "events":
		return runEventsCommand(opts, rest[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultOpenNode(opts globalOptions, stderr io.Writer) (*core.Node, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.verbose {
		logger = logging.New(stderr, "formicarium", strings.TrimSpace(os.Getenv("FORMICARIUM_ENV")))
	}
	node, err := core.NewNode(cfg, logger)
	if err != nil {
		return nil, err
	}
	node.Engine().SetNowFunc(func() int64 { return cliNow().Unix() })
	return node, nil
}

// withNode opens the node for the duration of fn and maps its error to an
// exit code.
func withNode(opts globalOptions, stderr io.Writer, fn func(*core.Node) error) int {
	node, err := openNode(opts, stderr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer func() {
		if err := node.Close(); err != nil {
			fmt.Fprintf(stderr, "Warning: close node: %v\n", err)
		}
	}()
	if err := fn(node); err != nil {
		return printEngineError(stderr, err)
	}
	return 0
}

func newFlagSet(name string, stderr io.Writer, usageText func() string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usageText())
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func parseAddress(flagName, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("--%s is required", flagName)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("--%s must be a 0x-prefixed 20 byte address", flagName)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("--%s must not be the zero address", flagName)
	}
	return addr, nil
}

func writeJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

// printEngineError reports classified engine failures with their stable code.
func printEngineError(w io.Writer, err error) int {
	var perr *printing.Error
	if errors.As(err, &perr) {
		fmt.Fprintf(w, "Error %s (%s): %s\n", perr.Code, perr.Kind, err)
		return 2
	}
	return printError(w, err.Error())
}

func usage() string {
	return strings.TrimSpace(`Usage:
  formicarium [--config path] [-v] <command> <subcommand> [flags]

Commands:
  printer  Register and browse printers
  order    Create and drive escrowed print orders
  token    Mint, approve and inspect the payment token
  events   Read the audit journal
`)
}
