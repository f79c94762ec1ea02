package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/core"
	"formicarium/native/printing"
)

func runOrderCommand(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, orderUsage())
		return 1
	}
	switch args[0] {
	case "create":
		return runOrderCreate(opts, args[1:], stdout, stderr)
	case "sign":
		return runOrderTransition(opts, "order sign", args[1:], stdout, stderr, func(ctx context.Context, n *core.Node, caller, id common.Address) (interface{}, error) {
			if err := n.Engine().SignOrder(ctx, caller, id); err != nil {
				return nil, err
			}
			return n.Engine().Order(ctx, id)
		})
	case "complete":
		return runOrderTransition(opts, "order complete", args[1:], stdout, stderr, func(ctx context.Context, n *core.Node, caller, id common.Address) (interface{}, error) {
			if err := n.Engine().CompleteOrder(ctx, caller, id); err != nil {
				return nil, err
			}
			return n.Engine().Order(ctx, id)
		})
	case "report":
		return runOrderTransition(opts, "order report", args[1:], stdout, stderr, func(ctx context.Context, n *core.Node, caller, id common.Address) (interface{}, error) {
			if err := n.Engine().ReportUncompleteOrder(ctx, caller, id); err != nil {
				return nil, err
			}
			return n.Engine().Order(ctx, id)
		})
	case "refund":
		return runOrderTransition(opts, "order refund", args[1:], stdout, stderr, func(ctx context.Context, n *core.Node, caller, id common.Address) (interface{}, error) {
			return n.Engine().RefundOrder(ctx, caller, id)
		})
	case "settle":
		return runOrderTransition(opts, "order settle", args[1:], stdout, stderr, func(ctx context.Context, n *core.Node, caller, id common.Address) (interface{}, error) {
			return n.Engine().TransferFundsToProvider(ctx, caller, id)
		})
	case "execute":
		return runOrderExecute(opts, args[1:], stdout, stderr)
	case "get":
		return runOrderGet(opts, args[1:], stdout, stderr)
	case "provider":
		return runOrderProvider(opts, args[1:], stdout, stderr)
	case "mine":
		return runOrderMine(opts, args[1:], stdout, stderr)
	case "pending":
		return runOrderPending(opts, args[1:], stdout, stderr)
	case "resolve":
		return runOrderResolve(opts, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown order subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, orderUsage())
		return 1
	}
}

func runOrderCreate(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order create", stderr, orderUsage)
	var as, printer, id, price, minimal, duration string
	fs.StringVar(&as, "as", "", "customer account placing the order")
	fs.StringVar(&printer, "printer", "", "printer account to assign the order to")
	fs.StringVar(&id, "id", "", "optional order id (generated when empty)")
	fs.StringVar(&price, "price", "", "escrowed price in token base units")
	fs.StringVar(&minimal, "min-price", "", "minimal acceptable price (defaults to --price)")
	fs.StringVar(&duration, "duration", "", "service window as seconds or a Go duration (e.g. 2h)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	caller, err := parseAddress("as", as)
	if err != nil {
		return printError(stderr, err.Error())
	}
	printerID, err := parseAddress("printer", printer)
	if err != nil {
		return printError(stderr, err.Error())
	}
	actual, err := parseAmount("price", price)
	if err != nil {
		return printError(stderr, err.Error())
	}
	minimalPrice := new(big.Int).Set(actual)
	if strings.TrimSpace(minimal) != "" {
		if minimalPrice, err = parseAmount("min-price", minimal); err != nil {
			return printError(stderr, err.Error())
		}
	}
	seconds, err := parseWindow(duration)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var orderID common.Address
	if strings.TrimSpace(id) != "" {
		if orderID, err = parseAddress("id", id); err != nil {
			return printError(stderr, err.Error())
		}
	} else if orderID, err = printing.NewOrderID(); err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		order, err := n.Engine().CreateOrder(context.Background(), caller, printing.CreateOrderRequest{
			ID:           orderID,
			PrinterID:    printerID,
			MinimalPrice: minimalPrice,
			ActualPrice:  actual,
			Duration:     seconds,
		})
		if err != nil {
			return err
		}
		writeJSON(stdout, order)
		return nil
	})
}

type transitionFunc func(ctx context.Context, n *core.Node, caller, id common.Address) (interface{}, error)

func runOrderTransition(opts globalOptions, name string, args []string, stdout, stderr io.Writer, fn transitionFunc) int {
	fs := newFlagSet(name, stderr, orderUsage)
	var as, id string
	fs.StringVar(&as, "as", "", "calling account")
	fs.StringVar(&id, "id", "", "order id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	caller, err := parseAddress("as", as)
	if err != nil {
		return printError(stderr, err.Error())
	}
	orderID, err := parseAddress("id", id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		result, err := fn(context.Background(), n, caller, orderID)
		if err != nil {
			return err
		}
		writeJSON(stdout, result)
		return nil
	})
}

func runOrderExecute(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order execute", stderr, orderUsage)
	var as string
	fs.StringVar(&as, "as", "", "printer account starting its next order")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	caller, err := parseAddress("as", as)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		order, err := n.Engine().ExecuteNewOrder(context.Background(), caller)
		if err != nil {
			return err
		}
		writeJSON(stdout, order)
		return nil
	})
}

func runOrderGet(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order get", stderr, orderUsage)
	var id string
	fs.StringVar(&id, "id", "", "order id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	orderID, err := parseAddress("id", id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		order, err := n.Engine().Order(context.Background(), orderID)
		if err != nil {
			return err
		}
		writeJSON(stdout, order)
		return nil
	})
}

func runOrderProvider(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order provider", stderr, orderUsage)
	var printer string
	fs.StringVar(&printer, "printer", "", "printer account")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	printerID, err := parseAddress("printer", printer)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		ids, err := n.Engine().ProviderOrders(context.Background(), printerID)
		if err != nil {
			return err
		}
		if ids == nil {
			ids = []common.Address{}
		}
		writeJSON(stdout, ids)
		return nil
	})
}

func runOrderMine(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order mine", stderr, orderUsage)
	var as string
	fs.StringVar(&as, "as", "", "customer account")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	caller, err := parseAddress("as", as)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		orders, err := n.Engine().CustomerOrders(context.Background(), caller)
		if err != nil {
			return err
		}
		if orders == nil {
			orders = []*printing.Order{}
		}
		writeJSON(stdout, orders)
		return nil
	})
}

func runOrderPending(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order pending", stderr, orderUsage)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		pending, err := n.Engine().PendingReleases(context.Background())
		if err != nil {
			return err
		}
		if pending == nil {
			pending = []*printing.PendingRelease{}
		}
		writeJSON(stdout, pending)
		return nil
	})
}

func runOrderResolve(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order resolve", stderr, orderUsage)
	var id string
	var transferred bool
	fs.StringVar(&id, "id", "", "order id of the pending release")
	fs.BoolVar(&transferred, "transferred", false, "the payout reached the recipient on the ledger")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	orderID, err := parseAddress("id", id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		release, err := n.Engine().ResolvePendingRelease(context.Background(), orderID, transferred)
		if err != nil {
			return err
		}
		writeJSON(stdout, release)
		return nil
	})
}

func parseAmount(flagName, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("--%s is required", flagName)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("--%s must be a non-negative integer", flagName)
	}
	return amount, nil
}

// parseWindow accepts whole seconds or a Go duration string.
func parseWindow(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--duration is required")
	}
	if seconds, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		return seconds, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d < time.Second {
		return 0, fmt.Errorf("--duration must be seconds or a duration of at least 1s")
	}
	return uint64(d / time.Second), nil
}

func orderUsage() string {
	return strings.TrimSpace(`Usage:
  formicarium order <command> [flags]

Commands:
  create    Escrow --price from --as and assign the order to --printer
  sign      Accept an order as its printer
  execute   Start the printer's highest-priced signed order
  complete  Mark an executing order as printed
  report    Flag a completed order as unsatisfactory (customer)
  refund    Return escrow of an unsigned, expired order to its customer
  settle    Release escrow of a completed order to its printer
  get       Show an order by --id
  provider  List the live order ids of --printer
  mine      List the live orders placed by --as
  pending   List payouts whose ledger transfer was never confirmed
  resolve   Clear a pending payout (--transferred) or restore its order
`)
}
