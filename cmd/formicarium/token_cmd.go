package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/core"
)

type balanceView struct {
	Account   common.Address `json:"account"`
	Symbol    string         `json:"symbol"`
	Balance   string         `json:"balance"`
	Allowance string         `json:"escrowAllowance"`
}

func runTokenCommand(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, tokenUsage())
		return 1
	}
	switch args[0] {
	case "mint":
		return runTokenMint(opts, args[1:], stdout, stderr)
	case "approve":
		return runTokenApprove(opts, args[1:], stdout, stderr)
	case "balance":
		return runTokenBalance(opts, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown token subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, tokenUsage())
		return 1
	}
}

func runTokenMint(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token mint", stderr, tokenUsage)
	var to, amount string
	fs.StringVar(&to, "to", "", "account to credit")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	recipient, err := parseAddress("to", to)
	if err != nil {
		return printError(stderr, err.Error())
	}
	value, err := parseAmount("amount", amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		if err := n.Token().Mint(recipient, value); err != nil {
			return err
		}
		return writeBalance(stdout, n, recipient)
	})
}

func runTokenApprove(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token approve", stderr, tokenUsage)
	var as, amount string
	fs.StringVar(&as, "as", "", "owner granting the allowance")
	fs.StringVar(&amount, "amount", "", "allowance for the escrow account in base units")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	owner, err := parseAddress("as", as)
	if err != nil {
		return printError(stderr, err.Error())
	}
	value, err := parseAmount("amount", amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		if err := n.Token().Approve(owner, n.Escrow(), value); err != nil {
			return err
		}
		return writeBalance(stdout, n, owner)
	})
}

func runTokenBalance(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token balance", stderr, tokenUsage)
	var account string
	fs.StringVar(&account, "account", "", "account to inspect")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := parseAddress("account", account)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withNode(opts, stderr, func(n *core.Node) error {
		return writeBalance(stdout, n, addr)
	})
}

func writeBalance(w io.Writer, n *core.Node, account common.Address) error {
	balance, err := n.Token().BalanceOf(account)
	if err != nil {
		return err
	}
	allowance, err := n.Token().Allowance(account, n.Escrow())
	if err != nil {
		return err
	}
	writeJSON(w, balanceView{
		Account:   account,
		Symbol:    n.Token().Symbol(),
		Balance:   balance.String(),
		Allowance: allowance.String(),
	})
	return nil
}

func tokenUsage() string {
	return strings.TrimSpace(`Usage:
  formicarium token <command> [flags]

Commands:
  mint     Credit --to with --amount
  approve  Allow the escrow account to pull --amount from --as
  balance  Show the balance and escrow allowance of --account
`)
}
