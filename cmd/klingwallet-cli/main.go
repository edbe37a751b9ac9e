// klingwallet-cli is a command-line client for a klingwalletd daemon.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-wallet/config"
	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/krc20"
	"github.com/Klingon-tech/klingnet-wallet/internal/rpc"
	"github.com/Klingon-tech/klingnet-wallet/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// submitTimeout bounds commands that wait for an action, approval
// included.
const submitTimeout = 15 * time.Minute

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := ""
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		case args[0] == "--testnet":
			network = "testnet"
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	// Set address HRP based on network.
	net := config.Mainnet
	if network == "testnet" {
		net = config.Testnet
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}
	if rpcURL == "" {
		rpcURL = config.Default(net).RPCEndpoint() + "/"
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.NewWithTimeout(rpcURL, submitTimeout)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "wallet":
		cmdWallet(client, cmdArgs)
	case "send":
		cmdSend(client, cmdArgs)
	case "compound":
		cmdCompound(client, cmdArgs)
	case "sign-message":
		cmdSignMessage(client, cmdArgs)
	case "sign-tx":
		cmdSignTx(client, cmdArgs)
	case "commit-reveal":
		cmdCommitReveal(client, cmdArgs)
	case "krc20":
		cmdKRC20(client, cmdArgs)
	case "unfinished":
		cmdUnfinished(client, cmdArgs)
	case "resume":
		cmdResume(client, cmdArgs)
	case "approvals":
		cmdApprovals(client)
	case "approve":
		cmdApprove(client, cmdArgs)
	case "reject":
		cmdReject(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingwallet-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8555/)
  --network <net>     mainnet (default) or testnet
  --testnet           Shorthand for --network testnet

Commands:
  status                          Show fee estimate and open wallets

  wallet create --name <n>        Create a new wallet
  wallet import --name <n>        Import a wallet from its mnemonic
  wallet available                List keystore wallets
  wallet open --name <n>          Unlock a wallet in the daemon
  wallet close --wallet <w>       Close an open wallet
  wallet list                     List open wallets
  wallet balance --wallet <w>     Show wallet balance

  send --wallet <w> --to <addr> --amount <amt> [--all] [--estimate]
                                  Send coins
  compound --wallet <w>           Merge all outputs into one
  sign-message --wallet <w> --message <text>
                                  Sign a message
  sign-tx --wallet <w> --file <pskt.json> [--submit]
                                  Sign a partially signed transaction
  commit-reveal --wallet <w> --protocol <p> --payload <json> [--cost <amt>]
                                  Run a raw commit-reveal operation
  krc20 mint --wallet <w> --tick <T>
  krc20 deploy --wallet <w> --tick <T> --max <n> --limit <n> [--premine <n>]
  krc20 transfer --wallet <w> --tick <T> --amount <n> --to <addr>
  krc20 list --wallet <w> --tick <T> --amount <n>
                                  KRC-20 token operations
  unfinished --wallet <w>         List commit-reveal actions awaiting reveal
  resume --wallet <w>             Reveal every unfinished action

  approvals                       List actions awaiting approval
  approve --id <id> [--fee <amt>] Approve an action
  reject --id <id>                Reject an action

All <amt> values are in coins (e.g. 1.5).
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	ctx := context.Background()
	est, err := client.FeeEstimate(ctx)
	if err != nil {
		fatal("chain_feeEstimate: %v", err)
	}
	wallets, err := client.WalletList(ctx)
	if err != nil {
		fatal("wallet_list: %v", err)
	}

	fmt.Printf("Fee rate:  %d (priority %d)\n", est.NormalRate(), est.Priority.FeeRate)
	fmt.Printf("Wallets:   %d open\n", len(wallets))
	for _, w := range wallets {
		printWallet(w)
	}
}

// ── wallet ──────────────────────────────────────────────────────────────

func cmdWallet(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingwallet-cli wallet <create|import|available|open|close|list|balance>")
	}
	switch args[0] {
	case "create":
		cmdWalletCreate(client, args[1:], false)
	case "import":
		cmdWalletCreate(client, args[1:], true)
	case "available":
		cmdWalletAvailable(client)
	case "open":
		cmdWalletOpen(client, args[1:])
	case "close":
		id := walletFlag("wallet close", args[1:])
		if err := client.WalletClose(context.Background(), id); err != nil {
			fatal("wallet_close: %v", err)
		}
		fmt.Printf("Wallet closed: %s\n", id)
	case "list":
		wallets, err := client.WalletList(context.Background())
		if err != nil {
			fatal("wallet_list: %v", err)
		}
		if len(wallets) == 0 {
			fmt.Println("No open wallets")
		}
		for _, w := range wallets {
			printWallet(w)
		}
	case "balance":
		w, err := client.WalletBalance(context.Background(), walletFlag("wallet balance", args[1:]))
		if err != nil {
			fatal("wallet_balance: %v", err)
		}
		printWallet(*w)
	default:
		fatal("unknown wallet command: %s", args[0])
	}
}

func cmdWalletCreate(client *rpcclient.Client, args []string, imported bool) {
	fs := flag.NewFlagSet("wallet create", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: klingwallet-cli wallet create --name <name>")
	}

	var mnemonic string
	if imported {
		m, err := readPassword("Enter mnemonic: ")
		if err != nil {
			fatal("read mnemonic: %v", err)
		}
		mnemonic = strings.Join(strings.Fields(string(m)), " ")
	}

	// Prompt for password (twice).
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	res, err := client.WalletCreate(context.Background(), *name, string(password), mnemonic)
	if err != nil {
		fatal("wallet_create: %v", err)
	}
	if !imported {
		fmt.Println("Mnemonic (write this down!):")
		fmt.Printf("  %s\n\n", res.Mnemonic)
	}
	fmt.Printf("Wallet created: %s\n", res.Name)
	fmt.Printf("Address: %s\n", res.Address)
}

func cmdWalletAvailable(client *rpcclient.Client) {
	entries, err := client.WalletAvailable(context.Background())
	if err != nil {
		fatal("wallet_available: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No wallets found")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %-20s %s\n", e.Name, e.Address)
	}
}

func cmdWalletOpen(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("wallet open", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: klingwallet-cli wallet open --name <name>")
	}
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	w, err := client.WalletOpen(context.Background(), *name, string(password))
	if err != nil {
		fatal("wallet_open: %v", err)
	}
	printWallet(*w)
}

func printWallet(w rpc.WalletInfo) {
	state := "idle"
	if w.Busy {
		state = "busy"
	}
	fmt.Printf("  %s  %s\n", w.ID, w.Address)
	fmt.Printf("    Mature:   %s (%d outputs)\n", types.FormatAmount(w.Balance.Mature), w.Balance.MatureUtxoCount)
	fmt.Printf("    Pending:  %s (%d outputs)\n", types.FormatAmount(w.Balance.Pending), w.Balance.PendingUtxoCount)
	fmt.Printf("    Outgoing: %s\n", types.FormatAmount(w.Balance.Outgoing))
	fmt.Printf("    Queue:    %s, %d pending\n", state, w.Pending)
}

// ── actions ─────────────────────────────────────────────────────────────

func cmdSend(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet id")
	toAddr := fs.String("to", "", "Recipient address")
	amountStr := fs.String("amount", "", "Amount to send (e.g. 1.5)")
	all := fs.Bool("all", false, "Send the whole balance")
	estimate := fs.Bool("estimate", false, "Only estimate the transaction masses")
	fs.Parse(args)

	if *walletName == "" || *toAddr == "" || (*amountStr == "" && !*all) {
		fatal("Usage: klingwallet-cli send --wallet <w> --to <addr> --amount <amt> [--all]")
	}
	if !types.IsValidAddress(*toAddr) {
		fatal("invalid recipient address: %s", *toAddr)
	}

	var amount uint64
	if *amountStr != "" {
		var err error
		if amount, err = types.ParseAmount(*amountStr); err != nil {
			fatal("invalid amount: %v", err)
		}
	}
	a := actions.Action{
		Type:     actions.TypeTransferKas,
		Transfer: &actions.Transfer{To: *toAddr, Amount: amount, SendAll: *all},
	}
	if *estimate {
		printEstimate(client, *walletName, a)
		return
	}
	submit(client, *walletName, a)
}

func cmdCompound(client *rpcclient.Client, args []string) {
	submit(client, walletFlag("compound", args), actions.Action{Type: actions.TypeCompoundUtxos})
}

func cmdSignMessage(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("sign-message", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet id")
	message := fs.String("message", "", "Message to sign")
	fs.Parse(args)

	if *walletName == "" || *message == "" {
		fatal("Usage: klingwallet-cli sign-message --wallet <w> --message <text>")
	}
	submit(client, *walletName, actions.Action{
		Type:        actions.TypeSignMessage,
		SignMessage: &actions.SignMessage{Message: *message},
	})
}

func cmdSignTx(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("sign-tx", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet id")
	file := fs.String("file", "", "Partially signed transaction (JSON file)")
	send := fs.Bool("submit", false, "Submit the transaction once signed")
	fs.Parse(args)

	if *walletName == "" || *file == "" {
		fatal("Usage: klingwallet-cli sign-tx --wallet <w> --file <pskt.json> [--submit]")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		fatal("read transaction: %v", err)
	}
	if !json.Valid(data) {
		fatal("%s is not valid JSON", *file)
	}
	submit(client, *walletName, actions.Action{
		Type:         actions.TypeSignExternalTransaction,
		SignExternal: &actions.SignExternal{PSKT: data, Submit: *send},
	})
}

func cmdCommitReveal(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("commit-reveal", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet id")
	protocol := fs.String("protocol", krc20.Protocol, "Envelope protocol")
	payload := fs.String("payload", "", "Operation payload")
	costStr := fs.String("cost", "", "Operation cost paid with the reveal")
	estimate := fs.Bool("estimate", false, "Only estimate the transaction masses")
	fs.Parse(args)

	if *walletName == "" || *payload == "" {
		fatal("Usage: klingwallet-cli commit-reveal --wallet <w> --protocol <p> --payload <json>")
	}
	var cost uint64
	if *costStr != "" {
		var err error
		if cost, err = types.ParseAmount(*costStr); err != nil {
			fatal("invalid cost: %v", err)
		}
	}
	a := actions.Action{
		Type:         actions.TypeCommitReveal,
		CommitReveal: &actions.CommitReveal{Protocol: *protocol, Payload: *payload, OperationCost: cost},
	}
	if *estimate {
		printEstimate(client, *walletName, a)
		return
	}
	submit(client, *walletName, a)
}

func cmdKRC20(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingwallet-cli krc20 <mint|deploy|transfer|list> [flags]")
	}
	fs := flag.NewFlagSet("krc20 "+args[0], flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet id")
	tick := fs.String("tick", "", "Token ticker")
	amountStr := fs.String("amount", "", "Token amount")
	to := fs.String("to", "", "Recipient address")
	maxStr := fs.String("max", "", "Maximum supply")
	limitStr := fs.String("limit", "", "Amount per mint")
	premineStr := fs.String("premine", "0", "Premined amount")
	fs.Parse(args[1:])

	if *walletName == "" || *tick == "" {
		fatal("Usage: klingwallet-cli krc20 %s --wallet <w> --tick <T> ...", args[0])
	}

	var op krc20.Operation
	switch args[0] {
	case "mint":
		op = krc20.Mint(*tick)
	case "deploy":
		op = krc20.Deploy(*tick, parseDecimal("max", *maxStr), parseDecimal("limit", *limitStr), parseDecimal("premine", *premineStr))
	case "transfer":
		if !types.IsValidAddress(*to) {
			fatal("invalid recipient address: %s", *to)
		}
		op = krc20.Transfer(*tick, parseDecimal("amount", *amountStr), *to)
	case "list":
		op = krc20.List(*tick, parseDecimal("amount", *amountStr))
	default:
		fatal("unknown krc20 command: %s", args[0])
	}

	// A listing funds a script built from the wallet key.
	w, err := client.WalletBalance(context.Background(), *walletName)
	if err != nil {
		fatal("wallet_balance: %v", err)
	}
	pub, err := hex.DecodeString(w.PublicKey)
	if err != nil {
		fatal("wallet public key: %v", err)
	}
	a, err := op.Action(pub)
	if err != nil {
		fatal("build operation: %v", err)
	}
	submit(client, *walletName, a)
}

func cmdUnfinished(client *rpcclient.Client, args []string) {
	recs, err := client.Unfinished(context.Background(), walletFlag("unfinished", args))
	if err != nil {
		fatal("wallet_unfinished: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("No unfinished actions")
		return
	}
	for _, r := range recs {
		fmt.Printf("  %s  commit %s\n", r.ActionID, r.CommitTxID)
		fmt.Printf("    %s %s (since %s)\n", r.Operation.Protocol, r.Operation.Payload, r.CreatedAt.Format(time.RFC3339))
	}
}

func cmdResume(client *rpcclient.Client, args []string) {
	results, err := client.Resume(context.Background(), walletFlag("resume", args))
	if err != nil {
		fatal("wallet_resume: %v", err)
	}
	if len(results) == 0 {
		fmt.Println("Nothing to resume")
		return
	}
	for _, r := range results {
		printResult(r)
	}
}

// ── approvals ───────────────────────────────────────────────────────────

func cmdApprovals(client *rpcclient.Client) {
	reqs, err := client.ApprovalList(context.Background())
	if err != nil {
		fatal("approval_list: %v", err)
	}
	if len(reqs) == 0 {
		fmt.Println("No pending approvals")
		return
	}
	for _, r := range reqs {
		fmt.Printf("  %s  %s  %s\n", r.ID, r.WalletID, r.Action.Type)
		if t := r.Action.Transfer; t != nil {
			amount := types.FormatAmount(t.Amount)
			if t.SendAll {
				amount = "all"
			}
			fmt.Printf("    to %s amount %s\n", t.To, amount)
		}
		if cr := r.Action.CommitReveal; cr != nil {
			fmt.Printf("    %s %s cost %s\n", cr.Protocol, cr.Payload, types.FormatAmount(cr.OperationCost))
		}
		if len(r.Masses) > 0 {
			fmt.Printf("    masses %v\n", r.Masses)
		}
	}
}

func cmdApprove(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	id := fs.String("id", "", "Request id")
	feeStr := fs.String("fee", "", "Priority fee (e.g. 0.0001)")
	fs.Parse(args)

	if *id == "" {
		fatal("Usage: klingwallet-cli approve --id <id> [--fee <amt>]")
	}
	var fee uint64
	if *feeStr != "" {
		var err error
		if fee, err = types.ParseAmount(*feeStr); err != nil {
			fatal("invalid fee: %v", err)
		}
	}
	if err := client.Approve(context.Background(), *id, fee); err != nil {
		fatal("approval_approve: %v", err)
	}
	fmt.Printf("Approved: %s\n", *id)
}

func cmdReject(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	id := fs.String("id", "", "Request id")
	fs.Parse(args)

	if *id == "" {
		fatal("Usage: klingwallet-cli reject --id <id>")
	}
	if err := client.Reject(context.Background(), *id); err != nil {
		fatal("approval_reject: %v", err)
	}
	fmt.Printf("Rejected: %s\n", *id)
}

// ── helpers ─────────────────────────────────────────────────────────────

func submit(client *rpcclient.Client, walletID string, a actions.Action) {
	res, err := client.Submit(context.Background(), walletID, a)
	if err != nil {
		fatal("wallet_submit: %v", err)
	}
	printResult(*res)
	if !res.Success {
		os.Exit(1)
	}
}

func printEstimate(client *rpcclient.Client, walletID string, a actions.Action) {
	masses, err := client.Estimate(context.Background(), walletID, a)
	if err != nil {
		fatal("wallet_estimate: %v", err)
	}
	fmt.Printf("Transactions: %d\n", len(masses))
	for i, m := range masses {
		fmt.Printf("  #%d mass %d\n", i+1, m)
	}
}

func printResult(r rpc.ActionResult) {
	if !r.Success {
		fmt.Printf("Failed: %s (%d)\n", r.ErrorCode, r.ErrorCode)
		if r.Error != "" {
			fmt.Printf("  %s\n", r.Error)
		}
		return
	}
	res := r.Result
	if res == nil {
		fmt.Println("Done")
		return
	}
	if sm := res.SignedMessage; sm != nil {
		fmt.Printf("Signature:  %s\n", sm.Signature)
		fmt.Printf("Public key: %s\n", sm.PublicKey)
		return
	}
	if res.CommitTxID != nil {
		fmt.Printf("Commit:  %s\n", res.CommitTxID)
	}
	if res.RevealTxID != nil {
		fmt.Printf("Reveal:  %s\n", res.RevealTxID)
	}
	if res.TransactionID != nil && res.RevealTxID == nil {
		fmt.Printf("Submitted: %s\n", res.TransactionID)
	}
	if len(res.TransactionIDs) > 1 && res.CommitTxID == nil {
		fmt.Printf("  via %d transactions\n", len(res.TransactionIDs))
	}
	if res.Amount > 0 {
		fmt.Printf("Amount:  %s\n", types.FormatAmount(res.Amount))
	}
	if res.Fees > 0 {
		fmt.Printf("Fees:    %s\n", types.FormatAmount(res.Fees))
	}
	if len(res.PSKT) > 0 {
		fmt.Printf("Signed transaction:\n%s\n", res.PSKT)
	}
}

// walletFlag parses a command taking only --wallet.
func walletFlag(name string, args []string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet id")
	fs.Parse(args)
	if *walletName == "" {
		fatal("Usage: klingwallet-cli %s --wallet <w>", name)
	}
	return *walletName
}

func parseDecimal(name, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		fatal("invalid %s: %q", name, s)
	}
	return d
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
