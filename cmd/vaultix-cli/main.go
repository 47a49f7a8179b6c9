package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wheval/Vaultix/crypto"
	"github.com/wheval/Vaultix/rpc"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("VAULTIX_RPC_TOKEN")
var networkName = defaultNetworkName()

func defaultRPCEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("VAULTIX_RPC_URL")); url != "" {
		return url
	}
	return "http://localhost:8645"
}

func defaultNetworkName() string {
	if name := strings.TrimSpace(os.Getenv("VAULTIX_NETWORK")); name != "" {
		return name
	}
	return "vaultix-local"
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-key":
		file := "wallet.key"
		if len(args) > 1 {
			file = args[1]
		}
		generateKey(file)
	case "balance":
		if len(args) < 3 {
			fmt.Println("Error: Please provide an address and a token symbol.")
			printUsage()
			return
		}
		getBalance(args[1], args[2])
	case "escrow":
		code := runEscrowCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
	case "events":
		limit := 0
		if len(args) > 1 {
			parsed, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Println("Error: Invalid limit.")
				return
			}
			limit = parsed
		}
		listEvents(limit)
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
	}
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--rpc":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--rpc requires a URL")
			}
			i++
			rpcEndpoint = args[i]
		case strings.HasPrefix(args[i], "--rpc="):
			rpcEndpoint = strings.TrimPrefix(args[i], "--rpc=")
		case args[i] == "--network":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--network requires a name")
			}
			i++
			networkName = args[i]
		case strings.HasPrefix(args[i], "--network="):
			networkName = strings.TrimPrefix(args[i], "--network=")
		default:
			out = append(out, args[i])
		}
	}
	return out, nil
}

func printUsage() {
	fmt.Println(`Usage: vaultix-cli [--rpc <url>] [--network <name>] <command> [args]

Commands:
  generate-key [file]                                Create a key and save it (default wallet.key)
  balance <address> <token>                          Query a ledger balance
  escrow create <id> <recipient> <token> <milestones> <keyfile>
                                                     Create an escrow; milestones as amount[:description],...
  escrow release <id> <index> <keyfile>              Release one milestone to the recipient
  escrow confirm <id> <index> <keyfile>              Confirm delivery of one milestone
  escrow cancel <id> <keyfile>                       Cancel before any release and refund the depositor
  escrow complete <id> <keyfile>                     Close out a fully released escrow
  escrow get <id>                                    Fetch an escrow record
  events [limit]                                     List recent escrow events`)
}

func generateKey(file string) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating key: %v\n", err)
		return
	}
	encoded := hex.EncodeToString(key.Bytes())
	if err := os.WriteFile(file, []byte(encoded), 0o600); err != nil {
		fmt.Printf("Error saving key: %v\n", err)
		return
	}
	fmt.Printf("New key saved to %s\n", file)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
}

func loadKey(file string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file is not hex: %w", err)
	}
	return crypto.PrivateKeyFromBytes(decoded)
}

func runEscrowCommand(args []string, stdout, stderr *os.File) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Error: escrow subcommand required.")
		printUsage()
		return 1
	}
	sub := args[0]
	rest := args[1:]
	var err error
	switch sub {
	case "create":
		err = escrowCreate(rest, stdout)
	case "release":
		err = escrowSignedIndexCall(rest, "escrow_release", stdout)
	case "confirm":
		err = escrowConfirm(rest, stdout)
	case "cancel":
		err = escrowSignedCall(rest, "escrow_cancel", stdout)
	case "complete":
		err = escrowSignedCall(rest, "escrow_complete", stdout)
	case "get":
		err = escrowGet(rest, stdout)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", sub)
		printUsage()
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type milestoneSpec struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

// parseMilestoneSpecs parses "amount[:description]" entries separated by
// commas, e.g. "5000:design,5000:delivery".
func parseMilestoneSpecs(raw string) ([]milestoneSpec, error) {
	parts := strings.Split(raw, ",")
	out := make([]milestoneSpec, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		amountStr, description, _ := strings.Cut(part, ":")
		amount, ok := new(big.Int).SetString(strings.TrimSpace(amountStr), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("invalid milestone amount %q", amountStr)
		}
		out = append(out, milestoneSpec{Amount: amount.String(), Description: strings.TrimSpace(description)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one milestone is required")
	}
	return out, nil
}

func escrowCreate(args []string, stdout *os.File) error {
	if len(args) < 5 {
		return fmt.Errorf("usage: escrow create <id> <recipient> <token> <milestones> <keyfile>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid escrow id: %w", err)
	}
	recipient := strings.TrimSpace(args[1])
	token := strings.TrimSpace(args[2])
	specs, err := parseMilestoneSpecs(args[3])
	if err != nil {
		return err
	}
	key, err := loadKey(args[4])
	if err != nil {
		return err
	}
	milestonesJSON, err := json.Marshal(specs)
	if err != nil {
		return err
	}
	depositor := key.PubKey().Address().String()
	digest := rpc.CreateDigest(networkName, id, depositor, recipient, token, milestonesJSON)
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	return call("escrow_create", map[string]interface{}{
		"id":         id,
		"depositor":  depositor,
		"recipient":  recipient,
		"token":      token,
		"milestones": json.RawMessage(milestonesJSON),
		"signature":  hex.EncodeToString(sig),
	}, stdout)
}

func escrowSignedIndexCall(args []string, method string, stdout *os.File) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: escrow release <id> <index> <keyfile>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid escrow id: %w", err)
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid milestone index: %w", err)
	}
	key, err := loadKey(args[2])
	if err != nil {
		return err
	}
	sig, err := key.Sign(rpc.ReleaseDigest(networkName, id, index))
	if err != nil {
		return err
	}
	return call(method, map[string]interface{}{
		"id":             id,
		"milestoneIndex": index,
		"signature":      hex.EncodeToString(sig),
	}, stdout)
}

func escrowConfirm(args []string, stdout *os.File) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: escrow confirm <id> <index> <keyfile>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid escrow id: %w", err)
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid milestone index: %w", err)
	}
	key, err := loadKey(args[2])
	if err != nil {
		return err
	}
	buyer := key.PubKey().Address().String()
	sig, err := key.Sign(rpc.ConfirmDigest(networkName, id, index, buyer))
	if err != nil {
		return err
	}
	return call("escrow_confirm", map[string]interface{}{
		"id":             id,
		"milestoneIndex": index,
		"buyer":          buyer,
		"signature":      hex.EncodeToString(sig),
	}, stdout)
}

func escrowSignedCall(args []string, method string, stdout *os.File) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: escrow %s <id> <keyfile>", strings.TrimPrefix(method, "escrow_"))
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid escrow id: %w", err)
	}
	key, err := loadKey(args[1])
	if err != nil {
		return err
	}
	var digest []byte
	if method == "escrow_cancel" {
		digest = rpc.CancelDigest(networkName, id)
	} else {
		digest = rpc.CompleteDigest(networkName, id)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	return call(method, map[string]interface{}{
		"id":        id,
		"signature": hex.EncodeToString(sig),
	}, stdout)
}

func escrowGet(args []string, stdout *os.File) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: escrow get <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid escrow id: %w", err)
	}
	return call("escrow_get", map[string]interface{}{"id": id}, stdout)
}

func getBalance(address, token string) {
	if err := call("bank_getBalance", map[string]interface{}{
		"address": strings.TrimSpace(address),
		"token":   strings.TrimSpace(token),
	}, os.Stdout); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func listEvents(limit int) {
	params := map[string]interface{}{}
	if limit > 0 {
		params["limit"] = limit
	}
	if err := call("escrow_listEvents", params, os.Stdout); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func call(method string, params interface{}, stdout *os.File) error {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if rpcAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int             `json:"code"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if parsed.Error != nil {
		if len(parsed.Error.Data) > 0 {
			return fmt.Errorf("%s (code %d): %s", parsed.Error.Message, parsed.Error.Code, parsed.Error.Data)
		}
		return fmt.Errorf("%s (code %d)", parsed.Error.Message, parsed.Error.Code)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, parsed.Result, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(parsed.Result))
		return nil
	}
	fmt.Fprintln(stdout, pretty.String())
	return nil
}
