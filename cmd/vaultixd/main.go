package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wheval/Vaultix/config"
	"github.com/wheval/Vaultix/core/events"
	"github.com/wheval/Vaultix/core/state"
	"github.com/wheval/Vaultix/crypto"
	"github.com/wheval/Vaultix/native/escrow"
	"github.com/wheval/Vaultix/observability/logging"
	"github.com/wheval/Vaultix/rpc"
	"github.com/wheval/Vaultix/storage"
)

const rpcTokenEnv = "VAULTIX_RPC_TOKEN"

// genesisMarkerKey records that genesis balances were already applied so a
// restart never double-credits accounts.
var genesisMarkerKey = []byte("genesis/applied")

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	rpcAddrFlag := flag.String("rpc-addr", "", "Listen address for the JSON-RPC server (overrides config)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VAULTIX_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.SetupWithOptions("vaultixd", env, logging.Options{
		RotateFile: cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	rpcAddr := cfg.RPCAddress
	if trimmed := strings.TrimSpace(*rpcAddrFlag); trimmed != "" {
		rpcAddr = trimmed
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := applyGenesis(db, manager, cfg, logger); err != nil {
		logger.Error("Failed to apply genesis balances", slog.Any("error", err))
		os.Exit(1)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	emitter := events.NewMemoryEmitter(4096)
	engine.SetEmitter(emitter)

	server := rpc.NewServer(engine, manager, emitter, rpc.ServerOptions{
		AuthToken:   os.Getenv(rpcTokenEnv),
		NetworkName: cfg.NetworkName,
		Logger:      logger,
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- server.Start(rpcAddr)
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(rpcAddr, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("vaultixd initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", rpcAddr),
	)

	if err, ok := <-rpcErrCh; ok && err != nil {
		logger.Error("RPC server terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

// applyGenesis seeds the configured balances exactly once per data directory.
func applyGenesis(db storage.Database, manager *state.Manager, cfg *config.Config, logger *slog.Logger) error {
	applied, err := db.Has(genesisMarkerKey)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	for i, entry := range cfg.GenesisAccounts {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(entry.Address))
		if err != nil {
			return fmt.Errorf("genesis account %d: %w", i, err)
		}
		token, err := escrow.NormalizeToken(entry.Token)
		if err != nil {
			return fmt.Errorf("genesis account %d: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(entry.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("genesis account %d: invalid balance %q", i, entry.Balance)
		}
		account, err := manager.GetAccount(addr.Bytes())
		if err != nil {
			return fmt.Errorf("genesis account %d: %w", i, err)
		}
		account.SetBalance(token, balance)
		if err := manager.PutAccount(addr.Bytes(), account); err != nil {
			return fmt.Errorf("genesis account %d: %w", i, err)
		}
		logger.Info("seeded genesis balance",
			slog.String("address", entry.Address),
			slog.String("token", token),
			slog.String("balance", balance.String()),
		)
	}
	return db.Put(genesisMarkerKey, []byte{1})
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
