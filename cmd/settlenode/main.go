// settlenode runs an L2 settlement node: admission API, batch production,
// L1 settlement through the configured anchor and finality tracking.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/config"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "settlenode",
		Short: "L2 rollup settlement node",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(newRunCmd(), newConfigCmd(), newKeygenCmd(), newTransferCmd(), newVersionCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var (
		configID string
		logLevel string
		debug    string
		rpcAddr  string
		dataDir  string
	)
	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start the settlement node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfig(configID)
			if err != nil {
				return fmt.Errorf("failed to read config %s: %w", configID, err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if debug != "" {
				cfg.Log.Modules = debug
			}
			if rpcAddr != "" {
				cfg.RPC.Addr = rpcAddr
			}
			if dataDir != "" {
				cfg.State.DataDir = dataDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := log.InitLoggerWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.JSON); err != nil {
				return err
			}
			log.EnableModules(cfg.Log.Modules)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			n, err := newNode(ctx, cfg)
			if err != nil {
				return err
			}
			if err := n.start(ctx); err != nil {
				n.stop()
				return err
			}
			log.Info(log.Engine, "settlenode ready", "version", Version, "commit", Commit, "config", configID, "rpc", n.server.Addr())

			select {
			case <-ctx.Done():
			case <-n.engine.Done():
				log.Error(log.Engine, "Settlement engine halted")
			}
			fmt.Printf("\nShutting down settlenode...\n")
			n.stop()
			return nil
		},
	}
	runCmd.Flags().StringVarP(&configID, "config", "c", "dev", "Config preset ("+strings.Join(config.Presets(), ", ")+") or YAML file")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (trace, debug, info, warn, error)")
	runCmd.Flags().StringVar(&debug, "debug", "", "Debug modules to enable (comma separated, or all)")
	runCmd.Flags().StringVar(&rpcAddr, "rpc", "", "Override RPC listen address")
	runCmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Override snapshot data directory")
	return runCmd
}

func newConfigCmd() *cobra.Command {
	var configID string
	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfig(configID)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	configCmd.Flags().StringVarP(&configID, "config", "c", "dev", "Config preset or YAML file")
	return configCmd
}

func newKeygenCmd() *cobra.Command {
	var dev int
	var keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key, or print a deterministic dev account",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if dev >= 0 {
				addr, key := common.DevAccount(dev)
				fmt.Fprintf(out, "address: %s\nprivate_key: %s\n", addr.Hex(), common.PrivateKeyHex(key))
				return nil
			}
			key, err := common.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "address: %s\nprivate_key: %s\n", common.PubkeyToAddress(key.PublicKey).Hex(), common.PrivateKeyHex(key))
			return nil
		},
	}
	keygenCmd.Flags().IntVar(&dev, "dev", -1, "Print dev account n instead of a fresh key")
	return keygenCmd
}

func newTransferCmd() *cobra.Command {
	var (
		rpcURL   string
		keyHex   string
		to       string
		amount   uint64
		nonce    uint64
		gasLimit uint64
		gasPrice uint64
	)
	var transferCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Sign a native transfer and submit it to a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := common.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
			if err != nil {
				return fmt.Errorf("invalid key: %w", err)
			}
			recipient, err := config.ParseAddress(to)
			if err != nil {
				return err
			}
			tx := types.NewTransfer(common.PubkeyToAddress(key.PublicKey), recipient, amount, nonce, gasLimit, gasPrice)
			if err := tx.Sign(key); err != nil {
				return err
			}
			body, err := json.Marshal(tx)
			if err != nil {
				return err
			}
			resp, err := http.Post(strings.TrimSuffix(rpcURL, "/")+"/v1/tx", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			reply, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("submit failed (%s): %s", resp.Status, strings.TrimSpace(string(reply)))
			}
			fmt.Fprint(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}
	transferCmd.Flags().StringVar(&rpcURL, "rpc", "http://127.0.0.1:8645", "Node RPC URL")
	transferCmd.Flags().StringVar(&keyHex, "key", "", "Sender private key (hex)")
	transferCmd.Flags().StringVar(&to, "to", "", "Recipient address or dev:<n>")
	transferCmd.Flags().Uint64Var(&amount, "amount", 0, "Amount in the smallest unit")
	transferCmd.Flags().Uint64Var(&nonce, "nonce", 1, "Sender nonce")
	transferCmd.Flags().Uint64Var(&gasLimit, "gas-limit", 100_000, "Gas limit")
	transferCmd.Flags().Uint64Var(&gasPrice, "gas-price", 1, "Gas price")
	transferCmd.MarkFlagRequired("key")
	transferCmd.MarkFlagRequired("to")
	return transferCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "settlenode %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
