package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ccbox/ccbox-relay/internal/logging"
	"github.com/ccbox/ccbox-relay/internal/relay"
	"github.com/ccbox/ccbox-relay/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagPort    int
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:     "ccbox-relay",
	Short:   "ccbox relay server",
	Long:    `Relay server brokering authenticated control channels between ccbox orchestrators and client sessions.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ccbox-relay %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage trusted client devices",
}

var devicesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a trusted client device",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device-id")
		publicKeyB64, _ := cmd.Flags().GetString("public-key-b64")
		label, _ := cmd.Flags().GetString("label")

		if _, err := relay.DecodePublicKey(publicKeyB64); err != nil {
			return fmt.Errorf("invalid --public-key-b64: %w", err)
		}

		var labelPtr *string
		if label != "" {
			labelPtr = &label
		}
		paths := store.NewPaths(flagDataDir)
		err := store.UpsertTrustedDevice(paths, store.TrustedDevice{
			DeviceID:     deviceID,
			PublicKeyB64: publicKeyB64,
			CreatedAt:    store.NowISO(),
			LastSeenAt:   nil,
			Revoked:      false,
			Label:        labelPtr,
		})
		if err != nil {
			return err
		}
		fmt.Printf("added trusted device %s\n", deviceID)
		return nil
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Manage pairing codes",
}

var pairCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a pairing code for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		guid, _ := cmd.Flags().GetString("guid")
		ttlSeconds, _ := cmd.Flags().GetInt64("ttl-seconds")

		paths := store.NewPaths(flagDataDir)
		existing, err := store.LoadPairing(paths, guid)
		if err != nil {
			return err
		}
		if existing != nil {
			if store.IsPairingActive(*existing, time.Now().UTC()) {
				return fmt.Errorf("%s", store.PairCodeAlreadyActive)
			}
			if err := store.DeletePairing(paths, guid); err != nil {
				return err
			}
		}

		result, err := store.EnsurePairing(paths, guid, ttlSeconds, store.PairingAttempts)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", guid, result.Record.CodeBase32)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0, "listen port (overrides RELAY_PORT)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "./data", "store directory")

	devicesAddCmd.Flags().String("device-id", "", "device UUID")
	devicesAddCmd.Flags().String("public-key-b64", "", "base64 Ed25519 public key")
	devicesAddCmd.Flags().String("label", "", "optional device label")
	_ = devicesAddCmd.MarkFlagRequired("device-id")
	_ = devicesAddCmd.MarkFlagRequired("public-key-b64")

	pairCreateCmd.Flags().String("guid", "", "tenant GUID")
	pairCreateCmd.Flags().Int64("ttl-seconds", 120, "pairing code TTL in seconds")
	_ = pairCreateCmd.MarkFlagRequired("guid")

	devicesCmd.AddCommand(devicesAddCmd)
	pairCmd.AddCommand(pairCreateCmd)
	rootCmd.AddCommand(serveCmd, devicesCmd, pairCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := relay.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagDataDir != "./data" {
		cfg.DataDir = flagDataDir
	}

	logger := logging.Init(logging.Config{
		Format:    "auto",
		Level:     cfg.LogLevel,
		Component: "relay",
	})
	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting ccbox relay")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(cfg, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}
