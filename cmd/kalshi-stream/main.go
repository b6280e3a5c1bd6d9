// cmd/kalshi-stream/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/internal/app"
	"github.com/YaganovValera/kalshi-stream/internal/config"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/auth"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kalshi-stream",
		Short:         "Kalshi market data streaming client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStream,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to dotenv file")
	config.RegisterFlags(root.Flags())

	run := &cobra.Command{
		Use:   "run",
		Short: "Connect, subscribe and stream market data",
		RunE:  runStream,
	}
	config.RegisterFlags(run.Flags())

	root.AddCommand(run, newSignCmd())
	return root
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.Options{Path: cfgFile, EnvFile: envFile, Flags: cmd.Flags()})
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting kalshi-stream",
		zap.String("version", cfg.ServiceVersion),
		zap.String("ws_url", cfg.WSURL),
		zap.Strings("channels", cfg.Channels),
		zap.String("market_ticker", cfg.MarketTicker),
	)
	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("application exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func newSignCmd() *cobra.Command {
	var method, path string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a signed request for the configured key (handshake by default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.Options{Path: cfgFile, EnvFile: envFile})
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner(cfg.Credentials(), auth.WithSaltProfile(cfg.SaltProfile()))
			if err != nil {
				return err
			}
			req, err := signer.SignRequest(auth.Timestamp(time.Now()), method, path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderAccessKey, signer.KeyID())
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderAccessTimestamp, req.TimestampMs)
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderAccessSignature, req.Signature)
			fmt.Fprintf(out, "message: %s\n", req.Message())
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", auth.HandshakeMethod, "HTTP method to sign")
	cmd.Flags().StringVar(&path, "path", auth.HandshakePath, "request path to sign")
	return cmd
}
