// Command fast-broadcastd runs the event broadcast Subscription Server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TritonDataCenter/node-fast-messages/broadcast"
	"github.com/TritonDataCenter/node-fast-messages/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "fast-broadcastd",
		Short: "Run the fast-broadcast subscription server",
		RunE:  run,
	}
	root.Flags().String("host", "127.0.0.1", "host to listen on")
	root.Flags().Int("port", 7331, "port to listen on")
	root.Flags().String("server-id", "", "server identity stamped on outbound events; random if unset")
	root.Flags().String("log-level", "info", "debug|info|warn|error|fatal")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.ResolveLevel()}))
	slog.SetDefault(log)

	srv := broadcast.NewServer(broadcast.ServerConfig{ServerID: cfg.ServerID, Log: log})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	bound, err := srv.Listen(addr)
	if err != nil {
		return fmt.Errorf("fast-broadcastd: listen: %w", err)
	}
	log.Info("fast-broadcastd: up", "addr", bound, "server_id", srv.ServerID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("fast-broadcastd: shutting down")
	return srv.Close(func() {
		log.Info("fast-broadcastd: stopped")
	})
}
