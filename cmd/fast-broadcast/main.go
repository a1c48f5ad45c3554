// Command fast-broadcast is a small harness for exercising a Streaming
// Client against a fast-broadcastd server: "subscribe" prints every
// message received, "ping" issues one liveness probe and exits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TritonDataCenter/node-fast-messages/broadcast"
	"github.com/TritonDataCenter/node-fast-messages/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "fast-broadcast",
		Short: "Streaming client harness for fast-broadcastd",
	}
	root.PersistentFlags().String("host", "127.0.0.1", "server host")
	root.PersistentFlags().Int("port", 7331, "server port")
	root.PersistentFlags().String("client-id", "", "subscription client_id (required)")
	root.PersistentFlags().String("log-level", "info", "debug|info|warn|error|fatal")

	root.AddCommand(newSubscribeCmd())
	root.AddCommand(newPingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClientFromFlags(cmd *cobra.Command) (*broadcast.Client, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	if cfg.ClientID == "" {
		return nil, nil, fmt.Errorf("fast-broadcast: --client-id is required")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.ResolveLevel()}))
	c := broadcast.NewClient(broadcast.ClientConfig{
		ClientID: cfg.ClientID,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Log:      log,
	})
	return c, log, nil
}

func newSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "Connect, start streaming, and print every message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, log, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range client.Events() {
					switch ev.Kind {
					case broadcast.KindConnect:
						log.Info("connected")
						client.Start()
					case broadcast.KindStart:
						log.Info("streaming")
					case broadcast.KindMessage:
						b, _ := json.Marshal(ev.Message)
						fmt.Println(string(b))
					case broadcast.KindStateChanged:
						log.Debug("state", "state", ev.State)
					case broadcast.KindClose:
						return
					}
				}
			}()

			client.Connect()
			<-ctx.Done()
			client.Close()
			<-done
			return nil
		},
	}
}

func newPingCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect and issue one liveness probe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, log, err := newClientFromFlags(cmd)
			if err != nil {
				return err
			}

			connected := make(chan struct{})
			go func() {
				for ev := range client.Events() {
					if ev.Kind == broadcast.KindConnect {
						close(connected)
						return
					}
				}
			}()

			client.Connect()
			select {
			case <-connected:
			case <-time.After(timeout):
				client.Close()
				return fmt.Errorf("fast-broadcast: timed out waiting to connect")
			}

			result := make(chan error, 1)
			client.Ping(func(err error) { result <- err })

			err = <-result
			client.Close()
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			log.Info("ping ok")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "time to wait for the initial connection")
	return cmd
}
