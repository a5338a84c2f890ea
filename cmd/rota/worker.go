package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/rota/internal/client"
	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/log"
)

// workerModes are the built-in job handlers a CLI worker can run.
var workerModes = map[string]func(id string) client.HandlerFunc{
	"echo": func(string) client.HandlerFunc {
		return func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		}
	},
	"stamp": func(id string) client.HandlerFunc {
		return func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]any{
				"worker_id":  id,
				"handled_at": time.Now().UTC().Format(time.RFC3339Nano),
				"payload":    payload,
			})
		}
	},
}

func modeNames() []string {
	names := make([]string, 0, len(workerModes))
	for n := range workerModes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newWorkerRunCmd(opts *rootOptions) *cobra.Command {
	var (
		addr         string
		id           string
		capabilities []string
		mode         string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Go on duty and serve jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			newHandler, ok := workerModes[mode]
			if !ok {
				return fmt.Errorf("unknown mode %q (choose from %s)", mode, strings.Join(modeNames(), ", "))
			}
			if id == "" {
				host, _ := os.Hostname()
				id = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			if addr == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				addr = cfg.Transport.Listen
				log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := client.DialWorker(ctx, addr, id, capabilities)
			if err != nil {
				return err
			}
			defer w.Close()

			err = w.Serve(ctx, newHandler(id))
			if errors.Is(err, endpoint.ErrClosed) {
				return fmt.Errorf("dispatcher closed the connection")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "dispatcher address (default: transport.listen from config)")
	cmd.Flags().StringVar(&id, "id", "", "worker id (default: <hostname>-<pid>)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability this worker offers (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", "echo", "job handler: "+strings.Join(modeNames(), ", "))
	return cmd
}
