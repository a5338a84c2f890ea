package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/rota/internal/client"
)

func newJobSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		addr       string
		capability string
		payload    string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one job and print the worker's result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if capability == "" {
				return fmt.Errorf("--capability is required")
			}
			body, err := readPayload(payload, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if addr == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				addr = cfg.Transport.Listen
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			r, err := client.DialRequester(ctx, addr)
			if err != nil {
				return err
			}
			defer r.Close()

			result, err := r.Submit(ctx, capability, body)
			if err != nil {
				return fmt.Errorf("job failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "dispatcher address (default: transport.listen from config)")
	cmd.Flags().StringVar(&capability, "capability", "", "capability the job needs")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload, @file to read a file, or - for stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func readPayload(spec string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case spec == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(spec, "@"):
		data, err = os.ReadFile(strings.TrimPrefix(spec, "@"))
	default:
		data = []byte(spec)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}
