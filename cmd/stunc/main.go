// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command stunc issues one STUN binding request and prints the
// response, mainly for poking at stund.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/stun"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		useTCP  bool
		timeout time.Duration
		verbose bool
	)

	cmd := &cobra.Command{
		Use:           "stunc <server host:port>",
		Short:         "one-shot STUN binding client",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				var err error
				if logger, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return call(ctx, args[0], useTCP, logger)
		},
	}

	cmd.Flags().BoolVar(&useTCP, "tcp", false, "use TCP instead of UDP")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log transaction progress")
	return cmd
}

func call(ctx context.Context, server string, useTCP bool, logger *zap.Logger) error {
	peer, err := netip.ParseAddrPort(server)
	if err != nil {
		return fmt.Errorf("server address: %w", err)
	}

	var client *stun.Client
	if useTCP {
		client, err = stun.DialTCP(ctx, server, stun.WithDialLogger(logger))
	} else {
		client, err = stun.DialUDP(stun.WithDialLogger(logger))
	}
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(ctx, peer, stun.NewRequest(stun.MethodBinding))
	if err != nil {
		return err
	}

	fmt.Printf("%s from %s\n", resp, server)
	for _, attr := range resp.Attributes {
		fmt.Printf("  attribute 0x%04x: %d bytes\n", attr.Type, len(attr.Value))
	}
	return nil
}
