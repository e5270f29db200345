// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command stund runs a minimal STUN server answering binding requests
// with the sender's reflexive address, over UDP, TCP, or both.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/stun"
)

// attrXORMappedAddress is the RFC 5389 XOR-MAPPED-ADDRESS attribute type.
const attrXORMappedAddress = 0x0020

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "stund",
		Short:         "STUN binding server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetDefault("listen", ":3478")
			v.SetDefault("transports", []string{"udp"})
			v.SetDefault("log.level", "info")
			v.SetEnvPrefix("STUND")
			v.AutomaticEnv()
			if cfgPath != "" {
				v.SetConfigFile(cfgPath)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return run(cmd.Context(), v)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (yaml|toml)")
	cmd.Flags().String("listen", ":3478", "bind address")
	cmd.Flags().StringSlice("transports", []string{"udp"}, "transports to serve (udp, tcp)")
	cmd.Flags().String("log.level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	logger, err := buildLogger(v.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := v.GetString("listen")
	g, ctx := errgroup.WithContext(ctx)
	for _, transport := range v.GetStringSlice("transports") {
		switch transport {
		case "udp":
			server := stun.NewUDPServer(addr, bindingHandler{logger: logger},
				stun.WithServerLogger(logger))
			g.Go(func() error { return server.Serve(ctx) })
		case "tcp":
			factory := stun.HandlerFactoryFunc(func() stun.Handler {
				return bindingHandler{logger: logger}
			})
			server := stun.NewTCPServer(addr, factory,
				stun.WithServerLogger(logger))
			g.Go(func() error { return server.Serve(ctx) })
		default:
			return fmt.Errorf("unknown transport %q", transport)
		}
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// bindingHandler answers binding requests with an XOR-MAPPED-ADDRESS
// attribute reflecting the sender, and rejects everything else.
type bindingHandler struct {
	stun.DefaultHandler
	logger *zap.Logger
}

func (h bindingHandler) HandleCall(peer netip.AddrPort, req *stun.Message) stun.Action[*stun.Message] {
	if req.Method != stun.MethodBinding {
		h.logger.Debug("unsupported method",
			zap.Stringer("peer", peer), zap.Stringer("method", req.Method))
		return stun.Reply(stun.NewErrorResponse(req))
	}
	return stun.Reply(stun.NewSuccessResponse(req, stun.Attribute{
		Type:  attrXORMappedAddress,
		Value: xorMappedAddress(peer, req.TransactionID),
	}))
}

func (h bindingHandler) HandleInvalid(peer netip.AddrPort, msg *stun.InvalidMessage) stun.Action[*stun.Message] {
	h.logger.Debug("invalid message", zap.Stringer("peer", peer), zap.Error(msg.Cause))
	return stun.NoReply[*stun.Message]()
}

func (h bindingHandler) HandleTransportError(err error) {
	h.logger.Warn("transport error", zap.Error(err))
}

// xorMappedAddress encodes peer per RFC 5389 §15.2: the port is XORed
// with the top half of the magic cookie, the address with the cookie
// (and the transaction ID for IPv6).
func xorMappedAddress(peer netip.AddrPort, id stun.TransactionID) []byte {
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], stun.MagicCookie)

	addr := peer.Addr().Unmap()
	family := byte(0x01)
	raw := addr.AsSlice()
	if addr.Is6() {
		family = 0x02
	}

	out := make([]byte, 4+len(raw))
	out[1] = family
	binary.BigEndian.PutUint16(out[2:4], peer.Port()^uint16(stun.MagicCookie>>16))
	xor := append(append([]byte{}, cookie[:]...), id[:]...)
	for i, b := range raw {
		out[4+i] = b ^ xor[i]
	}
	return out
}
