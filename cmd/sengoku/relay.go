package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/discovery"
	"github.com/masarabi/sengoku-map/internal/relay"
	"github.com/masarabi/sengoku-map/internal/transport/redisbus"
)

const shutdownTimeout = 10 * time.Second

func newRelayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a websocket relay that forwards room traffic between peers",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return a.runRelay(c.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8090", "listen address")
	flags.Bool("announce", false, "advertise the relay over mDNS")
	flags.String("instance", "", "mDNS instance name (default sengoku-<hostname>)")
	flags.Bool("bridge", false, "share rooms with other relays through redis.url")
	mustBind(a.v, "relay.addr", flags.Lookup("addr"))
	mustBind(a.v, "relay.announce", flags.Lookup("announce"))
	mustBind(a.v, "relay.instance", flags.Lookup("instance"))
	mustBind(a.v, "relay.bridge", flags.Lookup("bridge"))
	return cmd
}

func (a *app) runRelay(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []relay.Option{relay.WithLogger(a.logger)}
	if a.cfg.Relay.Bridge {
		client, err := redisbus.NewClient(ctx, a.cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, relay.WithRedis(client))
		a.logger.Info("Bridging rooms through Redis")
	}
	srv := relay.NewServer(opts...)

	ln, err := net.Listen("tcp", a.cfg.Relay.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Relay.Addr, err)
	}

	if a.cfg.Relay.Announce {
		port := ln.Addr().(*net.TCPAddr).Port
		ann, err := discovery.Announce(a.cfg.Relay.Instance, port, a.logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer ann.Close()
	}

	server := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("Relay listening", zap.String("addr", ln.Addr().String()))
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		srv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down relay")
	// Websockets are hijacked and invisible to Shutdown; drop them first.
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Shutdown error", zap.Error(err))
	}
	return nil
}
