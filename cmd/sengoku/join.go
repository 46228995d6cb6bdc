package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/config"
	"github.com/masarabi/sengoku-map/internal/discovery"
	"github.com/masarabi/sengoku-map/internal/presence"
	"github.com/masarabi/sengoku-map/internal/relay"
	"github.com/masarabi/sengoku-map/internal/room"
	"github.com/masarabi/sengoku-map/internal/session"
	"github.com/masarabi/sengoku-map/internal/transport"
	"github.com/masarabi/sengoku-map/internal/transport/redisbus"
)

var errNoRelay = errors.New("no relay found; pass an address with a host or set peer.relay")

func newJoinCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [address]",
		Short: "Open a room and edit it from the console",
		Long: `Join the room named by the fragment of address, e.g.
sengoku://relay.local:8090/#gunroom-1a2b3c. Without a fragment a new room is
created and its address printed for sharing. Without a host the relay comes
from peer.relay or, failing that, from the local network.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 1 {
				raw = args[0]
			}
			return a.runJoin(c.Context(), raw, os.Stdin, c.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("name", "", "display name (random by default)")
	flags.String("transport", config.TransportRelay, "relay or redis")
	flags.String("relay", "", "relay base address, e.g. ws://10.0.0.5:8090")
	mustBind(a.v, "peer.name", flags.Lookup("name"))
	mustBind(a.v, "peer.transport", flags.Lookup("transport"))
	mustBind(a.v, "peer.relay", flags.Lookup("relay"))
	return cmd
}

func (a *app) runJoin(ctx context.Context, raw string, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr, err := room.ParseAddress(raw)
	if err != nil {
		return err
	}

	dial, base, closeDial, err := a.dialer(ctx, raw)
	if err != nil {
		return err
	}
	defer closeDial()

	identity := presence.NewIdentity(nil)
	if a.cfg.Peer.Name != "" {
		identity.Name = a.cfg.Peer.Name
	}

	s, err := session.Open(ctx, session.Options{
		Address:     addr,
		Identity:    identity,
		Dial:        dial,
		Logger:      a.logger,
		PresenceTTL: a.cfg.Peer.PresenceTTL,
		Heartbeat:   a.cfg.Peer.Heartbeat,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	share := shareAddress(base, s.Room)
	fmt.Fprintf(out, "joined %s as %s\ninvite: %s\ntype help for commands\n", s.Room, s.Me.Name, share)

	con := &console{s: s, out: out, address: share}
	done := make(chan error, 1)
	go func() { done <- con.run(in) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

// dialer picks the transport named by peer.transport. base is the relay the
// peer talks to, empty for Redis.
func (a *app) dialer(ctx context.Context, raw string) (dial session.DialFunc, base string, closeFn func(), err error) {
	switch a.cfg.Peer.Transport {
	case config.TransportRedis:
		client, err := redisbus.NewClient(ctx, a.cfg.Redis.URL)
		if err != nil {
			return nil, "", nil, err
		}
		dial = func(ctx context.Context, roomID, peerID string) (transport.Transport, error) {
			bus, err := redisbus.Open(ctx, client, roomID, peerID, redisbus.WithLogger(a.logger))
			if err != nil {
				return nil, err
			}
			return bus, nil
		}
		return dial, "", func() { _ = client.Close() }, nil

	default:
		base, err := a.relayBase(ctx, raw)
		if err != nil {
			return nil, "", nil, err
		}
		a.logger.Debug("Using relay", zap.String("relay", base))
		dial = func(_ context.Context, roomID, peerID string) (transport.Transport, error) {
			c, err := relay.Dial(base, roomID, peerID, relay.WithClientLogger(a.logger))
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		return dial, base, func() {}, nil
	}
}

// relayBase prefers the host of the joined address, then peer.relay, then
// the first relay answering on the local network.
func (a *app) relayBase(ctx context.Context, raw string) (string, error) {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String(), nil
	}
	if a.cfg.Peer.Relay != "" {
		return a.cfg.Peer.Relay, nil
	}

	browseCtx, cancel := context.WithTimeout(ctx, a.cfg.Peer.DiscoveryTimeout)
	defer cancel()
	relays, err := discovery.Browse(browseCtx, a.logger)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", errNoRelay
	}
	a.logger.Info("Found relay on the local network",
		zap.String("instance", relays[0].Instance), zap.String("url", relays[0].URL()))
	return relays[0].URL(), nil
}

// shareAddress renders the invitation for roomID on the relay at base.
func shareAddress(base, roomID string) string {
	u := &url.URL{Scheme: "sengoku", Path: "/", Fragment: roomID}
	if b, err := url.Parse(base); err == nil && b.Host != "" {
		u.Host = b.Host
	}
	return u.String()
}
