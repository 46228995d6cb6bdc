// Package discovery advertises relays on the local network over mDNS and
// finds them, so peers on one LAN can meet without typing an address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// Service is the DNS-SD service type relays register under.
	Service = "_sengoku._tcp"
	Domain  = "local."

	txtVersion = "v=1"
)

// Relay is one relay found on the network.
type Relay struct {
	Instance string
	Host     string
	Port     int
}

// URL is the websocket base address of the relay.
func (r Relay) URL() string {
	return "ws://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Announcement is a live mDNS registration.
type Announcement struct {
	server *zeroconf.Server
	logger *zap.Logger
}

// Announce registers a relay listening on port. An empty instance name
// defaults to "sengoku-<hostname>".
func Announce(instance string, port int, logger *zap.Logger) (*Announcement, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = "sengoku-" + host
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{txtVersion}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("Relay announced on the local network",
		zap.String("instance", instance), zap.String("service", Service), zap.Int("port", port))
	return &Announcement{server: server, logger: logger}, nil
}

// Close withdraws the registration.
func (a *Announcement) Close() {
	a.server.Shutdown()
	a.logger.Debug("Relay announcement withdrawn")
}

// Browse collects the relays that answer until ctx is done. Give ctx a
// deadline; mDNS has no end-of-results signal.
func Browse(ctx context.Context, logger *zap.Logger) ([]Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]Relay)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			var entry *zeroconf.ServiceEntry
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				entry = e
			}
			if entry == nil {
				continue
			}
			r, ok := relayFromEntry(entry)
			if !ok {
				logger.Debug("Ignoring mdns entry", zap.String("instance", entry.Instance))
				continue
			}
			if _, seen := found[r.Instance]; !seen {
				logger.Info("Discovered relay", zap.String("instance", r.Instance), zap.String("url", r.URL()))
			}
			found[r.Instance] = r
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}
	<-ctx.Done()
	<-collected

	out := make([]Relay, 0, len(found))
	for _, r := range found {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// relayFromEntry keeps entries registered by a compatible relay with a
// usable address. IPv4 is preferred.
func relayFromEntry(e *zeroconf.ServiceEntry) (Relay, bool) {
	if e == nil || e.Port <= 0 {
		return Relay{}, false
	}
	compatible := false
	for _, txt := range e.Text {
		if strings.EqualFold(txt, txtVersion) {
			compatible = true
		}
	}
	if !compatible {
		return Relay{}, false
	}

	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Relay{}, false
	}
	return Relay{Instance: e.Instance, Host: host, Port: e.Port}, true
}
