// Package discovery advertises hubs on the local network over mDNS and
// finds them from agents.
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
	"github.com/rs/zerolog"
)

const (
	Service = "_collabtext._tcp"
	Domain  = "local."
)

// Hub is an advertised hub.
type Hub struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     []string
}

// URL is the hub's websocket endpoint.
func (h Hub) URL() string {
	host := strings.TrimSuffix(h.Host, ".")
	if len(h.Addrs) > 0 {
		host = h.Addrs[0].String()
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(h.Port)) + "/ws"
}

// Advertiser keeps a hub registered until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a hub listening on port.
func Advertise(port int, text []string, log zerolog.Logger) (*Advertiser, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s", "CollabText", host)
	server, err := zeroconf.Register(instance, Service, Domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	log.Info().Str("service", Service).Str("instance", instance).Int("port", port).Msg("mDNS service registered")
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Browse collects hubs answering until ctx is done.
func Browse(ctx context.Context, log zerolog.Logger) ([]Hub, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browsing for mDNS services: %w", err)
	}
	seen := make(map[string]Hub)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return sortHubs(seen), nil
			}
			h := fromEntry(entry)
			log.Debug().Str("instance", h.Instance).Str("url", h.URL()).Msg("mDNS discovered hub")
			seen[h.Instance] = h
		case <-ctx.Done():
			return sortHubs(seen), nil
		}
	}
}

func sortHubs(seen map[string]Hub) []Hub {
	out := make([]Hub, 0, len(seen))
	for _, h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// First browses until a hub answers or ctx is done.
func First(ctx context.Context, log zerolog.Logger) (Hub, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Hub{}, fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return Hub{}, fmt.Errorf("browsing for mDNS services: %w", err)
	}
	select {
	case entry, ok := <-entries:
		if !ok {
			return Hub{}, fmt.Errorf("no hub found: %w", ctx.Err())
		}
		h := fromEntry(entry)
		log.Info().Str("instance", h.Instance).Str("url", h.URL()).Msg("mDNS discovered hub")
		return h, nil
	case <-ctx.Done():
		return Hub{}, fmt.Errorf("no hub found: %w", ctx.Err())
	}
}

func fromEntry(e *zeroconf.ServiceEntry) Hub {
	return Hub{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Addrs:    append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...),
		Text:     e.Text,
	}
}
