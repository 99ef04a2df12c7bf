// Package discovery advertises and finds sync servers on the local network
// over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_collabtext._tcp"
	domain         = "local."
)

// ErrNoServer is returned by Find when nothing answered before ctx expired.
var ErrNoServer = errors.New("no sync server found")

// Advertise registers a service instance on port until shutdown is called.
// An empty instance name is derived from the hostname.
func Advertise(instance, service string, port int, meta []string) (shutdown func(), err error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", "CollabText", host)
	}
	server, err := zeroconf.Register(instance, service, domain, port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// Find browses for service and returns the host:port of the first instance
// that reports an address.
func Find(ctx context.Context, service string) (string, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("browse for mDNS services: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNoServer
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoServer
			}
			if addr := address(entry); addr != "" {
				return addr, nil
			}
		}
	}
}

func address(entry *zeroconf.ServiceEntry) string {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
}
