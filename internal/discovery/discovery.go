// Package discovery advertises a relay on the local network over mDNS and
// lets agents find one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabnote._tcp"
	Domain  = "local."
)

// ErrNotFound is returned by First when no relay answered in time.
var ErrNotFound = errors.New("discovery: no relay found")

// Advertise registers instance on port. The returned func withdraws it.
func Advertise(instance string, port int, txt []string) (func(), error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// Entry is one advertised relay.
type Entry struct {
	Instance string
	Addrs    []net.IP
	Port     int
	Text     []string
}

// URL is the relay's websocket base URL.
func (e Entry) URL() string {
	host := "localhost"
	if len(e.Addrs) > 0 {
		host = e.Addrs[0].String()
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}

func fromService(se *zeroconf.ServiceEntry) Entry {
	addrs := append([]net.IP(nil), se.AddrIPv4...)
	addrs = append(addrs, se.AddrIPv6...)
	return Entry{Instance: se.Instance, Addrs: addrs, Port: se.Port, Text: se.Text}
}

// Browse collects relays until ctx is done.
func Browse(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := browse(ctx, func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// First returns the first relay that answers before ctx is done.
func First(ctx context.Context) (Entry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var found *Entry
	err := browse(ctx, func(e Entry) bool {
		found = &e
		cancel()
		return false
	})
	if found != nil {
		return *found, nil
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{}, ErrNotFound
}

func browse(ctx context.Context, fn func(Entry) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return fmt.Errorf("browse mDNS services: %w", err)
	}
	more := true
	for entry := range entries {
		if more {
			more = fn(fromService(entry))
		}
	}
	return nil
}
