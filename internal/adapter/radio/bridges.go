package radio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Bridge is an access-point bridge daemon found on the local network.
type Bridge struct {
	Name     string
	URL      string
	Capacity int
	Firmware string
}

// BrowseBridges browses mDNS for bridge daemons until timeout elapses.
func BrowseBridges(ctx context.Context, service, domainName string, timeout time.Duration, logger *slog.Logger) ([]Bridge, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	seen := make(map[string]Bridge)
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			b, ok := entryToBridge(entry)
			if !ok {
				continue
			}
			mu.Lock()
			seen[b.URL] = b
			mu.Unlock()
			logger.Debug("bridge discovered", "name", b.Name, "url", b.URL, "capacity", b.Capacity)
		}
	}()

	if err := resolver.Browse(scanCtx, service, domainName, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make([]Bridge, 0, len(seen))
	for _, b := range seen {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Bridge) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func entryToBridge(entry *zeroconf.ServiceEntry) (Bridge, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Bridge{}, false
	}

	txt := parseTXTRecords(entry.Text)
	path := txt["path"]
	if path == "" {
		path = "/"
	}
	b := Bridge{
		Name:     entry.Instance,
		URL:      "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path,
		Firmware: txt["firmware"],
	}
	if n, err := strconv.Atoi(txt["capacity"]); err == nil && n > 0 {
		b.Capacity = n
	}
	return b, true
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
