package inverter

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_modbus._tcp"

// Discover browses mDNS for an inverter advertising Modbus TCP and returns
// its "host:port" address. Used when no static address is configured.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, mdnsService, "local.", entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("%w: no inverter found via mdns", ErrUnreachable)
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			return fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port), nil
		case <-ctx.Done():
			return "", fmt.Errorf("%w: mdns discovery timed out", ErrUnreachable)
		}
	}
}
