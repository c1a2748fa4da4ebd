package detector

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// FanoutUnknown is the max_accounts_per_ip fact when no count is available.
const FanoutUnknown = -1.0

// FanoutCounter reports how many distinct accounts have used an IP, counting
// accountID itself. Implementations bound their own latency; any error is
// treated as an unknown count.
type FanoutCounter interface {
	AccountsForIP(ctx context.Context, ip, accountID string) (int, error)
}

// NetworkExtractor derives IP and device facts.
type NetworkExtractor struct {
	private []netip.Prefix
	fanout  FanoutCounter
}

// NewNetworkExtractor creates a network extractor. fanout may be nil.
func NewNetworkExtractor(cfg domain.NetworkLimits, fanout FanoutCounter) (*NetworkExtractor, error) {
	prefixes := make([]netip.Prefix, 0, len(cfg.PrivateCIDRs))
	for _, cidr := range cfg.PrivateCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid private cidr %q: %w", cidr, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return &NetworkExtractor{private: prefixes, fanout: fanout}, nil
}

// Extract implements Extractor.
func (e *NetworkExtractor) Extract(ctx context.Context, snap *domain.AccountSnapshot) (rules.Facts, error) {
	n := snap.Network
	if n == nil {
		return nil, ErrUnevaluable
	}

	privateCount := 0
	var public []string
	seen := make(map[string]bool, len(n.IPHistory))
	for _, obs := range n.IPHistory {
		addr, err := netip.ParseAddr(obs.IP)
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		if e.IsPrivate(addr) {
			privateCount++
			continue
		}
		if key := addr.String(); !seen[key] {
			seen[key] = true
			public = append(public, key)
		}
	}

	return rules.Facts{
		"private_ip_count":    float64(privateCount),
		"max_accounts_per_ip": e.maxFanout(ctx, snap.AccountID, n.IPAccountCounts, public),
		"distinct_devices":    float64(DistinctDevices(n.LoginHistory)),
	}, nil
}

// IsPrivate reports whether addr falls in one of the configured ranges.
func (e *NetworkExtractor) IsPrivate(addr netip.Addr) bool {
	for _, p := range e.private {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// maxFanout takes caller-supplied counts first and falls back to the index
// for public IPs the caller did not count.
func (e *NetworkExtractor) maxFanout(ctx context.Context, accountID string, precomputed map[string]int, public []string) float64 {
	best := FanoutUnknown
	for _, c := range precomputed {
		if float64(c) > best {
			best = float64(c)
		}
	}

	if e.fanout == nil || accountID == "" {
		return best
	}

	for _, ip := range public {
		if _, ok := precomputed[ip]; ok {
			continue
		}
		c, err := e.fanout.AccountsForIP(ctx, ip, accountID)
		if err != nil {
			slog.Warn("fan-out lookup degraded to unknown",
				"account_id", accountID,
				"ip", ip,
				"error", err,
			)
			continue
		}
		if float64(c) > best {
			best = float64(c)
		}
	}
	return best
}

// DistinctDevices counts the distinct non-empty device fingerprints.
func DistinctDevices(logins []domain.LoginEvent) int {
	devices := make(map[string]struct{}, len(logins))
	for _, l := range logins {
		if l.DeviceFingerprint != "" {
			devices[l.DeviceFingerprint] = struct{}{}
		}
	}
	return len(devices)
}
