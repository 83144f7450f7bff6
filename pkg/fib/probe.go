package fib

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-ping/ping"
)

// probeFirstAllowedIP fires a best-effort, fire-and-forget ICMP probe at the
// first address of a freshly-installed outbound peer's allowed_ips, logged
// at debug only. It never affects the reconciliation outcome; the ping is
// purely an operator-visible connectivity signal.
func probeFirstAllowedIP(log *slog.Logger, p Peer) {
	first := strings.SplitN(p.AllowedIPs, ",", 2)[0]
	host, _, err := net.ParseCIDR(first)
	if err != nil {
		return
	}

	go func() {
		pinger, err := ping.NewPinger(host.String())
		if err != nil {
			return
		}
		pinger.Count = 1
		pinger.Timeout = 2 * time.Second
		pinger.SetPrivileged(true)
		if err := pinger.Run(); err != nil {
			log.Debug("peer connectivity probe failed", slog.String("pubkey", p.Pubkey), slog.String("addr", host.String()), slog.String("error", err.Error()))
			return
		}
		stats := pinger.Statistics()
		log.Debug("peer connectivity probe",
			slog.String("pubkey", p.Pubkey),
			slog.String("addr", host.String()),
			slog.Int("recv", stats.PacketsRecv),
		)
	}()
}
