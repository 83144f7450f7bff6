package fib

import (
	"log/slog"

	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/kernel"
	"github.com/amesh-project/amesh/pkg/portalloc"
)

// Reconcile drives the host from old to new via k in a fixed five-step
// order: remove peers, mark implicitly-dropped routes, remove routes, add
// peers, add routes. Peers go before routes on both sides so a route never
// points at a vanishing or not-yet-existing nexthop. Every kernel action
// failure is logged and swallowed: the next reconciliation reissues
// whatever is still outstanding, since old will simply still not match new.
//
// Reconcile returns the FIB that reflects what it attempted to install --
// always new, since failures are swallowed rather than propagated. Callers
// store the return value as the current FIB regardless of individual action
// failures.
func Reconcile(ctx context.Context, old, new *FIB, k kernel.Surface, ports *portalloc.Allocator) *FIB {
	log := context.LoggerFrom(ctx)

	// Step 1: remove peers in old \ new.
	removedOutboundDevs := make(map[string]struct{})
	for p := range old.Peers {
		if _, stillWanted := new.Peers[p]; stillWanted {
			continue
		}
		if p.Outbound {
			ports.Release(p.Pubkey)
			removedOutboundDevs[p.WGDev] = struct{}{}
		}
		if err := p.Uninstall(ctx, k); err != nil {
			log.Error("uninstall peer", slog.String("pubkey", p.Pubkey), slog.String("error", err.Error()))
		}
	}

	// Step 2: find routes in new whose nexthops intersect a device we just
	// deleted. The kernel already dropped these from under us; they must be
	// re-added in step 5 rather than left alone because old==new by value.
	implicitlyGone := make(map[Route]struct{})
	for r := range new.Routes {
		for _, dev := range r.NexthopDevs() {
			if _, justDeleted := removedOutboundDevs[dev]; justDeleted {
				marked := r
				marked.RemovedImplicitly = true
				implicitlyGone[marked] = struct{}{}
				break
			}
		}
	}

	// Step 3: remove routes in old \ new, except ones the kernel already
	// dropped implicitly in step 1.
	for r := range old.Routes {
		if _, stillWanted := new.Routes[r]; stillWanted {
			continue
		}
		if routeNexthopsIntersect(r, removedOutboundDevs) {
			continue
		}
		if err := r.Uninstall(ctx, k); err != nil {
			log.Error("uninstall route", slog.String("prefix", r.Prefix), slog.String("error", err.Error()))
		}
	}

	// Step 4: add peers in new \ old.
	for p := range new.Peers {
		if _, alreadyThere := old.Peers[p]; alreadyThere {
			continue
		}
		if err := p.Install(ctx, k); err != nil {
			log.Error("install peer", slog.String("pubkey", p.Pubkey), slog.String("error", err.Error()))
			continue
		}
		if p.Outbound && p.AllowedIPs != "" {
			probeFirstAllowedIP(log, p)
		}
	}

	// Step 5: add routes in new \ old, plus anything marked implicitly gone
	// in step 2.
	added := make(map[Route]struct{})
	for r := range new.Routes {
		if _, alreadyThere := old.Routes[r]; alreadyThere {
			continue
		}
		added[r] = struct{}{}
	}
	for r := range implicitlyGone {
		plain := r
		plain.RemovedImplicitly = false
		added[plain] = struct{}{}
	}
	for r := range added {
		if err := r.Install(ctx, k); err != nil {
			log.Error("install route", slog.String("prefix", r.Prefix), slog.String("error", err.Error()))
		}
	}

	return new
}

func routeNexthopsIntersect(r Route, devs map[string]struct{}) bool {
	for _, dev := range r.NexthopDevs() {
		if _, ok := devs[dev]; ok {
			return true
		}
	}
	return false
}
