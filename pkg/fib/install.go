package fib

import (
	"fmt"
	"strings"

	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/kernel"
)

// Install issues the kernel actions that bring p into existence: for an
// outbound peer, create and bring up its dedicated
// interface, configure the device's private key and listen port, then set
// the peer; for an inbound peer, just set it on the shared interface.
func (p Peer) Install(ctx context.Context, k kernel.Surface) error {
	if p.Outbound {
		if err := k.IfaceCreate(ctx, p.WGDev); err != nil {
			return fmt.Errorf("install peer %s: %w", p.Pubkey, err)
		}
		if err := k.IfaceSetUp(ctx, p.WGDev); err != nil {
			return fmt.Errorf("install peer %s: %w", p.Pubkey, err)
		}
		if err := k.WgSetDevice(ctx, p.WGDev, p.PrvkeyPath, p.ListenPort); err != nil {
			return fmt.Errorf("install peer %s: %w", p.Pubkey, err)
		}
	}
	if err := k.WgSetPeer(ctx, p.WGDev, p.Pubkey, p.Endpoint, p.AllowedIPs, p.Keepalive); err != nil {
		return fmt.Errorf("install peer %s: %w", p.Pubkey, err)
	}
	return nil
}

// Uninstall issues the kernel actions that remove p: drop the peer from
// the device, and for an outbound peer, delete its dedicated
// interface too (which implicitly drops any route whose only nexthop was
// that interface).
func (p Peer) Uninstall(ctx context.Context, k kernel.Surface) error {
	if err := k.WgRemovePeer(ctx, p.WGDev, p.Pubkey); err != nil {
		return fmt.Errorf("uninstall peer %s: %w", p.Pubkey, err)
	}
	if p.Outbound {
		if err := k.IfaceDelete(ctx, p.WGDev); err != nil {
			return fmt.Errorf("uninstall peer %s: %w", p.Pubkey, err)
		}
	}
	return nil
}

// NexthopDevs splits the comma-joined Nexthops field back into its ordered
// device list.
func (r Route) NexthopDevs() []string {
	if r.Nexthops == "" {
		return nil
	}
	return strings.Split(r.Nexthops, ",")
}

// Install adds r via the kernel surface.
func (r Route) Install(ctx context.Context, k kernel.Surface) error {
	if err := k.RouteAdd(ctx, r.Prefix, r.NexthopDevs()); err != nil {
		return fmt.Errorf("install route %s: %w", r.Prefix, err)
	}
	return nil
}

// Uninstall removes r via the kernel surface.
func (r Route) Uninstall(ctx context.Context, k kernel.Surface) error {
	if err := k.RouteDel(ctx, r.Prefix); err != nil {
		return fmt.Errorf("uninstall route %s: %w", r.Prefix, err)
	}
	return nil
}
