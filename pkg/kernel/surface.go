// Package kernel implements the typed kernel action surface: the small set
// of operations the reconciler is allowed to perform against the host's
// network stack. Each method performs one kernel action through netlink or
// wgctrl (a link lookup, or one delete per address for IfaceAddrFlush,
// may precede it).
package kernel

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"pault.ag/go/modprobe"

	"github.com/amesh-project/amesh/pkg/context"
)

// Surface is the kernel action surface. Every method is expected to be
// idempotent-ish from the caller's perspective: a failure is logged and
// swallowed by the caller, and the next
// reconciliation will simply reissue the same action if the desired state
// still calls for it.
type Surface interface {
	IfaceCreate(ctx context.Context, name string) error
	IfaceDelete(ctx context.Context, name string) error
	IfaceSetUp(ctx context.Context, name string) error
	IfaceSetMaster(ctx context.Context, name, vrf string) error
	IfaceAddrAdd(ctx context.Context, name, cidr string) error
	IfaceAddrFlush(ctx context.Context, name string) error

	WgSetDevice(ctx context.Context, name, privateKeyPath string, listenPort int) error
	WgSetPeer(ctx context.Context, name, pubkey, endpoint, allowedIPs string, keepalive int) error
	WgRemovePeer(ctx context.Context, name, pubkey string) error

	RouteAdd(ctx context.Context, prefix string, nexthops []string) error
	RouteDel(ctx context.Context, prefix string) error
}

// netlinkWireguard is the production Surface: real netlink link/addr/route
// operations plus a real wgctrl client for WireGuard device configuration.
type netlinkWireguard struct {
	wg *wgctrl.Client
}

// New returns a production kernel Surface. It attempts to load the
// wireguard kernel module first; a failure here is not fatal, since the
// kernel may already carry the module built in, or a userspace
// implementation may provide the device type.
func New(ctx context.Context) (Surface, error) {
	log := context.LoggerFrom(ctx)
	if err := modprobe.Load("wireguard", ""); err != nil {
		log.Warn("modprobe wireguard failed, continuing in case the module is already loaded",
			slog.String("error", err.Error()))
	}
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("new wgctrl client: %w", err)
	}
	return &netlinkWireguard{wg: client}, nil
}

func (k *netlinkWireguard) IfaceCreate(ctx context.Context, name string) error {
	link := &netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("iface_create %s: %w", name, err)
	}
	return nil
}

func (k *netlinkWireguard) IfaceDelete(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("iface_delete %s: lookup: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("iface_delete %s: %w", name, err)
	}
	return nil
}

func (k *netlinkWireguard) IfaceSetUp(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("iface_set_up %s: lookup: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("iface_set_up %s: %w", name, err)
	}
	return nil
}

func (k *netlinkWireguard) IfaceSetMaster(ctx context.Context, name, vrf string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("iface_set_master %s: lookup: %w", name, err)
	}
	master, err := netlink.LinkByName(vrf)
	if err != nil {
		return fmt.Errorf("iface_set_master %s: lookup vrf %s: %w", name, vrf, err)
	}
	if err := netlink.LinkSetMaster(link, master); err != nil {
		return fmt.Errorf("iface_set_master %s -> %s: %w", name, vrf, err)
	}
	return nil
}

func (k *netlinkWireguard) IfaceAddrAdd(ctx context.Context, name, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("iface_addr_add %s: lookup: %w", name, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("iface_addr_add %s: parse %s: %w", name, cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("iface_addr_add %s %s: %w", name, cidr, err)
	}
	return nil
}

func (k *netlinkWireguard) IfaceAddrFlush(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("iface_addr_flush %s: lookup: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("iface_addr_flush %s: list: %w", name, err)
	}
	for _, addr := range addrs {
		if err := netlink.AddrDel(link, &addr); err != nil {
			return fmt.Errorf("iface_addr_flush %s: del %s: %w", name, addr.IPNet, err)
		}
	}
	return nil
}

func (k *netlinkWireguard) WgSetDevice(ctx context.Context, name, privateKeyPath string, listenPort int) error {
	key, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return fmt.Errorf("wg_set_device %s: %w", name, err)
	}
	cfg := wgtypes.Config{
		PrivateKey: &key,
		ListenPort: &listenPort,
	}
	if err := k.wg.ConfigureDevice(name, cfg); err != nil {
		return fmt.Errorf("wg_set_device %s: %w", name, err)
	}
	return nil
}

func (k *netlinkWireguard) WgSetPeer(ctx context.Context, name, pubkey, endpoint, allowedIPsCSV string, keepalive int) error {
	key, err := wgtypes.ParseKey(pubkey)
	if err != nil {
		return fmt.Errorf("wg_set_peer %s: parse pubkey: %w", name, err)
	}
	peerCfg := wgtypes.PeerConfig{
		PublicKey:         key,
		ReplaceAllowedIPs: true,
	}
	if endpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return fmt.Errorf("wg_set_peer %s: resolve endpoint %s: %w", name, endpoint, err)
		}
		peerCfg.Endpoint = addr
	}
	peerCfg.AllowedIPs = parseAllowedIPs(allowedIPsCSV)
	if keepalive > 0 {
		d := secondsToDuration(keepalive)
		peerCfg.PersistentKeepaliveInterval = &d
	}
	err = k.wg.ConfigureDevice(name, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{peerCfg},
	})
	if err != nil {
		return fmt.Errorf("wg_set_peer %s %s: %w", name, pubkey, err)
	}
	return nil
}

func (k *netlinkWireguard) WgRemovePeer(ctx context.Context, name, pubkey string) error {
	key, err := wgtypes.ParseKey(pubkey)
	if err != nil {
		return fmt.Errorf("wg_remove_peer %s: parse pubkey: %w", name, err)
	}
	err = k.wg.ConfigureDevice(name, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
	})
	if err != nil {
		return fmt.Errorf("wg_remove_peer %s %s: %w", name, pubkey, err)
	}
	return nil
}

// RouteAdd installs prefix with one nexthop per device. A single nexthop is
// a plain route; more than one becomes a genuine ECMP entry via a single
// multipath RouteReplace, so the kernel holds all paths at once rather than
// the last writer winning.
func (k *netlinkWireguard) RouteAdd(ctx context.Context, prefix string, nexthops []string) error {
	_, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return fmt.Errorf("route_add %s: parse prefix: %w", prefix, err)
	}

	if len(nexthops) == 1 {
		link, err := netlink.LinkByName(nexthops[0])
		if err != nil {
			return fmt.Errorf("route_add %s via %s: lookup: %w", prefix, nexthops[0], err)
		}
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipnet}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("route_add %s via %s: %w", prefix, nexthops[0], err)
		}
		return nil
	}

	paths := make([]*netlink.NexthopInfo, 0, len(nexthops))
	for _, dev := range nexthops {
		link, err := netlink.LinkByName(dev)
		if err != nil {
			return fmt.Errorf("route_add %s via %s: lookup: %w", prefix, dev, err)
		}
		paths = append(paths, &netlink.NexthopInfo{LinkIndex: link.Attrs().Index})
	}
	route := &netlink.Route{Dst: ipnet, MultiPath: paths}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("route_add %s via %v: %w", prefix, nexthops, err)
	}
	return nil
}

func (k *netlinkWireguard) RouteDel(ctx context.Context, prefix string) error {
	_, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return fmt.Errorf("route_del %s: parse prefix: %w", prefix, err)
	}
	route := &netlink.Route{Dst: ipnet}
	if err := netlink.RouteDel(route); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("route_del %s: %w", prefix, err)
	}
	return nil
}

func parseAllowedIPs(csv string) []net.IPNet {
	var out []net.IPNet
	for _, p := range splitNonEmpty(csv) {
		_, ipnet, err := net.ParseCIDR(p)
		if err != nil {
			continue
		}
		out = append(out, *ipnet)
	}
	return out
}

func splitNonEmpty(csv string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func isNotFound(err error) bool {
	_, ok := err.(netlink.LinkNotFoundError)
	return ok
}
