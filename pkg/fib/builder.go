package fib

import (
	"sort"

	"github.com/amesh-project/amesh/pkg/node"
	"github.com/amesh-project/amesh/pkg/portalloc"
)

// BuildOptions carries the local configuration the builder needs beyond
// self_node and node_table: the shared inbound interface name and the
// private key used to configure any outbound per-peer interface this host
// creates. Neither is a directory field -- Node carries no local-only
// config -- so they travel separately.
type BuildOptions struct {
	InboundDevice  string
	PrivateKeyPath string
}

// Build computes the desired FIB from the local node and the watched node
// table. The table never contains self's own entry (the watcher filters
// self-keyed events before Build ever sees it), so Build performs no
// self-exclusion.
//
// Iteration over table is in sorted node_id order rather than Go's
// randomized map order, so the same (self, table) pair always yields the
// exact same FIB, including the nexthop order of any merged ECMP route.
func Build(self *node.Node, table node.Table, ports *portalloc.Allocator, opts BuildOptions) *FIB {
	fib := Empty()
	routeNexthops := make(map[string][]string)

	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := table[id]
		if !n.HasPubkey() {
			continue
		}
		if !node.InGroup(self.Groups, n.Groups) {
			continue
		}
		if !self.HasEndpoint() && !n.HasEndpoint() {
			continue
		}

		nexthop := opts.InboundDevice

		if n.HasEndpoint() {
			outboundDev := OutboundIfaceName(n.Pubkey)
			port := ports.Acquire(n.Pubkey)
			fib.Peers[Peer{
				WGDev:      outboundDev,
				Outbound:   true,
				Pubkey:     n.Pubkey,
				Endpoint:   n.Endpoint,
				AllowedIPs: canonicalCSV(n.AllowedIPs),
				Keepalive:  n.Keepalive,
				ListenPort: port,
				PrvkeyPath: opts.PrivateKeyPath,
			}] = struct{}{}
			nexthop = outboundDev
		}

		if self.HasEndpoint() {
			fib.Peers[Peer{
				WGDev:      opts.InboundDevice,
				Outbound:   false,
				Pubkey:     n.Pubkey,
				Endpoint:   n.Endpoint,
				AllowedIPs: canonicalCSV(n.AllowedIPs),
				Keepalive:  n.Keepalive,
			}] = struct{}{}
		}

		for prefix := range n.AllowedIPs {
			devs := routeNexthops[prefix]
			if !containsString(devs, nexthop) {
				devs = append(devs, nexthop)
			}
			routeNexthops[prefix] = devs
		}
	}

	for prefix, devs := range routeNexthops {
		fib.Routes[Route{Prefix: prefix, Nexthops: joinCSV(devs)}] = struct{}{}
	}

	return fib
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func joinCSV(list []string) string {
	out := ""
	for i, v := range list {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
