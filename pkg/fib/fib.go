// Package fib builds and diffs the forwarding information base: the set of
// WireGuard peers and routes that should exist on this host given the local
// node's config and the watched node table.
package fib

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// Peer is a desired WireGuard peer on a specific interface. It is a plain
// comparable struct on purpose: equality and hashing are exactly
// Go's struct equality and its use as a map key, which is what the
// builder/differ need to compute install/uninstall sets.
type Peer struct {
	WGDev      string
	Outbound   bool
	Pubkey     string
	Endpoint   string
	AllowedIPs string // canonical sorted, comma-joined CIDR set
	Keepalive  int
	ListenPort int    // only meaningful when Outbound
	PrvkeyPath string // only meaningful when Outbound
}

// Route is a desired kernel route for one prefix. Nexthops is comma-joined
// in the order the builder assembled them (ECMP merge order is stable, not
// sorted) so that two routes differing only in nexthop order are NOT equal:
// reordering is itself a change that must be re-applied.
type Route struct {
	Prefix   string
	Nexthops string

	// RemovedImplicitly marks a route the differ determined was dropped by
	// the kernel as a side effect of an interface deletion, rather than
	// because the route itself is no longer desired. It participates in
	// equality so the differ can force such a route through remove+add even
	// though its Prefix/Nexthops are unchanged.
	RemovedImplicitly bool
}

// FIB is the full desired (or currently-installed) state: a peer set and a
// route set, each keyed by value so membership tests are plain map lookups.
type FIB struct {
	Peers  map[Peer]struct{}
	Routes map[Route]struct{}
}

// Empty returns a FIB with no peers and no routes, the state shutdown
// diffs against to uninstall everything.
func Empty() *FIB {
	return &FIB{Peers: map[Peer]struct{}{}, Routes: map[Route]struct{}{}}
}

// outboundIfacePrefix is prepended to the interface-name digest. 3 + 6 = 9
// characters, well under Linux's IFNAMSIZ-1 (15) limit.
const outboundIfacePrefix = "wg-"

// OutboundIfaceName derives a per-peer interface name from a remote node's
// public key. Truncating the key itself would collide for keys sharing a
// prefix; hashing the full key makes a collision between distinct keys
// negligible.
func OutboundIfaceName(pubkey string) string {
	sum := sha1.Sum([]byte(pubkey))
	return outboundIfacePrefix + hex.EncodeToString(sum[:])[:6]
}

func canonicalCSV(set map[string]struct{}) string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
