// Package node implements the mesh member descriptor: a value type for one
// node's identity, reachability, tunneled prefixes and group membership,
// with a total, idempotent Update and a codec-friendly Serialize.
package node

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
)

// none is the literal sentinel the directory uses to mean "field unset".
// It is a codec-boundary concern: outside this package an unset field is
// the empty string (or an empty set), never this literal.
const none = "None"

// Node is one mesh member.
//
// Zero value is a valid, empty node (Present=false, no pubkey).
type Node struct {
	Pubkey     string
	Endpoint   string // "" means absent
	AllowedIPs map[string]struct{}
	Keepalive  int
	Groups     map[string]struct{}

	// Present becomes true the first time any field is observed with a
	// non-"None" value, and false again once pubkey is explicitly cleared
	// (Update("pubkey", "None") or Update("pubkey", "")) -- a node without
	// a pubkey is not installable, so losing it is this type's definition
	// of "gone". The FIB builder does not read Present; it decides
	// installability with HasPubkey.
	Present bool
}

// New returns an empty, not-yet-present Node.
func New() *Node {
	return &Node{
		AllowedIPs: make(map[string]struct{}),
		Groups:     make(map[string]struct{}),
	}
}

// HasPubkey reports whether the node has a usable identity. A node
// without a pubkey is not installable.
func (n *Node) HasPubkey() bool {
	return n.Pubkey != ""
}

// HasEndpoint reports whether the node is reachable from outside; an
// endpoint is what makes a node a server.
func (n *Node) HasEndpoint() bool {
	return n.Endpoint != ""
}

func splitCSVSet(value string) map[string]struct{} {
	out := make(map[string]struct{})
	value = strings.TrimSpace(value)
	if value == "" {
		return out
	}
	for _, part := range strings.Split(strings.ReplaceAll(value, " ", ""), ",") {
		if part == "" {
			continue
		}
		out[part] = struct{}{}
	}
	return out
}

// splitCIDRSet parses a CSV of CIDRs, canonicalizing each member to its
// network prefix (10.1.0.5/24 -> 10.1.0.0/24) so that two sets differing
// only in host bits compare equal. A member that does not parse as a CIDR
// is kept verbatim; Update stays total and the kernel surface skips what it
// cannot parse.
func splitCIDRSet(value string) map[string]struct{} {
	out := make(map[string]struct{})
	for part := range splitCSVSet(value) {
		if _, ipnet, err := net.ParseCIDR(part); err == nil {
			part = ipnet.String()
		}
		out[part] = struct{}{}
	}
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// sortedKeys returns the set's members sorted, for deterministic
// serialization and formatting.
func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Update parses value according to key's type and writes it into the node
// iff it differs from the current value, returning whether an observable
// change occurred. Update is total: it never panics on any string input
// from the directory, and a parse failure logs and leaves the node
// unchanged (changed=false), so a bad PUT keeps the old value.
func (n *Node) Update(log *slog.Logger, key, value string) (changed bool) {
	if log == nil {
		log = slog.Default()
	}
	if value == none {
		// "None" clears the field the same way an empty string does for
		// set-typed fields, and the zero value for scalars.
		value = ""
	}

	switch key {
	case "pubkey":
		if n.Pubkey != value {
			n.Pubkey = value
			changed = true
		}
	case "endpoint":
		if n.Endpoint != value {
			n.Endpoint = value
			changed = true
		}
	case "allowed_ips":
		ips := splitCIDRSet(value)
		if !setsEqual(n.AllowedIPs, ips) {
			n.AllowedIPs = ips
			changed = true
		}
	case "keepalive":
		if value == "" {
			if n.Keepalive != 0 {
				n.Keepalive = 0
				changed = true
			}
			break
		}
		ka, err := strconv.Atoi(value)
		if err != nil || ka < 0 {
			log.Error("parse node field", slog.String("key", key), slog.String("value", value), slog.String("error", "invalid keepalive"))
			return false
		}
		if n.Keepalive != ka {
			n.Keepalive = ka
			changed = true
		}
	case "groups":
		groups := splitCSVSet(value)
		if !setsEqual(n.Groups, groups) {
			n.Groups = groups
			changed = true
		}
	default:
		log.Debug("ignoring unknown directory key", slog.String("key", key))
		return false
	}

	if changed {
		if key == "pubkey" && n.Pubkey == "" {
			n.Present = false
		} else if value != "" {
			n.Present = true
		}
	}
	return changed
}

// Serialize emits every field, including absent ones as the literal "None"
// or empty sets as empty strings, so that a delete can be expressed as a
// put. The returned map is keyed by field name only (not the
// full directory key); directorycodec.Flatten adds the prefix/node_id.
func (n *Node) Serialize() map[string]string {
	out := map[string]string{
		"pubkey":      none,
		"endpoint":    none,
		"allowed_ips": strings.Join(sortedKeys(n.AllowedIPs), ","),
		"keepalive":   strconv.Itoa(n.Keepalive),
		"groups":      strings.Join(sortedKeys(n.Groups), ","),
	}
	if n.Pubkey != "" {
		out["pubkey"] = n.Pubkey
	}
	if n.Endpoint != "" {
		out["endpoint"] = n.Endpoint
	}
	return out
}

// Format renders the node for administrative output (amesh-control get).
func (n *Node) Format(indent int) string {
	pad := strings.Repeat(" ", indent)
	lines := []string{
		fmt.Sprintf("pubkey:      %s", orNone(n.Pubkey)),
		fmt.Sprintf("endpoint:    %s", orNone(n.Endpoint)),
		fmt.Sprintf("allowed_ips: %s", strings.Join(sortedKeys(n.AllowedIPs), ", ")),
		fmt.Sprintf("keepalive:   %d", n.Keepalive),
		fmt.Sprintf("groups:      %s", strings.Join(sortedKeys(n.Groups), ", ")),
	}
	for i, l := range lines {
		lines[i] = pad + l
	}
	return strings.Join(lines, "\n")
}

func orNone(s string) string {
	if s == "" {
		return none
	}
	return s
}

// InGroup reports whether self and node should be peered: "any" is a
// wildcard on either side, otherwise the group sets must intersect.
// Symmetric in self/node by construction.
func InGroup(selfGroups, nodeGroups map[string]struct{}) bool {
	if _, ok := selfGroups["any"]; ok {
		return true
	}
	if _, ok := nodeGroups["any"]; ok {
		return true
	}
	for g := range selfGroups {
		if _, ok := nodeGroups[g]; ok {
			return true
		}
	}
	return false
}

// Table maps node_id to Node. It is mutated only by the watcher goroutine
// and recreated wholesale whenever the watcher resynchronizes.
type Table map[string]*Node

// Clone returns a shallow copy of the table: each Node pointer is shared
// with t, so an in-place Update of a node is visible through both tables.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
