package fib_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amesh-project/amesh/pkg/fib"
	"github.com/amesh-project/amesh/pkg/node"
	"github.com/amesh-project/amesh/pkg/portalloc"
)

func newTestNode(pubkey, endpoint, allowedIPs, groups string) *node.Node {
	n := node.New()
	n.Update(nil, "pubkey", pubkey)
	n.Update(nil, "endpoint", endpoint)
	n.Update(nil, "allowed_ips", allowedIPs)
	n.Update(nil, "groups", groups)
	return n
}

func TestBuildDeterministic(t *testing.T) {
	self := newTestNode("self-pk", "", "", "any")
	table := node.Table{
		"node-a": newTestNode("pk-a", "10.0.0.1:51820", "10.1.0.0/24", "any"),
		"node-b": newTestNode("pk-b", "10.0.0.2:51820", "10.2.0.0/24", "any"),
	}
	opts := fib.BuildOptions{InboundDevice: "wg0", PrivateKeyPath: "/etc/amesh/privkey"}

	ports1 := portalloc.New(51000)
	fib1 := fib.Build(self, table, ports1, opts)

	ports2 := portalloc.New(51000)
	fib2 := fib.Build(self, table, ports2, opts)

	if diff := cmp.Diff(fib1.Peers, fib2.Peers); diff != "" {
		t.Errorf("peers differ across identical builds (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(fib1.Routes, fib2.Routes); diff != "" {
		t.Errorf("routes differ across identical builds (-first +second):\n%s", diff)
	}
}

func TestBuildGroupFilter(t *testing.T) {
	self := newTestNode("self-pk", "", "", "east")
	table := node.Table{
		"node-a": newTestNode("pk-a", "10.0.0.1:51820", "10.1.0.0/24", "west"),
	}
	ports := portalloc.New(51000)

	got := fib.Build(self, table, ports, fib.BuildOptions{InboundDevice: "wg0"})
	assert.Empty(t, got.Peers, "disjoint groups must not peer")
}

func TestBuildModeFilterSkipsClientToClient(t *testing.T) {
	self := newTestNode("self-pk", "", "", "any") // no endpoint: client
	table := node.Table{
		"node-a": newTestNode("pk-a", "", "10.1.0.0/24", "any"), // also no endpoint: client
	}
	ports := portalloc.New(51000)

	got := fib.Build(self, table, ports, fib.BuildOptions{InboundDevice: "wg0"})
	assert.Empty(t, got.Peers, "two clients with no endpoint must not peer")
}

func TestBuildOutboundPeerAndRoute(t *testing.T) {
	self := newTestNode("self-pk", "", "", "any")
	table := node.Table{
		"node-a": newTestNode("pk-a", "10.0.0.1:51820", "10.1.0.0/24", "any"),
	}
	ports := portalloc.New(51000)

	got := fib.Build(self, table, ports, fib.BuildOptions{InboundDevice: "wg0", PrivateKeyPath: "/key"})
	require.Len(t, got.Peers, 1)
	for p := range got.Peers {
		assert.True(t, p.Outbound)
		assert.Equal(t, "pk-a", p.Pubkey)
		assert.Equal(t, 51000, p.ListenPort)
		assert.True(t, strings.HasPrefix(p.WGDev, "wg-"))
	}
	require.Len(t, got.Routes, 1)
	for r := range got.Routes {
		assert.Equal(t, "10.1.0.0/24", r.Prefix)
		assert.Equal(t, fib.OutboundIfaceName("pk-a"), r.Nexthops)
	}
}

func TestBuildECMPMerge(t *testing.T) {
	self := newTestNode("self-pk", "", "", "any")
	table := node.Table{
		"node-a": newTestNode("pk-a", "10.0.0.1:51820", "10.9.0.0/24", "any"),
		"node-b": newTestNode("pk-b", "10.0.0.2:51820", "10.9.0.0/24", "any"),
	}
	ports := portalloc.New(51000)

	got := fib.Build(self, table, ports, fib.BuildOptions{InboundDevice: "wg0"})
	require.Len(t, got.Routes, 1, "the same prefix advertised by two nodes must merge into one ECMP route")
	for r := range got.Routes {
		devs := r.NexthopDevs()
		assert.Len(t, devs, 2)
		assert.ElementsMatch(t, []string{fib.OutboundIfaceName("pk-a"), fib.OutboundIfaceName("pk-b")}, devs)
	}
}

func TestOutboundIfaceNameStableAndShort(t *testing.T) {
	name := fib.OutboundIfaceName("some-long-base64-looking-pubkey==")
	assert.True(t, len(name) <= 13)
	assert.Equal(t, name, fib.OutboundIfaceName("some-long-base64-looking-pubkey=="))
}

func TestOutboundIfaceNameAvoidsPrefixCollision(t *testing.T) {
	// Two distinct keys sharing a long common prefix must not collide once
	// hashed, unlike a naive truncate-to-13-chars rule would.
	a := fib.OutboundIfaceName("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA1=")
	b := fib.OutboundIfaceName("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA2=")
	assert.NotEqual(t, a, b)
}
