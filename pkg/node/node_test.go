package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amesh-project/amesh/pkg/node"
)

func TestUpdateIdempotence(t *testing.T) {
	n := node.New()
	changed := n.Update(nil, "pubkey", "abc123")
	require.True(t, changed)

	changed = n.Update(nil, "pubkey", "abc123")
	assert.False(t, changed, "re-applying the same value must report no change")
}

func TestUpdateNoneClearsField(t *testing.T) {
	n := node.New()
	n.Update(nil, "endpoint", "10.0.0.1:51820")
	require.True(t, n.HasEndpoint())

	changed := n.Update(nil, "endpoint", "None")
	assert.True(t, changed)
	assert.False(t, n.HasEndpoint())
}

func TestPresentFollowsPubkeyLifecycle(t *testing.T) {
	n := node.New()
	assert.False(t, n.Present, "a fresh node must not start present")

	n.Update(nil, "endpoint", "10.0.0.1:51820")
	assert.True(t, n.Present, "any observed field marks the node present")

	n.Update(nil, "pubkey", "abc123")
	assert.True(t, n.Present)

	changed := n.Update(nil, "pubkey", "None")
	assert.True(t, changed)
	assert.False(t, n.Present, "clearing pubkey must flip present back to false")

	n.Update(nil, "pubkey", "abc123")
	assert.True(t, n.Present, "re-observing pubkey must mark the node present again")
}

func TestUpdateAllowedIPsCanonicalized(t *testing.T) {
	n := node.New()
	changed := n.Update(nil, "allowed_ips", "10.1.0.5/24,fd00::1/64")
	require.True(t, changed)
	assert.Equal(t, map[string]struct{}{
		"10.1.0.0/24": {},
		"fd00::/64":   {},
	}, n.AllowedIPs, "host bits must be masked off before storage")

	changed = n.Update(nil, "allowed_ips", "10.1.0.9/24,fd00::2/64")
	assert.False(t, changed, "sets differing only in host bits are the same set")
}

func TestUpdateBadKeepaliveKeepsOldValue(t *testing.T) {
	n := node.New()
	n.Update(nil, "keepalive", "25")

	changed := n.Update(nil, "keepalive", "not-a-number")
	assert.False(t, changed)
	assert.Equal(t, 25, n.Keepalive, "a bad PUT must leave the prior value untouched")
}

func TestSerializeRoundTrip(t *testing.T) {
	n := node.New()
	n.Update(nil, "pubkey", "abc123")
	n.Update(nil, "endpoint", "10.0.0.1:51820")
	n.Update(nil, "allowed_ips", "10.1.0.0/24,10.2.0.0/24")
	n.Update(nil, "keepalive", "25")
	n.Update(nil, "groups", "east,west")

	serialized := n.Serialize()

	round := node.New()
	for k, v := range serialized {
		round.Update(nil, k, v)
	}

	assert.Equal(t, n.Pubkey, round.Pubkey)
	assert.Equal(t, n.Endpoint, round.Endpoint)
	assert.Equal(t, n.Keepalive, round.Keepalive)
	assert.ElementsMatch(t, keys(n.AllowedIPs), keys(round.AllowedIPs))
	assert.ElementsMatch(t, keys(n.Groups), keys(round.Groups))
}

func TestInGroupSymmetry(t *testing.T) {
	cases := []struct {
		name  string
		self  map[string]struct{}
		other map[string]struct{}
		want  bool
	}{
		{"disjoint", set("east"), set("west"), false},
		{"overlap", set("east", "west"), set("west"), true},
		{"self-any", set("any"), set("west"), true},
		{"other-any", set("east"), set("any"), true},
		{"both-empty", set(), set(), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := node.InGroup(c.self, c.other)
			assert.Equal(t, c.want, got)

			// symmetry: swapping self/other must not change the outcome.
			gotSwapped := node.InGroup(c.other, c.self)
			assert.Equal(t, got, gotSwapped, "InGroup must be symmetric")
		})
	}
}

func set(vals ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
