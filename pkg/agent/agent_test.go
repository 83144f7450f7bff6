package agent

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/directory"
	"github.com/amesh-project/amesh/pkg/fib"
	"github.com/amesh-project/amesh/pkg/node"
	"github.com/amesh-project/amesh/pkg/portalloc"
)

// recordingSurface collects the kernel actions applyEvent drives, so tests
// can assert on what the watcher's reconciliation actually touched.
type recordingSurface struct {
	calls []string
}

func (f *recordingSurface) IfaceCreate(ctx context.Context, name string) error {
	f.calls = append(f.calls, "iface_create:"+name)
	return nil
}
func (f *recordingSurface) IfaceDelete(ctx context.Context, name string) error {
	f.calls = append(f.calls, "iface_delete:"+name)
	return nil
}
func (f *recordingSurface) IfaceSetUp(ctx context.Context, name string) error {
	f.calls = append(f.calls, "iface_set_up:"+name)
	return nil
}
func (f *recordingSurface) IfaceSetMaster(ctx context.Context, name, vrf string) error {
	f.calls = append(f.calls, "iface_set_master:"+name)
	return nil
}
func (f *recordingSurface) IfaceAddrAdd(ctx context.Context, name, cidr string) error {
	f.calls = append(f.calls, "iface_addr_add:"+name)
	return nil
}
func (f *recordingSurface) IfaceAddrFlush(ctx context.Context, name string) error {
	f.calls = append(f.calls, "iface_addr_flush:"+name)
	return nil
}
func (f *recordingSurface) WgSetDevice(ctx context.Context, name, privateKeyPath string, listenPort int) error {
	f.calls = append(f.calls, "wg_set_device:"+name)
	return nil
}
func (f *recordingSurface) WgSetPeer(ctx context.Context, name, pubkey, endpoint, allowedIPs string, keepalive int) error {
	f.calls = append(f.calls, "wg_set_peer:"+name+":"+pubkey)
	return nil
}
func (f *recordingSurface) WgRemovePeer(ctx context.Context, name, pubkey string) error {
	f.calls = append(f.calls, "wg_remove_peer:"+name+":"+pubkey)
	return nil
}
func (f *recordingSurface) RouteAdd(ctx context.Context, prefix string, nexthops []string) error {
	f.calls = append(f.calls, "route_add:"+prefix)
	return nil
}
func (f *recordingSurface) RouteDel(ctx context.Context, prefix string) error {
	f.calls = append(f.calls, "route_del:"+prefix)
	return nil
}

func testAgent(t *testing.T) (*Agent, *recordingSurface) {
	t.Helper()
	self := node.New()
	self.Update(nil, "pubkey", "self-pk")
	self.Update(nil, "endpoint", "10.0.0.1:51820")
	self.Update(nil, "groups", "any")

	k := &recordingSurface{}
	a := New(Options{
		NodeID:         "A",
		Prefix:         "m",
		InboundDevice:  "wg0",
		PrivateKeyPath: "/etc/amesh/priv",
	}, nil, nil, k, portalloc.New(51821), nil, self)
	return a, k
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestApplyEventSelfFilter(t *testing.T) {
	a, k := testAgent(t)
	log := quietLogger()

	a.applyEvent(log, directory.EventPut, "m/A/pubkey", "other-pk")
	a.applyEvent(log, directory.EventPut, "m/A/endpoint", "9.9.9.9:51820")

	assert.Empty(t, a.nodeTable, "self-keyed events must never reach the node table")
	assert.Equal(t, "self-pk", a.selfNode.Pubkey, "identity fields stay locally authoritative")
	assert.Equal(t, "10.0.0.1:51820", a.selfNode.Endpoint)
	assert.Empty(t, k.calls)
}

func TestApplyEventSelfGroupsChangeRebuildsFIB(t *testing.T) {
	a, k := testAgent(t)
	a.selfNode.Update(nil, "groups", "blue")
	log := quietLogger()

	// A remote node in a disjoint group: no peers yet.
	a.applyEvent(log, directory.EventPut, "m/D/pubkey", "KD")
	a.applyEvent(log, directory.EventPut, "m/D/endpoint", "5.6.7.8:51820")
	a.applyEvent(log, directory.EventPut, "m/D/groups", "red")
	require.Empty(t, a.currentFIB.Peers)

	// Our own groups key changes through the directory: the filter now
	// matches and the FIB must be rebuilt and installed.
	a.applyEvent(log, directory.EventPut, "m/A/groups", "red")

	assert.Equal(t, map[string]struct{}{"red": {}}, a.selfNode.Groups)
	require.Len(t, a.currentFIB.Peers, 2)
	assert.Contains(t, k.calls, "wg_set_peer:wg0:KD")

	// And back out again: dropping the shared group drains the peers.
	a.applyEvent(log, directory.EventPut, "m/A/groups", "blue")
	assert.Empty(t, a.currentFIB.Peers)
	assert.Contains(t, k.calls, "wg_remove_peer:wg0:KD")
}

func TestApplyEventSelfAllowedIPsAppliedWithoutRebuild(t *testing.T) {
	a, k := testAgent(t)
	log := quietLogger()

	a.applyEvent(log, directory.EventPut, "m/A/allowed_ips", "10.8.0.0/24")

	assert.Equal(t, map[string]struct{}{"10.8.0.0/24": {}}, a.selfNode.AllowedIPs)
	assert.Empty(t, k.calls, "self allowed_ips do not feed the FIB, so no kernel actions")
}

func TestApplyEventMalformedKeyIgnored(t *testing.T) {
	a, k := testAgent(t)
	log := quietLogger()

	a.applyEvent(log, directory.EventPut, "other/B/pubkey", "KB")
	a.applyEvent(log, directory.EventPut, "m/B", "KB")

	assert.Empty(t, a.nodeTable)
	assert.Empty(t, k.calls)
}

func TestApplyEventJoinLeave(t *testing.T) {
	a, k := testAgent(t)
	log := quietLogger()

	puts := map[string]string{
		"m/B/pubkey":      "KB",
		"m/B/endpoint":    "1.2.3.4:51820",
		"m/B/allowed_ips": "10.0.2.0/24",
		"m/B/groups":      "any",
		"m/B/keepalive":   "0",
	}
	for _, key := range []string{"m/B/pubkey", "m/B/endpoint", "m/B/allowed_ips", "m/B/groups", "m/B/keepalive"} {
		a.applyEvent(log, directory.EventPut, key, puts[key])
	}

	outbound := fib.OutboundIfaceName("KB")
	require.Len(t, a.currentFIB.Peers, 2, "one outbound and one inbound peer expected")
	require.Len(t, a.currentFIB.Routes, 1)

	assert.Contains(t, k.calls, "iface_create:"+outbound)
	assert.Contains(t, k.calls, "iface_set_up:"+outbound)
	assert.Contains(t, k.calls, "wg_set_device:"+outbound)
	assert.Contains(t, k.calls, "wg_set_peer:"+outbound+":KB")
	assert.Contains(t, k.calls, "wg_set_peer:wg0:KB")
	assert.Contains(t, k.calls, "route_add:10.0.2.0/24")

	// Lease expiry deletes every key; the node loses its pubkey and the FIB
	// must drain back to empty.
	k.calls = nil
	for key := range puts {
		a.applyEvent(log, directory.EventDelete, key, "")
	}

	assert.Empty(t, a.currentFIB.Peers)
	assert.Empty(t, a.currentFIB.Routes)
	assert.Contains(t, k.calls, "wg_remove_peer:wg0:KB")
	assert.Contains(t, k.calls, "wg_remove_peer:"+outbound+":KB")
	assert.Contains(t, k.calls, "iface_delete:"+outbound)
}

func TestApplyEventRedundantPutIsNoop(t *testing.T) {
	a, k := testAgent(t)
	log := quietLogger()

	a.applyEvent(log, directory.EventPut, "m/B/pubkey", "KB")
	a.applyEvent(log, directory.EventPut, "m/B/endpoint", "1.2.3.4:51820")
	calls := len(k.calls)

	a.applyEvent(log, directory.EventPut, "m/B/endpoint", "1.2.3.4:51820")
	assert.Len(t, k.calls, calls, "a value-identical PUT must not trigger a reconciliation")
}

func TestApplyEventGroupMiss(t *testing.T) {
	a, k := testAgent(t)
	a.selfNode.Update(nil, "groups", "blue")
	log := quietLogger()

	a.applyEvent(log, directory.EventPut, "m/D/pubkey", "KD")
	a.applyEvent(log, directory.EventPut, "m/D/endpoint", "5.6.7.8:51820")
	a.applyEvent(log, directory.EventPut, "m/D/groups", "red")

	assert.Empty(t, a.currentFIB.Peers, "disjoint groups must produce no peers")
	for _, c := range k.calls {
		assert.NotContains(t, c, "KD")
	}
}
