// Package agent implements the supervisor: it owns the self node, the
// watched node table and the currently-installed FIB, runs the maintainer
// and watcher workers, and orchestrates startup/shutdown.
package agent

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/devtracker"
	"github.com/amesh-project/amesh/pkg/directory"
	"github.com/amesh-project/amesh/pkg/directorycodec"
	"github.com/amesh-project/amesh/pkg/fib"
	"github.com/amesh-project/amesh/pkg/kernel"
	"github.com/amesh-project/amesh/pkg/metrics"
	"github.com/amesh-project/amesh/pkg/node"
	"github.com/amesh-project/amesh/pkg/portalloc"
)

// keepaliveInterval is the lease refresh period; the lease TTL is always
// 3x this, so two missed refreshes are tolerated before the directory
// expires the registration.
const keepaliveInterval = 10 * time.Second

const leaseTTLSeconds = 30

// Options configures a new Agent. NodeID/Prefix come from
// [amesh]/[etcd]; InboundDevice/PrivateKeyPath from [wireguard].
type Options struct {
	NodeID         string
	Prefix         string
	InboundDevice  string
	PrivateKeyPath string
}

// DialFunc reopens the directory client after the current one becomes
// unusable (directory.ErrUnavailable).
type DialFunc func() (*directory.Client, error)

// Agent is the running reconciliation supervisor.
type Agent struct {
	opts    Options
	dial    DialFunc
	k       kernel.Surface
	ports   *portalloc.Allocator
	tracker *devtracker.Tracker

	// mu guards every field below: the watcher is the sole writer of
	// nodeTable/currentFIB, the maintainer is the sole writer of
	// currentLease, selfNode is written by the maintainer (tracked
	// addresses) and by the watcher (self-keyed groups/allowed_ips
	// changes), and cross-worker reads are serialized by this
	// single mutex, held only around the read/write itself, never across a
	// blocking I/O call or kernel action. dir is swapped under mu when a
	// worker reopens the client; workers pick up the handle once per cycle.
	mu           sync.Mutex
	dir          *directory.Client
	selfNode     *node.Node
	nodeTable    node.Table
	currentFIB   *fib.FIB
	currentLease *directory.Lease
	watchCancel  func()

	stopMaintainer atomic.Bool
	stopWatcher    atomic.Bool
}

// New constructs an Agent. self is the initial self-descriptor (built from
// [wireguard]/[amesh] config before Run starts); the maintainer mutates its
// allowed_ips in place as the address tracker (if any) reports changes.
// dial is invoked to replace dir whenever a worker hits an Unavailable
// directory failure; nil disables reopening.
func New(opts Options, dir *directory.Client, dial DialFunc, k kernel.Surface, ports *portalloc.Allocator, tracker *devtracker.Tracker, self *node.Node) *Agent {
	return &Agent{
		opts:       opts,
		dir:        dir,
		dial:       dial,
		k:          k,
		ports:      ports,
		tracker:    tracker,
		selfNode:   self,
		nodeTable:  make(node.Table),
		currentFIB: fib.Empty(),
	}
}

func (a *Agent) client() *directory.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dir
}

// reopenClient redials the directory and swaps the shared handle, closing
// the one it replaces. Callers treat a failed redial like any other
// transient failure: log, sleep, try again next cycle.
func (a *Agent) reopenClient(log *slog.Logger) {
	if a.dial == nil {
		return
	}
	fresh, err := a.dial()
	if err != nil {
		log.Error("reopen directory client", slog.String("error", err.Error()))
		return
	}
	a.mu.Lock()
	old := a.dir
	a.dir = fresh
	a.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info("directory client reopened")
}

// Run starts the maintainer and watcher, blocking until ctx is canceled,
// then signals both to stop, waits for them to join, uninstalls every
// peer/route this agent ever installed and closes the directory client
// (the agent owns the handle once started, since either worker may have
// swapped it for a fresh one).
func (a *Agent) Run(ctx context.Context) error {
	log := context.LoggerFrom(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.maintainerLoop(gctx, log)
		return nil
	})
	g.Go(func() error {
		a.watcherLoop(gctx, log)
		return nil
	})

	<-gctx.Done()
	a.stopMaintainer.Store(true)
	a.stopWatcher.Store(true)
	a.mu.Lock()
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.mu.Unlock()

	_ = g.Wait()

	log.Info("shutting down, uninstalling all peers and routes")
	a.mu.Lock()
	old := a.currentFIB
	a.currentFIB = fib.Empty()
	a.mu.Unlock()
	fib.Reconcile(context.WithLogger(context.Background(), log), old, fib.Empty(), a.k, a.ports)
	if c := a.client(); c != nil {
		_ = c.Close()
	}
	return nil
}

func (a *Agent) buildOpts() fib.BuildOptions {
	return fib.BuildOptions{InboundDevice: a.opts.InboundDevice, PrivateKeyPath: a.opts.PrivateKeyPath}
}

// maintainerLoop keeps the self node registered under a live lease,
// reallocating and re-registering after any transient failure.
func (a *Agent) maintainerLoop(ctx context.Context, log *slog.Logger) {
	for {
		if a.stopMaintainer.Load() {
			return
		}
		if err := a.maintainerCycle(ctx, log); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("maintainer transient failure, retrying", slog.String("error", err.Error()))
			metrics.DirectoryFailures.WithLabelValues("maintainer").Inc()
			if errors.Is(err, directory.ErrUnavailable) {
				a.reopenClient(log)
			}
			select {
			case <-time.After(1 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Agent) maintainerCycle(ctx context.Context, log *slog.Logger) error {
	nodeID := a.opts.NodeID
	dir := a.client()

	lease, err := dir.LeaseAllocate(ctx, leaseTTLSeconds, nodeID)
	if err != nil {
		return err
	}
	metrics.LeaseReallocations.Inc()

	a.mu.Lock()
	a.currentLease = lease
	self := a.selfNode
	a.mu.Unlock()

	if err := a.putAll(ctx, dir, nodeID, self, lease); err != nil {
		return err
	}
	log.Info("connected", slog.String("node_id", nodeID), slog.Int64("lease_id", int64(lease.ID)))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	sinceRefresh := time.Duration(0)

	for {
		if a.stopMaintainer.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.tracker != nil {
				a.drainTracker(ctx, dir, nodeID)
			}
			sinceRefresh += time.Second
			if sinceRefresh >= keepaliveInterval {
				sinceRefresh = 0
				a.mu.Lock()
				l := a.currentLease
				a.mu.Unlock()
				if err := dir.LeaseRefresh(ctx, l); err != nil {
					return err
				}
			}
		}
	}
}

func (a *Agent) putAll(ctx context.Context, dir *directory.Client, nodeID string, self *node.Node, lease *directory.Lease) error {
	for key, value := range directorycodec.Flatten(a.opts.Prefix, nodeID, self) {
		if err := dir.Put(ctx, key, value, lease); err != nil {
			return err
		}
	}
	return nil
}

// drainTracker folds queued address-tracker events into the self node and
// re-puts only the affected field, then re-points the inbound device's
// kernel addresses at the same set so the local interface never drifts
// from what's announced.
func (a *Agent) drainTracker(ctx context.Context, dir *directory.Client, nodeID string) {
	a.mu.Lock()
	self := a.selfNode
	lease := a.currentLease
	dev := a.opts.InboundDevice
	changed := false
	for {
		ev, ok := a.tracker.Pop()
		if !ok {
			break
		}
		switch ev.Action {
		case devtracker.Add:
			self.AllowedIPs[ev.Prefix] = struct{}{}
		case devtracker.Del:
			delete(self.AllowedIPs, ev.Prefix)
		}
		changed = true
	}
	value := self.Serialize()["allowed_ips"]
	prefixes := make([]string, 0, len(self.AllowedIPs))
	for p := range self.AllowedIPs {
		prefixes = append(prefixes, p)
	}
	a.mu.Unlock()

	if !changed {
		return
	}

	// iface_addr_flush + one iface_addr_add per surviving prefix, issued
	// without a.mu held: the agent mutex must never span a kernel action.
	if dev != "" {
		log := context.LoggerFrom(ctx)
		if err := a.k.IfaceAddrFlush(ctx, dev); err != nil {
			log.Error("iface_addr_flush failed", slog.String("device", dev), slog.String("error", err.Error()))
		}
		for _, p := range prefixes {
			if err := a.k.IfaceAddrAdd(ctx, dev, p); err != nil {
				log.Error("iface_addr_add failed", slog.String("device", dev), slog.String("prefix", p), slog.String("error", err.Error()))
			}
		}
	}

	key := directorycodec.Key(a.opts.Prefix, nodeID, "allowed_ips")
	_ = dir.Put(ctx, key, value, lease)
}

// watcherLoop resynchronizes the node table from a directory snapshot and
// applies the change stream, restarting from scratch after any transient
// failure.
func (a *Agent) watcherLoop(ctx context.Context, log *slog.Logger) {
	for {
		if a.stopWatcher.Load() {
			return
		}
		err := a.watcherCycle(ctx, log)
		a.mu.Lock()
		a.watchCancel = nil
		a.mu.Unlock()
		if err != nil {
			log.Error("watcher transient failure, retrying", slog.String("error", err.Error()))
			metrics.DirectoryFailures.WithLabelValues("watcher").Inc()
			if errors.Is(err, directory.ErrUnavailable) {
				a.reopenClient(log)
			}
			select {
			case <-time.After(1 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Agent) watcherCycle(ctx context.Context, log *slog.Logger) error {
	a.mu.Lock()
	a.nodeTable = make(node.Table)
	a.mu.Unlock()

	dir := a.client()

	snapshot, err := dir.GetPrefix(ctx, a.opts.Prefix+"/")
	if err != nil {
		return err
	}
	for _, ev := range snapshot {
		a.applyEvent(log, directory.EventPut, ev.Key, ev.Value)
	}

	watcher := dir.WatchPrefix(ctx, directorycodec.WatchPrefix(a.opts.Prefix))
	a.mu.Lock()
	a.watchCancel = watcher.Cancel
	a.mu.Unlock()

	for {
		if a.stopWatcher.Load() {
			return nil
		}
		events, ok := watcher.Next()
		if !ok {
			return nil
		}
		for _, ev := range events {
			a.applyEvent(log, ev.Type, ev.Key, ev.Value)
		}
	}
}

// applyEvent parses the key, folds self-keyed changes back into the local
// descriptor, otherwise dispatches to the node table and, on an observable
// change, rebuilds and reconciles the FIB.
func (a *Agent) applyEvent(log *slog.Logger, typ directory.EventType, key, value string) {
	a.mu.Lock()
	prefix := a.opts.Prefix
	nodeID := a.opts.NodeID
	a.mu.Unlock()

	id, field, ok := directorycodec.Split(prefix, key)
	if !ok {
		return
	}
	if id == nodeID {
		a.applySelfEvent(log, typ, field, value)
		return
	}

	a.mu.Lock()
	n, exists := a.nodeTable[id]
	if !exists {
		if typ == directory.EventDelete {
			a.mu.Unlock()
			return
		}
		n = node.New()
		a.nodeTable[id] = n
	}

	var changed bool
	if typ == directory.EventDelete {
		changed = n.Update(log, field, "")
	} else {
		changed = n.Update(log, field, value)
	}
	a.mu.Unlock()

	if changed {
		a.rebuildAndReconcile(log)
	}
}

// applySelfEvent handles a directory change keyed by our own node_id. The
// local descriptor stays authoritative for identity (pubkey, endpoint,
// keepalive come from config and the maintainer's own puts, so those echoes
// are dropped), but groups and allowed_ips can legitimately be changed
// through the directory at runtime. A groups change alters which remote
// nodes we peer with and therefore forces a FIB rebuild.
func (a *Agent) applySelfEvent(log *slog.Logger, typ directory.EventType, field, value string) {
	if field != "groups" && field != "allowed_ips" {
		return
	}
	if typ == directory.EventDelete {
		value = ""
	}

	a.mu.Lock()
	changed := a.selfNode.Update(log, field, value)
	a.mu.Unlock()

	if changed && field == "groups" {
		log.Info("self group membership changed", slog.String("groups", value))
		a.rebuildAndReconcile(log)
	}
}

// rebuildAndReconcile recomputes the desired FIB and drives the kernel to
// it. The build runs under the lock (pure, in-memory, reads
// selfNode/nodeTable) but the lock is released before Reconcile, which
// issues synchronous kernel actions; the agent mutex must never span a
// kernel action.
func (a *Agent) rebuildAndReconcile(log *slog.Logger) {
	a.mu.Lock()
	newFIB := fib.Build(a.selfNode, a.nodeTable, a.ports, a.buildOpts())
	old := a.currentFIB
	a.mu.Unlock()

	ctx := context.WithLogger(context.Background(), log)
	installed := fib.Reconcile(ctx, old, newFIB, a.k, a.ports)

	a.mu.Lock()
	a.currentFIB = installed
	a.mu.Unlock()

	metrics.Reconciliations.Inc()
	metrics.InstalledPeers.Set(float64(len(installed.Peers)))
	metrics.InstalledRoutes.Set(float64(len(installed.Routes)))
}
