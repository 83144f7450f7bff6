// Package devtracker implements the optional address tracker: it watches a
// configured set of physical interfaces for IPv4 address changes and turns
// them into a bounded queue of events the maintainer drains into the self
// node's allowed_ips.
package devtracker

import (
	"log/slog"
	"net"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/amesh-project/amesh/pkg/context"
)

// Action distinguishes an address appearing from one disappearing.
type Action int

const (
	Add Action = iota
	Del
)

// Event is one tracked interface's address change, already reduced to a
// CIDR network prefix string.
type Event struct {
	Action Action
	Device string
	Prefix string
}

// Tracker maintains a bounded FIFO of Events for a fixed set of tracked
// interface names. IPv4 only: every other address family is dropped at the
// subscription boundary.
type Tracker struct {
	mu      sync.Mutex
	queue   []Event
	maxSize int
	devices map[string]struct{}

	linkIndex map[int]string // netlink link index -> tracked device name
}

// defaultMaxQueue bounds the tracker's queue so an address-flapping
// interface cannot grow it unboundedly; the maintainer drains it at 1Hz,
// so this is generous headroom rather than a tight budget.
const defaultMaxQueue = 4096

// New returns a Tracker for the given set of interface names. It does not
// start listening until Start is called.
func New(devices []string) *Tracker {
	set := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		set[d] = struct{}{}
	}
	return &Tracker{
		maxSize:   defaultMaxQueue,
		devices:   set,
		linkIndex: make(map[int]string),
	}
}

// Start enumerates each tracked interface's current IPv4 addresses as
// synthetic Add events, then spawns a goroutine subscribed to netlink
// address updates for the lifetime of ctx.
func (t *Tracker) Start(ctx context.Context) error {
	log := context.LoggerFrom(ctx)

	for dev := range t.devices {
		link, err := netlink.LinkByName(dev)
		if err != nil {
			log.Warn("tracked device not found at startup", slog.String("device", dev), slog.String("error", err.Error()))
			continue
		}
		t.linkIndex[link.Attrs().Index] = dev

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			log.Warn("list addrs for tracked device", slog.String("device", dev), slog.String("error", err.Error()))
			continue
		}
		for _, addr := range addrs {
			t.enqueue(Event{Action: Add, Device: dev, Prefix: networkPrefix(addr.IPNet.IP, addr.IPNet.Mask)})
		}
	}

	updates := make(chan netlink.AddrUpdate)
	done := make(chan struct{})
	if err := netlink.AddrSubscribe(updates, done); err != nil {
		return err
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				t.handle(log, upd)
			}
		}
	}()
	return nil
}

func (t *Tracker) handle(log *slog.Logger, upd netlink.AddrUpdate) {
	if upd.LinkAddress.IP.To4() == nil {
		return // IPv4 only
	}
	dev, tracked := t.linkIndex[upd.LinkIndex]
	if !tracked {
		return
	}
	action := Del
	if upd.NewAddr {
		action = Add
	}
	prefix := networkPrefix(upd.LinkAddress.IP, upd.LinkAddress.Mask)
	t.enqueue(Event{Action: action, Device: dev, Prefix: prefix})
	log.Debug("tracked address change", slog.String("device", dev), slog.String("prefix", prefix))
}

// networkPrefix reduces an interface address to its network prefix
// (192.168.5.7/24 -> 192.168.5.0/24): allowed_ips members are network
// prefixes, never host addresses.
func networkPrefix(ip net.IP, mask net.IPMask) string {
	return (&net.IPNet{IP: ip.Mask(mask), Mask: mask}).String()
}

func (t *Tracker) enqueue(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) >= t.maxSize {
		t.queue = t.queue[1:] // drop oldest rather than block or grow unbounded
	}
	t.queue = append(t.queue, e)
}

// Queued reports how many events are waiting.
func (t *Tracker) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Pop removes and returns the oldest queued event, if any.
func (t *Tracker) Pop() (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return Event{}, false
	}
	e := t.queue[0]
	t.queue = t.queue[1:]
	return e, true
}
