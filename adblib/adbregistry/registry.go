// Package adbregistry keeps track of known devices and notifies observers when
// they are added, removed, or changed.
//
// A [Registry] is fed by device tracker snapshots from a host server
// ([Registry.Track]), by directly connected devices ([Registry.Attach]), or
// manually. Events are delivered in order to each subscriber through an
// unbounded queue, so a slow subscriber never blocks updates. Updates which
// don't change a record don't produce events.
package adbregistry

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/smallnest/chanx"

	"github.com/pgaskin/go-adbmux/adb/adbconn"
	"github.com/pgaskin/go-adbmux/adb/adbhost"
)

// Record describes a device. Records are compared with ==.
type Record struct {
	Serial     string
	State      adbhost.ConnectionState
	Type       adbhost.ConnectionType
	BusAddress string
	Product    string
	Model      string
	Device     string
	Transport  adbhost.TransportID
}

// RecordFromTransportInfo converts device tracker output to a Record.
func RecordFromTransportInfo(info *adbhost.TransportInfo) Record {
	return Record{
		Serial:     info.Serial,
		State:      info.State,
		Type:       info.ConnectionType,
		BusAddress: info.BusAddress,
		Product:    info.Product,
		Model:      info.Model,
		Device:     info.Device,
		Transport:  info.Transport,
	}
}

// RecordFromConn creates a Record for a directly connected device from its
// banner. If serial is empty, the remote address is used, like adb does for
// tcp devices.
func RecordFromConn(serial string, c *adbconn.Conn) Record {
	b := c.Banner()
	return Record{
		Serial:     cmp.Or(serial, c.RemoteAddr().String()),
		State:      adbhost.ParseConnectionState(b.Type),
		Type:       adbhost.CtSocket,
		BusAddress: c.RemoteAddr().String(),
		Product:    b.Prop("ro.product.name"),
		Model:      b.Prop("ro.product.model"),
		Device:     b.Prop("ro.product.device"),
	}
}

// EventType is the kind of change.
type EventType int

const (
	Added EventType = iota + 1
	Removed
	Changed
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	}
	return "EventType(" + strconv.Itoa(int(t)) + ")"
}

// Event is a change to a device. For Removed, Record is the last known record.
// For Changed, Old is the previous record.
type Event struct {
	Type   EventType
	Record Record
	Old    Record
}

// Listener is notified of events. It is called from a dedicated goroutine for
// each listener, so events are delivered in order.
type Listener interface {
	DeviceEvent(Event)
}

// ListenerFunc adapts a function to a [Listener].
type ListenerFunc func(Event)

func (f ListenerFunc) DeviceEvent(ev Event) {
	f(ev)
}

// Registry is a set of device records keyed by serial. It is safe for
// concurrent use.
type Registry struct {
	ctx context.Context

	mu      sync.Mutex
	devices map[string]Record
	subs    map[*Subscription]struct{}
	closed  bool
}

// New creates an empty registry. When ctx is cancelled, subscriptions stop
// receiving events.
func New(ctx context.Context) *Registry {
	return &Registry{
		ctx:     ctx,
		devices: map[string]Record{},
		subs:    map[*Subscription]struct{}{},
	}
}

// Devices returns the current records sorted by serial.
func (r *Registry) Devices() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []Record {
	return slices.SortedFunc(maps.Values(r.devices), func(a, b Record) int {
		return cmp.Compare(a.Serial, b.Serial)
	})
}

// Lookup returns the record for serial.
func (r *Registry) Lookup(serial string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[serial]
	return rec, ok
}

// Put adds or updates a record, returning true if it changed anything.
func (r *Registry) Put(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(rec)
}

func (r *Registry) putLocked(rec Record) bool {
	old, ok := r.devices[rec.Serial]
	switch {
	case !ok:
		r.devices[rec.Serial] = rec
		r.publishLocked(Event{Type: Added, Record: rec})
	case old != rec:
		r.devices[rec.Serial] = rec
		r.publishLocked(Event{Type: Changed, Record: rec, Old: old})
	default:
		return false
	}
	return true
}

// Remove removes a record, returning true if it existed.
func (r *Registry) Remove(serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(serial)
}

func (r *Registry) removeLocked(serial string) bool {
	old, ok := r.devices[serial]
	if !ok {
		return false
	}
	delete(r.devices, serial)
	r.publishLocked(Event{Type: Removed, Record: old})
	return true
}

// Replace replaces all records with a snapshot. Removals are published first,
// then additions and changes, each in serial order. If the snapshot contains
// duplicate serials, the last one wins.
func (r *Registry) Replace(snapshot []Record) {
	next := make(map[string]Record, len(snapshot))
	for _, rec := range snapshot {
		next[rec.Serial] = rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.sortedLocked() {
		if _, ok := next[rec.Serial]; !ok {
			r.removeLocked(rec.Serial)
		}
	}
	for _, serial := range slices.Sorted(maps.Keys(next)) {
		r.putLocked(next[serial])
	}
}

// Track applies each snapshot from a device tracker (see
// [adbhost.TrackDevices]) until it stops, returning its error. It does not
// reconnect.
func (r *Registry) Track(tracker func(*error) iter.Seq[[]*adbhost.TransportInfo]) error {
	var err error
	for devs := range tracker(&err) {
		recs := make([]Record, len(devs))
		for i, info := range devs {
			recs[i] = RecordFromTransportInfo(info)
		}
		r.Replace(recs)
	}
	return err
}

// Attach adds a directly connected device, and removes it once the connection
// is closed. It returns the record which was added.
func (r *Registry) Attach(serial string, c *adbconn.Conn) Record {
	rec := RecordFromConn(serial, c)
	r.Put(rec)
	go func() {
		select {
		case <-c.Done():
		case <-r.ctx.Done():
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.devices[rec.Serial]; ok && cur == rec {
			r.removeLocked(rec.Serial)
		}
	}()
	return rec
}

// Subscription receives events from a [Registry].
type Subscription struct {
	r      *Registry
	ch     *chanx.UnboundedChan[Event]
	ctx    context.Context
	cancel context.CancelFunc
}

// Subscribe starts receiving events. The current records are delivered first
// as Added events.
func (r *Registry) Subscribe() *Subscription {
	ctx, cancel := context.WithCancel(r.ctx)
	s := &Subscription{
		r:      r,
		ch:     chanx.NewUnboundedChan[Event](ctx, 16),
		ctx:    ctx,
		cancel: cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		cancel()
		return s
	}
	for _, rec := range r.sortedLocked() {
		s.send(Event{Type: Added, Record: rec})
	}
	r.subs[s] = struct{}{}
	return s
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is cancelled or the registry is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch.Out
}

// Cancel stops the subscription. Undelivered events are discarded.
func (s *Subscription) Cancel() {
	s.r.mu.Lock()
	delete(s.r.subs, s)
	s.r.mu.Unlock()
	s.cancel()
}

func (s *Subscription) send(ev Event) {
	select {
	case s.ch.In <- ev:
	case <-s.ctx.Done():
	}
}

func (r *Registry) publishLocked(ev Event) {
	for s := range r.subs {
		s.send(ev)
	}
}

// AddListener calls l for each event, starting with the current records. The
// returned function removes the listener.
func (r *Registry) AddListener(l Listener) (remove func()) {
	s := r.Subscribe()
	go func() {
		for ev := range s.Events() {
			l.DeviceEvent(ev)
		}
	}()
	return s.Cancel
}

// Close ends all subscriptions after their pending events are delivered.
// Records can still be updated, but nothing is published.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for s := range r.subs {
		close(s.ch.In)
		delete(r.subs, s)
	}
}
