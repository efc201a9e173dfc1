// Package registry keeps the live state of every trap seen on air.
//
// Identity is the trap id decoded from the payload. Link-layer addresses may
// rotate and are only recorded, never used as a key. Availability is derived
// on demand from the last-seen time; the registry runs no timers.
package registry

import (
	"sort"
	"sync"
	"time"

	"trapwatch/go-mqtt-server/internal/model"
)

// DefaultStaleAfter is how long a trap may stay silent before it is reported unavailable.
const DefaultStaleAfter = 10 * time.Minute

// Clock returns the current time.
type Clock func() time.Time

// Listener receives one Change per applied reading.
type Listener func(model.Change)

type device struct {
	mu    sync.Mutex
	state model.DeviceState
}

// Registry is the sole owner of per-trap state.
type Registry struct {
	clock      Clock
	staleAfter time.Duration

	mu      sync.RWMutex
	devices map[string]*device

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the time source used for availability checks.
func WithClock(c Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithStaleAfter overrides DefaultStaleAfter. Non-positive values are ignored.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:      time.Now,
		staleAfter: DefaultStaleAfter,
		devices:    make(map[string]*device),
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StaleAfter reports the configured staleness timeout.
func (r *Registry) StaleAfter() time.Duration {
	return r.staleAfter
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.clock()
}

// Apply merges a decoded reading into the state for reading.TrapID, creating
// it when the trap has not been seen before. Updates for one trap are applied
// atomically. Subscribers are notified once, after the update, outside any lock.
func (r *Registry) Apply(reading model.Reading, address string, observedAt time.Time) (model.DeviceState, bool) {
	d := r.lookupOrCreate(reading.TrapID)

	d.mu.Lock()
	// newness belongs to whichever reading takes the device lock first, not
	// to the caller that inserted the map entry
	isNew := d.state.Updates == 0
	if isNew {
		d.state.FirstSeen = observedAt
	}
	d.state.Address = address
	d.state.Tripped = reading.Tripped
	d.state.BatteryVoltage = reading.BatteryVoltage
	d.state.HasBattery = reading.HasBattery
	d.state.RSSI = reading.RSSI
	d.state.LastSeen = observedAt
	d.state.Updates++
	snapshot := d.state
	d.mu.Unlock()

	r.notify(model.Change{TrapID: snapshot.TrapID, IsNew: isNew, State: snapshot})

	return snapshot, isNew
}

func (r *Registry) lookupOrCreate(trapID string) *device {
	r.mu.RLock()
	d, ok := r.devices[trapID]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[trapID]; ok {
		return d
	}
	d = &device{state: model.DeviceState{TrapID: trapID}}
	r.devices[trapID] = d
	return d
}

// Get returns a snapshot of one trap.
func (r *Registry) Get(trapID string) (model.DeviceState, bool) {
	r.mu.RLock()
	d, ok := r.devices[trapID]
	r.mu.RUnlock()
	if !ok {
		return model.DeviceState{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, true
}

// Available reports whether the trap has been heard within the staleness timeout.
// Unknown traps are never available.
func (r *Registry) Available(trapID string) bool {
	state, ok := r.Get(trapID)
	if !ok {
		return false
	}
	return IsAvailable(state, r.clock(), r.staleAfter)
}

// View returns one trap with availability evaluated now.
func (r *Registry) View(trapID string) (model.TrapView, bool) {
	state, ok := r.Get(trapID)
	if !ok {
		return model.TrapView{}, false
	}
	return model.TrapView{
		DeviceState: state,
		Available:   IsAvailable(state, r.clock(), r.staleAfter),
	}, true
}

// Devices returns every trap ordered by trap id, with availability evaluated now.
func (r *Registry) Devices() []model.TrapView {
	r.mu.RLock()
	devices := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	now := r.clock()
	views := make([]model.TrapView, 0, len(devices))
	for _, d := range devices {
		d.mu.Lock()
		state := d.state
		d.mu.Unlock()
		views = append(views, model.TrapView{
			DeviceState: state,
			Available:   IsAvailable(state, now, r.staleAfter),
		})
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].TrapID < views[j].TrapID
	})
	return views
}

// Len reports the number of known traps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Subscribe registers l for change notifications and returns a function that
// removes it. Listeners may run concurrently when Apply is called concurrently;
// use DeviceState.Updates to order changes for one trap.
func (r *Registry) Subscribe(l Listener) (cancel func()) {
	if l == nil {
		return func() {}
	}

	r.listenersMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.listenersMu.Lock()
			delete(r.listeners, id)
			r.listenersMu.Unlock()
		})
	}
}

func (r *Registry) notify(c model.Change) {
	r.listenersMu.RLock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(c)
	}
}

// IsAvailable reports whether state was last seen less than timeout before now.
func IsAvailable(state model.DeviceState, now time.Time, timeout time.Duration) bool {
	return now.Sub(state.LastSeen) < timeout
}
