// Package relay implements the rendezvous server that maps MachineIDs to
// registered hosts, brokers connection attempts and forwards opaque session
// bytes when a direct path cannot be established.
package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/protocol"
)

// ErrSuperseded is returned for a heartbeat carrying an outdated generation.
var ErrSuperseded = errors.New("registration superseded")

// HostLink delivers relay messages to a registered host.
type HostLink interface {
	Send(t protocol.MsgType, body any) error
	Close() error
}

// Route is a registered host as seen by the relay.
type Route struct {
	MachineID    identity.MachineID
	Generation   uint64
	ObservedAddr string
	Candidates   []string
	RegisteredAt time.Time
	LastSeen     time.Time

	Link HostLink
}

// RouteInfo is the exported view of a route for the admin API.
type RouteInfo struct {
	MachineID    string    `json:"machine_id"`
	Generation   uint64    `json:"generation"`
	ObservedAddr string    `json:"observed_addr"`
	Candidates   []string  `json:"candidates"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

func (r *Route) clone() *Route {
	c := *r
	c.Candidates = append([]string(nil), r.Candidates...)
	return &c
}

func (r *Route) info() RouteInfo {
	return RouteInfo{
		MachineID:    r.MachineID.String(),
		Generation:   r.Generation,
		ObservedAddr: r.ObservedAddr,
		Candidates:   append([]string(nil), r.Candidates...),
		RegisteredAt: r.RegisteredAt,
		LastSeen:     r.LastSeen,
	}
}

// RouteTable maps MachineIDs to their latest registration. Each MachineID has
// at most one live route; registering again installs a higher generation and
// the previous holder loses the right to refresh it.
type RouteTable struct {
	mu      sync.Mutex
	routes  map[identity.MachineID]*Route
	nextGen uint64
	timeout time.Duration
}

// NewRouteTable creates a table whose routes go stale after timeout without
// a heartbeat.
func NewRouteTable(timeout time.Duration) *RouteTable {
	return &RouteTable{
		routes:  make(map[identity.MachineID]*Route),
		timeout: timeout,
	}
}

// Register installs a route for id and returns its generation together with
// the route it replaced, if any.
func (t *RouteTable) Register(id identity.MachineID, link HostLink, observed string, candidates []string, now time.Time) (uint64, *Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextGen++
	old := t.routes[id]
	t.routes[id] = &Route{
		MachineID:    id,
		Generation:   t.nextGen,
		ObservedAddr: observed,
		Candidates:   append([]string(nil), candidates...),
		RegisteredAt: now,
		LastSeen:     now,
		Link:         link,
	}
	return t.nextGen, old
}

// Heartbeat refreshes the route for id if gen is its current generation.
func (t *RouteTable) Heartbeat(id identity.MachineID, gen uint64, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routes[id]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownOrOffline, id)
	}
	if r.Generation != gen {
		return ErrSuperseded
	}
	r.LastSeen = now
	return nil
}

// Lookup returns a copy of the fresh route for id.
func (t *RouteTable) Lookup(id identity.MachineID, now time.Time) (*Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routes[id]
	if !ok || now.Sub(r.LastSeen) > t.timeout {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownOrOffline, id)
	}
	return r.clone(), nil
}

// Remove deletes the route for id if it still has generation gen.
func (t *RouteTable) Remove(id identity.MachineID, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.routes[id]; ok && r.Generation == gen {
		delete(t.routes, id)
		return true
	}
	return false
}

// Sweep evicts stale routes and returns them.
func (t *RouteTable) Sweep(now time.Time) []*Route {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []*Route
	for id, r := range t.routes {
		if now.Sub(r.LastSeen) > t.timeout {
			delete(t.routes, id)
			evicted = append(evicted, r)
		}
	}
	return evicted
}

// Len returns the number of routes, stale or not.
func (t *RouteTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}

// Snapshot returns all routes sorted by MachineID.
func (t *RouteTable) Snapshot() []RouteInfo {
	t.mu.Lock()
	out := make([]RouteInfo, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.info())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// Get returns the route for id regardless of freshness.
func (t *RouteTable) Get(id identity.MachineID) (RouteInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routes[id]
	if !ok {
		return RouteInfo{}, false
	}
	return r.info(), true
}
