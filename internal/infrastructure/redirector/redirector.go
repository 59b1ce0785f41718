// Package redirector steers outbound TCP traffic of selected processes to the
// local proxy and remembers where each steered connection was headed.
package redirector

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"netcapture/internal/domain"
)

const (
	DefaultProxyPort = 9527
	trackerSize      = 65536
	trackerTTL       = 10 * time.Minute
	connTableSize    = 65536
	connTableTTL     = 10 * time.Minute
	eventBuffer      = 1000
)

// Redirector is the platform packet diversion engine.
type Redirector interface {
	// Start opens the capture driver; the returned channel reports each redirected
	// connection and is closed when the redirector stops.
	Start(ctx context.Context) (<-chan domain.ConnectionInfo, error)
	Stop() error
	Status() domain.RedirectorStatus
}

type Config struct {
	// ProxyPort is where redirected connections land on 127.0.0.1.
	ProxyPort uint16
}

func (c Config) proxyAddr() netip.AddrPort {
	port := c.ProxyPort
	if port == 0 {
		port = DefaultProxyPort
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}

// PIDSet is the set of process ids whose traffic gets redirected.
type PIDSet struct {
	mu   sync.RWMutex
	pids map[uint32]struct{}
}

func NewPIDSet() *PIDSet { return &PIDSet{pids: make(map[uint32]struct{})} }

func (s *PIDSet) Add(pid uint32) {
	s.mu.Lock()
	s.pids[pid] = struct{}{}
	s.mu.Unlock()
}

func (s *PIDSet) Remove(pid uint32) {
	s.mu.Lock()
	delete(s.pids, pid)
	s.mu.Unlock()
}

// Set replaces the whole set.
func (s *PIDSet) Set(pids []uint32) {
	next := make(map[uint32]struct{}, len(pids))
	for _, p := range pids {
		next[p] = struct{}{}
	}
	s.mu.Lock()
	s.pids = next
	s.mu.Unlock()
}

func (s *PIDSet) Clear() { s.Set(nil) }

func (s *PIDSet) Contains(pid uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pids[pid]
	return ok
}

// List returns the pids in ascending order.
func (s *PIDSet) List() []uint32 {
	s.mu.RLock()
	out := make([]uint32, 0, len(s.pids))
	for p := range s.pids {
		out = append(out, p)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

type flowKey struct {
	a, b netip.AddrPort
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Tracker maps (client, proxy) to the destination the client originally dialled.
// Entries expire so abandoned flows do not accumulate.
type Tracker struct {
	lru *expirable.LRU[flowKey, netip.AddrPort]
}

func NewTracker() *Tracker { return newTracker(trackerSize, trackerTTL) }

func newTracker(size int, ttl time.Duration) *Tracker {
	return &Tracker{lru: expirable.NewLRU[flowKey, netip.AddrPort](size, nil, ttl)}
}

func (t *Tracker) Track(client, proxy, original netip.AddrPort) {
	t.lru.Add(flowKey{normalize(client), normalize(proxy)}, normalize(original))
}

// Lookup implements the proxy handler's original-destination lookup: client is the
// accepted connection's remote address and local its proxy-side address.
func (t *Tracker) Lookup(client, local netip.AddrPort) (netip.AddrPort, bool) {
	return t.lru.Get(flowKey{normalize(client), normalize(local)})
}

func (t *Tracker) Forget(client, proxy netip.AddrPort) {
	t.lru.Remove(flowKey{normalize(client), normalize(proxy)})
}

func (t *Tracker) Len() int { return t.lru.Len() }

// ConnTable maps a socket's (local, remote) endpoints to the owning process,
// learned from socket-layer events.
type ConnTable struct {
	lru *expirable.LRU[flowKey, uint32]
}

func NewConnTable() *ConnTable {
	return &ConnTable{lru: expirable.NewLRU[flowKey, uint32](connTableSize, nil, connTableTTL)}
}

func (c *ConnTable) Learn(local, remote netip.AddrPort, pid uint32) {
	c.lru.Add(flowKey{normalize(local), normalize(remote)}, pid)
}

func (c *ConnTable) Forget(local, remote netip.AddrPort) {
	c.lru.Remove(flowKey{normalize(local), normalize(remote)})
}

func (c *ConnTable) Lookup(local, remote netip.AddrPort) (uint32, bool) {
	return c.lru.Get(flowKey{normalize(local), normalize(remote)})
}

type statusHolder struct {
	mu sync.RWMutex
	st domain.RedirectorStatus
}

func (h *statusHolder) get() domain.RedirectorStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.st
}

func (h *statusHolder) set(state domain.RedirectorState, reason string) {
	h.mu.Lock()
	h.st = domain.RedirectorStatus{State: state, Reason: reason}
	h.mu.Unlock()
}

func newStatusHolder() *statusHolder {
	return &statusHolder{st: domain.RedirectorStatus{State: domain.RedirectorStopped}}
}
