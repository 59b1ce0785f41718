package redirector

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"netcapture/internal/domain"
	obs "netcapture/internal/infrastructure/observability"
)

const packetBufferSize = 65535

// handle is one open capture-driver handle. A is the driver's per-packet
// address record, passed back unchanged on Send.
type handle[A any] interface {
	Recv(buf []byte, addr A) (uint, error)
	Send(buf []byte, addr A) (uint, error)
	Close() error
}

// socketEvent is what the socket layer reports about one endpoint pair.
type socketEvent struct {
	Local, Remote netip.AddrPort
	PID           uint32
	Closed        bool
}

// driver is the platform half of a redirector.
type driver[A any] struct {
	// open returns the network-layer and socket-layer handles for filter.
	open        func(filter string) (network, socket handle[A], err error)
	newAddr     func() A
	socketEvent func(A) socketEvent
	processName func(pid uint32) string
}

// engine runs one capture session at a time on top of a driver.
type engine[A any] struct {
	cfg     Config
	pids    *PIDSet
	tracker *Tracker
	conns   *ConnTable
	logger  *zerolog.Logger
	status  *statusHolder
	drv     driver[A]

	mu      sync.Mutex
	running atomic.Bool
	network handle[A]
	socket  handle[A]
	loops   *sync.WaitGroup
}

func newEngine[A any](cfg Config, pids *PIDSet, tracker *Tracker, logger *zerolog.Logger, drv driver[A]) *engine[A] {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &engine[A]{
		cfg:     cfg,
		pids:    pids,
		tracker: tracker,
		conns:   NewConnTable(),
		logger:  obs.Component(logger, "redirector"),
		status:  newStatusHolder(),
		drv:     drv,
	}
}

// filter diverts monitored web traffic that is not the proxy's own, plus the
// proxy's replies so their source can be restored.
func (e *engine[A]) filter() string {
	port := e.cfg.proxyAddr().Port()
	return fmt.Sprintf("tcp and ((!loopback and (tcp.DstPort == 80 or tcp.DstPort == 443) and localPort != %d) or tcp.SrcPort == %d)", port, port)
}

func (e *engine[A]) Start(ctx context.Context) (<-chan domain.ConnectionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil, fmt.Errorf("%w: redirector already running", domain.ErrCaptureDriver)
	}
	// a previous session that died on a driver error still has its loops' handles
	_ = e.closeHandles()
	e.status.set(domain.RedirectorStarting, "")

	network, socket, err := e.drv.open(e.filter())
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrCaptureDriver, err)
		e.status.set(domain.RedirectorError, err.Error())
		e.logger.Error().Err(err).Msg("capture driver unavailable")
		return nil, err
	}

	e.network, e.socket = network, socket
	events := make(chan domain.ConnectionInfo, eventBuffer)
	e.running.Store(true)
	e.status.set(domain.RedirectorRunning, "")

	loops := &sync.WaitGroup{}
	e.loops = loops
	loops.Add(2)
	go e.socketLoop(loops, socket)
	go e.packetLoop(loops, network, events)
	go func() {
		loops.Wait()
		close(events)
	}()

	e.logger.Info().Str("filter", e.filter()).Stringer("proxy", e.cfg.proxyAddr()).Msg("redirector running")
	return events, nil
}

// socketLoop learns which process owns each TCP endpoint pair.
func (e *engine[A]) socketLoop(loops *sync.WaitGroup, socket handle[A]) {
	defer loops.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, 1)
	addr := e.drv.newAddr()
	for e.running.Load() {
		if _, err := socket.Recv(buf, addr); err != nil {
			e.recvFailed("socket", err)
			return
		}
		ev := e.drv.socketEvent(addr)
		if ev.Closed {
			e.conns.Forget(ev.Local, ev.Remote)
			continue
		}
		e.conns.Learn(ev.Local, ev.Remote, ev.PID)
	}
}

// packetLoop re-addresses segments of monitored processes to the proxy and
// restores the source of the proxy's replies.
func (e *engine[A]) packetLoop(loops *sync.WaitGroup, network handle[A], events chan<- domain.ConnectionInfo) {
	defer loops.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, packetBufferSize)
	addr := e.drv.newAddr()
	for e.running.Load() {
		n, err := network.Recv(buf, addr)
		if err != nil {
			e.recvFailed("network", err)
			return
		}
		out, info := e.route(buf[:n])
		if _, err := network.Send(out, addr); err != nil && e.running.Load() {
			e.logger.Debug().Err(err).Msg("reinject failed")
		}
		if info != nil {
			info.ProcessName = e.drv.processName(info.PID)
			select {
			case events <- *info:
			default:
				e.logger.Debug().Uint32("pid", info.PID).Msg("connection event dropped, consumer is behind")
			}
		}
	}
}

// route decides what happens to one diverted packet. It returns the packet to
// reinject and, for the opening SYN of a redirected connection, its event.
func (e *engine[A]) route(packet []byte) ([]byte, *domain.ConnectionInfo) {
	proxy := e.cfg.proxyAddr()
	flow, err := PeekFlow(packet)
	if err != nil {
		return packet, nil
	}

	if flow.Src.Port() == proxy.Port() {
		orig, ok := e.tracker.Lookup(flow.Dst, proxy)
		if !ok {
			return packet, nil
		}
		if flow.RST {
			e.tracker.Forget(flow.Dst, proxy)
		}
		out, err := RewriteFromProxy(packet, orig)
		if err != nil {
			return packet, nil
		}
		return out, nil
	}

	pid, known := e.conns.Lookup(flow.Src, flow.Dst)
	if !known || !e.pids.Contains(pid) {
		return packet, nil
	}
	rw, err := RewriteToProxy(packet, proxy)
	if err != nil {
		e.logger.Debug().Err(err).Msg("rewrite failed, passing packet through")
		return packet, nil
	}
	if rw.RST {
		e.tracker.Forget(rw.Src, proxy)
		return rw.Packet, nil
	}
	e.tracker.Track(rw.Src, proxy, rw.Dst)
	if rw.SYN && !rw.ACK {
		return rw.Packet, &domain.ConnectionInfo{
			PID:         pid,
			SrcAddr:     rw.Src,
			DstAddr:     proxy,
			OriginalDst: rw.Dst,
			Protocol:    domain.ProtocolTCP,
		}
	}
	return rw.Packet, nil
}

func (e *engine[A]) recvFailed(layer string, err error) {
	if !e.running.Swap(false) {
		return
	}
	err = fmt.Errorf("%w: %s recv: %w", domain.ErrCaptureDriver, layer, err)
	e.logger.Error().Err(err).Msg("redirector stopped on driver error")
	e.status.set(domain.RedirectorError, err.Error())
}

// Stop closes both handles, which unblocks the receive loops, and waits for
// them. The loops own their handle values; the fields are cleared afterwards.
func (e *engine[A]) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running.Store(false)
	err := e.closeHandles()
	e.status.set(domain.RedirectorStopped, "")
	return err
}

// closeHandles requires e.mu.
func (e *engine[A]) closeHandles() error {
	var firstErr error
	for _, h := range []handle[A]{e.network, e.socket} {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: close handle: %w", domain.ErrCaptureDriver, err)
		}
	}
	if e.loops != nil {
		e.loops.Wait()
	}
	e.network, e.socket, e.loops = nil, nil, nil
	return firstErr
}

func (e *engine[A]) Status() domain.RedirectorStatus { return e.status.get() }
