package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"netcapture/internal/domain"
)

const (
	DefaultArchiveLimit = 100
	MaxArchiveLimit     = 1000
)

// ProxyFactory builds a listener for port; the service calls it on every start.
type ProxyFactory func(port int) ProxyServer

// RedirectorFactory builds a redirector steering traffic to the proxy on proxyPort.
type RedirectorFactory func(proxyPort uint16) Redirector

type Options struct {
	Store         RequestRepository
	Archive       ArchiveRepository
	Events        EventSink
	CA            CertAuthority
	PIDs          PIDRegistry
	NewProxy      ProxyFactory
	NewRedirector RedirectorFactory
	// Instructions renders CA install steps for an OS and language.
	Instructions func(goos, lang string) string
	DefaultPort  int
}

// RedirectorReport is the redirector state as seen through the control surface.
type RedirectorReport struct {
	domain.RedirectorStatus
	PIDs []uint32 `json:"pids"`
	// LastError keeps the most recent start failure after the state has settled.
	LastError string `json:"lastError,omitempty"`
}

// CaptureService owns the proxy lifecycle and is the query surface for captures.
type CaptureService struct {
	store         RequestRepository
	archive       ArchiveRepository
	events        EventSink
	ca            CertAuthority
	pids          PIDRegistry
	newProxy      ProxyFactory
	newRedirector RedirectorFactory
	instructions  func(goos, lang string) string
	defaultPort   int

	mu             sync.Mutex
	proxy          ProxyServer
	lastPort       int
	redirector     Redirector
	redirectorErr  string
	redirectorDone chan struct{}
}

func NewCaptureService(opts Options) *CaptureService {
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = 9527
	}
	return &CaptureService{
		store:         opts.Store,
		archive:       opts.Archive,
		events:        opts.Events,
		ca:            opts.CA,
		pids:          opts.PIDs,
		newProxy:      opts.NewProxy,
		newRedirector: opts.NewRedirector,
		instructions:  opts.Instructions,
		defaultPort:   opts.DefaultPort,
		lastPort:      opts.DefaultPort,
	}
}

// Record stores a completed capture, archives it when an archive is configured
// and announces it to live subscribers. An archive failure is returned after the
// capture has been stored and announced.
func (s *CaptureService) Record(ctx context.Context, r domain.CapturedRequest) error {
	if err := s.store.Add(ctx, r); err != nil {
		return err
	}
	var archiveErr error
	if s.archive != nil {
		archiveErr = s.archive.Save(ctx, r)
	}
	s.broadcast(domain.LiveEvent{Type: domain.EventCapturedRequest, Request: &r})
	return archiveErr
}

func (s *CaptureService) broadcast(ev domain.LiveEvent) {
	if s.events != nil {
		s.events.Broadcast(ev)
	}
}

// StartProxy binds the proxy on port (0 means the default). Starting a running
// proxy returns its current status.
func (s *CaptureService) StartProxy(ctx context.Context, port int) (domain.ProxyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxy != nil && s.proxy.Running() {
		return s.statusLocked(), nil
	}
	if port <= 0 {
		port = s.defaultPort
	}
	srv := s.newProxy(port)
	// the listener outlives the request that started it
	if err := srv.Start(context.WithoutCancel(ctx)); err != nil {
		return domain.ProxyStatus{Port: port, RequestCount: s.store.Len()}, err
	}
	s.proxy = srv
	s.lastPort = srv.Port()
	return s.statusLocked(), nil
}

// StopProxy stops the redirector that feeds the proxy and closes the listener.
// Connections already accepted finish on their own.
func (s *CaptureService) StopProxy(ctx context.Context) error {
	_, err := s.stopProxy()
	return err
}

func (s *CaptureService) stopProxy() (ProxyServer, error) {
	redirErr := s.StopRedirector()

	s.mu.Lock()
	srv := s.proxy
	s.proxy = nil
	s.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
	return srv, redirErr
}

func (s *CaptureService) ProxyStatus() domain.ProxyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *CaptureService) statusLocked() domain.ProxyStatus {
	st := domain.ProxyStatus{Port: s.lastPort, RequestCount: s.store.Len()}
	if s.proxy != nil && s.proxy.Running() {
		st.Running = true
		st.Port = s.proxy.Port()
	}
	if s.ca != nil {
		st.CAInstalled = s.ca.TrustedBySystem()
	}
	return st
}

func (s *CaptureService) List(ctx context.Context, f domain.FilterCriteria) ([]domain.CapturedRequest, error) {
	return s.store.GetFiltered(ctx, f)
}

func (s *CaptureService) Get(ctx context.Context, id string) (domain.CapturedRequest, error) {
	r, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.CapturedRequest{}, err
	}
	if !ok {
		return domain.CapturedRequest{}, fmt.Errorf("%w: capture %s", domain.ErrNotFound, id)
	}
	return r, nil
}

func (s *CaptureService) Clear(ctx context.Context) error { return s.store.Clear(ctx) }

// Archive pages through persisted captures, newest first.
func (s *CaptureService) Archive(ctx context.Context, limit, offset int) ([]domain.CapturedRequest, int, error) {
	if s.archive == nil {
		return nil, 0, fmt.Errorf("%w: archive is disabled", domain.ErrNotFound)
	}
	if limit <= 0 {
		limit = DefaultArchiveLimit
	}
	if limit > MaxArchiveLimit {
		limit = MaxArchiveLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.archive.List(ctx, limit, offset)
}

func (s *CaptureService) CAInfo() domain.CaInfo {
	if s.ca == nil {
		return domain.CaInfo{}
	}
	return s.ca.Info()
}

func (s *CaptureService) InstallInstructions(lang string) string {
	if s.instructions == nil {
		return ""
	}
	return s.instructions(runtime.GOOS, lang)
}

// StartRedirector begins steering monitored processes to the running proxy.
func (s *CaptureService) StartRedirector(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redirector != nil && s.redirector.Status().State == domain.RedirectorRunning {
		return nil
	}
	if s.proxy == nil || !s.proxy.Running() {
		return fmt.Errorf("%w: start the proxy before the redirector", domain.ErrProxyNotRunning)
	}
	r := s.newRedirector(uint16(s.proxy.Port()))
	s.redirector = r
	events, err := r.Start(context.WithoutCancel(ctx))
	if err != nil {
		s.redirectorErr = err.Error()
		return err
	}
	s.redirectorErr = ""
	done := make(chan struct{})
	s.redirectorDone = done
	go s.forwardConnections(events, done)
	return nil
}

func (s *CaptureService) forwardConnections(events <-chan domain.ConnectionInfo, done chan struct{}) {
	defer close(done)
	for info := range events {
		s.broadcast(domain.LiveEvent{Type: domain.EventConnectionRedirected, Connection: &info})
	}
}

func (s *CaptureService) StopRedirector() error {
	s.mu.Lock()
	r, done := s.redirector, s.redirectorDone
	s.redirectorDone = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	err := r.Stop()
	if done != nil {
		<-done
	}
	return err
}

func (s *CaptureService) RedirectorStatus() RedirectorReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := RedirectorReport{
		RedirectorStatus: domain.RedirectorStatus{State: domain.RedirectorStopped},
		PIDs:             s.PIDs(),
		LastError:        s.redirectorErr,
	}
	if s.redirector != nil {
		rep.RedirectorStatus = s.redirector.Status()
	}
	return rep
}

func (s *CaptureService) AddPID(pid uint32) { s.pids.Add(pid) }
func (s *CaptureService) RemovePID(pid uint32) { s.pids.Remove(pid) }
func (s *CaptureService) SetPIDs(pids []uint32) { s.pids.Set(pids) }
func (s *CaptureService) ClearPIDs() { s.pids.Clear() }
func (s *CaptureService) PIDs() []uint32 { return s.pids.List() }

// Close stops the redirector and the proxy, then waits for in-flight
// connections until ctx is done.
func (s *CaptureService) Close(ctx context.Context) error {
	srv, err := s.stopProxy()
	if srv != nil {
		if werr := srv.Wait(ctx); werr != nil {
			return errors.Join(err, fmt.Errorf("drain proxy connections: %w", werr))
		}
	}
	return err
}
