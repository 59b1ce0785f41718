package usecase

import (
	"context"

	"netcapture/internal/domain"
)

// RequestRepository is the bounded in-memory capture store.
type RequestRepository interface {
	Add(ctx context.Context, r domain.CapturedRequest) error
	Get(ctx context.Context, id string) (domain.CapturedRequest, bool, error)
	GetFiltered(ctx context.Context, f domain.FilterCriteria) ([]domain.CapturedRequest, error)
	Clear(ctx context.Context) error
	Len() int
}

// ArchiveRepository persists every recorded capture beyond the store's lifetime. Optional.
type ArchiveRepository interface {
	Save(ctx context.Context, r domain.CapturedRequest) error
	List(ctx context.Context, limit, offset int) ([]domain.CapturedRequest, int, error)
}

// EventSink delivers live events to subscribers, at most once and without replay.
type EventSink interface {
	Broadcast(ev domain.LiveEvent)
}

// ProxyServer is one bound proxy listener.
type ProxyServer interface {
	Start(ctx context.Context) error
	Stop()
	Wait(ctx context.Context) error
	Running() bool
	Port() int
}

// Redirector is the platform packet diversion engine.
type Redirector interface {
	Start(ctx context.Context) (<-chan domain.ConnectionInfo, error)
	Stop() error
	Status() domain.RedirectorStatus
}

// PIDRegistry is the set of monitored process ids shared with the redirector.
type PIDRegistry interface {
	Add(pid uint32)
	Remove(pid uint32)
	Set(pids []uint32)
	Clear()
	List() []uint32
}

// CertAuthority is the local root CA.
type CertAuthority interface {
	Info() domain.CaInfo
	TrustedBySystem() bool
}
