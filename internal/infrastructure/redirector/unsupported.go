//go:build !windows

package redirector

import (
	"context"

	"github.com/rs/zerolog"

	"netcapture/internal/domain"
	obs "netcapture/internal/infrastructure/observability"
)

// Unsupported is the redirector on platforms without a packet diversion driver.
// Explicit-proxy capture keeps working there.
type Unsupported struct {
	logger *zerolog.Logger
	status *statusHolder
}

func New(_ Config, _ *PIDSet, _ *Tracker, logger *zerolog.Logger) Redirector {
	return &Unsupported{logger: obs.Component(logger, "redirector"), status: newStatusHolder()}
}

func (u *Unsupported) Start(context.Context) (<-chan domain.ConnectionInfo, error) {
	u.logger.Warn().Msg("transparent capture requested on an unsupported platform")
	return nil, domain.ErrCaptureUnsupported
}

func (u *Unsupported) Stop() error { return nil }

func (u *Unsupported) Status() domain.RedirectorStatus { return u.status.get() }
