package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers wrap these with context and test with errors.Is.
var (
	ErrBind               = errors.New("bind error")
	ErrCertificate        = errors.New("certificate error")
	ErrTunnel             = errors.New("tunnel error")
	ErrUpstream           = errors.New("upstream error")
	ErrParse              = errors.New("parse error")
	ErrCaptureDriver      = errors.New("capture driver error")
	ErrCaptureUnsupported = fmt.Errorf("%w: transparent capture is not supported on this platform", ErrCaptureDriver)
	ErrStore              = errors.New("store error")
	ErrNotFound           = errors.New("not found")
	ErrProxyNotRunning    = errors.New("proxy is not running")
)
