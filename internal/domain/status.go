package domain

import "net/netip"

// Protocol tags redirected traffic.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ConnectionInfo describes one connection the redirector steered to the proxy.
type ConnectionInfo struct {
	PID         uint32         `json:"pid"`
	ProcessName string         `json:"processName"`
	SrcAddr     netip.AddrPort `json:"srcAddr"`
	DstAddr     netip.AddrPort `json:"dstAddr"`
	OriginalDst netip.AddrPort `json:"originalDst"`
	Protocol    Protocol       `json:"protocol"`
}

type RedirectorState string

const (
	RedirectorStopped  RedirectorState = "stopped"
	RedirectorStarting RedirectorState = "starting"
	RedirectorRunning  RedirectorState = "running"
	RedirectorError    RedirectorState = "error"
)

// RedirectorStatus is the redirector state; Reason is set only in the error state.
type RedirectorStatus struct {
	State  RedirectorState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// ProxyStatus is returned by the start/status control operations.
type ProxyStatus struct {
	Running      bool `json:"running"`
	Port         int  `json:"port"`
	RequestCount int  `json:"requestCount"`
	CAInstalled  bool `json:"caInstalled"`
}

// CaInfo describes the local root certificate.
type CaInfo struct {
	Exists bool   `json:"exists"`
	Path   string `json:"path"`
	PEM    string `json:"pem,omitempty"`
}
