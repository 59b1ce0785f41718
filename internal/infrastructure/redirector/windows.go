//go:build windows

package redirector

import (
	"fmt"
	"path/filepath"

	"github.com/imgk/divert-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"
)

// New redirects through the WinDivert driver: a sniffing socket-layer handle
// attributes flows to processes and a network-layer handle rewrites the packets.
func New(cfg Config, pids *PIDSet, tracker *Tracker, logger *zerolog.Logger) Redirector {
	return newEngine(cfg, pids, tracker, logger, driver[*divert.Address]{
		open:        openDivert,
		newAddr:     func() *divert.Address { return new(divert.Address) },
		socketEvent: divertSocketEvent,
		processName: processName,
	})
}

func openDivert(filter string) (handle[*divert.Address], handle[*divert.Address], error) {
	network, err := divert.Open(filter, divert.LayerNetwork, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open network layer: %w", err)
	}
	socket, err := divert.Open("tcp", divert.LayerSocket, 0, divert.FlagSniff|divert.FlagRecvOnly)
	if err != nil {
		_ = network.Close()
		return nil, nil, fmt.Errorf("open socket layer: %w", err)
	}
	return network, socket, nil
}

func divertSocketEvent(addr *divert.Address) socketEvent {
	s := addr.Socket()
	return socketEvent{
		Local:  socketAddr(s.LocalAddress, s.LocalPort),
		Remote: socketAddr(s.RemoteAddress, s.RemotePort),
		PID:    s.ProcessID,
		Closed: addr.Event() == divert.EventSocketClose,
	}
}

// processName resolves the executable name of pid; empty when the process is gone
// or not accessible.
func processName(pid uint32) string {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(h)
	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return ""
	}
	return filepath.Base(windows.UTF16ToString(buf[:size]))
}
