// Package netutil provides the socket-option and time helpers the relay
// needs beyond what net.Listen/net.ListenPacket expose directly.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// listenConfig sets SO_REUSEADDR on every socket it creates, matching the
// original relay's open_socket_in_udp/open_socket_in_tcp.
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	},
}

// ListenUDP opens a UDP socket bound to the given port on all interfaces.
func ListenUDP(ctx context.Context, port int) (*net.UDPConn, error) {
	pc, err := listenConfig.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("netutil: unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// ListenTCP opens a TCP listener bound to the given port with a backlog of
// 8, matching the original relay's listen(fd, 8).
func ListenTCP(ctx context.Context, port int) (*net.TCPListener, error) {
	ln, err := listenConfig.Listen(ctx, "tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("netutil: unexpected listener type %T", ln)
	}
	// net.Listen uses the system default backlog; a second listen(2) on
	// the bound socket sets it to 8.
	raw, err := tln.SyscallConn()
	if err == nil {
		if cerr := raw.Control(func(fd uintptr) { err = unix.Listen(int(fd), 8) }); cerr != nil {
			err = cerr
		}
	}
	if err != nil {
		_ = tln.Close()
		return nil, fmt.Errorf("netutil: set listen backlog: %w", err)
	}
	return tln, nil
}

// SetTCPNoDelay enables TCP_NODELAY on conn if it is a *net.TCPConn,
// matching the original relay's SOL_TCP/TCP_NODELAY setsockopt.
func SetTCPNoDelay(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
}

// Now returns the current wall-clock time. A thin indirection point so
// callers that need to fake time in tests can swap it out.
var Now = time.Now

// FD returns the raw file descriptor backing conn, for use with Poll.
// The caller must not start a concurrent blocking Read/Accept on conn
// while also polling its fd directly; the two would race on the same
// descriptor.
func FD(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var ctrlErr error
	err = raw.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1, err
	}
	return fd, ctrlErr
}

// Poll blocks up to timeout for any of fds to become readable (or
// hang up / error), mirroring the original relay's select(2)-based
// multiplexed wait. Entries equal to -1 are skipped, so callers can
// pass a fixed-size slice with some sockets currently closed. It
// returns the indices into fds that are ready; a nil, nil result means
// the timeout elapsed with nothing ready.
func Poll(fds []int, timeout time.Duration) ([]int, error) {
	pollFDs := make([]unix.PollFd, 0, len(fds))
	indices := make([]int, 0, len(fds))
	for i, fd := range fds {
		if fd < 0 {
			continue
		}
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		indices = append(indices, i)
	}
	if len(pollFDs) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	n, err := unix.Poll(pollFDs, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("netutil: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var ready []int
	for i, pfd := range pollFDs {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, indices[i])
		}
	}
	return ready, nil
}
