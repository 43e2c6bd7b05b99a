package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenFDEnv carries the inherited listening socket's fd number across
// a graceful binary upgrade (spec.md §4.I "SIGINT" REDESIGN FLAG); a
// freshly exec'd process checks it before opening a brand new socket.
const listenFDEnv = "PGDOORMAN_LISTEN_FD"

// listen opens addr with SO_REUSEPORT so a new process can bind the same
// port before the old one stops accepting (spec.md §4.I), unless a
// listening fd was inherited from a predecessor process via upgradeSelf.
func listen(addr string) (net.Listener, error) {
	if fdStr := os.Getenv(listenFDEnv); fdStr != "" {
		if ln, err := listenerFromInheritedFD(fdStr); err == nil {
			os.Unsetenv(listenFDEnv)
			return ln, nil
		}
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

func listenerFromInheritedFD(fdStr string) (net.Listener, error) {
	var fd int
	if _, err := fmt.Sscanf(fdStr, "%d", &fd); err != nil {
		return nil, err
	}
	file := os.NewFile(uintptr(fd), "pgdoorman-listener")
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// listenerFD extracts the raw file descriptor backing ln, for passing to
// an upgraded child process (spec.md §4.I).
func listenerFD(ln net.Listener) (uintptr, error) {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("listener is not a *net.TCPListener")
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, err
	}
	return file.Fd(), nil
}
