//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

// unwrapper is implemented by connection wrappers that can hand back the
// underlying net.Conn.
type unwrapper interface {
	Unwrap() net.Conn
}

// connSocket is a socket seen from userspace: its kernel cookie and an fd
// that is valid for the duration of one dispatch.
type connSocket struct {
	cookie uint64
	fd     int
}

func (s connSocket) Cookie() uint64 { return s.cookie }
func (s connSocket) FD() int        { return s.fd }

func tcpConn(conn net.Conn) (*net.TCPConn, error) {
	for {
		if tc, ok := conn.(*net.TCPConn); ok {
			return tc, nil
		}
		u, ok := conn.(unwrapper)
		if !ok {
			return nil, errors.New("not a TCP connection")
		}
		conn = u.Unwrap()
	}
}

// SocketCookie returns the kernel socket cookie of conn (Linux 4.6+).
func SocketCookie(conn net.Conn) (uint64, error) {
	tc, err := tcpConn(conn)
	if err != nil {
		return 0, err
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		cookie  uint64
		sockErr error
	)
	err = raw.Control(func(fd uintptr) {
		cookie, sockErr = unix.GetsockoptUint64(int(fd), unix.SOL_SOCKET, unix.SO_COOKIE)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, fmt.Errorf("getsockopt SO_COOKIE: %w", sockErr)
	}
	return cookie, nil
}

// establishedConn describes a connected socket the way the kernel would in
// an active-established callback.
func establishedConn(tc *net.TCPConn) (sockops.Conn, error) {
	local, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return sockops.Conn{}, errors.New("local address is not TCP")
	}
	remote, ok := tc.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return sockops.Conn{}, errors.New("remote address is not TCP")
	}

	conn := sockops.Conn{
		Op:         sockops.OpActiveEstablished,
		Family:     sockops.FamilyIPv6,
		LocalPort:  uint16(local.Port),
		RemotePort: uint16(remote.Port),
	}
	la, lok := netip.AddrFromSlice(local.IP)
	ra, rok := netip.AddrFromSlice(remote.IP)
	if !lok || !rok || !la.Unmap().Is4() || !ra.Unmap().Is4() {
		return conn, nil
	}
	conn.Family = sockops.FamilyIPv4
	conn.LocalAddr, _ = linux.Addr2Linux(la)
	conn.RemoteAddr, _ = linux.Addr2Linux(ra)
	return conn, nil
}

// withSocket runs fn with the socket's cookie and fd filled in. The fd is
// only valid inside fn.
func withSocket(tc *net.TCPConn, conn sockops.Conn, fn func(sockops.Conn)) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cookie, err := unix.GetsockoptUint64(int(fd), unix.SOL_SOCKET, unix.SO_COOKIE)
		if err != nil {
			sockErr = fmt.Errorf("getsockopt SO_COOKIE: %w", err)
			return
		}
		conn.Cookie = cookie
		conn.Socket = connSocket{cookie: cookie, fd: int(fd)}
		fn(conn)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// resetConn aborts the connection with an RST instead of a FIN.
func resetConn(tc *net.TCPConn) error {
	if err := tc.SetLinger(0); err != nil && !errors.Is(err, syscall.EBADF) {
		return err
	}
	return tc.Close()
}
