package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenMulticast opens a UDP socket bound to the group port with address
// reuse enabled, so several processes on one host can all listen, and joins
// the multicast group on the default interface.
func listenMulticast(ctx context.Context, group *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	if err := joinGroup(conn, group.IP); err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining multicast group %s: %w", group.IP, err)
	}
	return conn, nil
}

func joinGroup(conn *net.UDPConn, group net.IP) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], group.To4())

	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	})
	if err != nil {
		return err
	}
	return serr
}
