// Package linux converts between Go addresses and the representation the
// kernel uses inside BPF maps, and answers questions about the local node.
package linux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

var ErrNotIPv4 = errors.New("not an IPv4 address")

// IP2Linux parses an IPv4 address and returns it the way the kernel stores
// it in bpf_sock_ops and map values: network byte order bytes read as a
// native-endian uint32.
func IP2Linux(ipstr string) (uint32, error) {
	addr, err := netip.ParseAddr(ipstr)
	if err != nil {
		return 0, fmt.Errorf("error parse ip: %s", ipstr)
	}
	return Addr2Linux(addr)
}

// Addr2Linux is IP2Linux for an already parsed address.
func Addr2Linux(addr netip.Addr) (uint32, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, fmt.Errorf("%s: %w", addr, ErrNotIPv4)
	}
	b := addr.As4()
	return binary.NativeEndian.Uint32(b[:]), nil
}

// MustIP2Linux is IP2Linux for constants; it panics on malformed input.
func MustIP2Linux(ipstr string) uint32 {
	v, err := IP2Linux(ipstr)
	if err != nil {
		panic(err)
	}
	return v
}

// Linux2Addr is the inverse of Addr2Linux.
func Linux2Addr(v uint32) netip.Addr {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Linux2IP formats a kernel-order address as dotted quad.
func Linux2IP(v uint32) string {
	return Linux2Addr(v).String()
}

// IsCurrentNodeIP reports whether ipstr belongs to this node. When
// ipListFile is readable it is authoritative (one CIDR per line);
// otherwise the local interfaces are consulted.
func IsCurrentNodeIP(ipstr string, ipListFile string) bool {
	if ipListFile != "" {
		bs, err := os.ReadFile(ipListFile)
		if err != nil {
			xlog.Errorf("read ip list file from %s error: %v", ipListFile, err)
		} else {
			for _, line := range strings.Split(string(bs), "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), ipstr+"/") {
					return true
				}
			}
			return false
		}
	}
	xlog.Debugf("no ips file found, fetch ips from interfaces")
	ifaces, err := net.Interfaces()
	if err != nil {
		xlog.Warnf("list interfaces: %v", err)
		return false
	}
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				if v.IP.String() == ipstr {
					return true
				}
			case *net.IPAddr:
				if v.IP.String() == ipstr {
					return true
				}
			}
		}
	}
	return false
}
