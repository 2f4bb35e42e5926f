//go:build linux

package discovery

import (
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/SkynetNext/sockops-binder/pkg/linux"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

// hasNodeIP checks ip against the list file when given, otherwise against
// the IPv4 addresses netlink reports for every link.
func hasNodeIP(ip, ipListFile string) bool {
	if ipListFile != "" {
		return linux.IsCurrentNodeIP(ip, ipListFile)
	}
	addrs, err := netlink.AddrList(nil, unix.AF_INET)
	if err != nil {
		xlog.Debugf("netlink address list failed, falling back to interfaces: %v", err)
		return linux.IsCurrentNodeIP(ip, "")
	}
	for _, addr := range addrs {
		if addr.IPNet != nil && addr.IP.String() == ip {
			return true
		}
	}
	return false
}
