//go:build !linux

package discovery

import "github.com/SkynetNext/sockops-binder/pkg/linux"

func hasNodeIP(ip, ipListFile string) bool {
	return linux.IsCurrentNodeIP(ip, ipListFile)
}
