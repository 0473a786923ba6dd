//go:build linux

package desksync

import "golang.org/x/sys/unix"

func uptimeSeconds() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(info.Uptime)
}
