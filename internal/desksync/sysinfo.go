package desksync

import (
	"os"
	"runtime"
	"strconv"
)

func systemInfo(agentVersion string) map[string]string {
	hostname, _ := os.Hostname()
	info := map[string]string{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
	}
	if agentVersion != "" {
		info["agentVersion"] = agentVersion
	}
	if uptime := uptimeSeconds(); uptime > 0 {
		info["uptimeSeconds"] = strconv.FormatInt(uptime, 10)
	}
	return info
}
