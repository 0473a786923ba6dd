//go:build !linux

package desksync

func uptimeSeconds() int64 {
	return 0
}
