//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// control/platform_unix.go
// Author: momentics <momentics@gmail.com>
//
// Platform debug probes. The descriptor limit caps the number of client
// sockets a listener can hold.

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformProbes sets platform debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	dp.RegisterProbe("platform.nofile", func() any {
		var lim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return nil
		}
		return map[string]uint64{"cur": uint64(lim.Cur), "max": uint64(lim.Max)}
	})
}
