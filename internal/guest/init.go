package guest

import (
	"log/slog"
	"os"
	"syscall"
)

type mount struct {
	source, target, fstype string
}

var initMounts = []mount{
	{"proc", "/proc", "proc"},
	{"sysfs", "/sys", "sysfs"},
	{"devtmpfs", "/dev", "devtmpfs"},
	{"tmpfs", "/tmp", "tmpfs"},
}

// defaultNameserver is written to /etc/resolv.conf when the image has none,
// so the worker can resolve the load-test target.
const defaultNameserver = "nameserver 1.1.1.1\n"

// SetupInit prepares the minimal environment the worker needs when the agent
// runs as PID 1. It is a no-op otherwise.
func SetupInit(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("create mount point", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logger.Warn("mount", "target", m.target, "error", err)
		}
	}

	if _, err := os.Stat("/etc/resolv.conf"); os.IsNotExist(err) {
		if err := os.WriteFile("/etc/resolv.conf", []byte(defaultNameserver), 0o644); err != nil {
			logger.Warn("write resolv.conf", "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	// bzt and its executors live under /usr/local/bin.
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
