package firecracker

import "time"

// vsock addressing. CIDs 0-2 are reserved by the hypervisor.
const (
	DefaultVsockPort uint32 = 1024
	MinCID           uint32 = 3
)

// Per-VM defaults.
const (
	DefaultVCPUs            = 2
	DefaultMemMB            = 1024
	DefaultMaxConcurrentVMs = 10
	DefaultBootTimeout      = 30 * time.Second
)

// GuestAgentPath is where the rootfs image carries the guest agent. The
// kernel runs it as init.
const GuestAgentPath = "/usr/local/bin/volley-guest"

// BootArgs are the kernel arguments every VM boots with.
const BootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

// Paths inside the worker rootfs.
const (
	GuestWorkerPath = "/usr/local/bin/volley-worker"
	GuestWorkDir    = "/work"
)
