package firecracker

import (
	"os"
	"strconv"
	"time"
)

// Environment variables read by LoadConfig.
const (
	envKernelPath    = "VOLLEY_FC_KERNEL_PATH"
	envRootfsPath    = "VOLLEY_FC_ROOTFS_PATH"
	envBin           = "VOLLEY_FC_BIN"
	envCNIConfigDir  = "VOLLEY_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "VOLLEY_FC_CNI_BIN_DIR"
	envVsockPort     = "VOLLEY_FC_VSOCK_PORT"
	envVCPUs         = "VOLLEY_FC_VCPUS"
	envMemMB         = "VOLLEY_FC_MEM_MB"
	envMaxConcurrent = "VOLLEY_FC_MAX_CONCURRENT_VMS"
	envBootTimeout   = "VOLLEY_FC_BOOT_TIMEOUT"
)

// Config holds the settings of the microVM dispatcher.
type Config struct {
	// KernelPath is the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsPath is the ext4 image containing the guest agent, the worker
	// binary and the load tool. Each VM boots from its own copy.
	RootfsPath string

	FirecrackerBin string
	CNIConfigDir   string
	CNIBinDir      string

	// VsockPort is the port the guest agent listens on.
	VsockPort uint32

	// CIDBase is the first vsock context ID handed out.
	CIDBase uint32

	VCPUs int
	MemMB int

	// MaxConcurrentVMs bounds how many workers run at once.
	MaxConcurrentVMs int

	// BootTimeout bounds VM start plus the guest agent handshake.
	BootTimeout time.Duration
}

// LoadConfig reads VOLLEY_FC_* variables, falling back to defaults.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:   "firecracker",
		CNIConfigDir:     "/etc/cni/conf.d",
		CNIBinDir:        "/opt/cni/bin",
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		VCPUs:            DefaultVCPUs,
		MemMB:            DefaultMemMB,
		MaxConcurrentVMs: DefaultMaxConcurrentVMs,
		BootTimeout:      DefaultBootTimeout,
	}

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setPositive := func(key string, dst *int) {
		if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
			*dst = n
		}
	}

	setString(envKernelPath, &cfg.KernelPath)
	setString(envRootfsPath, &cfg.RootfsPath)
	setString(envBin, &cfg.FirecrackerBin)
	setString(envCNIConfigDir, &cfg.CNIConfigDir)
	setString(envCNIBinDir, &cfg.CNIBinDir)
	setPositive(envVCPUs, &cfg.VCPUs)
	setPositive(envMemMB, &cfg.MemMB)
	setPositive(envMaxConcurrent, &cfg.MaxConcurrentVMs)

	if port, err := strconv.ParseUint(os.Getenv(envVsockPort), 10, 32); err == nil && port > 0 {
		cfg.VsockPort = uint32(port)
	}
	if d, err := time.ParseDuration(os.Getenv(envBootTimeout)); err == nil && d > 0 {
		cfg.BootTimeout = d
	}

	return cfg
}
