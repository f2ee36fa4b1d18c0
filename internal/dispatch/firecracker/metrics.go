package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Label values for workerVMsTotal.
const (
	vmExited      = "exited"
	vmBootFailed  = "boot_failed"
	vmStopped     = "stopped"
	vmStreamError = "stream_error"
)

var (
	vmBootSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_firecracker_vm_boot_seconds",
		Help:    "Time from VM start until the guest agent accepted the worker request.",
		Buckets: prometheus.DefBuckets,
	})

	vmActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "volley_firecracker_active_vms",
		Help: "Worker microVMs currently running.",
	})

	vmCleanupSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_firecracker_vm_cleanup_seconds",
		Help:    "Time spent stopping a VM and detaching its network.",
		Buckets: prometheus.DefBuckets,
	})

	workerVMsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_firecracker_worker_vms_total",
		Help: "Worker microVMs by how they ended.",
	}, []string{"end"})
)

func init() {
	prometheus.MustRegister(vmBootSeconds, vmActive, vmCleanupSeconds, workerVMsTotal)

	for _, end := range []string{vmExited, vmBootFailed, vmStopped, vmStreamError} {
		workerVMsTotal.WithLabelValues(end)
	}
}
