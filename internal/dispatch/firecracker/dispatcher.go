// Package firecracker dispatches each worker into its own Firecracker
// microVM. The VM boots a rootfs holding the guest agent, the worker binary
// and the load tool; the host passes the worker environment over vsock and
// relays the worker's output back as log lines.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/volley/internal/dispatch"
)

// Name is the registry name of this dispatcher.
const Name = "firecracker"

const (
	rootDriveID     = "rootfs"
	vsockID         = "vsock0"
	shutdownTimeout = 3 * time.Second
	streamGrace     = 30 * time.Second
)

// Compile-time interface satisfaction check.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// workerVM is one running (or booting) worker.
type workerVM struct {
	machine  *fcsdk.Machine
	conn     *GuestConn
	cid      uint32
	hasCID   bool
	dir      string
	cancel   context.CancelFunc
	started  bool
	stopped  atomic.Bool
	teardown sync.Once
}

// Dispatcher implements dispatch.Dispatcher with one microVM per job.
type Dispatcher struct {
	cfg    Config
	net    *Networker
	cids   *cidPool
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*workerVM
	wg  sync.WaitGroup
}

// New creates the dispatcher. Call Verify before dispatching to catch a
// missing CNI installation early.
func New(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	n, err := NewNetworker(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create networker: %w", err)
	}
	return &Dispatcher{
		cfg:    cfg,
		net:    n,
		cids:   newCIDPool(cfg.CIDBase, cfg.MaxConcurrentVMs),
		logger: logger,
		vms:    make(map[string]*workerVM),
	}, nil
}

// Verify checks the host prerequisites and installs the CNI conflist.
func (d *Dispatcher) Verify() error {
	if err := d.net.Verify(); err != nil {
		return err
	}
	for _, p := range []string{d.cfg.KernelPath, d.cfg.RootfsPath} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("firecracker asset: %w", err)
		}
	}
	if err := EnableIPForwarding(); err != nil {
		return err
	}
	return d.net.WriteConfList()
}

// Dispatch boots a VM for the job and hands the worker environment to the
// guest agent. It returns once the agent has accepted the request; the VM is
// torn down when the worker exits or on Cleanup.
func (d *Dispatcher) Dispatch(ctx context.Context, spec dispatch.WorkerSpec) error {
	env, err := spec.EnvMap()
	if err != nil {
		return fmt.Errorf("build worker env: %w", err)
	}

	d.mu.Lock()
	if _, ok := d.vms[spec.JobID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", dispatch.ErrAlreadyDispatched, spec.JobID)
	}
	if len(d.vms) >= d.cfg.MaxConcurrentVMs {
		d.mu.Unlock()
		return fmt.Errorf("all %d worker VM slots in use", d.cfg.MaxConcurrentVMs)
	}
	vm := &workerVM{}
	d.vms[spec.JobID] = vm
	d.mu.Unlock()

	if err := d.boot(ctx, spec, vm, env); err != nil {
		workerVMsTotal.WithLabelValues(vmBootFailed).Inc()
		d.destroy(spec.JobID, vm)
		return err
	}

	d.wg.Go(func() {
		d.relay(spec, vm)
	})
	return nil
}

func (d *Dispatcher) boot(ctx context.Context, spec dispatch.WorkerSpec, vm *workerVM, env map[string]string) error {
	start := time.Now()

	cid, err := d.cids.get()
	if err != nil {
		return err
	}
	vm.cid, vm.hasCID = cid, true

	vmNet, err := d.net.Attach(ctx, spec.JobID)
	if err != nil {
		return fmt.Errorf("attach network: %w", err)
	}

	vm.dir, err = os.MkdirTemp("", "volley-vm-"+spec.JobID+"-")
	if err != nil {
		return fmt.Errorf("create VM dir: %w", err)
	}
	rootfs := filepath.Join(vm.dir, "rootfs.ext4")
	if err := copyRootfs(d.cfg.RootfsPath, rootfs); err != nil {
		return err
	}

	apiSock := filepath.Join(vm.dir, "api.sock")
	vsockPath := filepath.Join(vm.dir, "vsock.sock")

	// The VM outlives the dispatch call.
	vmCtx, cancel := context.WithCancel(context.Background())
	vm.cancel = cancel

	silent := logrus.New()
	silent.SetOutput(io.Discard)

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(d.cfg.FirecrackerBin).
		WithSocketPath(apiSock).
		Build(vmCtx)

	vm.machine, err = fcsdk.NewMachine(vmCtx, d.machineConfig(spec.JobID, apiSock, vsockPath, rootfs, cid, vmNet),
		fcsdk.WithLogger(logrus.NewEntry(silent)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}

	if err := vm.machine.Start(vmCtx); err != nil {
		return fmt.Errorf("start VM: %w", err)
	}
	vm.started = true
	vmActive.Inc()

	bootCtx, cancelBoot := context.WithTimeout(ctx, d.cfg.BootTimeout)
	defer cancelBoot()

	gc, err := DialGuest(bootCtx, vsockPath, d.cfg.VsockPort)
	if err != nil {
		return fmt.Errorf("connect to guest agent: %w", err)
	}
	vm.conn = gc

	if spec.Timeout > 0 {
		if err := gc.SetDeadline(time.Now().Add(spec.Timeout + streamGrace)); err != nil {
			return fmt.Errorf("set stream deadline: %w", err)
		}
	}
	if err := gc.Start(GuestRequest{
		JobID:    spec.JobID,
		Env:      env,
		TimeoutS: int(spec.Timeout.Seconds()),
	}); err != nil {
		return err
	}

	vmBootSeconds.Observe(time.Since(start).Seconds())
	d.logger.Info("worker VM started",
		"job_id", spec.JobID,
		"cid", cid,
		"guest_ip", vmNet.GuestIP,
		"boot_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (d *Dispatcher) machineConfig(jobID, apiSock, vsockPath, rootfs string, cid uint32, vmNet *VMNetwork) fcsdk.Config {
	return fcsdk.Config{
		SocketPath:      apiSock,
		KernelImagePath: d.cfg.KernelPath,
		KernelArgs:      kernelArgs(vmNet),
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootDriveID),
			PathOnHost:   fcsdk.String(rootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  vmNet.MACAddress,
				HostDevName: vmNet.TAPDevice,
			},
		}},
		VsockDevices: []fcsdk.VsockDevice{{ID: vsockID, Path: vsockPath, CID: cid}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(d.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(d.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: vmNet.NetNSPath,
		VMID:  jobID,
	}
}

// kernelArgs appends the kernel's static IP configuration for the guest's
// eth0 (ip=<client>::<gateway>:<netmask>::<device>:off).
func kernelArgs(vmNet *VMNetwork) string {
	ip, ipNet, err := net.ParseCIDR(vmNet.GuestIP)
	if err != nil {
		return BootArgs
	}
	mask := net.IP(ipNet.Mask).String()
	return fmt.Sprintf("%s ip=%s::%s:%s::eth0:off", BootArgs, ip, vmNet.GatewayIP, mask)
}

// relay forwards worker output until the guest reports the worker's exit,
// then tears the VM down.
func (d *Dispatcher) relay(spec dispatch.WorkerSpec, vm *workerVM) {
	defer d.destroy(spec.JobID, vm)

	resp, err := vm.conn.Stream(spec.Emit)
	switch {
	case vm.stopped.Load():
		workerVMsTotal.WithLabelValues(vmStopped).Inc()
		d.logger.Info("worker VM stopped", "job_id", spec.JobID)
	case err != nil:
		workerVMsTotal.WithLabelValues(vmStreamError).Inc()
		d.logger.Warn("lost worker VM stream", "job_id", spec.JobID, "error", err)
	default:
		workerVMsTotal.WithLabelValues(vmExited).Inc()
		d.logger.Info("worker exited in VM", "job_id", spec.JobID, "exit_code", resp.ExitCode, "error", resp.Error)
	}
}

// destroy releases everything the VM holds. It runs once per VM; concurrent
// callers block until the first has finished.
func (d *Dispatcher) destroy(jobID string, vm *workerVM) {
	vm.teardown.Do(func() {
		start := time.Now()

		d.mu.Lock()
		delete(d.vms, jobID)
		d.mu.Unlock()

		if vm.conn != nil {
			vm.conn.Close()
		}

		if vm.machine != nil && vm.started {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := vm.machine.Shutdown(shutdownCtx); err != nil {
				d.logger.Debug("graceful VM shutdown failed", "job_id", jobID, "error", err)
				if err := vm.machine.StopVMM(); err != nil {
					d.logger.Debug("stop VMM", "job_id", jobID, "error", err)
				}
			}
			cancel()

			waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := vm.machine.Wait(waitCtx); err != nil {
				d.logger.Debug("wait for VMM exit", "job_id", jobID, "error", err)
			}
			cancel()
			vmActive.Dec()
		}
		if vm.cancel != nil {
			vm.cancel()
		}
		if vm.hasCID {
			d.cids.put(vm.cid)
		}

		netCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.net.Detach(netCtx, jobID); err != nil {
			d.logger.Warn("detach worker network", "job_id", jobID, "error", err)
		}
		cancel()

		if vm.dir != "" {
			os.RemoveAll(vm.dir)
		}

		vmCleanupSeconds.Observe(time.Since(start).Seconds())
	})
}

// Capabilities reports what this dispatcher provides.
func (d *Dispatcher) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		Name:           Name,
		Isolation:      "microvm",
		MaxConcurrency: d.cfg.MaxConcurrentVMs,
	}
}

// Cleanup stops the job's VM if it is still running.
func (d *Dispatcher) Cleanup(_ context.Context, jobID string) error {
	d.mu.Lock()
	vm, ok := d.vms[jobID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	vm.stopped.Store(true)
	d.destroy(jobID, vm)
	return nil
}

// Shutdown stops every VM and waits for their relays to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.vms))
	for id := range d.vms {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.Cleanup(ctx, id); err != nil {
			d.logger.Error("stop worker VM", "job_id", id, "error", err)
		}
	}
	d.wg.Wait()
	d.net.DetachAll(ctx)
}

// copyRootfs gives each VM a private writable image, reflinked where the
// filesystem allows it.
func copyRootfs(src, dst string) error {
	out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("copy rootfs %s: %s: %w", src, out, err)
	}
	return nil
}

// cidPool hands out vsock context IDs.
type cidPool struct {
	mu    sync.Mutex
	next  uint32
	span  uint32
	inUse map[uint32]bool
}

func newCIDPool(base uint32, maxVMs int) *cidPool {
	return &cidPool{
		next:  max(base, MinCID),
		span:  uint32(maxVMs) + 10,
		inUse: make(map[uint32]bool),
	}
}

func (p *cidPool) get() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.span {
		cid := max(p.next+i, MinCID)
		if !p.inUse[cid] {
			p.inUse[cid] = true
			p.next = cid + 1
			return cid, nil
		}
	}
	return 0, fmt.Errorf("no free vsock CID (%d in use)", len(p.inUse))
}

func (p *cidPool) put(cid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, cid)
}
