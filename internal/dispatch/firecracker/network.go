package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI network the worker VMs join. Workers need outbound access to reach
// the load-test target and the callback endpoint, hence ipMasq.
const (
	BridgeName     = "volleybr0"
	Subnet         = "10.169.0.0/24"
	Gateway        = "10.169.0.1"
	NetworkName    = "volley-workers"
	CNIVersion     = "1.0.0"
	ifName         = "eth0"
	cniCacheDir    = "/var/lib/cni/cache"
	netnsRunDir    = "/var/run/netns"
	netnsPrefix    = "volley-"
	ipForwardSysfs = "/proc/sys/net/ipv4/ip_forward"
)

var requiredPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// VMNetwork describes the network attachment of one VM.
type VMNetwork struct {
	TAPDevice  string
	MACAddress string
	GuestIP    string
	GatewayIP  string
	NetNSPath  string
}

// Networker attaches VMs to the worker bridge through libcni. Each VM gets
// its own network namespace holding a tc-redirect-tap device.
type Networker struct {
	binDir    string
	confDir   string
	cni       *libcni.CNIConfig
	conf      *libcni.NetworkConfigList
	confBytes []byte
	logger    *slog.Logger

	mu       sync.Mutex
	attached map[string]string // job id → netns path
}

// NewNetworker builds the conflist and the libcni client. It does not touch
// the host until Attach is called.
func NewNetworker(cfg Config, logger *slog.Logger) (*Networker, error) {
	confBytes, err := conflist()
	if err != nil {
		return nil, err
	}
	conf, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse conflist: %w", err)
	}

	return &Networker{
		binDir:    cfg.CNIBinDir,
		confDir:   cfg.CNIConfigDir,
		cni:       libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, cniCacheDir, nil),
		conf:      conf,
		confBytes: confBytes,
		logger:    logger,
		attached:  make(map[string]string),
	}, nil
}

func (n *Networker) runtimeConf(jobID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{ContainerID: jobID, NetNS: nsPath, IfName: ifName}
}

// Attach creates the VM's namespace and runs CNI ADD in it.
func (n *Networker) Attach(ctx context.Context, jobID string) (*VMNetwork, error) {
	ns := netnsPrefix + jobID
	nsPath := filepath.Join(netnsRunDir, ns)

	if err := addNetNS(ns); err != nil {
		return nil, err
	}

	rt := n.runtimeConf(jobID, nsPath)
	res, err := n.cni.AddNetworkList(ctx, n.conf, rt)
	if err != nil {
		if delErr := delNetNS(ns); delErr != nil {
			n.logger.Warn("remove netns after failed CNI ADD", "job_id", jobID, "error", delErr)
		}
		return nil, fmt.Errorf("CNI ADD for %s: %w", jobID, err)
	}

	vmNet, err := vmNetworkFromResult(res, nsPath)
	if err != nil {
		if delErr := n.cni.DelNetworkList(ctx, n.conf, rt); delErr != nil {
			n.logger.Debug("CNI DEL after bad result", "job_id", jobID, "error", delErr)
		}
		if delErr := delNetNS(ns); delErr != nil {
			n.logger.Debug("remove netns after bad result", "job_id", jobID, "error", delErr)
		}
		return nil, err
	}

	n.mu.Lock()
	n.attached[jobID] = nsPath
	n.mu.Unlock()

	n.logger.Info("worker network attached", "job_id", jobID, "tap", vmNet.TAPDevice, "guest_ip", vmNet.GuestIP)
	return vmNet, nil
}

// Detach runs CNI DEL and removes the namespace. Detaching a job that is not
// attached is a no-op.
func (n *Networker) Detach(ctx context.Context, jobID string) error {
	n.mu.Lock()
	nsPath, ok := n.attached[jobID]
	delete(n.attached, jobID)
	n.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := n.cni.DelNetworkList(ctx, n.conf, n.runtimeConf(jobID, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", jobID, err))
	}
	if err := delNetNS(netnsPrefix + jobID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DetachAll detaches every VM still attached.
func (n *Networker) DetachAll(ctx context.Context) {
	n.mu.Lock()
	ids := make([]string, 0, len(n.attached))
	for id := range n.attached {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		if err := n.Detach(ctx, id); err != nil {
			n.logger.Error("detach worker network", "job_id", id, "error", err)
		}
	}
}

// Verify reports any required CNI plugin missing from the bin dir.
func (n *Networker) Verify() error {
	var missing []string
	for _, p := range requiredPlugins {
		_, err := os.Stat(filepath.Join(n.binDir, p))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, p)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", p, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", n.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList installs the conflist in the CNI config dir.
func (n *Networker) WriteConfList() error {
	if err := os.MkdirAll(n.confDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(n.confDir, NetworkName+".conflist")
	if err := os.WriteFile(path, n.confBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	return nil
}

func conflist() ([]byte, error) {
	doc := map[string]any{
		"cniVersion": CNIVersion,
		"name":       NetworkName,
		"plugins": []map[string]any{
			{
				"type":      "bridge",
				"bridge":    BridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  Subnet,
					"gateway": Gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode conflist: %w", err)
	}
	return data, nil
}

// vmNetworkFromResult picks the tap device out of a CNI ADD result.
// tc-redirect-tap adds it next to the veth inside the namespace; when it is
// absent the first sandboxed interface is used.
func vmNetworkFromResult(result types.Result, nsPath string) (*VMNetwork, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	var tap, fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if fallback == nil {
			fallback = iface
		}
		if iface.Name != ifName {
			tap = iface
			break
		}
	}
	if tap == nil {
		tap = fallback
	}
	if tap == nil {
		return nil, errors.New("CNI result has no sandboxed interface")
	}
	if len(res.IPs) == 0 {
		return nil, errors.New("CNI result has no IP address")
	}

	vmNet := &VMNetwork{
		TAPDevice:  tap.Name,
		MACAddress: tap.Mac,
		GuestIP:    res.IPs[0].Address.String(),
		NetNSPath:  nsPath,
	}
	if gw := res.IPs[0].Gateway; gw != nil {
		vmNet.GatewayIP = gw.String()
	}
	return vmNet, nil
}

func addNetNS(name string) error {
	if err := os.MkdirAll(netnsRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// delNetNS is idempotent.
func delNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(netnsRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnableIPForwarding turns on IPv4 forwarding so the bridge can NAT worker
// traffic to the load-test target.
func EnableIPForwarding() error {
	cur, err := os.ReadFile(ipForwardSysfs)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(cur)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardSysfs, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
