// Package sandbox manages the per-job compute containers: port allocation,
// hardened container launch, health probing, the chat-completion call into a
// running sandbox, and teardown with attested cleanup ordering.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"

	"github.com/vap-net/dispatcher/internal/clock"
	"github.com/vap-net/dispatcher/internal/logging"
	"github.com/vap-net/dispatcher/internal/metrics"
)

// sandboxPort is the fixed port the agent runtime listens on inside the
// container.
var sandboxPort = network.MustParsePort("8080/tcp")

// Runtime is the container runtime surface the manager needs. Satisfied by
// *docker.Client; faked in tests.
type Runtime interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainerWithVolumes(ctx context.Context, id string) error
}

// TokenRegistrar is the credential proxy surface the manager needs.
type TokenRegistrar interface {
	Register(token, jobID string)
	Revoke(token string)
}

// Handle describes one running sandbox.
type Handle struct {
	JobID       string
	ContainerID string
	Port        int
	Token       string
	Tier        string
	Profile     Profile
	CreatedAt   time.Time
}

// Options configures a Manager.
type Options struct {
	Image     string
	JobsPath  string
	WikiPath  string
	ProxyPort int
	Model     string
	Profiles  Profiles
}

// Manager starts and retires sandbox containers.
type Manager struct {
	rt     Runtime
	tokens TokenRegistrar
	pool   *PortPool
	opts   Options
	clk    clock.Clock
	log    *logging.Logger

	mu      sync.Mutex
	handles map[int]*Handle // keyed by host port
}

// NewManager creates a Manager over the given runtime, proxy registrar and
// port pool.
func NewManager(rt Runtime, tokens TokenRegistrar, pool *PortPool, opts Options, clk clock.Clock, log *logging.Logger) *Manager {
	return &Manager{
		rt:      rt,
		tokens:  tokens,
		pool:    pool,
		opts:    opts,
		clk:     clk,
		log:     log,
		handles: make(map[int]*Handle),
	}
}

// Start allocates a port and token, writes the sandbox config tree,
// registers the token at the proxy, and launches a hardened container for
// the job. Returns (nil, nil) when no port is free, which the caller maps
// to queueing.
func (m *Manager) Start(ctx context.Context, jobID, tier string) (*Handle, error) {
	port, ok := m.pool.Acquire()
	if !ok {
		return nil, nil
	}

	token, err := newToken()
	if err != nil {
		m.pool.Release(port)
		return nil, fmt.Errorf("generate token: %w", err)
	}

	tierName, prof := m.opts.Profiles.For(tier)
	h := &Handle{
		JobID:     jobID,
		Port:      port,
		Token:     token,
		Tier:      tierName,
		Profile:   prof,
		CreatedAt: m.clk.Now(),
	}

	if err := m.writeConfigTree(h); err != nil {
		m.pool.Release(port)
		return nil, err
	}

	// The token must be live at the proxy before the container can boot and
	// the health probe starts exercising it.
	m.tokens.Register(token, jobID)

	id, err := m.launch(ctx, h)
	if err != nil {
		m.tokens.Revoke(token)
		m.wipeConfigTree(h)
		m.pool.Release(port)
		metrics.ContainerStarts.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("launch sandbox for %s: %w", jobID, err)
	}
	h.ContainerID = id

	m.mu.Lock()
	m.handles[port] = h
	m.mu.Unlock()

	metrics.ContainerStarts.WithLabelValues("ok").Inc()
	m.log.Info("sandbox started", "jobId", jobID, "port", port, "containerId", shortID(id), "tier", tierName)
	return h, nil
}

// launch creates and starts the container with the full hardening set:
// read-only rootfs, all capabilities dropped, no-new-privileges, tmpfs for
// /tmp and the agent cache, memory and CPU caps, and a host-gateway mapping
// so the sandbox can reach the credential proxy on the host loopback.
func (m *Manager) launch(ctx context.Context, h *Handle) (string, error) {
	memBytes, err := memoryBytes(h.Profile.Memory)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image: m.opts.Image,
		Env: []string{
			fmt.Sprintf("VAP_PROXY_URL=http://host.docker.internal:%d", m.opts.ProxyPort),
			"VAP_PROXY_TOKEN=" + h.Token,
			"VAP_MODEL=" + m.opts.Model,
			"VAP_JOB_ID=" + h.JobID,
		},
		Labels: map[string]string{
			"vap.job":  h.JobID,
			"vap.tier": h.Tier,
		},
		ExposedPorts: network.PortSet{sandboxPort: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp":               "rw,noexec,nosuid,size=256m",
			"/home/agent/.cache": "rw,noexec,nosuid,size=128m",
		},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Resources: container.Resources{
			Memory:   memBytes,
			NanoCPUs: int64(h.Profile.CPUs * 1e9),
		},
		PortBindings: network.PortMap{
			sandboxPort: []network.PortBinding{{
				HostIP:   netip.MustParseAddr("127.0.0.1"),
				HostPort: fmt.Sprint(h.Port),
			}},
		},
	}
	hostCfg.CapDrop = append(hostCfg.CapDrop, "ALL")

	if m.opts.WikiPath != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.opts.WikiPath,
			Target:   "/wiki",
			ReadOnly: true,
		})
	}
	hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
		Type:     mount.TypeBind,
		Source:   m.configDir(h.JobID),
		Target:   "/etc/vap",
		ReadOnly: true,
	})

	name := "vap-job-" + h.JobID
	id, err := m.rt.CreateContainer(ctx, name, cfg, hostCfg, nil)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := m.rt.StartContainer(ctx, id); err != nil {
		_ = m.rt.RemoveContainerWithVolumes(ctx, id)
		return "", fmt.Errorf("start container: %w", err)
	}
	return id, nil
}

// Destroy tears a sandbox down. Ordering is part of the security contract:
// the token is revoked at the proxy before the runtime stop is issued, the
// generated config tree is wiped, and the port enters cooldown.
func (m *Manager) Destroy(ctx context.Context, h *Handle) error {
	m.tokens.Revoke(h.Token)

	var firstErr error
	if err := m.rt.StopContainer(ctx, h.ContainerID, 10); err != nil {
		firstErr = fmt.Errorf("stop container: %w", err)
	}
	if err := m.rt.RemoveContainerWithVolumes(ctx, h.ContainerID); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("remove container: %w", err)
	}

	m.wipeConfigTree(h)

	m.mu.Lock()
	delete(m.handles, h.Port)
	m.mu.Unlock()
	m.pool.Release(h.Port)

	m.log.Info("sandbox destroyed", "jobId", h.JobID, "port", h.Port)
	return firstErr
}

// EnforceLifetimes calls cb for every sandbox whose age exceeds its
// profile's maximum lifetime. The callback maps to retirement in the core.
func (m *Manager) EnforceLifetimes(cb func(h *Handle)) {
	m.mu.Lock()
	var expired []*Handle
	for _, h := range m.handles {
		if m.clk.Since(h.CreatedAt) >= h.Profile.MaxLifetime {
			expired = append(expired, h)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		cb(h)
	}
}

// HasCapacity reports whether a port is currently free for a new sandbox.
func (m *Manager) HasCapacity() bool {
	free, _, _ := m.pool.Counts()
	return free > 0
}

// ActiveCount returns the number of running sandboxes.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// DataVolumes enumerates the mount paths visible inside a sandbox, for the
// deletion attestation.
func (m *Manager) DataVolumes() []string {
	vols := []string{"/etc/vap", "/tmp", "/home/agent/.cache"}
	if m.opts.WikiPath != "" {
		vols = append(vols, "/wiki")
	}
	return vols
}

func (m *Manager) configDir(jobID string) string {
	return filepath.Join(m.opts.JobsPath, jobID, "sandbox")
}

// writeConfigTree generates the per-job config the sandbox image reads at
// boot: a client.json pointing the agent at the credential proxy.
func (m *Manager) writeConfigTree(h *Handle) error {
	dir := m.configDir(h.JobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create sandbox config dir: %w", err)
	}

	clientCfg := map[string]any{
		"baseUrl": fmt.Sprintf("http://host.docker.internal:%d", m.opts.ProxyPort),
		"apiKey":  h.Token,
		"model":   m.opts.Model,
		"jobId":   h.JobID,
	}
	data, err := json.MarshalIndent(clientCfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal client config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "client.json"), data, 0o640); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return nil
}

func (m *Manager) wipeConfigTree(h *Handle) {
	if err := os.RemoveAll(m.configDir(h.JobID)); err != nil {
		m.log.Warn("failed to wipe sandbox config tree", "jobId", h.JobID, "error", err)
	}
}

// newToken returns 32 random bytes hex-encoded.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
