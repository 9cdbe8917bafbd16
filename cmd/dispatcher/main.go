package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vap-net/dispatcher/internal/admission"
	"github.com/vap-net/dispatcher/internal/chat"
	"github.com/vap-net/dispatcher/internal/clock"
	"github.com/vap-net/dispatcher/internal/config"
	"github.com/vap-net/dispatcher/internal/dispatch"
	"github.com/vap-net/dispatcher/internal/docker"
	"github.com/vap-net/dispatcher/internal/events"
	"github.com/vap-net/dispatcher/internal/identity"
	"github.com/vap-net/dispatcher/internal/logging"
	"github.com/vap-net/dispatcher/internal/market"
	"github.com/vap-net/dispatcher/internal/proxy"
	"github.com/vap-net/dispatcher/internal/sandbox"
	"github.com/vap-net/dispatcher/internal/schedule"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("VAP Dispatcher " + version)
	fmt.Println("=============================================")
	fmt.Printf("VAP_API=%s\n", cfg.APIBase)
	fmt.Printf("POLL_INTERVAL=%s\n", cfg.PollInterval)
	fmt.Printf("PORT_RANGE=[%d, %d]\n", cfg.PortRangeStart, cfg.PortRangeEnd)
	fmt.Printf("PROXY_PORT=%d\n", cfg.ProxyPort)
	fmt.Printf("MAX_ACCEPTS_PER_MIN=%d\n", cfg.MaxAcceptsPerMin)
	fmt.Printf("MAX_QUEUED_JOBS=%d\n", cfg.MaxQueuedJobs)
	fmt.Printf("GHOST_TIMEOUT=%s\n", cfg.GhostTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := docker.NewClient(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		log.Error("Docker daemon unreachable", "sock", cfg.DockerSock, "error", err)
		os.Exit(1)
	}

	ids := loadIdentities(cfg, log)
	if len(ids) == 0 {
		log.Error("no identities available", "agentsDir", cfg.AgentsDir, "keysFile", cfg.KeysFile)
		os.Exit(1)
	}
	log.Info("identity pool loaded", "size", len(ids))

	proxySrv := proxy.NewServer(proxy.Config{
		Port:       cfg.ProxyPort,
		RateLimit:  cfg.ProxyRateLimit,
		LLM:        proxy.Upstream{BaseURL: cfg.LLMAPIURL, APIKey: cfg.LLMAPIKey},
		Embeddings: proxy.Upstream{BaseURL: cfg.EmbeddingsURL, APIKey: cfg.EmbeddingsKey},
	}, log)
	if err := proxySrv.Start(); err != nil {
		log.Error("failed to start credential proxy", "error", err)
		os.Exit(1)
	}
	defer func() { _ = proxySrv.Shutdown(context.Background()) }()

	profiles, err := sandbox.LoadProfiles(cfg.ProfilesPath, cfg.ContainerMemory, cfg.ContainerCPUs, cfg.ContainerLifetime)
	if err != nil {
		log.Error("failed to load resource profiles", "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}
	pool := sandbox.NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd, cfg.PortCooldown, clk)
	manager := sandbox.NewManager(client, proxySrv, pool, sandbox.Options{
		Image:     cfg.ContainerImage,
		JobsPath:  cfg.JobsPath,
		WikiPath:  cfg.WikiPath,
		ProxyPort: cfg.ProxyPort,
		Model:     cfg.LLMModel,
		Profiles:  profiles,
	}, clk, log)

	limiter := admission.NewLimiter(cfg.MaxAcceptsPerMin, clk)
	bus := events.New()

	sessions, err := buildSessions(ids, cfg, log)
	if err != nil {
		log.Error("failed to build identity sessions", "error", err)
		os.Exit(1)
	}
	for _, s := range sessions {
		if tr, ok := s.Chat.(*chat.Transport); ok {
			go tr.Run(ctx)
		}
	}

	disp := dispatch.New(sessions, identity.NewPool(ids), manager, limiter, bus, clk, log, dispatch.Options{
		PollInterval: cfg.PollInterval,
		GhostTimeout: cfg.GhostTimeout,
		MaxQueued:    cfg.MaxQueuedJobs,
		JobsPath:     cfg.JobsPath,
		Model:        cfg.LLMModel,
	})

	sched := schedule.New(log)
	mustSchedule(sched, "@every 30s", "lifetime-enforcement", log, func() { disp.EnforceLifetimes(ctx) })
	mustSchedule(sched, "@every 15s", "port-sweep", log, pool.Sweep)
	mustSchedule(sched, "@every 1m", "limiter-cleanup", log, limiter.Cleanup)
	sched.Start()
	defer sched.Stop()

	if cfg.MetricsPort > 0 {
		go serveMetrics(ctx, cfg.MetricsPort, log)
	}

	// Forward lifecycle events to the log for operators tailing the output.
	evts, cancelSub := bus.Subscribe()
	defer cancelSub()
	go func() {
		for evt := range evts {
			log.Info("event", "type", evt.Type, "jobId", evt.JobID, "message", evt.Message)
		}
	}()

	log.Info("dispatcher started", "version", version, "identities", len(ids), "poolSize", cfg.PoolSize())

	if err := disp.Run(ctx); err != nil {
		log.Error("dispatcher exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("dispatcher shutdown complete")
}

// loadIdentities loads the agent pool from AGENTS_DIR, falling back to the
// single VAP_KEYS_FILE identity.
func loadIdentities(cfg *config.Config, log *logging.Logger) []*identity.Identity {
	ids, err := identity.LoadDir(cfg.AgentsDir)
	if err != nil {
		log.Warn("could not load agents directory", "dir", cfg.AgentsDir, "error", err)
	}
	if len(ids) > 0 {
		return ids
	}
	if cfg.KeysFile == "" {
		return nil
	}
	id, err := identity.LoadFile(cfg.KeysFile)
	if err != nil {
		log.Error("could not load keys file", "path", cfg.KeysFile, "error", err)
		return nil
	}
	return []*identity.Identity{id}
}

// buildSessions creates the per-identity marketplace client and chat
// transport. The transport re-reads the session cookies on every reconnect,
// so a re-login mid-run is picked up automatically.
func buildSessions(ids []*identity.Identity, cfg *config.Config, log *logging.Logger) ([]*dispatch.Session, error) {
	sessions := make([]*dispatch.Session, 0, len(ids))
	for _, id := range ids {
		signer, err := identity.NewSigner(id)
		if err != nil {
			return nil, err
		}
		client, err := market.New(cfg.APIBase, signer)
		if err != nil {
			return nil, err
		}

		header := http.Header{}
		tokenFn := func(ctx context.Context) (string, error) {
			tok, err := client.ChatToken(ctx)
			if err != nil {
				return "", err
			}
			header.Del("Cookie")
			for _, c := range client.Cookies() {
				header.Add("Cookie", c.String())
			}
			return tok, nil
		}
		tr := chat.New(client.Origin(), tokenFn, header, log)

		sessions = append(sessions, &dispatch.Session{
			Identity: id,
			Signer:   signer,
			Market:   client,
			Chat:     tr,
		})
	}
	return sessions, nil
}

func mustSchedule(s *schedule.Scheduler, spec, name string, log *logging.Logger, fn func()) {
	if err := s.Add(spec, name, fn); err != nil {
		log.Error("failed to schedule maintenance job", "job", name, "error", err)
		os.Exit(1)
	}
}

func serveMetrics(ctx context.Context, port int, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    net.JoinHostPort("", fmt.Sprint(port)),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Info("metrics listener started", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server error", "error", err)
	}
}
