package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/infodancer/imaproxy/internal/config"
	"github.com/infodancer/imaproxy/internal/logging"
	"github.com/infodancer/imaproxy/internal/metrics"
	"github.com/infodancer/imaproxy/internal/plugin"
	"github.com/infodancer/imaproxy/internal/plugin/capability"
	"github.com/infodancer/imaproxy/internal/plugin/folderfilter"
	"github.com/infodancer/imaproxy/internal/privdrop"
	"github.com/infodancer/imaproxy/internal/proxy"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewColorLogger(cfg.LogLevel, cfg.UseColors)

	if cfg.Workers > 0 && !flags.Worker {
		runSupervisor(cfg, logger)
		return
	}

	runWorker(cfg, logger)
}

// runSupervisor re-execs this binary cfg.Workers times with -worker set, so
// each child is an independent process sharing no state ("pre-forks
// workers... matching the 'independent, share no state' requirement").
// Each worker binds bind_port independently; this relies on the platform
// honoring SO_REUSEPORT-style concurrent binds, or on workers being left at
// 0 with an external balancer doing the fan-out instead.
func runSupervisor(cfg config.Config, logger *slog.Logger) {
	logger.Info("starting supervisor", "workers", cfg.Workers, "crash_budget", cfg.CrashBudget)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("supervisor received signal, shutting down workers", "signal", sig.String())
		cancel()
	}()

	done := make(chan struct{})
	var exitCode int
	go func() {
		defer close(done)
		exitCode = superviseWorkers(ctx, cfg, logger)
	}()

	<-done
	cancel()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// superviseWorkers runs cfg.Workers independent supervision loops
// concurrently, one per worker slot, each restarting its own child up to
// crash_budget times. Returns nonzero only when every slot gave up (its
// crash budget ran out or its child failed to start); a ctx cancellation
// makes a slot return 0.
func superviseWorkers(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	results := make(chan int, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func(slot int) {
			results <- superviseOne(ctx, slot, cfg, logger)
		}(i)
	}

	failures := 0
	for i := 0; i < cfg.Workers; i++ {
		if code := <-results; code != 0 {
			failures++
		}
	}
	if failures == cfg.Workers {
		return 1
	}
	return 0
}

// superviseOne restarts worker slot up to cfg.CrashBudget times, spacing
// restarts so a worker that crashes on startup doesn't spin the CPU.
func superviseOne(ctx context.Context, slot int, cfg config.Config, logger *slog.Logger) int {
	crashes := 0
	for {
		if ctx.Err() != nil {
			return 0
		}

		cmd := childCommand(os.Args[0], os.Args[1:])
		if err := cmd.Start(); err != nil {
			logger.Error("failed to start worker", "slot", slot, "error", err)
			return 1
		}

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-exitCh:
			case <-time.After(10 * time.Second):
				_ = cmd.Process.Kill()
			}
			return 0
		case err := <-exitCh:
			if err == nil {
				logger.Info("worker exited cleanly", "slot", slot)
				return 0
			}
			crashes++
			logger.Error("worker crashed", "slot", slot, "crashes", crashes, "error", err)
			if crashes > cfg.CrashBudget {
				logger.Error("worker exceeded crash budget, giving up", "slot", slot, "crash_budget", cfg.CrashBudget)
				return 1
			}
			time.Sleep(time.Duration(crashes) * 200 * time.Millisecond)
		}
	}
}

// runWorker is the single-process path: bind, load plugins, accept
// connections until shutdown. Both a -worker child and a workers=0
// standalone process take this path.
func runWorker(cfg config.Config, logger *slog.Logger) {
	var tlsConfig *tls.Config
	if cfg.SSL {
		cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		if cfg.SSLCA != "" {
			pool, err := loadCAPool(cfg.SSLCA)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error loading CA bundle: %v\n", err)
				os.Exit(1)
			}
			tlsConfig.ClientCAs = pool
		}
		logger.Info("TLS configured", "cert", cfg.SSLCert)
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	listener, err := proxy.Listen(&cfg, tlsConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error binding listener: %v\n", err)
		os.Exit(1)
	}

	if cfg.UserUID > 0 || cfg.UserGID > 0 {
		if err := privdrop.Drop(cfg.UserUID, cfg.UserGID); err != nil {
			fmt.Fprintf(os.Stderr, "error dropping privileges: %v\n", err)
			os.Exit(1)
		}
		logger.Info("dropped privileges", "uid", cfg.UserUID, "gid", cfg.UserGID)
	}

	upstream, err := proxy.ParseUpstream(cfg.ImapServer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing imap_server: %v\n", err)
		os.Exit(1)
	}

	plugins := []proxy.Plugin{
		capability.New(collector),
		folderfilter.New(collector),
	}
	if cfg.PluginsDir != "" {
		loader := plugin.NewLoader(logger)
		plugins = append(plugins, loader.Load(cfg.PluginsDir)...)
	}

	acceptor := proxy.NewAcceptor(listener, proxy.AcceptorConfig{
		Upstream:           upstream,
		InsecureSkipVerify: cfg.TLSNoCheckCerts,
		KeepAlive:          cfg.KeepAliveInterval(),
		ReadTimeout:        cfg.ReadTimeout(),
		Logger:             logger,
		Collector:          collector,
		Plugins:            plugins,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		go func() {
			time.Sleep(10 * time.Second)
			logger.Error("shutdown grace period expired, forcing exit")
			os.Exit(1)
		}()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting imaproxy", "imap_server", cfg.ImapServer, "bind_port", cfg.BindPort, "listen", listener.Addr().String())

	if err := acceptor.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "acceptor error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("imaproxy stopped")
}

// childCommand builds the exec.Cmd used to re-invoke this same binary as a
// worker: the parent's own argv plus -worker.
func childCommand(binary string, args []string) *exec.Cmd {
	childArgs := append(append([]string{}, args...), "-worker")
	cmd := exec.Command(binary, childArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in CA bundle %q", path)
	}
	return pool, nil
}
