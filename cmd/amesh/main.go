// Command amesh runs the mesh reconciliation agent: it registers this
// host's node descriptor under a renewable lease, watches every other
// node's descriptor, and continuously reconciles the local WireGuard
// peers and routes with the desired set.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"log/syslog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	stdcontext "context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amesh-project/amesh/pkg/agent"
	"github.com/amesh-project/amesh/pkg/config"
	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/devtracker"
	"github.com/amesh-project/amesh/pkg/directory"
	"github.com/amesh-project/amesh/pkg/kernel"
	"github.com/amesh-project/amesh/pkg/metrics"
	"github.com/amesh-project/amesh/pkg/node"
	"github.com/amesh-project/amesh/pkg/portalloc"
)

func main() {
	var (
		configPath    string
		debug         bool
		foregroundLog bool
		metricsAddr   string
	)
	flag.StringVar(&configPath, "config", "", "Path to the agent's INI configuration file")
	flag.BoolVar(&debug, "debug", false, "Enable debug-level logging")
	flag.BoolVar(&foregroundLog, "foreground-log", false, "Write logs to stderr instead of syslog")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics on (disabled if empty)")
	flag.Parse()

	log := setupLogging(debug, foregroundLog)

	if configPath == "" {
		fatalConfig(log, "missing required -config flag")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatalConfig(log, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		fatalConfig(log, err.Error())
	}

	ctx := context.WithLogger(context.Background(), log)

	k, err := kernel.New(ctx)
	if err != nil {
		fatalRuntime(log, err)
	}

	// Bootstrap the shared inbound interface before anything else touches
	// it: both the VRF binding below and every inbound-peer wg_set_peer
	// the agent issues later target this device, so it must exist, be up,
	// and carry our private key/listen port first.
	if cfg.Wireguard.Endpoint != "" {
		if err := bootstrapInboundDevice(ctx, k, cfg); err != nil {
			fatalRuntime(log, err)
		}
	}

	if cfg.Amesh.VRF != "" {
		// iface_set_master requires both interfaces to already exist;
		// config validation does not look at vrf, so the actual existence
		// check happens here against the real kernel surface. When an
		// endpoint is configured, bootstrapInboundDevice above has created
		// the inbound device by this point; otherwise the device must
		// already exist.
		if err := k.IfaceSetMaster(ctx, cfg.Wireguard.Device, cfg.Amesh.VRF); err != nil {
			fatalConfig(log, "vrf interface does not exist or could not be bound: "+err.Error())
		}
	}

	dialDirectory := func() (*directory.Client, error) {
		return directory.Dial(directory.Config{
			Endpoint: cfg.Etcd.Endpoint,
			Username: cfg.Etcd.Username,
			Password: cfg.Etcd.Password,
		})
	}
	dir, err := dialDirectory()
	if err != nil {
		fatalRuntime(log, err)
	}

	pubkey, err := readKeyFile(cfg.Wireguard.PubkeyPath)
	if err != nil {
		fatalConfig(log, err.Error())
	}

	self := node.New()
	self.Update(log, "pubkey", pubkey)
	self.Update(log, "endpoint", cfg.Wireguard.Endpoint)
	self.Update(log, "allowed_ips", join(cfg.Wireguard.AllowedIPs))
	self.Update(log, "keepalive", strconv.Itoa(cfg.Wireguard.Keepalive))
	self.Update(log, "groups", join(cfg.Amesh.Groups))

	var tracker *devtracker.Tracker
	if len(cfg.Amesh.TrackedDevices) > 0 {
		tracker = devtracker.New(cfg.Amesh.TrackedDevices)
		if err := tracker.Start(ctx); err != nil {
			log.Warn("address tracker failed to start", slog.String("error", err.Error()))
			tracker = nil
		}
	}

	ports := portalloc.New(outboundPortBase(cfg.Wireguard.Endpoint))

	metrics.MustRegister(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		srv := metrics.NewServer(metricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	a := agent.New(agent.Options{
		NodeID:         cfg.Amesh.NodeID,
		Prefix:         cfg.Etcd.Prefix,
		InboundDevice:  cfg.Wireguard.Device,
		PrivateKeyPath: cfg.Wireguard.PrvkeyPath,
	}, dir, dialDirectory, k, ports, tracker, self)

	runCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := a.Run(context.WithLogger(runCtx, log)); err != nil {
		fatalRuntime(log, err)
	}
}

// setupLogging routes INFO lifecycle events, DEBUG per-action traces and
// ERROR failures to syslog, with stderr available as an opt-in
// (-foreground-log) for interactive runs and container log collection.
func setupLogging(debug, foreground bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if foreground {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		writer, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "amesh")
		if err != nil {
			// No syslog daemon reachable (e.g. a minimal container): fall
			// back to stderr rather than silently dropping every log line.
			handler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			handler = slog.NewJSONHandler(writer, opts)
		}
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// bootstrapInboundDevice creates, brings up, addresses and keys this
// host's shared inbound WireGuard interface: iface_create, iface_set_up,
// one iface_addr_add per locally tunneled prefix, then wg_set_device with
// the private key and the port this node advertises in its own endpoint
// (the same port remote peers dial to reach us).
func bootstrapInboundDevice(ctx context.Context, k kernel.Surface, cfg *config.Config) error {
	dev := cfg.Wireguard.Device

	_, portStr, err := net.SplitHostPort(cfg.Wireguard.Endpoint)
	if err != nil {
		return fmt.Errorf("bootstrap inbound device: parse endpoint %s: %w", cfg.Wireguard.Endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("bootstrap inbound device: endpoint port %s: %w", portStr, err)
	}

	if err := k.IfaceCreate(ctx, dev); err != nil {
		return fmt.Errorf("bootstrap inbound device %s: %w", dev, err)
	}
	if err := k.IfaceSetUp(ctx, dev); err != nil {
		return fmt.Errorf("bootstrap inbound device %s: %w", dev, err)
	}
	for _, cidr := range cfg.Wireguard.AllowedIPs {
		if err := k.IfaceAddrAdd(ctx, dev, cidr); err != nil {
			return fmt.Errorf("bootstrap inbound device %s: addr %s: %w", dev, cidr, err)
		}
	}
	if err := k.WgSetDevice(ctx, dev, cfg.Wireguard.PrvkeyPath, port); err != nil {
		return fmt.Errorf("bootstrap inbound device %s: %w", dev, err)
	}
	return nil
}

// outboundPortBase picks the first listen port handed out to outbound
// per-peer interfaces: one past this node's own inbound port when it has an
// endpoint, so the two never contend, otherwise one past WireGuard's
// conventional 51820.
func outboundPortBase(endpoint string) int {
	const defaultBase = 51821
	if endpoint == "" {
		return defaultBase
	}
	_, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return defaultBase
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return defaultBase
	}
	return port + 1
}

func readKeyFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return trimNewline(string(raw)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// fatalConfig exits 1: configuration error.
func fatalConfig(log *slog.Logger, msg string) {
	log.Error("configuration error", slog.String("error", msg))
	os.Exit(1)
}

// fatalRuntime exits 2: unrecoverable runtime error.
func fatalRuntime(log *slog.Logger, err error) {
	log.Error("unrecoverable runtime error", slog.String("error", err.Error()))
	os.Exit(2)
}
