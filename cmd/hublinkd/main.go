// Command hublinkd runs the cloud link of a hub.
//
// It fetches broker credentials from the provisioning endpoint, keeps an
// authenticated broker session open and delivers signed messages from the
// outbound buffer until each is reflected back.
//
// Usage:
//
//	hublinkd [flags]
//
// Flags:
//
//	-config string       YAML configuration file
//	-serial string       Hub serial number
//	-mac string          Hub MAC address
//	-host string         Credential endpoint host[:port]
//	-broker-port int     Broker TLS port (default 8883)
//	-root-ca string      PEM bundle of trusted roots
//	-data-dir string     Directory for persisted keys and certificates
//	-interface string    Network interface to watch
//	-log-level string    Log level: debug, info, warn, error (default "info")
//	-trace string        Write the protocol trace to this file
//	-metrics string      Serve Prometheus metrics on this address
//	-interactive         Start the interactive console
//
// Examples:
//
//	# Run with a configuration file
//	hublinkd -config /etc/hublink/hublinkd.yaml
//
//	# Bring-up with a console and a protocol trace
//	hublinkd -config hub.yaml -interactive -log-level debug -trace /tmp/hub.trace
package main

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hublink/hublink-go/cmd/hublinkd/interactive"
	"github.com/hublink/hublink-go/pkg/broker"
	"github.com/hublink/hublink-go/pkg/buffer"
	"github.com/hublink/hublink-go/pkg/connection"
	"github.com/hublink/hublink-go/pkg/credentials"
	"github.com/hublink/hublink-go/pkg/keystore"
	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/metrics"
	"github.com/hublink/hublink-go/pkg/netmon"
	"github.com/hublink/hublink-go/pkg/signing"
	"github.com/hublink/hublink-go/pkg/timesync"
	"github.com/hublink/hublink-go/pkg/transport"
	"github.com/hublink/hublink-go/pkg/watchdog"
)

// traceFileMaxSize rotates the protocol trace file.
const traceFileMaxSize = 16 << 20

func main() {
	var (
		configFile string
		flagConfig Config
	)
	fs := flag.CommandLine
	fs.StringVar(&configFile, "config", "", "YAML configuration file")
	bindFlags(fs, &flagConfig)
	flag.Parse()

	cfg := &Config{}
	if configFile != "" {
		loaded, err := LoadConfig(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hublinkd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.mergeFlags(fs, &flagConfig)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "hublinkd: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	var (
		out io.Writer = os.Stderr
		rl  *readline.Instance
	)
	if cfg.Interactive {
		var err error
		rl, err = readline.NewEx(&readline.Config{
			Prompt:          "hub> ",
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "hublinkd: failed to create readline: %v\n", err)
			os.Exit(1)
		}
		out = rl.Stdout()
	}
	logger := newLogger(out, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger, rl); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hublinkd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("hublinkd stopped")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// run wires the link together and blocks until ctx ends or the console
// quits.
func run(ctx context.Context, cancel context.CancelFunc, cfg *Config, logger *slog.Logger, rl *readline.Instance) error {
	mac, err := cfg.HardwareAddr()
	if err != nil {
		return err
	}

	var rootCAs *x509.CertPool
	if cfg.RootCA != "" {
		if rootCAs, err = transport.LoadRootCAs(cfg.RootCA); err != nil {
			return err
		}
	}

	// Protocol trace sinks.
	var fileTrace *log.FileLogger
	if cfg.TraceFile != "" {
		if fileTrace, err = log.NewFileLogger(cfg.TraceFile, traceFileMaxSize); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer fileTrace.Close()
	}
	syncCfg := timesync.DefaultConfig()
	syncCfg.Servers = cfg.NTPServers
	syncCfg.Logger = logger.With("component", "timesync")
	syncer := timesync.New(syncCfg)
	hubClock := syncer.Clock()

	bufCfg := buffer.DefaultConfig()
	bufCfg.Clock = hubClock
	bufCfg.Capacity = cfg.BufferCapacity
	bufCfg.Trace = cfg.TraceMessages
	bufCfg.Logger = logger.With("component", "buffer")
	buf, err := buffer.New(bufCfg)
	if err != nil {
		return fmt.Errorf("buffer: %w", err)
	}

	// The machine is assigned before the metrics endpoint starts.
	var machine *connection.Machine
	collector := metrics.NewCollector(metrics.LinkFunc(func() connection.Status {
		return machine.Status()
	}), buf)
	traces := []log.Logger{collector}
	if fileTrace != nil {
		traces = append(traces, fileTrace)
	}
	if cfg.LogLevel == "debug" {
		traces = append(traces, log.NewSlogAdapter(logger))
	}
	trace := log.NewMultiLogger(traces...)

	store := keystore.NewFileStore(cfg.DataDir)
	ring, err := signing.NewKeyRing(store, cfg.Serial, rand.Reader)
	if err != nil {
		return fmt.Errorf("key ring: %w", err)
	}

	network := netmon.New(netmon.Config{
		Interface: cfg.Interface,
		Logger:    logger.With("component", "netmon"),
	})

	tr := transport.New(transport.Config{
		Dialer: transport.NewTLSDialer(&transport.TLSConfig{RootCAs: rootCAs}),
		Clock:  hubClock,
		Logger: logger.With("component", "transport"),
		Trace:  trace,
	})
	worker := transport.NewWorker(tr, network, logger.With("component", "worker"))

	credCfg := credentials.DefaultConfig()
	credCfg.Host = cfg.CredentialHost
	credCfg.Resource = cfg.CredentialResource
	credCfg.Serial = cfg.Serial
	credCfg.MAC = mac
	credCfg.ProductID = cfg.ProductID
	credCfg.FirmwareMajor = cfg.FirmwareMajor
	credCfg.FirmwareMinor = cfg.FirmwareMinor
	credCfg.Logger = logger.With("component", "credentials")
	credCfg.Trace = trace
	credCfg.Clock = hubClock
	creds := credentials.New(credCfg, tr, ring, store)

	wd, err := watchdog.New(watchdog.Config{Timeout: cfg.WatchdogTimeout})
	if err != nil {
		return err
	}
	wd.OnExpire(func() {
		logger.Error("link watchdog expired, exiting for restart")
		os.Exit(2)
	})

	client := broker.NewPahoClient(broker.PahoConfig{
		Clock:  hubClock,
		Logger: logger.With("component", "broker"),
	})

	linkCfg := connection.DefaultConfig()
	linkCfg.BrokerPort = cfg.BrokerPort
	linkCfg.RootCAs = rootCAs
	linkCfg.CleanSession = cfg.CleanSession
	linkCfg.Network = network
	linkCfg.TimeSync = syncer
	linkCfg.Clock = hubClock
	linkCfg.Watchdog = wd
	linkCfg.OnNetworkRestart = network.Restart
	linkCfg.OnInbound = func(m broker.Message) {
		logger.Info("inbound message", "topic", m.Topic, "size", len(m.Payload))
	}
	linkCfg.Serial = cfg.Serial
	linkCfg.Logger = logger.With("component", "link")
	linkCfg.Trace = trace
	machine = connection.New(linkCfg, creds, client, buf)
	buf.OnMessageAlarm(machine.HandleAlarm)
	worker.OnUpdate(func() {
		creds.HandleUpdate()
		machine.NotifyUpdate()
	})

	if cfg.MetricsAddr != "" {
		reg, err := metrics.NewRegistry(collector)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	go func() { _ = worker.Run(ctx) }()

	wd.Start()
	logger.Info("hub link starting", "serial", cfg.Serial, "host", cfg.CredentialHost)

	if rl != nil {
		console := interactive.New(rl, interactive.Config{
			Link:        machine,
			Buffer:      buf,
			Credentials: creds,
			Watchdog:    wd,
			Worker:      worker,
			NewRequest: func(resource, body string) *transport.Request {
				return &transport.Request{
					Host:       cfg.CredentialHost,
					Resource:   resource,
					Body:       []byte(body),
					SignKey:    creds.SigningKey(),
					VerifyKeys: []signing.Key{ring.RAMKey()},
				}
			},
		})
		go console.Run(ctx, cancel)
	}

	return machine.Run(ctx)
}
