// Command dispatchproxy listens on one or more local SOCKS5 endpoints
// and spreads outbound CONNECT traffic across a set of configured
// source interfaces chosen by the interface balancer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dispatchproxy/internal/addr"
	"dispatchproxy/internal/applog"
	"dispatchproxy/internal/balancer"
	"dispatchproxy/internal/config"
	"dispatchproxy/internal/listener"
	"dispatchproxy/internal/metrics"
	"dispatchproxy/internal/reactor"
	"dispatchproxy/internal/session"
	"dispatchproxy/internal/status"
)

const usage = `Usage: dispatchproxy [--bind=addr:port]... [-config=path] [-log-level=level]
                     [-metrics=addr] [-idle-timeout=duration] [-stats]
                     iface1@metric1 [iface2@metric2 ...]

  --bind=<sockaddr>       add a listening endpoint (repeatable); defaults to
                          127.0.0.1:1080 and [::1]:1080 when omitted.
  <host-address>@<metric> an outgoing interface with its capacity weight.
  -config=<path>          optional YAML config overlay.
  -log-level=<level>      debug, info, warn, or error (default info).
  -metrics=<addr>         start a Prometheus /metrics listener at addr.
  -idle-timeout=<dur>     close a relaying session idle longer than dur.
  -stats                  print the interface table at startup and on SIGUSR1.
  -h, --help              print this message and exit.
`

type bindFlags []string

func (b *bindFlags) String() string     { return fmt.Sprint(*b) }
func (b *bindFlags) Set(s string) error { *b = append(*b, s); return nil }

func main() {
	fs := flag.NewFlagSet("dispatchproxy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var binds bindFlags
	fs.Var(&binds, "bind", "add a listening endpoint (repeatable)")
	configPath := fs.String("config", "", "optional YAML config overlay")
	logLevel := fs.String("log-level", "", "debug, info, warn, or error")
	metricsAddr := fs.String("metrics", "", "Prometheus /metrics listen address")
	idleTimeout := fs.Duration("idle-timeout", 0, "close a relaying session idle longer than this")
	showStats := fs.Bool("stats", false, "print the interface table at startup and on SIGUSR1")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		// -h/--help and malformed flags both land here; unlike the flag
		// package's own default of 0 (help) or 2 (parse error), both
		// cases should exit 1.
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg.Binds = append(cfg.Binds, binds...)
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *idleTimeout != 0 {
		cfg.IdleTimeout = *idleTimeout
	}

	for _, arg := range fs.Args() {
		ic, err := config.ParseInterfaceArg(arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg.Interfaces = append(cfg.Interfaces, ic)
	}

	if err := cfg.Validate(); err != nil {
		if len(cfg.Interfaces) == 0 {
			fmt.Fprintln(os.Stderr, "No addresses to dispatch.")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		fs.Usage()
		os.Exit(1)
	}

	applog.SetLevel(cfg.LogLevel)

	mgr := balancer.NewManager()
	for _, ic := range cfg.Interfaces {
		source, err := addr.HostFromStr(ic.Addr)
		if err != nil {
			applog.Fatal("invalid interface address", err)
		}
		mgr.Add(source, ic.Metric)
	}

	binds2 := cfg.Binds
	if len(binds2) == 0 {
		binds2 = config.DefaultBinds
	}

	var bindAddrs []addr.SocketAddress
	for _, b := range binds2 {
		sa, err := addr.SocketFromStr(b)
		if err != nil {
			applog.Fatal("invalid bind address", err)
		}
		bindAddrs = append(bindAddrs, sa)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := reactor.NewGroup()
	sessCfg := session.Config{IdleTimeout: cfg.IdleTimeout}

	var listeners []*listener.Listener
	for _, sa := range bindAddrs {
		ln, err := listener.New(ctx, sa, mgr, group, sessCfg)
		if err != nil {
			applog.Fatal(fmt.Sprintf("bind %s", addr.SocketToStr(sa)), err)
		}
		listeners = append(listeners, ln)
		applog.Info().Str("bind", addr.SocketToStr(sa)).Msg("listening")
	}

	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(l *listener.Listener) {
			defer wg.Done()
			l.Serve(ctx)
		}(ln)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				applog.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
		go metrics.PublishInterfacesUntil(ctx, time.Second, mgr.Snapshot)
		go metrics.PublishLiveSessionsUntil(ctx, time.Second, group.Count)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if *showStats {
		signal.Notify(sigCh, syscall.SIGUSR1)
		fmt.Fprintln(os.Stderr, status.Render(mgr.Snapshot(), group.Count()))
	}

	for sig := range sigCh {
		if *showStats && sig == syscall.SIGUSR1 {
			fmt.Fprintln(os.Stderr, status.Render(mgr.Snapshot(), group.Count()))
			continue
		}
		break
	}

	applog.Info().Msg("shutting down")
	cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	group.CloseAll()

	shutdownWait := make(chan struct{})
	go func() {
		wg.Wait()
		close(shutdownWait)
	}()
	select {
	case <-shutdownWait:
	case <-time.After(2 * time.Second):
	}
}
