// Package metrics registers the dispatcher's operational counters and
// gauges with the default Prometheus registry and, optionally, serves
// them over HTTP for scraping.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchproxy/internal/addr"
	"dispatchproxy/internal/balancer"
)

var startTime = time.Now()

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchproxy_active_sessions",
		Help: "Sessions currently in Relaying state.",
	})

	TotalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchproxy_sessions_total",
		Help: "Sessions accepted since startup.",
	})

	ConnectErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchproxy_connect_errors_total",
		Help: "Outbound CONNECT attempts that failed.",
	})

	BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchproxy_bytes_relayed_total",
		Help: "Bytes relayed between client and target, by direction.",
	}, []string{"direction"})

	InterfaceInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatchproxy_interface_in_use",
		Help: "Live borrow count per configured outgoing interface.",
	}, []string{"source"})

	InterfaceMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatchproxy_interface_metric",
		Help: "Configured capacity weight per outgoing interface.",
	}, []string{"source"})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchproxy_live_sessions",
		Help: "Sessions registered with the reactor group, any state.",
	})
)

// Uptime reports time elapsed since this package was initialized.
func Uptime() time.Duration { return time.Since(startTime) }

// PublishInterfaces sets InterfaceInUse/InterfaceMetric from a balancer
// snapshot. Callers re-run it periodically (see PublishInterfacesUntil)
// since the gauges only reflect whatever snapshot was last published.
func PublishInterfaces(snap []balancer.Snapshot) {
	for _, s := range snap {
		label := addr.HostToStr(s.Source)
		InterfaceInUse.WithLabelValues(label).Set(float64(s.InUse))
		InterfaceMetric.WithLabelValues(label).Set(float64(s.Metric))
	}
}

// PublishInterfacesUntil calls snapshot and publishes its result every
// interval until ctx is done, so a /metrics scrape always reflects
// recent borrow activity rather than the zero values the gauges start
// with.
func PublishInterfacesUntil(ctx context.Context, interval time.Duration, snapshot func() []balancer.Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	PublishInterfaces(snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			PublishInterfaces(snapshot())
		}
	}
}

// PublishLiveSessionsUntil calls count (typically a reactor.Group's
// Count) and sets LiveSessions every interval until ctx is done. This
// is how internal/metrics gets a handle on session liveness without
// reaching into Session internals — it only ever asks the group.
func PublishLiveSessionsUntil(ctx context.Context, interval time.Duration, count func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	LiveSessions.Set(float64(count()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			LiveSessions.Set(float64(count()))
		}
	}
}

// Serve starts an HTTP listener exposing /metrics until ctx is done. It
// is meant to be run in its own goroutine; a nil or empty addr disables
// it entirely, matching -metrics="" on the CLI.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
