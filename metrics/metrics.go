// Package metrics exports capture counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/packetcap/go-sniff/decode"
)

const (
	namespace       = "sniff"
	shutdownTimeout = 5 * time.Second
)

// Collectors the counters one capture updates
type Collectors struct {
	packets      *prometheus.CounterVec
	bytes        prometheus.Counter
	decodeErrors prometheus.Counter
	readErrors   prometheus.Counter
	received     prometheus.Gauge
	dropped      prometheus.Gauge
}

// New create the collectors and register them on reg
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Frames captured, by network and transport protocol.",
		}, []string{"network", "transport"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes captured, counting the captured part of each frame.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames whose headers were truncated or malformed.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Failed reads from the capture device, timeouts excluded.",
		}),
		received: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernel_received",
			Help:      "Frames the capture backend reports as received.",
		}),
		dropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernel_drops",
			Help:      "Frames the capture backend reports as dropped.",
		}),
	}
	for _, col := range []prometheus.Collector{c.packets, c.bytes, c.decodeErrors, c.readErrors, c.received, c.dropped} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("unable to register metrics: %w", err)
		}
	}
	return c, nil
}

// Observe count one decoded frame. A decode error is counted as well, under the
// labels of whatever did decode.
func (c *Collectors) Observe(s decode.Summary, decodeErr error) {
	network, transport := s.Network, s.Transport
	if network == "" {
		network = "unknown"
	}
	if transport == "" {
		transport = "none"
	}
	c.packets.WithLabelValues(network, transport).Inc()
	c.bytes.Add(float64(s.CaptureLength))
	if decodeErr != nil {
		c.decodeErrors.Inc()
	}
}

// ReadError count a failed read
func (c *Collectors) ReadError() {
	c.readErrors.Inc()
}

// SetKernelStats record the backend counters, which are cumulative
func (c *Collectors) SetKernelStats(received, dropped uint64) {
	c.received.Set(float64(received))
	c.dropped.Set(float64(dropped))
}

// Serve expose the gatherer on /metrics at addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen for metrics on %s: %w", addr, err)
	}
	return serve(ctx, l, g)
}

func serve(ctx context.Context, l net.Listener, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", l.Addr().String()).Info("metrics available at /metrics")
		errc <- server.Serve(l)
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
