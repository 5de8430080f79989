package canlink

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the transport level counters exported by a Manager.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Responses     prometheus.Counter
	ResponseBytes prometheus.Histogram
	Errors        *prometheus.CounterVec
	DroppedFrames *prometheus.CounterVec
	FlowControl   prometheus.Counter
	Connected     prometheus.GaugeFunc

	connected atomic.Pointer[func() bool]
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "canlink",
				Subsystem: "transport",
				Name:      "requests_total",
				Help:      "Total number of requests handed to the interface driver",
			},
			[]string{"status"},
		),

		Responses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "canlink",
				Subsystem: "transport",
				Name:      "responses_total",
				Help:      "Total number of completely reassembled responses",
			},
		),

		ResponseBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "canlink",
				Subsystem: "transport",
				Name:      "response_bytes",
				Help:      "Size of reassembled responses",
				Buckets:   []float64{8, 16, 32, 64, 128, 256, 512, 1024, 4096},
			},
		),

		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "canlink",
				Subsystem: "transport",
				Name:      "errors_total",
				Help:      "Transport errors reported by the interface driver",
			},
			[]string{"kind"},
		),

		DroppedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "canlink",
				Subsystem: "transport",
				Name:      "dropped_frames_total",
				Help:      "Frames not attributed to the pending exchange",
			},
			[]string{"reason"},
		),

		FlowControl: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "canlink",
				Subsystem: "transport",
				Name:      "flow_control_total",
				Help:      "Flow control frames issued",
			},
		),
	}
	m.Connected = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "canlink",
			Subsystem: "interface",
			Name:      "connected",
			Help:      "Interface connection status (0=disconnected, 1=connected)",
		},
		m.connectedValue,
	)
	return m
}

// observeConnection makes the Connected gauge report fn at scrape time.
func (m *Metrics) observeConnection(fn func() bool) {
	m.connected.Store(&fn)
}

func (m *Metrics) connectedValue() float64 {
	fn := m.connected.Load()
	if fn == nil || !(*fn)() {
		return 0
	}
	return 1
}

// Register adds all collectors to reg. Collectors already registered are
// ignored so the same Metrics can be handed to several registries.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Requests,
		m.Responses,
		m.ResponseBytes,
		m.Errors,
		m.DroppedFrames,
		m.FlowControl,
		m.Connected,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
