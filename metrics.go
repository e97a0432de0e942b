package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records sync activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	frames            *prometheus.CounterVec
	framesDropped     prometheus.Counter
	reconnects        prometheus.Counter
	reconnectsExhaust prometheus.Counter
	connState         prometheus.Gauge
	accepted          *prometheus.CounterVec
	duplicates        *prometheus.CounterVec
	sends             *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_frames_total",
			Help: "Inbound frames classified, by kind.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Inbound frames dropped as malformed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled.",
		}),
		reconnectsExhaust: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_exhausted_total",
			Help: "Times the reconnect budget ran out.",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Live channel state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_accepted_total",
			Help: "Messages added to the store, by source.",
		}, []string{"source"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_duplicate_total",
			Help: "Messages discarded as duplicates, by source.",
		}, []string{"source"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outbound sends, by path and result.",
		}, []string{"path", "result"}),
	}
	for _, c := range []prometheus.Collector{
		m.frames, m.framesDropped, m.reconnects, m.reconnectsExhaust,
		m.connState, m.accepted, m.duplicates, m.sends,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) frame(kind Kind) {
	if m != nil {
		m.frames.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) reconnectExhausted() {
	if m != nil {
		m.reconnectsExhaust.Inc()
	}
}

func (m *Metrics) state(s ConnState) {
	if m == nil {
		return
	}
	switch s {
	case StateConnected:
		m.connState.Set(2)
	case StateConnecting:
		m.connState.Set(1)
	default:
		m.connState.Set(0)
	}
}

func (m *Metrics) message(source string, added bool) {
	if m == nil {
		return
	}
	if added {
		m.accepted.WithLabelValues(source).Inc()
	} else {
		m.duplicates.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) send(path, result string) {
	if m != nil {
		m.sends.WithLabelValues(path, result).Inc()
	}
}
