package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel label values.
const (
	chanSync     = "sync"
	chanPresence = "presence"
)

// Metrics are the relay's prometheus series.
type Metrics struct {
	Connections  *prometheus.GaugeVec
	Rooms        *prometheus.GaugeVec
	Frames       *prometheus.CounterVec
	DecodeErrors *prometheus.CounterVec
	BusMessages  *prometheus.CounterVec
	Snapshots    *prometheus.CounterVec
}

// NewMetrics registers the relay series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "collabnote",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Live websocket connections by channel.",
		}, []string{"channel"}),
		Rooms: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "collabnote",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Open notebook and page rooms by channel.",
		}, []string{"channel"}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabnote",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames handled by channel and direction.",
		}, []string{"channel", "direction"}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabnote",
			Subsystem: "relay",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they failed to decode or validate.",
		}, []string{"channel"}),
		BusMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabnote",
			Subsystem: "relay",
			Name:      "bus_messages_total",
			Help:      "Messages exchanged with other relay instances.",
		}, []string{"channel", "direction"}),
		Snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabnote",
			Subsystem: "relay",
			Name:      "snapshots_total",
			Help:      "Snapshot loads and saves by result.",
		}, []string{"op", "result"}),
	}
}
