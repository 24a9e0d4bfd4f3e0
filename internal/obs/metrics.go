package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions          = promauto.NewGauge(prometheus.GaugeOpts{Name: "vncrelay_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "vncrelay_sessions_total", Help: "Sessions that reached the open state"})
	SessionTerminationTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncrelay_session_terminations_total", Help: "Session terminations by kind"}, []string{"kind"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vncrelay_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
	BackendConnectSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vncrelay_backend_connect_seconds", Help: "Time to open the VNC backend connection", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)})
	RelayBytesTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncrelay_relay_bytes_total", Help: "Payload bytes relayed by direction"}, []string{"direction"})
	FramesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncrelay_client_frames_total", Help: "Inbound client frames by opcode"}, []string{"opcode"})
)
