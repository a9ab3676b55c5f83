package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/spider-keyer-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes read from the keyer serial port.",
	})
	SerialTxCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_commands_total",
		Help: "Total commands written to the keyer serial port.",
	})
	KeyerFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyer_frames_total",
		Help: "Frames decoded from the keyer stream by kind (text|status).",
	}, []string{"kind"})
	KeyerStatusUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyer_status_updates_total",
		Help: "Total status snapshots interpreted.",
	})
	KeyerHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyer_handshakes_total",
		Help: "Identity handshakes by result (connected|mismatch|timeout).",
	}, []string{"result"})
	KeyerConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keyer_connection_state",
		Help: "Current connection state (0=disconnected 1=awaiting 2=connected 3=rejected).",
	})
	KeyerWPM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keyer_wpm",
		Help: "Last non-zero speed reported by the keyer.",
	})
	CtlRxRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctl_rx_requests_total",
		Help: "Total requests received from control clients.",
	})
	CtlTxEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctl_tx_events_total",
		Help: "Total events written to control clients.",
	})
	HubDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_events_total",
		Help: "Total events dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued events among clients in the last broadcast.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued events per client in the last broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrHandshake       = "handshake"
	ErrDispatch        = "dispatch"
	ErrSerialOpen      = "serial_open"
	ErrSerialRead      = "serial_read"
	ErrSerialWrite     = "serial_write"
	ErrSerialOverflow  = "serial_tx_overflow"
	ErrKeyerRejected   = "keyer_rejected"
	ErrKeyerNotConfirm = "keyer_not_confirmed"
	ErrKeyerArgument   = "keyer_invalid_argument"
	ErrKeyerTransport  = "keyer_transport"
)

// Handshake result labels.
const (
	HandshakeConnected = "connected"
	HandshakeMismatch  = "mismatch"
	HandshakeTimeout   = "timeout"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRxBytes uint64
	localSerialTx      uint64
	localTextFrames    uint64
	localStatusFrames  uint64
	localHandshakeOK   uint64
	localHandshakeFail uint64
	localCtlRx         uint64
	localCtlTx         uint64
	localHubDrop       uint64
	localHubKick       uint64
	localHubReject     uint64
	localErrors        uint64
	localHubClients    uint64
	localFanout        uint64
	localQDMax         uint64
	localQDAvg         uint64
	localState         uint64
	localWPM           uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRxBytes uint64
	SerialTx      uint64
	TextFrames    uint64
	StatusFrames  uint64
	HandshakeOK   uint64
	HandshakeFail uint64
	CtlRx         uint64
	CtlTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
	KeyerState    uint64
	KeyerWPM      uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRxBytes: atomic.LoadUint64(&localSerialRxBytes),
		SerialTx:      atomic.LoadUint64(&localSerialTx),
		TextFrames:    atomic.LoadUint64(&localTextFrames),
		StatusFrames:  atomic.LoadUint64(&localStatusFrames),
		HandshakeOK:   atomic.LoadUint64(&localHandshakeOK),
		HandshakeFail: atomic.LoadUint64(&localHandshakeFail),
		CtlRx:         atomic.LoadUint64(&localCtlRx),
		CtlTx:         atomic.LoadUint64(&localCtlTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
		KeyerState:    atomic.LoadUint64(&localState),
		KeyerWPM:      atomic.LoadUint64(&localWPM),
	}
}

// Wrapper helpers to keep call sites simple.
func AddSerialRxBytes(n int) {
	SerialRxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialRxBytes, uint64(n))
}

func IncSerialTx() {
	SerialTxCommands.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncTextFrame counts a decoded text fragment.
func IncTextFrame() {
	KeyerFrames.WithLabelValues("text").Inc()
	atomic.AddUint64(&localTextFrames, 1)
}

// IncStatusFrame counts a decoded and interpreted status snapshot.
func IncStatusFrame() {
	KeyerFrames.WithLabelValues("status").Inc()
	KeyerStatusUpdates.Inc()
	atomic.AddUint64(&localStatusFrames, 1)
}

// IncHandshake counts a finished identity handshake by result label.
func IncHandshake(result string) {
	KeyerHandshakes.WithLabelValues(result).Inc()
	if result == HandshakeConnected {
		atomic.AddUint64(&localHandshakeOK, 1)
		return
	}
	atomic.AddUint64(&localHandshakeFail, 1)
}

func SetKeyerState(s int) {
	KeyerConnectionState.Set(float64(s))
	atomic.StoreUint64(&localState, uint64(s))
}

func SetKeyerWPM(wpm int) {
	KeyerWPM.Set(float64(wpm))
	atomic.StoreUint64(&localWPM, uint64(wpm))
}

func IncCtlRx() {
	CtlRxRequests.Inc()
	atomic.AddUint64(&localCtlRx, 1)
}

func AddCtlTx(n int) {
	CtlTxEvents.Add(float64(n))
	atomic.AddUint64(&localCtlTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedEvents.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrDispatch,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrKeyerRejected, ErrKeyerNotConfirm, ErrKeyerArgument, ErrKeyerTransport,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{HandshakeConnected, HandshakeMismatch, HandshakeTimeout} {
		KeyerHandshakes.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
