//nolint:gochecknoglobals // prometheus metrics and global state
package metrics

import (
	"errors"
	"strconv"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultService = "boardfarm"

var (
	DevicesRegistered = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "boardfarm_devices_registered",
			Help: "Registered devices per capability (Gauge).",
		},
		[]string{"service", "capability"},
	)
	RegistryEventsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_registry_events_total",
			Help: "Registry mutations applied (Counter). kind=added|removed|updated.",
		},
		[]string{"service", "kind"},
	)
	HotplugEventsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_hotplug_events_total",
			Help: "Hot-plug notifications by source and outcome (Counter). outcome=registered|removed|ignored|malformed|failed.",
		},
		[]string{"service", "source", "outcome"},
	)
	LeaseRejectionsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_lease_rejections_total",
			Help: "Exclusive lease requests rejected because the device was busy (Counter).",
		},
		[]string{"service"},
	)

	ConsoleSubscribers = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "boardfarm_console_subscribers",
			Help: "Active console stream subscribers (Gauge).",
		},
		[]string{"service"},
	)
	ConsoleBytesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_console_bytes_total",
			Help: "Console bytes moved (Counter). direction=rx|tx.",
		},
		[]string{"service", "direction"},
	)
	ConsoleDroppedBytesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_console_dropped_bytes_total",
			Help: "Console bytes discarded from slow subscriber backlogs (Counter).",
		},
		[]string{"service"},
	)

	FlashSessionsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_flash_sessions_total",
			Help: "Finished flash sessions (Counter). outcome=done|failed.",
		},
		[]string{"service", "protocol", "outcome"},
	)
	FlashBytesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_flash_bytes_total",
			Help: "Image bytes transferred to devices (Counter).",
		},
		[]string{"service", "protocol"},
	)
	FlashDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "boardfarm_flash_duration_seconds",
		Help:    "Flash session duration in seconds (Histogram).",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"service", "protocol"})

	MQTTPublishTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "boardfarm_mqtt_publish_total",
			Help: "MQTT registry mirror publishes (Counter). outcome=success|error.",
		},
		[]string{"service", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "http_server_requests_total",
			Help: "HTTP requests handled (Counter). Labels: service, method, route, status.",
		},
		[]string{"service", "method", "route", "status"},
	)
	ReadyGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "service_ready",
			Help: "Service readiness: 1=ready, 0=not ready (Gauge).",
		},
		[]string{"service"},
	)
)

var readyFlag int32 //nolint:gochecknoglobals // service ready flag

var serviceName atomic.Value //nolint:gochecknoglobals // service name // string

// SetService sets the service label value (default: boardfarm).
func SetService(name string) { serviceName.Store(name) }

func Service() string {
	if v := serviceName.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	return defaultService
}

// RegisterCollectors registers default Go and process collectors.
// Should be called once during program startup (e.g., in cmd).
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		// best-effort: ignore unexpected errors to avoid panics in init
	}
}

func SetDevices(capability string, n int) {
	DevicesRegistered.WithLabelValues(Service(), capability).Set(float64(n))
}

func RecordRegistryEvent(kind string) {
	RegistryEventsTotal.WithLabelValues(Service(), kind).Inc()
}

func RecordHotplug(source, outcome string) {
	HotplugEventsTotal.WithLabelValues(Service(), source, outcome).Inc()
}

func RecordLeaseRejected() {
	LeaseRejectionsTotal.WithLabelValues(Service()).Inc()
}

func AddConsoleSubscribers(delta int) {
	ConsoleSubscribers.WithLabelValues(Service()).Add(float64(delta))
}

func AddConsoleBytes(direction string, n int) {
	if n <= 0 {
		return
	}

	ConsoleBytesTotal.WithLabelValues(Service(), direction).Add(float64(n))
}

func AddConsoleDropped(n int) {
	if n <= 0 {
		return
	}

	ConsoleDroppedBytesTotal.WithLabelValues(Service()).Add(float64(n))
}

// RecordFlash records a finished session.
func RecordFlash(protocol, outcome string, bytes int64, seconds float64) {
	s := Service()
	FlashSessionsTotal.WithLabelValues(s, protocol, outcome).Inc()
	FlashDuration.WithLabelValues(s, protocol).Observe(seconds)

	if bytes > 0 {
		FlashBytesTotal.WithLabelValues(s, protocol).Add(float64(bytes))
	}
}

func RecordMQTTPublish(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	MQTTPublishTotal.WithLabelValues(Service(), outcome).Inc()
}

// RecordHTTP increments HTTP requests with OTEL-style labels.
func RecordHTTP(method, route string, status int) {
	HTTPRequestsTotal.WithLabelValues(Service(), method, route, strconv.Itoa(status)).Inc()
}

// SetReady sets readiness and updates the gauge.
func SetReady(v bool) {
	if v {
		atomic.StoreInt32(&readyFlag, 1)
		ReadyGauge.WithLabelValues(Service()).Set(1)
	} else {
		atomic.StoreInt32(&readyFlag, 0)
		ReadyGauge.WithLabelValues(Service()).Set(0)
	}
}

// IsReady returns current readiness flag.
func IsReady() bool { return atomic.LoadInt32(&readyFlag) == 1 }
