package observability

// Metrics provides counter and gauge recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Counter and gauge names emitted by the mirroring engine.
const (
	MetricEventsNormalized  = "mirror_events_normalized_total"
	MetricEventsDropped     = "mirror_events_dropped_total"
	MetricEventsInvalid     = "mirror_events_invalid_total"
	MetricFillsApplied      = "mirror_fills_applied_total"
	MetricFillsDuplicate    = "mirror_fills_duplicate_total"
	MetricFillsUnknown      = "mirror_fills_unknown_total"
	MetricRiskRejections    = "mirror_risk_rejections_total"
	MetricSubmissions       = "mirror_submissions_total"
	MetricRetries           = "mirror_retries_total"
	MetricDeadLetters       = "mirror_dead_letters_total"
	MetricBreakerState      = "mirror_breaker_state"
	MetricRetryQueueDepth   = "mirror_retry_queue_depth"
	MetricExposureNotional  = "mirror_total_exposure_notional"
	MetricOpenOrders        = "mirror_open_orders"
)

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)   {}
