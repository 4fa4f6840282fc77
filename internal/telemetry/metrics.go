package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus метрики оркестрации.
//
// Все методы безопасны для nil-получателя: компоненты, созданные без метрик
// (тесты, CLI), просто ничего не записывают.
type Metrics struct {
	stepTransitions *prometheus.CounterVec
	stepsRunning    prometheus.Gauge
	stepsWaiting    prometheus.Gauge
	broadcasts      prometheus.Counter
	trackerErrors   prometheus.Counter
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	longRunning     prometheus.Counter
	stepRetries     prometheus.Counter
}

// NewMetrics регистрирует метрики в reg.
// Для глобального реестра: NewMetrics(prometheus.DefaultRegisterer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		stepTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "etlflow_step_transitions_total",
			Help: "Step attempt transitions by resulting status",
		}, []string{"status"}),
		stepsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "etlflow_steps_running",
			Help: "Steps currently dispatched to executors",
		}),
		stepsWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "etlflow_steps_waiting",
			Help: "Registered steps whose trackers returned Wait on the last evaluation",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_orchestration_updates_total",
			Help: "Orchestration updates broadcast to trackers",
		}),
		trackerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_tracker_errors_total",
			Help: "Panics recovered while evaluating trackers or running steps",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "etlflow_runs_finished_total",
			Help: "Finished job runs by status",
		}, []string{"status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etlflow_run_duration_seconds",
			Help:    "Job run duration",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"status"}),
		longRunning: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_runs_long_running_total",
			Help: "Runs that exceeded their overtime notification limit",
		}),
		stepRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_step_retries_total",
			Help: "Retry attempts created after executor failures",
		}),
	}
}

// StepTransition учитывает переход попытки шага в статус.
func (m *Metrics) StepTransition(status string) {
	if m == nil {
		return
	}
	m.stepTransitions.WithLabelValues(status).Inc()
}

// StepStarted / StepFinished отслеживают число выполняющихся шагов.
func (m *Metrics) StepStarted() {
	if m == nil {
		return
	}
	m.stepsRunning.Inc()
}

func (m *Metrics) StepFinished() {
	if m == nil {
		return
	}
	m.stepsRunning.Dec()
}

// SetWaiting устанавливает число ожидающих шагов.
func (m *Metrics) SetWaiting(n int) {
	if m == nil {
		return
	}
	m.stepsWaiting.Set(float64(n))
}

// Broadcast учитывает разосланное обновление.
func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// TrackerError учитывает перехваченную панику.
func (m *Metrics) TrackerError() {
	if m == nil {
		return
	}
	m.trackerErrors.Inc()
}

// StepRetry учитывает новую попытку шага.
func (m *Metrics) StepRetry() {
	if m == nil {
		return
	}
	m.stepRetries.Inc()
}

// RunFinished учитывает завершённый run.
func (m *Metrics) RunFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// LongRunning учитывает run, превысивший лимит времени.
func (m *Metrics) LongRunning() {
	if m == nil {
		return
	}
	m.longRunning.Inc()
}
