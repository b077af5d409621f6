package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vibast-solutions/ms-go-account-notifications/app/queue"
	"github.com/vibast-solutions/ms-go-account-notifications/app/scheduler"
)

const namespace = "notifications"

// Metrics groups the Prometheus instruments of the service. Instruments are
// registered on the registry passed to New, never on the global one.
type Metrics struct {
	JobsScheduled     *prometheus.CounterVec
	JobsExecuted      *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	Published         *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	DeadLettered      *prometheus.CounterVec
	ConsumerState     prometheus.Gauge
	ConsumerReconnect prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Jobs written to the delay scheduler.",
		}, []string{"type"}),
		JobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_executed_total",
			Help:      "Scheduler job executions by outcome.",
		}, []string{"type", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent executing a scheduler job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages published to the mail queue by result.",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Consumed deliveries by settlement outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from receiving a delivery to settling it.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Notifications moved to the dead-letter queue by reason.",
		}, []string{"reason"}),
		ConsumerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_state",
			Help:      "Consumer lifecycle state (0 stopped, 1 connecting, 2 subscribed, 3 disconnected, 4 closed).",
		}),
		ConsumerReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_disconnects_total",
			Help:      "Times the consumer lost its broker session.",
		}),
	}

	reg.MustRegister(
		m.JobsScheduled,
		m.JobsExecuted,
		m.JobDuration,
		m.Published,
		m.Deliveries,
		m.DeliveryDuration,
		m.DeadLettered,
		m.ConsumerState,
		m.ConsumerReconnect,
	)
	return m
}

func (m *Metrics) SchedulerHooks() scheduler.Hooks {
	return scheduler.Hooks{
		OnScheduled: func(jobType string) {
			m.JobsScheduled.WithLabelValues(jobType).Inc()
		},
		OnResult: func(jobType string, outcome string, elapsed time.Duration) {
			m.JobsExecuted.WithLabelValues(jobType, outcome).Inc()
			m.JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
		},
	}
}

// ConsumerHooks wraps onDeadLetter so the dead-letter counter is kept
// alongside the caller's own hook, which may be nil.
func (m *Metrics) ConsumerHooks(onDeadLetter func(ctx context.Context, env queue.Envelope, reason string)) queue.Hooks {
	return queue.Hooks{
		OnState: func(s queue.State) {
			m.ConsumerState.Set(float64(s))
			if s == queue.StateDisconnected {
				m.ConsumerReconnect.Inc()
			}
		},
		OnOutcome: func(outcome queue.Outcome, elapsed time.Duration) {
			m.Deliveries.WithLabelValues(string(outcome)).Inc()
			m.DeliveryDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
		},
		OnDeadLetter: func(ctx context.Context, env queue.Envelope, reason string) {
			m.DeadLettered.WithLabelValues(reason).Inc()
			if onDeadLetter != nil {
				onDeadLetter(ctx, env, reason)
			}
		},
	}
}

// PublishHook matches queue.EmailProducer.OnPublish.
func (m *Metrics) PublishHook() func(error) {
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.Published.WithLabelValues(result).Inc()
	}
}
