package nightlysync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
)

const metricNamespace = "nightly_sync"

const (
	invocationsMetricName   = "invocations_total"
	stepResultsMetricName   = "step_results_total"
	notificationsMetricName = "notifications_total"
)

const (
	outcomeLabel = "outcome"
	resultLabel  = "result"
	stepLabel    = "step"
	kindLabel    = "kind"
	actionLabel  = "action"
)

type stepLabelVal string

const (
	stepLabelPinVal    stepLabelVal = "pin"
	stepLabelTagVal    stepLabelVal = "tag"
	stepLabelMergeVal  stepLabelVal = "merge"
	stepLabelNotifyVal stepLabelVal = "notify"
)

type metricCollector struct {
	logger        *zap.Logger
	invocations   *prometheus.CounterVec
	stepResults   *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// Registry is the prometheus registry the pipeline metrics are registered
// at. It is served by the http server and pushed to a pushgateway.
var Registry = prometheus.NewRegistry()

var metrics = newMetricCollector(Registry)

func newMetricCollector(reg prometheus.Registerer) *metricCollector {
	factory := promauto.With(reg)

	return &metricCollector{
		logger: zap.L().Named("metrics"),
		invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      invocationsMetricName,
				Help:      "count of pipeline invocations by ci outcome and result",
			},
			[]string{outcomeLabel, resultLabel},
		),
		stepResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      stepResultsMetricName,
				Help:      "count of pipeline step executions by result",
			},
			[]string{stepLabel, resultLabel},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      notificationsMetricName,
				Help:      "count of notification decisions",
			},
			[]string{kindLabel, actionLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) InvocationsInc(outcome, result string) {
	cnt, err := m.invocations.GetMetricWith(prometheus.Labels{
		outcomeLabel: outcome,
		resultLabel:  result,
	})
	if err != nil {
		m.logGetMetricFailed(invocationsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) StepResultsInc(step stepLabelVal, result string) {
	cnt, err := m.stepResults.GetMetricWith(prometheus.Labels{
		stepLabel:   string(step),
		resultLabel: result,
	})
	if err != nil {
		m.logGetMetricFailed(stepResultsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) NotificationsInc(kind, action string) {
	cnt, err := m.notifications.GetMetricWith(prometheus.Labels{
		kindLabel:   kind,
		actionLabel: action,
	})
	if err != nil {
		m.logGetMetricFailed(notificationsMetricName, err)
		return
	}

	cnt.Inc()
}
