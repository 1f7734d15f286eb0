// Package metrics holds the prometheus collectors exported at /metrics.
package metrics

import (
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "mesinsight"

var (
	oeeComputations *prometheus.CounterVec
	oeeRatio        *prometheus.GaugeVec
	telemetryRows   *prometheus.CounterVec
	reconcileGroups *prometheus.CounterVec
	ticketOutcomes  *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec

	initOnce sync.Once
)

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		oeeComputations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oee_computations_total",
				Help:      "OEE snapshot computations by machine and result.",
			},
			[]string{"machine", "result"},
		)
		oeeRatio = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "oee_ratio_percent",
				Help:      "Latest shift-to-date KPI per machine, in percent.",
			},
			[]string{"machine", "kpi"},
		)
		telemetryRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telemetry_rows_total",
				Help:      "Telemetry rows received and inserted per stream.",
			},
			[]string{"stream", "result"},
		)
		reconcileGroups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_groups_total",
				Help:      "Legacy shift groups processed by outcome.",
			},
			[]string{"outcome"},
		)
		ticketOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticket_sync_total",
				Help:      "Maintenance tickets reconciled by action.",
			},
			[]string{"action"},
		)
		jobDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of background jobs in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"job"},
		)
		prometheus.MustRegister(oeeComputations, oeeRatio, telemetryRows, reconcileGroups, ticketOutcomes, jobDuration)
	})
}

// ObserveOEE records one computation; KPI gauges are only updated on success.
func ObserveOEE(machine, result string, availability, performance, oee float64) {
	Init()
	oeeComputations.WithLabelValues(machine, result).Inc()
	if result != "ok" {
		return
	}
	oeeRatio.WithLabelValues(machine, "availability").Set(availability)
	oeeRatio.WithLabelValues(machine, "performance").Set(performance)
	oeeRatio.WithLabelValues(machine, "oee").Set(oee)
}

// ObserveTelemetry records received and inserted row counts for a stream.
func ObserveTelemetry(stream string, received int, inserted int64) {
	Init()
	telemetryRows.WithLabelValues(stream, "received").Add(float64(received))
	telemetryRows.WithLabelValues(stream, "inserted").Add(float64(inserted))
}

// ObserveReconcileGroup counts one legacy shift group outcome.
func ObserveReconcileGroup(outcome string) {
	Init()
	reconcileGroups.WithLabelValues(outcome).Inc()
}

// ObserveTicket counts one ticket reconciliation action.
func ObserveTicket(action string) {
	Init()
	ticketOutcomes.WithLabelValues(action).Inc()
}

// ObserveJob records how long a background job run took.
func ObserveJob(job string, seconds float64) {
	Init()
	jobDuration.WithLabelValues(job).Observe(seconds)
}

// FilterByLabel keeps families without the label untouched and, for families
// that carry it, only the series whose label equals value.
func FilterByLabel(families []*dto.MetricFamily, label, value string) []*dto.MetricFamily {
	filtered := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		hasLabel := false
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label {
					hasLabel = true
					break
				}
			}
			if hasLabel {
				break
			}
		}

		if !hasLabel {
			filtered = append(filtered, mf)
			continue
		}

		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					kept = append(kept, m)
					break
				}
			}
		}

		if len(kept) == 0 {
			continue
		}

		filtered = append(filtered, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return filtered
}

// Write gathers from g, optionally filters by machine, and encodes in the text format.
func Write(w io.Writer, g prometheus.Gatherer, machine string) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	if machine != "" {
		families = FilterByLabel(families, "machine", machine)
	}

	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// ContentType is the text exposition content type.
var ContentType = string(expfmt.FmtText)
