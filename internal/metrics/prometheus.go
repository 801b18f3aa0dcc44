package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all compiler metrics.
type Registry struct {
	gatherer prometheus.Gatherer

	// Run metrics
	CompileRuns     *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	LastCompileTime prometheus.Gauge

	// Model metrics
	Rules              *prometheus.GaugeVec
	Chains             *prometheus.GaugeVec
	DynamicExpansions  *prometheus.CounterVec
	SkippedRuleSpecs   prometheus.Counter
	EnvironmentResolve *prometheus.CounterVec

	// IPSet metrics
	IPSetSize      *prometheus.GaugeVec
	ResolveLookups *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary. Its
// metrics are registered with the default Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

// NewRegistry creates metrics on a private Prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	return newRegistry(reg, reg)
}

func newRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	r := &Registry{gatherer: gatherer}
	factory := promauto.With(reg)

	r.CompileRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_compile_runs_total",
		Help: "Compilation runs by result",
	}, []string{"result"})

	r.StageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rampart_compile_stage_duration_seconds",
		Help:    "Duration of each compilation stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	r.LastCompileTime = factory.NewGauge(prometheus.GaugeOpts{
		Name: "rampart_last_compile_timestamp_seconds",
		Help: "Unix time of the last successful compilation",
	})

	r.Rules = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampart_rules",
		Help: "Concrete rules in the compiled model",
	}, []string{"version"})

	r.Chains = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampart_chains",
		Help: "Chains in the compiled model",
	}, []string{"version"})

	r.DynamicExpansions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_dynamic_expansions_total",
		Help: "Dynamic chain expansions performed",
	}, []string{"chain"})

	r.SkippedRuleSpecs = factory.NewCounter(prometheus.CounterOpts{
		Name: "rampart_rule_specs_skipped_total",
		Help: "Rule specs whose condition was false",
	})

	r.EnvironmentResolve = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_environment_bindings_total",
		Help: "Environment bindings resolved, by language",
	}, []string{"language"})

	r.IPSetSize = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampart_ipset_size",
		Help: "Number of entries in each IPSet",
	}, []string{"name", "type"})

	r.ResolveLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_resolve_names_total",
		Help: "Set entry names resolved, by result",
	}, []string{"result"})

	return r
}

// ObserveStage records how long a stage took.
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	r.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRun records the outcome of a compilation.
func (r *Registry) RecordRun(err error) {
	r.CompileRuns.WithLabelValues(resultString(err)).Inc()
	if err == nil {
		r.LastCompileTime.SetToCurrentTime()
	}
}

// RecordModel records per-version totals.
func (r *Registry) RecordModel(version, chains, rules int) {
	v := strconv.Itoa(version)
	r.Chains.WithLabelValues(v).Set(float64(chains))
	r.Rules.WithLabelValues(v).Set(float64(rules))
}

// RecordIPSet records the size of a materialized set.
func (r *Registry) RecordIPSet(name, setType string, size int) {
	r.IPSetSize.WithLabelValues(name, setType).Set(float64(size))
}

// RecordResolve records name resolution outcomes.
func (r *Registry) RecordResolve(resolved, failed int) {
	r.ResolveLookups.WithLabelValues("ok").Add(float64(resolved))
	r.ResolveLookups.WithLabelValues("failed").Add(float64(failed))
}

// WriteTextfile writes all metrics in the node_exporter textfile format.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.gatherer); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
