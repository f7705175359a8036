// Package observability wires Prometheus metrics and OpenTelemetry tracing
// for the coordinator.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the coordinator's Prometheus metrics. It satisfies the
// subarray package's MetricsRecorder interface.
type Collector struct {
	gatherer prometheus.Gatherer

	Commands         *prometheus.CounterVec
	CommandDurations *prometheus.HistogramVec

	ObsStateNumeric prometheus.Gauge
	ObsStateInfo    *prometheus.GaugeVec

	AssignedVCCs prometheus.Gauge
	ClaimedFSPs  prometheus.Gauge

	DelayModelsForwarded prometheus.Counter
	DelayModelsDropped   prometheus.Counter
}

// NewCollector registers the coordinator metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cbf_commands_total",
		Help: "Total number of finished lifecycle commands, labeled by command and result.",
	}, []string{"command", "result"})
	commands, err := registerCounterVec(reg, commands, "cbf_commands_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cbf_command_duration_seconds",
		Help:    "Lifecycle command latency in seconds, from dequeue to terminal result.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"command"})
	durations, err = registerHistogramVec(reg, durations, "cbf_command_duration_seconds")
	if err != nil {
		return nil, err
	}

	obsNumeric, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cbf_obs_state",
		Help: "Current observation state as its numeric enum value.",
	}), "cbf_obs_state")
	if err != nil {
		return nil, err
	}

	obsInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cbf_obs_state_info",
		Help: "One-hot gauge naming the current observation state.",
	}, []string{"state"})
	obsInfo, err = registerGaugeVec(reg, obsInfo, "cbf_obs_state_info")
	if err != nil {
		return nil, err
	}

	assignedVCCs, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cbf_assigned_vccs",
		Help: "Current number of channelizers assigned to the subarray.",
	}), "cbf_assigned_vccs")
	if err != nil {
		return nil, err
	}
	claimedFSPs, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cbf_claimed_fsps",
		Help: "Current number of processors claimed by the active scan configuration.",
	}), "cbf_claimed_fsps")
	if err != nil {
		return nil, err
	}

	forwarded, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cbf_delay_models_forwarded_total",
		Help: "Total delay-model updates forwarded to claimed processors.",
	}), "cbf_delay_models_forwarded_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cbf_delay_models_dropped_total",
		Help: "Total delay-model updates dropped because forwarding workers were saturated.",
	}), "cbf_delay_models_dropped_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:             gatherer,
		Commands:             commands,
		CommandDurations:     durations,
		ObsStateNumeric:      obsNumeric,
		ObsStateInfo:         obsInfo,
		AssignedVCCs:         assignedVCCs,
		ClaimedFSPs:          claimedFSPs,
		DelayModelsForwarded: forwarded,
		DelayModelsDropped:   dropped,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCommand records one finished lifecycle command.
func (c *Collector) ObserveCommand(command string, result string, seconds float64) {
	if c == nil {
		return
	}
	if c.Commands != nil {
		c.Commands.WithLabelValues(command, result).Inc()
	}
	if c.CommandDurations != nil {
		c.CommandDurations.WithLabelValues(command).Observe(seconds)
	}
}

// SetObsState records an observation state transition.
func (c *Collector) SetObsState(state string, numeric int) {
	if c == nil {
		return
	}
	if c.ObsStateNumeric != nil {
		c.ObsStateNumeric.Set(float64(numeric))
	}
	if c.ObsStateInfo != nil {
		c.ObsStateInfo.Reset()
		c.ObsStateInfo.WithLabelValues(state).Set(1)
	}
}

// SetAssignedCounts records the current resource ownership counts.
func (c *Collector) SetAssignedCounts(vccs, fsps int) {
	if c == nil {
		return
	}
	if c.AssignedVCCs != nil {
		c.AssignedVCCs.Set(float64(vccs))
	}
	if c.ClaimedFSPs != nil {
		c.ClaimedFSPs.Set(float64(fsps))
	}
}

// AddDelayModelForwarded counts one forwarded delay-model update.
func (c *Collector) AddDelayModelForwarded() {
	if c != nil && c.DelayModelsForwarded != nil {
		c.DelayModelsForwarded.Inc()
	}
}

// AddDelayModelDropped counts one dropped delay-model update.
func (c *Collector) AddDelayModelDropped() {
	if c != nil && c.DelayModelsDropped != nil {
		c.DelayModelsDropped.Inc()
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
