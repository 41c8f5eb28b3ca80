package chaos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// ChaosExperiment defines a chaos engineering test
type ChaosExperiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	// SampleInterval is the spacing of steady-state samples while observing.
	// Zero means one second.
	SampleInterval time.Duration
	BlastRadius    float64 // 0.0 to 1.0 (share of the system affected)
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

// Operator compares an observed value with a Threshold value.
type Operator string

const (
	Above   Operator = ">"
	Below   Operator = "<"
	AtLeast Operator = ">="
	AtMost  Operator = "<="
	Equal   Operator = "=="
)

type Threshold struct {
	Operator Operator
	Value    float64
}

// Holds reports whether value satisfies the threshold. An unknown operator
// never holds.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case Above:
		return value > t.Value
	case Below:
		return value < t.Value
	case AtLeast:
		return value >= t.Value
	case AtMost:
		return value <= t.Value
	case Equal:
		return value == t.Value
	}
	return false
}

// Action represents a fault injection or recovery action
type Action struct {
	Type       string
	Target     string
	Parameters map[string]interface{}
	Execute    func(context.Context) error
}

// Assertion validates experiment outcome against the last observation of Metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// ChaosEngine orchestrates chaos experiments
type ChaosEngine struct {
	tracer      trace.Tracer
	logger      *slog.Logger
	experiments []ChaosExperiment
	results     []ExperimentResult
	mu          sync.Mutex
}

func NewChaosEngine(logger *slog.Logger) *ChaosEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChaosEngine{
		tracer:      otel.Tracer("bookswap/chaos"),
		logger:      logger.With("component", "chaos"),
		experiments: make([]ChaosExperiment, 0),
		results:     make([]ExperimentResult, 0),
	}
}

// RegisterExperiment adds an experiment to the test suite
func (ce *ChaosEngine) RegisterExperiment(exp ChaosExperiment) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.experiments = append(ce.experiments, exp)
}

// GetExperiments returns the list of registered experiments.
func (ce *ChaosEngine) GetExperiments() []ChaosExperiment {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ChaosExperiment(nil), ce.experiments...)
}

// Results returns every result recorded so far.
func (ce *ChaosEngine) Results() []ExperimentResult {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ExperimentResult(nil), ce.results...)
}

// RunExperiment executes a single chaos experiment
func (ce *ChaosEngine) RunExperiment(ctx context.Context, exp ChaosExperiment) (*ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
		),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	// Phase 1: steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := ce.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.SteadyStateValid = false
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// Phase 2: inject
	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	// Phase 3: observe
	span.AddEvent("observing_system")
	ce.observe(ctx, exp, result)

	// Phase 4: rollback
	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			ce.logger.WarnContext(ctx, "rollback action failed", "experiment", exp.Name, "target", action.Target, "error", err)
		}
	}

	// Phase 5: assertions
	span.AddEvent("validating_assertions")
	result.FailedAssertions = ce.validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	ce.mu.Lock()
	ce.results = append(ce.results, *result)
	ce.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)

	return result, nil
}

// observe samples the steady-state metrics once immediately and then every
// SampleInterval until Duration elapses.
func (ce *ChaosEngine) observe(ctx context.Context, exp ChaosExperiment, result *ExperimentResult) {
	interval := exp.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var recoveryStart time.Time
	recovered := false

	sample := func() {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			now := time.Now()
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
					Timestamp: now,
					Error:     err.Error(),
					Component: metric.Name,
				})
				continue
			}

			result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

			if !metric.Threshold.Holds(value) {
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// validateSteadyState queries every metric once before injection. A metric
// that cannot be queried counts as a violation with an Actual of -1.
func (ce *ChaosEngine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			ce.logger.WarnContext(ctx, "steady state query failed", "metric", metric.Name, "error", err)
			value = -1
		} else if metric.Threshold.Holds(value) {
			continue
		}
		violations = append(violations, MetricViolation{
			MetricName: metric.Name,
			Expected:   metric.Threshold.Value,
			Actual:     value,
			Timestamp:  time.Now(),
		})
	}
	return len(violations) == 0, violations
}

// validateAssertions returns the messages of the assertions that failed.
func (ce *ChaosEngine) validateAssertions(assertions []Assertion, result *ExperimentResult) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, assertion.Message+" (no observations)")
			continue
		}

		finalValue := observations[len(observations)-1].Value
		if !assertion.Condition(finalValue) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []ChaosExperiment
	Participants []string
	// Pause is the wait between scenarios.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario in order and returns their results. It
// fails only when ctx is cancelled; individual experiment outcomes are in
// the results.
func (ce *ChaosEngine) ExecuteGameDay(ctx context.Context, gameDay GameDay) ([]ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(
			attribute.String("gameday.name", gameDay.Name),
		),
	)
	defer span.End()

	ce.logger.InfoContext(ctx, "starting game day",
		"name", gameDay.Name, "date", gameDay.Date, "participants", gameDay.Participants)

	results := make([]ExperimentResult, 0, len(gameDay.Scenarios))
	for i, scenario := range gameDay.Scenarios {
		if i > 0 && gameDay.Pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}

		ce.logger.InfoContext(ctx, "running experiment",
			"index", i+1, "total", len(gameDay.Scenarios), "name", scenario.Name, "hypothesis", scenario.Hypothesis)

		result, err := ce.RunExperiment(ctx, scenario)
		if err != nil {
			ce.logger.ErrorContext(ctx, "experiment aborted", "name", scenario.Name, "error", err)
		}
		ce.logResult(ctx, result)
		results = append(results, *result)
	}
	return results, ctx.Err()
}

func (ce *ChaosEngine) logResult(ctx context.Context, result *ExperimentResult) {
	attrs := []any{
		"name", result.ExperimentName,
		"hypothesis_held", result.HypothesisHeld,
		"steady_state_valid", result.SteadyStateValid,
		"violations", len(result.Violations),
		"duration", result.Duration,
	}
	if result.MTTR != nil {
		attrs = append(attrs, "mttr", *result.MTTR)
	}
	if len(result.FailedAssertions) > 0 {
		attrs = append(attrs, "failed_assertions", result.FailedAssertions)
	}

	if result.HypothesisHeld {
		ce.logger.InfoContext(ctx, "hypothesis held", attrs...)
		return
	}
	ce.logger.WarnContext(ctx, "hypothesis violated", attrs...)
}
