package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Donna metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TaskAttempts      metric.Int64Counter
	TaskFailures      metric.Int64Counter
	TasksWaiting      metric.Int64UpDownCounter
	EmbeddingDuration metric.Float64Histogram
	EmbeddingRetries  metric.Int64Counter
	SearchDuration    metric.Float64Histogram
	SearchResults     metric.Int64Counter
	GateWait          metric.Float64Histogram
	EventsProcessed   metric.Int64Counter
	InstructionsFired metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("donna.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskAttempts, err = meter.Int64Counter("donna.task.attempts",
		metric.WithDescription("Task execution attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("donna.task.failures",
		metric.WithDescription("Terminal task failures"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksWaiting, err = meter.Int64UpDownCounter("donna.task.waiting",
		metric.WithDescription("Tasks parked on an external signal"),
	)
	if err != nil {
		return nil, err
	}

	m.EmbeddingDuration, err = meter.Float64Histogram("donna.embedding.duration",
		metric.WithDescription("Embedding gateway call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EmbeddingRetries, err = meter.Int64Counter("donna.embedding.retries",
		metric.WithDescription("Embedding retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchDuration, err = meter.Float64Histogram("donna.search.duration",
		metric.WithDescription("Knowledge search duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchResults, err = meter.Int64Counter("donna.search.results",
		metric.WithDescription("Knowledge search hits returned"),
	)
	if err != nil {
		return nil, err
	}

	m.GateWait, err = meter.Float64Histogram("donna.gate.wait",
		metric.WithDescription("Time spent in the dependency rate gate in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsProcessed, err = meter.Int64Counter("donna.events.processed",
		metric.WithDescription("External events processed"),
	)
	if err != nil {
		return nil, err
	}

	m.InstructionsFired, err = meter.Int64Counter("donna.instructions.fired",
		metric.WithDescription("Automation instructions fired"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
