package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments. The daemon bumps the
// counters from bus events; the gateway records request durations inline.
type Metrics struct {
	RPCRequests       metric.Int64Counter
	RPCDuration       metric.Float64Histogram
	EnvelopesCreated  metric.Int64Counter
	EnvelopesDone     metric.Int64Counter
	RunsStarted       metric.Int64Counter
	RunsFinished      metric.Int64Counter
	RunDuration       metric.Float64Histogram
	AdapterReconciles metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RPCRequests, err = meter.Int64Counter("hiboss.rpc.requests",
		metric.WithDescription("RPC requests handled, by method and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCDuration, err = meter.Float64Histogram("hiboss.rpc.duration",
		metric.WithDescription("RPC request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesCreated, err = meter.Int64Counter("hiboss.envelopes.created",
		metric.WithDescription("Envelopes accepted into the store"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesDone, err = meter.Int64Counter("hiboss.envelopes.done",
		metric.WithDescription("Envelopes closed by delivery or runs"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("hiboss.runs.started",
		metric.WithDescription("Agent runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("hiboss.runs.finished",
		metric.WithDescription("Agent runs finished, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("hiboss.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterReconciles, err = meter.Int64Counter("hiboss.adapters.reconciles",
		metric.WithDescription("Channel adapter reconcile passes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
