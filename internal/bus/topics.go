package bus

// Envelope lifecycle topics.
const (
	TopicEnvelopeCreated = "envelope.created"
	TopicEnvelopeDone    = "envelope.done"
)

// Agent and binding topics.
const (
	TopicAgentRegistered = "agent.registered"
	TopicAgentDeleted    = "agent.deleted"
	TopicBindingChanged  = "binding.changed"
)

// Run lifecycle topics.
const (
	TopicRunStarted  = "run.started"
	TopicRunFinished = "run.finished"
)

// EnvelopeEvent is published when an envelope is created or closed. Agent is
// the destination agent name, empty for channel-destined envelopes.
type EnvelopeEvent struct {
	EnvelopeID     string
	From           string
	To             string
	Agent          string
	CronScheduleID string
	Scheduled      bool // deliverAt was set in the future at creation
}

// AgentEvent is published when an agent is registered or deleted.
type AgentEvent struct {
	Name string
}

// BindingEvent is published when an agent binding is created, replaced or
// removed, so the adapter registry can reconcile running adapters.
type BindingEvent struct {
	AgentName   string
	AdapterType string
	Removed     bool
}

// RunEvent is published when an agent run starts or reaches a terminal
// status ("completed", "failed", "cancelled").
type RunEvent struct {
	RunID     string
	AgentName string
	Status    string
}
