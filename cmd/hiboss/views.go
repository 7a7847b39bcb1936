package main

import (
	"github.com/hiboss/hi-boss/internal/engine"
	"github.com/hiboss/hi-boss/internal/persistence"
)

// Local mirrors of the daemon's response shapes. Only fields the human
// renderers touch are listed; --json prints the raw result untouched.

type envelopeView struct {
	EnvelopeID  string                   `json:"envelopeId"`
	ShortID     string                   `json:"shortId"`
	From        string                   `json:"from"`
	To          string                   `json:"to"`
	FromBoss    bool                     `json:"fromBoss"`
	Status      string                   `json:"status"`
	Text        string                   `json:"text"`
	Attachments []persistence.Attachment `json:"attachments"`
	DeliverAt   string                   `json:"deliverAt"`
	CreatedAt   string                   `json:"createdAt"`
}

type agentView struct {
	Name            string                     `json:"name"`
	Description     string                     `json:"description"`
	Provider        string                     `json:"provider"`
	Model           string                     `json:"model"`
	ReasoningEffort string                     `json:"reasoningEffort"`
	PermissionLevel string                     `json:"permissionLevel"`
	Workspace       string                     `json:"workspace"`
	SessionPolicy   *persistence.SessionPolicy `json:"sessionPolicy"`
	CreatedAt       string                     `json:"createdAt"`
	LastSeenAt      string                     `json:"lastSeenAt"`
}

type bindingView struct {
	AdapterType string `json:"adapterType"`
	CreatedAt   string `json:"createdAt"`
}

type runView struct {
	RunID         string `json:"runId"`
	ShortID       string `json:"shortId"`
	Agent         string `json:"agent"`
	Status        string `json:"status"`
	StartedAt     string `json:"startedAt"`
	CompletedAt   string `json:"completedAt"`
	ContextLength int    `json:"contextLength"`
	Error         string `json:"error"`
}

type cronView struct {
	CronID            string `json:"cronId"`
	ShortID           string `json:"shortId"`
	Agent             string `json:"agent"`
	Expression        string `json:"expression"`
	Timezone          string `json:"timezone"`
	Enabled           bool   `json:"enabled"`
	To                string `json:"to"`
	Text              string `json:"text"`
	PendingEnvelopeID string `json:"pendingEnvelopeId"`
	NextAt            string `json:"nextAt"`
	CreatedAt         string `json:"createdAt"`
}

type daemonStatusView struct {
	Version          string          `json:"version"`
	PID              int             `json:"pid"`
	StartedAt        string          `json:"startedAt"`
	UptimeSeconds    int64           `json:"uptimeSeconds"`
	DataDir          string          `json:"dataDir"`
	SocketPath       string          `json:"socketPath"`
	SetupCompleted   bool            `json:"setupCompleted"`
	PolicyVersion    string          `json:"policyVersion"`
	PendingEnvelopes int             `json:"pendingEnvelopes"`
	NextWake         string          `json:"nextWake"`
	Agents           []engine.Status `json:"agents"`
	Adapters         map[string]int  `json:"adapters"`
}
