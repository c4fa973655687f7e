package model

import "time"

// Names used for updates that describe the run as a whole rather than a
// single agent.
const (
	PipelineAgentName = "Pipeline"
	SystemAgentName   = "System"
)

// CancelledMessage is the message carried by soft-cancel updates.
const CancelledMessage = "Execution cancelled by user"

// AgentUpdate is a transient progress event describing an agent's status change.
type AgentUpdate struct {
	AgentName    string       `json:"agent_name"`
	Status       AgentStatus  `json:"status"`
	Progress     int          `json:"progress"`
	Result       *AgentResult `json:"result,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NewAgentUpdate builds an update stamped with the current time. Progress is
// clamped to [0, 100].
func NewAgentUpdate(agentName string, status AgentStatus, progress int, result *AgentResult, errorMessage string) AgentUpdate {
	return AgentUpdate{
		AgentName:    agentName,
		Status:       status,
		Progress:     ClampProgress(progress),
		Result:       result,
		ErrorMessage: errorMessage,
		Timestamp:    time.Now().UTC(),
	}
}

// ClampProgress limits p to the range [0, 100].
func ClampProgress(p int) int {
	return min(max(p, 0), 100)
}

// IsPipelineLevel reports whether u describes the run rather than one agent.
func (u AgentUpdate) IsPipelineLevel() bool {
	return u.AgentName == PipelineAgentName || u.AgentName == SystemAgentName
}
