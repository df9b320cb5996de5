// Package messaging defines the wire-level types shared by the client and
// agent entities: the AgentMessage envelope, agent configuration, and the
// health report shape. These are the payloads that cross RPC and stream
// boundaries (spec'd data model), kept as plain serializable structs so any
// transport (Temporal activity args, Pulse stream payloads, JSON over HTTP)
// can carry them unchanged.
package messaging

import "time"

// Kind distinguishes request/response RPC framing from fire-and-forget
// stream delivery.
type Kind string

const (
	// KindRequest expects a reply whose ToHandle equals the request's
	// FromHandle.
	KindRequest Kind = "request"
	// KindResponse marks a message as a reply to an earlier Request.
	KindResponse Kind = "response"
	// KindOneWay carries no expectation of a reply.
	KindOneWay Kind = "one_way"
)

// EventMessageType is the MessageType value that routes an incoming
// AgentMessage to OnEvent instead of OnMessage.
const EventMessageType = "event"

// Worker-reported outcome tags recognized by the plan-execute dispatch loop
// (spec §4.9.4 step 5) when classifying a dispatch reply's MessageType.
const (
	MessageTypeAgentErrorTransient = "agent-error-transient"
	MessageTypeAgentError          = "agent-error"
)

// AgentMessage is the envelope exchanged between agents and clients over
// both direct RPC and the pub/sub stream plane.
type AgentMessage struct {
	// FromHandle and ToHandle are qualified handles ("owner:agent"). They may
	// be empty on an outbound request when the caller relies on the entity
	// sending it to fill in FromHandle.
	FromHandle string
	ToHandle   string

	// Message is the opaque text payload.
	Message string

	// MessageType is a free-form tag. The value "event" triggers OnEvent
	// dispatch instead of OnMessage.
	MessageType string

	Kind Kind

	// Channel and Args carry optional routing and structured metadata. The
	// plan-execute dispatch loop passes channel "agent" to its sender, and
	// the scheduler stores the timer or reminder name as "reminderName" in
	// Args of its self-messages.
	Channel string
	Args    map[string]string
}

// IsEvent reports whether this message should be routed to OnEvent.
func (m AgentMessage) IsEvent() bool { return m.MessageType == EventMessageType }

// AgentConfiguration describes how to instantiate and wire an agent
// activation's user-supplied proxy.
type AgentConfiguration struct {
	// AgentType is a string alias resolved to user code via a type registry.
	AgentType string

	// Handle is normalized (owner-qualified) before being stored.
	Handle string

	SystemPrompt string

	// Streams lists additional stream names to subscribe beyond the agent's
	// own AgentChat/AgentEvent streams.
	Streams []string

	Plugins []string
	Tools   []string
	Models  []string

	// Args carries free-form configuration, including the planner options
	// (CompactionEnabled, CompactionKeepLastN, CompactionMaxContextTokens,
	// CompactionThreshold) described in the configuration surface.
	Args map[string]string

	// ForceReconfigure, when true, makes CreateAgent/ConfigureAgent
	// reinstantiate the proxy even if the agent is already configured.
	ForceReconfigure bool
}

// HealthState is the coarse-grained health classification for an agent.
type HealthState string

const (
	HealthNotConfigured HealthState = "not_configured"
	HealthHealthy       HealthState = "healthy"
	HealthDegraded      HealthState = "degraded"
	HealthUnhealthy     HealthState = "unhealthy"
)

// healthRank orders HealthState from best to worst so Full-detail health can
// combine agent- and proxy-level state by taking the numerically worst.
var healthRank = map[HealthState]int{
	HealthHealthy:       0,
	HealthDegraded:       1,
	HealthUnhealthy:      2,
	HealthNotConfigured:  3,
}

// Worse returns the worse of a and b by healthRank, treating an unranked
// value as worse than any known state.
func Worse(a, b HealthState) HealthState {
	ra, ok := healthRank[a]
	if !ok {
		return a
	}
	rb, ok := healthRank[b]
	if !ok {
		return b
	}
	if ra >= rb {
		return a
	}
	return b
}

// DetailLevel selects how much of AgentHealthStatus is populated.
type DetailLevel string

const (
	DetailBasic DetailLevel = "basic"
	DetailFull  DetailLevel = "full"
)

// AgentHealthStatus reports an agent activation's health, optionally
// combined with the health of the user-supplied proxy at DetailFull.
type AgentHealthStatus struct {
	Handle       string
	State        HealthState
	IsConfigured bool
	Timestamp    time.Time

	AgentType           string
	Uptime              *time.Duration
	MessagesProcessed   *int64
	ActiveTimerCount    *int
	ActiveReminderCount *int
	StreamCount         *int
	ActiveStreams       []string

	// ProxyHealth embeds the user-supplied proxy's own health report when
	// requested at DetailFull.
	ProxyHealth *AgentHealthStatus

	Diagnostics   map[string]string
	Configuration *AgentConfiguration
}
