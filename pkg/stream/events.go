// Package stream provides the session-scoped WebSocket fan-out hub: room
// subscriptions over task/agent keys, backpressured per-session buffers,
// one-shot reconnect tokens, and periodic hygiene sweeps.
package stream

// Event type constants delivered over the hub.
const (
	EventWelcome      = "welcome"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPong         = "pong"

	EventTaskProgress  = "task:progress"
	EventTaskStart     = "task:start"
	EventTaskCompleted = "task:completed"
	EventTaskFailed    = "task:failed"
	EventTaskCancelled = "task:cancelled"

	EventAgentSpawned   = "agent:spawned"
	EventAgentProgress  = "agent:progress"
	EventAgentComplete  = "agent:complete"
	EventAgentStreaming = "agent:streaming"

	EventCompetitionStarted   = "competition_started"
	EventCompetitionCompleted = "competition_completed"

	EventRetryAttempt   = "retry:attempt"
	EventRetryAnalysis  = "retry:analysis"
	EventRetryBackoff   = "retry:backoff"
	EventRetrySuccess   = "retry:success"
	EventRetryExhausted = "retry:exhausted"

	EventBackpressure = "backpressure"
)

// SubscriptionType scopes what a subscription covers.
type SubscriptionType string

// Subscription types.
const (
	SubscriptionAgent       SubscriptionType = "agent"
	SubscriptionTask        SubscriptionType = "task"
	SubscriptionCompetition SubscriptionType = "competition"
	SubscriptionGlobal      SubscriptionType = "global"
)

// GlobalRoom is the room key for broadcast-to-all frames.
const GlobalRoom = "global"

// TaskRoom returns the room key for a task's events.
func TaskRoom(taskID string) string { return "task:" + taskID }

// AgentRoom returns the room key for an agent's events.
func AgentRoom(agentID string) string { return "agent:" + agentID }

// CompetitionRoom returns the room key for a competition group's events.
func CompetitionRoom(groupID string) string { return "competition:" + groupID }

// RoomFor maps a subscription to its room key.
func RoomFor(t SubscriptionType, resourceID string) string {
	switch t {
	case SubscriptionAgent:
		return AgentRoom(resourceID)
	case SubscriptionTask:
		return TaskRoom(resourceID)
	case SubscriptionCompetition:
		return CompetitionRoom(resourceID)
	default:
		return GlobalRoom
	}
}

// Frame is one outbound hub message.
type Frame struct {
	Type      string         `json:"type"`
	Room      string         `json:"room,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"` // RFC3339Nano
}

// ClientMessage is the inbound client protocol.
type ClientMessage struct {
	Action         string   `json:"action"` // subscribe, unsubscribe, ping, reconnect
	Type           string   `json:"type,omitempty"`
	ResourceID     string   `json:"resource_id,omitempty"`
	Filters        []string `json:"filters,omitempty"`
	ReconnectToken string   `json:"reconnect_token,omitempty"`
	OldSessionID   string   `json:"old_session_id,omitempty"`
}
