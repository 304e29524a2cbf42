package call

import (
	"github.com/sumnex/voicecall/internal/vad"
	"github.com/sumnex/voicecall/pkg/types"
)

// AIState is who holds the floor on the AI side. It is the single source of
// truth for the thinking and speaking flags.
type AIState int

const (
	// AIListening is the baseline: the user may speak.
	AIListening AIState = iota

	// AIThinking means a user turn was sent and the answer is pending.
	AIThinking

	// AISpeaking means the AI's answer is being played.
	AISpeaking
)

// String returns the human-readable name of the state.
func (s AIState) String() string {
	switch s {
	case AIListening:
		return "listening"
	case AIThinking:
		return "thinking"
	case AISpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s AIState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	CallID  string  `json:"call_id"`
	Started bool    `json:"started"`
	AIState AIState `json:"ai_state"`

	// Listening is true while the detector has a capture open.
	Listening bool `json:"listening"`
	Thinking  bool `json:"thinking"`
	Speaking  bool `json:"speaking"`
	Muted     bool `json:"muted"`

	Phase      vad.Phase `json:"vad_phase"`
	ErrorCount int       `json:"error_count"`
	Messages   int       `json:"messages"`
}

// EventKind classifies an [Event].
type EventKind int

const (
	// EventState reports a change of the AI state or mute flag.
	EventState EventKind = iota

	// EventMessage carries a new transcript message.
	EventMessage

	// EventError carries a user-visible error.
	EventError

	// EventEnded reports that the call ended. Err is nil for a user hangup.
	EventEnded
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is a UI notification.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Message  types.ConversationMessage
	Err      error
}
