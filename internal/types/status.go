package types

// AIStatus is the chat-level generation state shown to users.
type AIStatus string

const (
	AIIdle      AIStatus = "idle"
	AIThinking  AIStatus = "thinking"
	AIStreaming AIStatus = "streaming"
	AIDone      AIStatus = "done"
	AIError     AIStatus = "error"
	AICancelled AIStatus = "cancelled"
)

var aiTransitions = map[AIStatus][]AIStatus{
	AIIdle:      {AIThinking},
	AIThinking:  {AIStreaming, AIError, AICancelled},
	AIStreaming: {AIDone, AIError, AICancelled},
	AIDone:      {AIIdle},
	AIError:     {AIIdle},
	AICancelled: {AIIdle},
}

// Valid reports whether s is a known status. The empty status counts as Idle.
func (s AIStatus) Valid() bool {
	if s == "" {
		return true
	}
	_, ok := aiTransitions[s]
	return ok
}

// Normalize maps the empty status to Idle.
func (s AIStatus) Normalize() AIStatus {
	if s == "" {
		return AIIdle
	}
	return s
}

// CanTransitionTo reports whether moving from s to next is legal. Setting the
// current status again is always allowed.
func (s AIStatus) CanTransitionTo(next AIStatus) bool {
	from, to := s.Normalize(), next.Normalize()
	if from == to {
		return true
	}
	for _, allowed := range aiTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a generation.
func (s AIStatus) Terminal() bool {
	switch s {
	case AIDone, AIError, AICancelled:
		return true
	}
	return false
}
