package lagoon

// AgentStatus is the single process-wide status value observed by the UI.
// Exactly one value holds at a time; transitions are driven by the Reducer.
type AgentStatus string

const (
	// StatusIdle — no turn in progress. Initial and terminal per-turn state.
	StatusIdle AgentStatus = "idle"
	// StatusThinking — the backend acknowledged the turn but has produced
	// no visible text yet.
	StatusThinking AgentStatus = "thinking"
	// StatusResponding — text is streaming in.
	StatusResponding AgentStatus = "responding"
	// StatusResearching — a research tool is executing.
	StatusResearching AgentStatus = "researching"
	// StatusBrowsing — a browser tool is executing.
	StatusBrowsing AgentStatus = "browsing"
	// StatusToolRunning — a tool without a more specific status is executing.
	StatusToolRunning AgentStatus = "tool-running"
	// StatusSwarm — multiple cooperating sub-agents are executing.
	StatusSwarm AgentStatus = "swarm"
	// StatusInterrupted — the turn is paused awaiting a human decision.
	StatusInterrupted AgentStatus = "interrupted"
	// StatusStopping — the user requested a stop; teardown in progress.
	StatusStopping AgentStatus = "stopping"

	// Voice mode statuses. Driven by VoiceSession, not by stream events.
	StatusVoiceConnecting AgentStatus = "voice-connecting"
	StatusVoiceListening  AgentStatus = "voice-listening"
	StatusVoiceSpeaking   AgentStatus = "voice-speaking"
	StatusVoiceProcessing AgentStatus = "voice-processing"
)

// InTurn reports whether the status belongs to an in-progress turn.
// StatusInterrupted and StatusStopping are reachable from any in-turn state
// and both return to StatusIdle.
func (s AgentStatus) InTurn() bool {
	switch s {
	case StatusThinking, StatusResponding, StatusResearching, StatusBrowsing,
		StatusToolRunning, StatusSwarm, StatusStopping:
		return true
	}
	return false
}

// ToolRunning reports whether the status reflects an executing tool.
// A late text event must never overwrite these (the tool owns the status
// until its result arrives).
func (s AgentStatus) ToolRunning() bool {
	switch s {
	case StatusResearching, StatusBrowsing, StatusToolRunning, StatusSwarm:
		return true
	}
	return false
}

// Voice reports whether the status belongs to voice mode.
func (s AgentStatus) Voice() bool {
	switch s {
	case StatusVoiceConnecting, StatusVoiceListening, StatusVoiceSpeaking, StatusVoiceProcessing:
		return true
	}
	return false
}

// toolStatus maps a tool name to the status shown while it executes.
func toolStatus(name string) AgentStatus {
	switch name {
	case "deep_research", "research":
		return StatusResearching
	case "browser", "browser_use":
		return StatusBrowsing
	default:
		return StatusToolRunning
	}
}
