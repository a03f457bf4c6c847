package lagoon

import "time"

// swarmState accumulates multi-agent execution for one turn. It is built
// incrementally from node-start/stop/handoff events and finalized on
// swarm_complete.
type swarmState struct {
	steps  []*SwarmStep
	byNode map[string]*SwarmStep
	// current is the node whose output un-attributed events belong to.
	current string
	// terminal is the designated node whose streamed text is promoted into
	// the user-visible transcript. When no node is designated, the node
	// active at swarm_complete is treated as terminal.
	terminal string
}

func newSwarmState() *swarmState {
	return &swarmState{byNode: make(map[string]*SwarmStep)}
}

// step returns the step for node, creating it on first sight.
func (s *swarmState) step(node, name string) *SwarmStep {
	if st, ok := s.byNode[node]; ok {
		if name != "" && st.Name == "" {
			st.Name = name
		}
		return st
	}
	st := &SwarmStep{Node: node, Name: name, StartedAt: time.Now()}
	s.steps = append(s.steps, st)
	s.byNode[node] = st
	return st
}

// attribute resolves which node an event belongs to: the event's own node
// tag when present, otherwise the currently active node.
func (s *swarmState) attribute(node string) string {
	if node != "" {
		return node
	}
	return s.current
}

// context builds the SwarmContext attached to the finalized transcript
// message. agentsUsed lists contributing nodes excluding the terminal
// responder; the given list wins when the backend supplies one.
func (s *swarmState) context(agentsUsed []string, shared map[string]any) *SwarmContext {
	terminal := s.terminal
	if terminal == "" {
		terminal = s.current
	}
	var used []string
	if len(agentsUsed) > 0 {
		for _, a := range agentsUsed {
			if a != terminal {
				used = append(used, a)
			}
		}
	} else {
		for _, st := range s.steps {
			if st.Node != terminal {
				used = append(used, st.Node)
			}
		}
	}
	return &SwarmContext{AgentsUsed: used, SharedContext: shared}
}
