package jobmodel

import "fmt"

// TransitionError distinguishes an unknown (from,to) pair from a known pair
// rejected because the actor is not authorized.
type TransitionError struct {
	Reason string // "unknown transition" | "actor not authorized"
	From   State
	To     State
	Actor  Actor
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s by %s", e.Reason, e.From, e.To, e.Actor)
}

type edge struct {
	from, to State
}

// Table is the fixed transition authorization matrix, parameterized by how
// many stages the pipeline has so that Completed is terminal only for the
// final stage.
type Table struct {
	stageCount int
}

// NewTable builds the authorization table for a pipeline with the given
// number of stages (>= 1).
func NewTable(stageCount int) *Table {
	if stageCount < 1 {
		stageCount = 1
	}
	return &Table{stageCount: stageCount}
}

// authorizedActors lists which actors may perform a given (from,to) move.
// A nil/empty allowed-actor predicate means "unknown transition".
func (t *Table) authorizedActors(from, to State, stageIndex int) []Actor {
	switch (edge{from, to}) {
	case edge{StateInitial, StateClaimed}:
		return []Actor{ActorSystem, StageWorker(stageIndex)}
	case edge{StateClaimed, StateRunning}:
		return []Actor{StageWorker(stageIndex)}
	case edge{StateClaimed, StateInitial}:
		return []Actor{ActorSystem}
	case edge{StateRunning, StateCompleted}:
		return []Actor{StageWorker(stageIndex)}
	case edge{StateRunning, StateFailed}:
		return []Actor{StageWorker(stageIndex)}
	case edge{StateRunning, StateInitial}:
		return []Actor{ActorSystem}
	case edge{StateCompleted, StateClaimed}:
		if stageIndex >= t.stageCount {
			// Completed is terminal for the final stage: no next stage to
			// claim into.
			return nil
		}
		return []Actor{ActorSystem, StageWorker(stageIndex + 1)}
	case edge{StateFailed, StateInitial}:
		return []Actor{ActorSystem, ActorUser}
	default:
		return nil
	}
}

// Validate checks whether actor may move a job from->to at the given
// 1-indexed stage position. It is pure and side-effect-free.
func (t *Table) Validate(from, to State, actor Actor, stageIndex int) error {
	allowed := t.authorizedActors(from, to, stageIndex)
	if allowed == nil {
		return &TransitionError{Reason: "unknown transition", From: from, To: to, Actor: actor}
	}
	for _, a := range allowed {
		if a == actor {
			return nil
		}
	}
	return &TransitionError{Reason: "actor not authorized", From: from, To: to, Actor: actor}
}

// ValidNextStates returns every state reachable from the given state at the
// given stage position, regardless of actor.
func (t *Table) ValidNextStates(from State, stageIndex int) []State {
	var out []State
	for _, to := range AllStates() {
		if t.authorizedActors(from, to, stageIndex) != nil {
			out = append(out, to)
		}
	}
	return out
}

// AuthorizedActors exposes the allowed-actor list for a (from,to) pair, for
// callers that want to describe the table (e.g. diagnostics, tests).
func (t *Table) AuthorizedActors(from, to State, stageIndex int) []Actor {
	return t.authorizedActors(from, to, stageIndex)
}

// IsTerminal reports whether State is terminal for a job currently on the
// given 1-indexed stage. Completed is terminal only on the pipeline's last
// stage; Failed is always terminal absent an explicit retry.
func (t *Table) IsTerminal(s State, stageIndex int) bool {
	switch s {
	case StateCompleted:
		return stageIndex >= t.stageCount
	case StateFailed:
		return true
	default:
		return false
	}
}
