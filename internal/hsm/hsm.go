package hsm

import "grrshell/internal/model"

var flowTransitions = map[model.FlowState]map[model.FlowState]bool{
	model.FlowStatePending: {
		model.FlowStateRunning:    true,
		model.FlowStateComplete:   true,
		model.FlowStateError:      true,
		model.FlowStateTerminated: true,
	},
	model.FlowStateRunning: {
		model.FlowStateComplete:   true,
		model.FlowStateError:      true,
		model.FlowStateTerminated: true,
	},
}

func CanTransitionFlow(from model.FlowState, to model.FlowState) bool {
	if from == to {
		return true
	}
	return flowTransitions[from][to]
}

func IsTerminalFlow(state model.FlowState) bool {
	switch state {
	case model.FlowStateComplete, model.FlowStateError, model.FlowStateTerminated:
		return true
	}
	return false
}

// TrackedFlowState maps a remote report for a flow tracked by this session. A finished
// flow becomes Complete because the session still owes it a materialization.
func TrackedFlowState(remote model.RemoteState) model.FlowState {
	switch remote {
	case model.RemoteStateRunning:
		return model.FlowStateRunning
	case model.RemoteStateTerminated:
		return model.FlowStateComplete
	case model.RemoteStateError, model.RemoteStateClientCrashed:
		return model.FlowStateError
	}
	return model.FlowStatePending
}

// HistoryFlowState maps a remote report for a flow only known from remote history.
func HistoryFlowState(remote model.RemoteState) model.FlowState {
	switch remote {
	case model.RemoteStateRunning:
		return model.FlowStateRunning
	case model.RemoteStateTerminated:
		return model.FlowStateTerminated
	case model.RemoteStateError, model.RemoteStateClientCrashed:
		return model.FlowStateError
	}
	return model.FlowStatePending
}
