package pipeline

import "github.com/alpacapurpura/fieldline/internal/conversation"

// nextPhase is the transition table keyed by current phase, detected
// intent and the turn's action outcomes. Transitions only ever move
// forward; anything the table does not name stays put. The error phase is
// entered by the pipeline itself on unrecoverable turns, not here.
func nextPhase(state *conversation.State, actions []conversation.Action) conversation.Phase {
	current := state.Phase
	intent := state.CurrentIntent

	candidate := current
	switch current {
	case conversation.PhaseInitiated:
		switch intent {
		case conversation.IntentGreeting, conversation.IntentOther:
			// Small talk does not open a service subject.
		default:
			candidate = conversation.PhaseSelectingSubject
		}

	case conversation.PhaseSelectingSubject:
		if state.Context.WorkOrderID != 0 || len(state.Context.EquipmentIDs) > 0 {
			candidate = conversation.PhaseEntryChecklist
		}

	case conversation.PhaseEntryChecklist:
		if intent == conversation.IntentConfirmation || startsWork(actions) {
			candidate = conversation.PhaseInProgress
		}

	case conversation.PhaseInProgress:
		if finishesWork(state, actions) {
			candidate = conversation.PhaseExitChecklist
		}

	case conversation.PhaseExitChecklist:
		if hasAction(actions, conversation.ActionGenerateReport) {
			candidate = conversation.PhaseReportGenerated
		}

	case conversation.PhaseReportGenerated:
		if intent == conversation.IntentConfirmation {
			candidate = conversation.PhaseCompleted
		}

	case conversation.PhaseCompleted:
		if intent == conversation.IntentConfirmation {
			candidate = conversation.PhaseArchived
		}
	}

	if !current.CanAdvanceTo(candidate) {
		return current
	}
	return candidate
}

func hasAction(actions []conversation.Action, t conversation.ActionType) bool {
	for _, a := range actions {
		if a.ActionType == t {
			return true
		}
	}
	return false
}

func startsWork(actions []conversation.Action) bool {
	for _, a := range actions {
		if a.ActionType == conversation.ActionUpdateRecord {
			if stage, _ := a.Parameters["stage"].(string); stage == "in_progress" {
				return true
			}
		}
	}
	return false
}

func finishesWork(state *conversation.State, actions []conversation.Action) bool {
	if state.Entities.Action == "finish" || state.Entities.Action == "complete" {
		return true
	}
	for _, a := range actions {
		if a.ActionType == conversation.ActionUpdateRecord {
			if stage, _ := a.Parameters["stage"].(string); stage == "done" {
				return true
			}
		}
	}
	return false
}
