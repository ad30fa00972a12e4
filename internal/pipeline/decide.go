package pipeline

import (
	"strings"

	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/conversation"
)

// decideActions maps the classified turn to zero or more proposed actions.
// Actions are proposals only; nothing here executes them. Any action whose
// type writes protected data is marked for confirmation unless the caller
// holds write_unconfirmed.
func decideActions(msg string, state *conversation.State, identity *auth.Identity) []conversation.Action {
	var actions []conversation.Action
	lowerMsg := strings.ToLower(msg)
	entities := state.Entities

	switch state.CurrentIntent {
	case conversation.IntentAction:
		if state.Context.WorkOrderID != 0 {
			switch entities.Action {
			case "start":
				actions = append(actions, workOrderUpdate(state, "in_progress", "high"))
			case "finish", "complete":
				actions = append(actions, workOrderUpdate(state, "done", "high"))
			default:
				actions = append(actions, workOrderUpdate(state, "", "medium"))
			}
		}

	case conversation.IntentQuestion:
		if entities.EquipmentMentioned != "" {
			actions = append(actions, conversation.Action{
				ActionType: conversation.ActionFetchInfo,
				Target:     "equipment",
				Parameters: map[string]any{
					"equipment":     entities.EquipmentMentioned,
					"equipment_ids": state.Context.EquipmentIDs,
				},
				Priority: "medium",
			})
		}

	case conversation.IntentComplaint:
		actions = append(actions, conversation.Action{
			ActionType: conversation.ActionCreateChecklist,
			Target:     "maintenance",
			Parameters: map[string]any{
				"problems":  entities.Problems,
				"equipment": entities.EquipmentMentioned,
			},
			Priority: "high",
		})

	case conversation.IntentStatusUpdate:
		if state.Context.WorkOrderID != 0 && (entities.Action == "finish" || entities.Action == "complete") {
			actions = append(actions, workOrderUpdate(state, "done", "medium"))
		}
	}

	if strings.Contains(lowerMsg, "report") && state.Context.WorkOrderID != 0 {
		actions = append(actions, conversation.Action{
			ActionType: conversation.ActionGenerateReport,
			Target:     "work_order",
			Parameters: map[string]any{"work_order_id": state.Context.WorkOrderID},
			Priority:   "medium",
		})
	}
	if strings.Contains(lowerMsg, "schedule") || strings.Contains(lowerMsg, "reschedule") {
		actions = append(actions, conversation.Action{
			ActionType: conversation.ActionSchedule,
			Target:     "work_order",
			Parameters: map[string]any{"work_order_id": state.Context.WorkOrderID},
			Priority:   "low",
		})
	}
	if strings.Contains(lowerMsg, "notify") || strings.Contains(lowerMsg, "supervisor") {
		actions = append(actions, conversation.Action{
			ActionType: conversation.ActionNotify,
			Target:     "supervisor",
			Parameters: map[string]any{"work_order_id": state.Context.WorkOrderID},
			Priority:   "low",
		})
	}

	unconfirmedWrites := identity.Can(auth.CapWriteUnconfirmed)
	for i := range actions {
		if actions[i].ActionType.Writes() && !unconfirmedWrites {
			actions[i].RequiresConfirmation = true
		}
	}
	return actions
}

func workOrderUpdate(state *conversation.State, stage, priority string) conversation.Action {
	params := map[string]any{"work_order_id": state.Context.WorkOrderID}
	if stage != "" {
		params["stage"] = stage
	}
	return conversation.Action{
		ActionType: conversation.ActionUpdateRecord,
		Target:     "work_order",
		Parameters: params,
		Priority:   priority,
	}
}
