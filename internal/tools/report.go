package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/alpacapurpura/fieldline/internal/conversation"
)

// RenderReport produces a plain-text service report from a conversation
// snapshot. Rendering is deterministic: the same state always yields the
// same report body.
func RenderReport(threadID string, state *conversation.State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SERVICE REPORT\n")
	fmt.Fprintf(&b, "Thread: %s\n", threadID)
	fmt.Fprintf(&b, "Phase: %s\n", state.Phase)
	if state.Context.WorkOrderID != 0 {
		fmt.Fprintf(&b, "Work order: %d\n", state.Context.WorkOrderID)
	}
	if state.Context.TechnicianID != 0 {
		fmt.Fprintf(&b, "Technician: %d\n", state.Context.TechnicianID)
	}
	if state.Context.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", state.Context.Location)
	}
	if len(state.Context.EquipmentIDs) > 0 {
		ids := make([]string, len(state.Context.EquipmentIDs))
		for i, id := range state.Context.EquipmentIDs {
			ids[i] = fmt.Sprintf("%d", id)
		}
		fmt.Fprintf(&b, "Equipment: %s\n", strings.Join(ids, ", "))
	}

	if len(state.Entities.Problems) > 0 {
		b.WriteString("\nReported problems:\n")
		for _, p := range state.Entities.Problems {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	if len(state.Entities.Measurements) > 0 {
		b.WriteString("\nMeasurements:\n")
		for _, m := range state.Entities.Measurements {
			fmt.Fprintf(&b, "  - %s %s\n", m.Value, m.Unit)
		}
	}

	if len(state.Actions) > 0 {
		b.WriteString("\nProposed actions:\n")
		for _, a := range state.Actions {
			line := fmt.Sprintf("  - %s", a.ActionType)
			if a.Target != "" {
				line += " -> " + a.Target
			}
			if a.RequiresConfirmation {
				line += " (pending confirmation)"
			}
			b.WriteString(line + "\n")
		}
	}

	fmt.Fprintf(&b, "\nConversation turns: %d\n", len(state.Messages))
	if last := lastTimestamp(state); !last.IsZero() {
		fmt.Fprintf(&b, "Last activity: %s\n", last.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func lastTimestamp(state *conversation.State) time.Time {
	var last time.Time
	for _, m := range state.Messages {
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	return last
}
