package pipeline

import (
	"fmt"
	"strings"

	"github.com/alpacapurpura/fieldline/internal/conversation"
)

// fallbackResponse is returned when every upstream stage degraded; the
// engine never replies with an empty string.
const fallbackResponse = "I'm here to help with your service visit. Could you tell me more about what you need?"

// synthesizeResponse renders the reply from the turn's state. Templates
// per intent, enriched with retrieved documentation and pending actions.
func synthesizeResponse(state *conversation.State, actions []conversation.Action) string {
	var b strings.Builder

	switch state.CurrentIntent {
	case conversation.IntentGreeting:
		b.WriteString("Hello! I'm your field service assistant. ")
		if state.Context.WorkOrderID != 0 {
			fmt.Fprintf(&b, "We're tracking work order %d. ", state.Context.WorkOrderID)
		}
		b.WriteString("How can I help you today?")

	case conversation.IntentQuestion, conversation.IntentHelp:
		if len(state.RAGResults) > 0 {
			top := state.RAGResults[0]
			fmt.Fprintf(&b, "Here's what I found in %s:\n\n%s", top.DocumentName, excerpt(top.Content, 400))
			if len(state.RAGResults) > 1 {
				fmt.Fprintf(&b, "\n\n(%d more related documents available.)", len(state.RAGResults)-1)
			}
		} else {
			b.WriteString("I couldn't find documentation matching that. Could you rephrase or name the equipment involved?")
		}

	case conversation.IntentComplaint:
		b.WriteString("Understood, I've noted the reported problem")
		if len(state.Entities.Problems) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(state.Entities.Problems, ", "))
		}
		b.WriteString(".")

	case conversation.IntentStatusUpdate:
		b.WriteString("Thanks for the update, I've recorded it.")
		if len(state.Entities.Measurements) > 0 {
			m := state.Entities.Measurements[0]
			fmt.Fprintf(&b, " Logged measurement: %s %s.", m.Value, m.Unit)
		}

	case conversation.IntentConfirmation:
		b.WriteString("Confirmed.")

	case conversation.IntentAction:
		if len(actions) == 0 {
			b.WriteString("I couldn't match that to a known operation. Could you describe what you'd like to change?")
		} else {
			b.WriteString("Got it.")
		}
	}

	if pending := confirmable(actions); len(pending) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "I've prepared %d action(s) that need your confirmation: %s. Reply \"yes\" to proceed.",
			len(pending), strings.Join(pending, ", "))
	}

	if b.Len() == 0 {
		return fallbackResponse
	}
	return b.String()
}

func confirmable(actions []conversation.Action) []string {
	var names []string
	for _, a := range actions {
		if a.RequiresConfirmation {
			names = append(names, string(a.ActionType))
		}
	}
	return names
}

func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
