package pipeline

import (
	"strings"
	"testing"

	"github.com/alpacapurpura/fieldline/internal/conversation"
)

func TestSynthesizeNeverEmpty(t *testing.T) {
	intents := []conversation.Intent{
		conversation.IntentQuestion, conversation.IntentAction,
		conversation.IntentStatusUpdate, conversation.IntentGreeting,
		conversation.IntentConfirmation, conversation.IntentComplaint,
		conversation.IntentHelp, conversation.IntentOther,
	}
	for _, intent := range intents {
		s := conversation.NewState(conversation.Context{})
		s.CurrentIntent = intent
		if got := synthesizeResponse(s, nil); got == "" {
			t.Fatalf("empty response for intent %s", intent)
		}
	}
}

func TestSynthesizeQuestionUsesRetrieval(t *testing.T) {
	s := conversation.NewState(conversation.Context{})
	s.CurrentIntent = conversation.IntentQuestion
	s.RAGResults = []conversation.RAGResult{
		{DocumentName: "pump manual", Content: "Check the seals before startup.", Similarity: 0.9},
	}
	got := synthesizeResponse(s, nil)
	if !strings.Contains(got, "pump manual") || !strings.Contains(got, "Check the seals") {
		t.Fatalf("response does not surface retrieved content: %q", got)
	}
}

func TestSynthesizeMentionsPendingConfirmation(t *testing.T) {
	s := conversation.NewState(conversation.Context{})
	s.CurrentIntent = conversation.IntentAction
	actions := []conversation.Action{
		{ActionType: conversation.ActionUpdateRecord, RequiresConfirmation: true},
	}
	got := synthesizeResponse(s, actions)
	if !strings.Contains(got, "confirmation") {
		t.Fatalf("response must flag pending confirmation: %q", got)
	}
}
