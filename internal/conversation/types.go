package conversation

import (
	"time"
)

// Role values for ConversationMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry in a conversation history. Messages are immutable
// once appended.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
}

// Context carries the foreign identifiers a conversation is about. It is
// supplied by the caller or carried forward across turns; merging is
// additive, existing fields are never silently erased.
type Context struct {
	WorkOrderID         int    `json:"work_order_id,omitempty"`
	TechnicianID        int    `json:"technician_id,omitempty"`
	EquipmentIDs        []int  `json:"equipment_ids,omitempty"`
	EquipmentCategoryID int    `json:"equipment_category_id,omitempty"`
	ServiceAreaID       int    `json:"service_area_id,omitempty"`
	CustomerID          int    `json:"customer_id,omitempty"`
	Location            string `json:"location,omitempty"`
}

// Merge returns a copy of c with the non-zero fields of other added.
// Fields already set in c are kept; other never erases prior context.
func (c Context) Merge(other Context) Context {
	out := c
	if out.WorkOrderID == 0 {
		out.WorkOrderID = other.WorkOrderID
	}
	if out.TechnicianID == 0 {
		out.TechnicianID = other.TechnicianID
	}
	if len(other.EquipmentIDs) > 0 {
		seen := make(map[int]bool, len(out.EquipmentIDs))
		for _, id := range out.EquipmentIDs {
			seen[id] = true
		}
		for _, id := range other.EquipmentIDs {
			if !seen[id] {
				out.EquipmentIDs = append(out.EquipmentIDs, id)
				seen[id] = true
			}
		}
	}
	if out.EquipmentCategoryID == 0 {
		out.EquipmentCategoryID = other.EquipmentCategoryID
	}
	if out.ServiceAreaID == 0 {
		out.ServiceAreaID = other.ServiceAreaID
	}
	if out.CustomerID == 0 {
		out.CustomerID = other.CustomerID
	}
	if out.Location == "" {
		out.Location = other.Location
	}
	return out
}

// Measurement is one value/unit pair extracted from a message.
type Measurement struct {
	Value string `json:"value"`
	Unit  string `json:"unit"`
	Raw   string `json:"raw"`
}

// Entities holds everything the extraction stage pulled out of a single
// message. Produced fresh each turn, never merged across turns.
type Entities struct {
	Numbers            []string      `json:"numbers,omitempty"`
	Measurements       []Measurement `json:"measurements,omitempty"`
	Problems           []string      `json:"problems,omitempty"`
	Locations          []string      `json:"locations,omitempty"`
	EquipmentMentioned string        `json:"equipment_mentioned,omitempty"`
	Action             string        `json:"action,omitempty"`
}

// RAGResult is one retrieved knowledge fragment. Similarity is in [0,1];
// result lists are ordered by descending similarity.
type RAGResult struct {
	DocumentID   string         `json:"document_id"`
	Content      string         `json:"content"`
	Similarity   float64        `json:"similarity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	DocumentName string         `json:"document_name,omitempty"`
	DocumentType string         `json:"document_type,omitempty"`
}

// ActionType is the closed set of operations the pipeline may propose.
type ActionType string

const (
	ActionUpdateRecord    ActionType = "update_record"
	ActionFetchInfo       ActionType = "fetch_info"
	ActionSearchKnowledge ActionType = "search_knowledge"
	ActionCreateChecklist ActionType = "create_checklist"
	ActionGenerateReport  ActionType = "generate_report"
	ActionNotify          ActionType = "notify"
	ActionSchedule        ActionType = "schedule"
)

// Writes reports whether the action type mutates protected external state.
// Write actions require confirmation unless the caller's permission set
// explicitly allows unconfirmed writes.
func (t ActionType) Writes() bool {
	switch t {
	case ActionUpdateRecord, ActionCreateChecklist, ActionNotify, ActionSchedule:
		return true
	}
	return false
}

// Action is a proposed side-effecting operation. Actions are proposed, not
// executed, by this engine; execution belongs to an external collaborator.
type Action struct {
	ActionType           ActionType     `json:"action_type"`
	Target               string         `json:"target"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Priority             string         `json:"priority"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
}

// Intent is the closed set of message intents the classifier resolves to.
type Intent string

const (
	IntentQuestion     Intent = "question"
	IntentAction       Intent = "action"
	IntentStatusUpdate Intent = "status_update"
	IntentGreeting     Intent = "greeting"
	IntentConfirmation Intent = "confirmation"
	IntentComplaint    Intent = "complaint"
	IntentHelp         Intent = "help"
	IntentOther        Intent = "other"
)

// Valid reports whether i is one of the closed intent values.
func (i Intent) Valid() bool {
	switch i {
	case IntentQuestion, IntentAction, IntentStatusUpdate, IntentGreeting,
		IntentConfirmation, IntentComplaint, IntentHelp, IntentOther:
		return true
	}
	return false
}

// State is the full persisted snapshot for one conversation thread.
// The pipeline exclusively owns mutation of a thread's state; the
// checkpoint store owns physical storage.
type State struct {
	Messages           []Message      `json:"messages"`
	Context            Context        `json:"context"`
	CurrentIntent      Intent         `json:"current_intent,omitempty"`
	Entities           Entities       `json:"entities"`
	RAGResults         []RAGResult    `json:"rag_results,omitempty"`
	Response           string         `json:"response,omitempty"`
	Actions            []Action       `json:"actions,omitempty"`
	Phase              Phase          `json:"phase"`
	ProcessingMetadata map[string]any `json:"processing_metadata,omitempty"`
	ShouldContinue     bool           `json:"should_continue"`
	ErrorMessage       string         `json:"error_message,omitempty"`
}

// NewState returns a fresh snapshot in the initiated phase with the given
// starting context.
func NewState(ctx Context) *State {
	return &State{
		Context:            ctx,
		Phase:              PhaseInitiated,
		ProcessingMetadata: map[string]any{},
		ShouldContinue:     true,
	}
}

// Clone returns a deep copy of the state so pipeline stages can take an
// immutable snapshot and return a new one.
func (s *State) Clone() *State {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.Context.EquipmentIDs = append([]int(nil), s.Context.EquipmentIDs...)
	out.RAGResults = append([]RAGResult(nil), s.RAGResults...)
	out.Actions = append([]Action(nil), s.Actions...)
	out.ProcessingMetadata = make(map[string]any, len(s.ProcessingMetadata))
	for k, v := range s.ProcessingMetadata {
		out.ProcessingMetadata[k] = v
	}
	out.Entities.Numbers = append([]string(nil), s.Entities.Numbers...)
	out.Entities.Measurements = append([]Measurement(nil), s.Entities.Measurements...)
	out.Entities.Problems = append([]string(nil), s.Entities.Problems...)
	out.Entities.Locations = append([]string(nil), s.Entities.Locations...)
	return &out
}

// AppendMessage appends msg to the history, dropping the oldest messages
// first once maxHistory is exceeded. maxHistory <= 0 means unbounded.
func (s *State) AppendMessage(msg Message, maxHistory int) {
	s.Messages = append(s.Messages, msg)
	if maxHistory > 0 && len(s.Messages) > maxHistory {
		drop := len(s.Messages) - maxHistory
		s.Messages = append([]Message(nil), s.Messages[drop:]...)
	}
}

// LastUserMessage returns the content of the most recent user message,
// or "" when there is none.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}
