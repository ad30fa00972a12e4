package conversation

// Phase is the coarse lifecycle stage of a conversation. Phases form an
// ordered progression; a thread's phase only ever advances along that order
// or jumps to PhaseError. Once archived, a snapshot is read-only until an
// explicit reset.
type Phase string

const (
	PhaseInitiated        Phase = "initiated"
	PhaseSelectingSubject Phase = "selecting_subject"
	PhaseEntryChecklist   Phase = "entry_checklist"
	PhaseInProgress       Phase = "in_progress"
	PhaseExitChecklist    Phase = "exit_checklist"
	PhaseReportGenerated  Phase = "report_generated"
	PhaseCompleted        Phase = "completed"
	PhaseArchived         Phase = "archived"
	PhaseError            Phase = "error"
)

var phaseOrder = map[Phase]int{
	PhaseInitiated:        0,
	PhaseSelectingSubject: 1,
	PhaseEntryChecklist:   2,
	PhaseInProgress:       3,
	PhaseExitChecklist:    4,
	PhaseReportGenerated:  5,
	PhaseCompleted:        6,
	PhaseArchived:         7,
}

// Valid reports whether p is a member of the closed phase enumeration.
func (p Phase) Valid() bool {
	if p == PhaseError {
		return true
	}
	_, ok := phaseOrder[p]
	return ok
}

// Terminal reports whether no further transition is allowed from p.
func (p Phase) Terminal() bool {
	return p == PhaseArchived || p == PhaseError
}

// CanAdvanceTo reports whether a transition from p to next is legal:
// forward along the phase order, a self-transition, or a jump to error.
// Nothing leaves archived or error except an explicit reset.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if !p.Valid() || !next.Valid() {
		return false
	}
	if p.Terminal() {
		return false
	}
	if next == PhaseError {
		return true
	}
	return phaseOrder[next] >= phaseOrder[p]
}
