package pipeline

import (
	"regexp"
	"strings"

	"github.com/alpacapurpura/fieldline/internal/conversation"
)

// Classifier resolves a message to an intent. Implementations must always
// return a valid intent, falling back to IntentOther instead of failing.
type Classifier interface {
	Classify(content string, phase conversation.Phase) conversation.Intent
}

// RuleClassifier is the default deterministic classifier: ordered keyword
// and pattern tables checked against the lowercased message. Priority
// order matters: a greeting with a question mark is still a greeting.
type RuleClassifier struct{}

var (
	greetingRe = regexp.MustCompile(`\b(hello|hi|hey|good morning|good afternoon|good evening|greetings)\b`)
	// Confirmations are whole-message replies, not substrings.
	confirmationRe = regexp.MustCompile(`^\s*(yes|yeah|yep|ok|okay|correct|confirmed|no|nope|negative)\s*[.!]?\s*$`)
	complaintRe    = regexp.MustCompile(`\b(problem|error|fault|failure|not working|broken|damaged|defective|malfunction)\b`)
	helpRe         = regexp.MustCompile(`\b(help me|need help|assist|assistance|stuck)\b`)
	questionRe     = regexp.MustCompile(`\?|\b(how|what|which|where|when|why|who)\b`)
	actionRe       = regexp.MustCompile(`\b(update|change|modify|record|register|note|complete|finish|finalize|mark|close|set)\b`)
	statusRe       = regexp.MustCompile(`\b(finished|completed|done|ready|in progress|working on|checking|reviewing|started)\b`)
)

func (RuleClassifier) Classify(content string, _ conversation.Phase) conversation.Intent {
	msg := strings.ToLower(content)
	switch {
	case greetingRe.MatchString(msg):
		return conversation.IntentGreeting
	case confirmationRe.MatchString(msg):
		return conversation.IntentConfirmation
	case complaintRe.MatchString(msg):
		return conversation.IntentComplaint
	case helpRe.MatchString(msg):
		return conversation.IntentHelp
	case questionRe.MatchString(msg):
		return conversation.IntentQuestion
	case actionRe.MatchString(msg):
		return conversation.IntentAction
	case statusRe.MatchString(msg):
		return conversation.IntentStatusUpdate
	default:
		return conversation.IntentOther
	}
}
