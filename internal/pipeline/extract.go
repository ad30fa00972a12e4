package pipeline

import (
	"regexp"
	"strings"

	"github.com/alpacapurpura/fieldline/internal/conversation"
)

// Extractor pulls entities out of a single message. A failing extraction
// degrades to empty entities, never an error.
type Extractor interface {
	Extract(content string) conversation.Entities
}

// RuleExtractor is the default keyword and regex based extractor.
type RuleExtractor struct{}

var (
	numberRe = regexp.MustCompile(`\d+\.?\d*`)

	measurementRes = []*regexp.Regexp{
		regexp.MustCompile(`(\d+\.?\d*)\s*(degrees?|°c|°f|celsius|fahrenheit)`),
		regexp.MustCompile(`(\d+\.?\d*)\s*(psi|bar|pascal|pa)\b`),
		regexp.MustCompile(`(\d+\.?\d*)\s*(volts?|v)\b`),
		regexp.MustCompile(`(\d+\.?\d*)\s*(amps?|amperes?|a)\b`),
		regexp.MustCompile(`(\d+\.?\d*)\s*(rpm|revolutions)\b`),
		regexp.MustCompile(`(\d+\.?\d*)\s*(liters?|litres?|gallons?|l)\b`),
		regexp.MustCompile(`(\d+\.?\d*)\s*(meters?|metres?|cm|mm|m)\b`),
	}

	equipmentKeywords = []string{
		"air conditioner", "air conditioning", "furnace", "oven", "boiler",
		"refrigerator", "freezer", "washer", "dryer", "pump", "motor",
		"compressor", "valve", "sensor", "thermostat", "filter", "generator",
		"chiller", "fan", "equipment",
	}

	actionKeywords = []struct {
		keyword string
		action  string
	}{
		{"start", "start"}, {"begin", "start"},
		{"finish", "finish"}, {"finalize", "finish"},
		{"complete", "complete"},
		{"problem", "issue"}, {"fault", "issue"},
		{"error", "error"},
		{"working", "working"},
		{"repaired", "fixed"}, {"fixed", "fixed"},
		{"cleaned", "cleaned"}, {"cleaning", "cleaning"},
		{"calibrated", "calibrated"}, {"calibration", "calibration"},
		{"installed", "installed"}, {"installation", "installation"},
	}

	problemKeywords = []string{
		"not working", "broken", "damaged", "defective", "leak",
		"noise", "vibration", "overheating", "too cold", "too hot",
		"slow", "stuck", "blocked", "tripped",
	}

	locationKeywords = []string{
		"kitchen", "bathroom", "lobby", "office", "warehouse", "basement",
		"rooftop", "terrace", "yard", "entrance", "exit", "mechanical room",
		"first floor", "second floor", "ground floor",
	}
)

func (RuleExtractor) Extract(content string) conversation.Entities {
	var entities conversation.Entities
	msg := strings.ToLower(content)

	entities.Numbers = numberRe.FindAllString(content, -1)

	for _, keyword := range equipmentKeywords {
		if strings.Contains(msg, keyword) {
			entities.EquipmentMentioned = keyword
			break
		}
	}

	for _, ka := range actionKeywords {
		if strings.Contains(msg, ka.keyword) {
			entities.Action = ka.action
			break
		}
	}

	for _, re := range measurementRes {
		for _, m := range re.FindAllStringSubmatch(msg, -1) {
			entities.Measurements = append(entities.Measurements, conversation.Measurement{
				Value: m[1],
				Unit:  m[2],
				Raw:   m[0],
			})
		}
	}

	for _, keyword := range problemKeywords {
		if strings.Contains(msg, keyword) {
			entities.Problems = append(entities.Problems, keyword)
		}
	}

	for _, keyword := range locationKeywords {
		if strings.Contains(msg, keyword) {
			entities.Locations = append(entities.Locations, keyword)
		}
	}

	return entities
}
