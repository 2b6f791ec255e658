package webui

import "html/template"

// Grade bands used to colour scores.
const (
	BandExcellent = "excellent"
	BandGood      = "good"
	BandFair      = "fair"
	BandPoor      = "poor"
)

// GradeBand maps a 0..100 score to a display band.
func GradeBand(score int) string {
	switch {
	case score >= 80:
		return BandExcellent
	case score >= 60:
		return BandGood
	case score >= 40:
		return BandFair
	default:
		return BandPoor
	}
}

//nolint:gochecknoglobals // read-only table
var agentLabels = map[string]string{
	"history_of_present_illness": "現病史詢問",
	"past_history":               "過去病史",
	"empathy_and_communication":  "同理心與溝通",
	"clinical_reasoning":         "臨床推理",
	"overall_assessment":         "整體評估",
}

// AgentLabel is the display name for an agent key; unknown keys are shown as-is.
func AgentLabel(key string) string {
	if label, ok := agentLabels[key]; ok {
		return label
	}
	return key
}

//nolint:gochecknoglobals // template helpers
var templateFuncs = template.FuncMap{
	"gradeBand":  GradeBand,
	"agentLabel": AgentLabel,
	"isDoctor":   func(role string) bool { return role == "user" },
}
