package consensus

import (
	"fmt"
	"math"
	"strings"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

// verdictThreshold is the confidence a local judgment must exceed to confirm evidence
const verdictThreshold = 0.6

var severityAdjustment = map[model.ThreatLevel]float64{
	model.Info:      -0.1,
	model.Warning:   0.1,
	model.Critical:  0.2,
	model.Emergency: 0.3,
}

var categoryBonus = map[model.ThreatType]float64{
	model.IoCMatch: 0.1,
	model.Malware:  0.2,
	model.DDoS:     0.15,
	model.APT:      0.25,
}

const defaultCategoryBonus = 0.05

// localJudgment is this node's own view of a piece of evidence
type localJudgment struct {
	Verdict       bool
	Confidence    float64
	Justification string
}

// judge scores evidence with the local verification heuristic
func (e *Engine) judge(ev model.Evidence) localJudgment {
	var (
		confidence = 0.5
		factors    []string
	)

	if e.indicators != nil && e.indicators.IsUpstream(ev.AgentID) {
		confidence += 0.2
		factors = append(factors, fmt.Sprintf("Upstream source: %s", ev.AgentID))
	}

	if adj, ok := severityAdjustment[ev.ThreatLevel]; ok {
		confidence += adj
		factors = append(factors, fmt.Sprintf("Severity %s: %+.2f", ev.ThreatLevel, adj))
	}

	if e.indicators != nil && e.indicators.IsKnownThreatIP(ev.SourceIP) {
		confidence += 0.3
		factors = append(factors, "Known threat IP")
	}

	bonus, ok := categoryBonus[ev.ThreatType]
	if !ok {
		bonus = defaultCategoryBonus
	}
	confidence += bonus
	factors = append(factors, fmt.Sprintf("Category %s: %+.2f", ev.ThreatType, bonus))

	// Round off float noise so a sum that is exactly 0.6 does not confirm
	confidence = model.Clamp01(math.Round(confidence*1e9) / 1e9)
	factors = append(factors, fmt.Sprintf("Calculated confidence: %.2f", confidence))

	return localJudgment{
		Verdict:       confidence > verdictThreshold,
		Confidence:    confidence,
		Justification: strings.Join(factors, "; "),
	}
}
