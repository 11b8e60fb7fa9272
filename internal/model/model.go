package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ThreatLevel is the severity of a piece of evidence. Levels are totally ordered.
type ThreatLevel int

const (
	Info ThreatLevel = iota
	Warning
	Critical
	Emergency
)

var threatLevelNames = map[ThreatLevel]string{
	Info:      "Info",
	Warning:   "Warning",
	Critical:  "Critical",
	Emergency: "Emergency",
}

// String returns the canonical name of the level
func (l ThreatLevel) String() string {
	if name, ok := threatLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("ThreatLevel(%d)", int(l))
}

// Valid reports whether the level is one of the four known levels
func (l ThreatLevel) Valid() bool {
	return l >= Info && l <= Emergency
}

// Lower steps the level down by one. Info stays Info.
func (l ThreatLevel) Lower() ThreatLevel {
	if l <= Info {
		return Info
	}
	return l - 1
}

// MaxThreatLevel returns the higher of the two levels
func MaxThreatLevel(a, b ThreatLevel) ThreatLevel {
	if b > a {
		return b
	}
	return a
}

// ParseThreatLevel parses a level name, case-insensitively
func ParseThreatLevel(s string) (ThreatLevel, error) {
	for level, name := range threatLevelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	return Info, fmt.Errorf("unknown threat level %q", s)
}

// MarshalJSON encodes the level by name
func (l ThreatLevel) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid threat level %d", int(l))
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts either the level name or its ordinal
func (l *ThreatLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseThreatLevel(name)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	var ordinal int
	if err := json.Unmarshal(data, &ordinal); err != nil {
		return fmt.Errorf("threat level must be a name or an integer: %w", err)
	}
	level := ThreatLevel(ordinal)
	if !level.Valid() {
		return fmt.Errorf("invalid threat level %d", ordinal)
	}
	*l = level
	return nil
}

// ThreatType is the category of a piece of evidence
type ThreatType string

const (
	DDoS                 ThreatType = "DDoS"
	Malware              ThreatType = "Malware"
	Phishing             ThreatType = "Phishing"
	BruteForce           ThreatType = "BruteForce"
	SuspiciousConnection ThreatType = "SuspiciousConnection"
	AnomalousBehavior    ThreatType = "AnomalousBehavior"
	IoCMatch             ThreatType = "IoCMatch"
	Exploit              ThreatType = "Exploit"
	APT                  ThreatType = "APT"
	Unknown              ThreatType = "Unknown"
)

// ThreatTypes lists every known category
var ThreatTypes = []ThreatType{
	DDoS, Malware, Phishing, BruteForce, SuspiciousConnection,
	AnomalousBehavior, IoCMatch, Exploit, APT, Unknown,
}

// Valid reports whether the type belongs to the closed set of categories
func (t ThreatType) Valid() bool {
	for _, known := range ThreatTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Origin tells where a piece of evidence entered this node
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginUpstream Origin = "upstream"
)

// ParseOrigin accepts "local" or "upstream"
func ParseOrigin(s string) (Origin, error) {
	switch Origin(strings.ToLower(s)) {
	case OriginLocal:
		return OriginLocal, nil
	case OriginUpstream:
		return OriginUpstream, nil
	}
	return "", fmt.Errorf("unknown evidence origin %q", s)
}

// Evidence is one observed or ingested security event
type Evidence struct {
	ID            string      `json:"id"`
	Timestamp     int64       `json:"timestamp"` // unix seconds
	SourceIP      string      `json:"source_ip"`
	TargetIP      string      `json:"target_ip"`
	ThreatType    ThreatType  `json:"threat_type"`
	ThreatLevel   ThreatLevel `json:"threat_level"`
	Context       string      `json:"context"`
	EvidenceHash  string      `json:"evidence_hash"`
	Geolocation   string      `json:"geolocation"`
	NetworkFlow   string      `json:"network_flow"`
	AgentID       string      `json:"agent_id"`
	Reputation    float64     `json:"reputation"` // always within [0,1]
	ComplianceTag string      `json:"compliance_tag"`
	Region        string      `json:"region"`
}

// Validate checks the fields every producer must set
func (e *Evidence) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "evidence ID is required"}
	}
	if e.AgentID == "" {
		return &ValidationError{Field: "agent_id", Message: "reporting agent ID is required"}
	}
	if !e.ThreatType.Valid() {
		return &ValidationError{Field: "threat_type", Message: fmt.Sprintf("unknown threat type %q", e.ThreatType)}
	}
	if !e.ThreatLevel.Valid() {
		return &ValidationError{Field: "threat_level", Message: fmt.Sprintf("invalid threat level %d", int(e.ThreatLevel))}
	}
	if math.IsNaN(e.Reputation) || e.Reputation < 0 || e.Reputation > 1 {
		return &ValidationError{Field: "reputation", Message: "reputation must be within [0,1]"}
	}
	return nil
}

// ValidationError reports a malformed evidence record
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
