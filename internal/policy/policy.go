// Package policy holds the fixed operational constants that gate every
// decision. Defaults match flight rules; a YAML file may override them and the
// resulting policy hash is stamped on each audit record.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	dErrors "orbitguard/pkg/domain-errors"
)

const (
	DefaultRiskThreshold   = 1e-4
	DefaultMaxDeltaVKmS    = 0.005
	DefaultMinPerigeeKm    = 400.0
	DefaultSafetyMargin    = 0.9
	DefaultMaxIterations   = 100
	DefaultLeadTime        = 60 * time.Second
	DefaultPcTolerance     = 1e-6
	DefaultSimilarityHints = 3
)

// Policy is the complete set of tunables consumed by the pipeline.
type Policy struct {
	// RiskThreshold is the Pc above which an event is HIGH_RISK.
	RiskThreshold float64 `yaml:"risk_threshold" json:"risk_threshold"`
	// MaxDeltaVKmS caps any single maneuver regardless of fuel on board.
	MaxDeltaVKmS float64 `yaml:"max_delta_v_km_s" json:"max_delta_v_km_s"`
	MinPerigeeKm float64 `yaml:"min_perigee_km" json:"min_perigee_km"`
	// SafetyMargin scales the threshold the optimizer must reach.
	SafetyMargin float64 `yaml:"safety_margin" json:"safety_margin"`
	// MaxIterations bounds each directional search.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// LeadTime is the burn-to-TCA interval used when an event does not carry one.
	LeadTime time.Duration `yaml:"lead_time" json:"lead_time"`
	// PcTolerance is the relative distance to the target at which a search stops.
	PcTolerance     float64 `yaml:"pc_tolerance" json:"pc_tolerance"`
	SimilarityHints int     `yaml:"similarity_hints" json:"similarity_hints"`
}

// Default returns the flight-rule defaults.
func Default() Policy {
	return Policy{
		RiskThreshold:   DefaultRiskThreshold,
		MaxDeltaVKmS:    DefaultMaxDeltaVKmS,
		MinPerigeeKm:    DefaultMinPerigeeKm,
		SafetyMargin:    DefaultSafetyMargin,
		MaxIterations:   DefaultMaxIterations,
		LeadTime:        DefaultLeadTime,
		PcTolerance:     DefaultPcTolerance,
		SimilarityHints: DefaultSimilarityHints,
	}
}

// TargetPc is the projected Pc a maneuver must reach to count as safe.
func (p Policy) TargetPc() float64 {
	return p.SafetyMargin * p.RiskThreshold
}

// Validate rejects policies that would make the pipeline meaningless.
func (p Policy) Validate() error {
	switch {
	case !(p.RiskThreshold > 0 && p.RiskThreshold < 1):
		return dErrors.New(dErrors.CodeBadRequest, "risk_threshold must be in (0,1)")
	case !(p.MaxDeltaVKmS > 0) || math.IsInf(p.MaxDeltaVKmS, 0):
		return dErrors.New(dErrors.CodeBadRequest, "max_delta_v_km_s must be positive")
	case p.MinPerigeeKm < 0 || math.IsNaN(p.MinPerigeeKm):
		return dErrors.New(dErrors.CodeBadRequest, "min_perigee_km must be non-negative")
	case !(p.SafetyMargin > 0 && p.SafetyMargin <= 1):
		return dErrors.New(dErrors.CodeBadRequest, "safety_margin must be in (0,1]")
	case p.MaxIterations <= 0:
		return dErrors.New(dErrors.CodeBadRequest, "max_iterations must be positive")
	case p.LeadTime <= 0:
		return dErrors.New(dErrors.CodeBadRequest, "lead_time must be positive")
	case !(p.PcTolerance > 0 && p.PcTolerance < 1):
		return dErrors.New(dErrors.CodeBadRequest, "pc_tolerance must be in (0,1)")
	case p.SimilarityHints < 0:
		return dErrors.New(dErrors.CodeBadRequest, "similarity_hints must be non-negative")
	}
	return nil
}

// Hash identifies the policy version recorded alongside each decision.
func (p Policy) Hash() string {
	// struct field order makes the JSON encoding stable
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Load reads a YAML override file on top of the defaults. Keys absent from the
// file keep their default values.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	// #nosec G304 -- operator-configured policy path
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
