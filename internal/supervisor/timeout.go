package supervisor

import (
	"time"

	"github.com/truststack/webaudit/internal/analyzer"
)

// Strategy selects one of the three timeout tables based on page complexity.
type Strategy string

const (
	StrategyFast         Strategy = "fast"
	StrategyStandard     Strategy = "standard"
	StrategyConservative Strategy = "conservative"
)

// Complexity score thresholds for strategy selection.
const (
	fastThreshold         = 0.30
	conservativeThreshold = 0.60
)

// Complexity score weights.
const (
	weightDOMNodes = 0.35
	weightScripts  = 0.25
	weightLazyLoad = 0.20
	weightIFrames  = 0.10
	weightLoadTime = 0.10
)

// Normalization ceilings for the raw page measurements. Values at or above
// the ceiling contribute a full weight.
const (
	normDOMNodes   = 3000.0
	normScripts    = 50.0
	normLazyLoad   = 10.0
	normIFrames    = 5.0
	normLoadTimeMs = 10000.0
)

// ComplexityScore computes the weighted page complexity in [0,1] from a
// scout result. A nil scout scores zero.
func ComplexityScore(scout *analyzer.ScoutResult) float64 {
	if scout == nil {
		return 0
	}
	score := weightDOMNodes*capRatio(float64(scout.DOMNodes), normDOMNodes) +
		weightScripts*capRatio(float64(scout.ScriptCount), normScripts) +
		weightLazyLoad*capRatio(float64(scout.LazyLoadIndicators), normLazyLoad) +
		weightIFrames*capRatio(float64(scout.IFrameCount), normIFrames) +
		weightLoadTime*capRatio(float64(scout.LoadTimeMs), normLoadTimeMs)
	if score > 1 {
		return 1
	}
	return score
}

func capRatio(v, ceiling float64) float64 {
	if ceiling <= 0 || v <= 0 {
		return 0
	}
	r := v / ceiling
	if r > 1 {
		return 1
	}
	return r
}

// StrategyFor maps a complexity score onto a timeout strategy.
func StrategyFor(score float64) Strategy {
	switch {
	case score < fastThreshold:
		return StrategyFast
	case score > conservativeThreshold:
		return StrategyConservative
	default:
		return StrategyStandard
	}
}

// TimeoutConfig holds the per-analyzer timeouts for one strategy.
type TimeoutConfig struct {
	Scout    time.Duration
	Vision   time.Duration
	Security time.Duration
	Graph    time.Duration
	Judge    time.Duration
	OSINT    time.Duration
}

// For returns the timeout for an analyzer kind.
func (c TimeoutConfig) For(kind analyzer.Kind) time.Duration {
	switch kind {
	case analyzer.KindScout:
		return c.Scout
	case analyzer.KindVision:
		return c.Vision
	case analyzer.KindSecurity:
		return c.Security
	case analyzer.KindGraph:
		return c.Graph
	case analyzer.KindJudge:
		return c.Judge
	case analyzer.KindOSINT:
		return c.OSINT
	default:
		return c.Scout
	}
}

var timeoutTables = map[Strategy]TimeoutConfig{
	StrategyFast: {
		Scout:    15 * time.Second,
		Vision:   20 * time.Second,
		Security: 20 * time.Second,
		Graph:    10 * time.Second,
		Judge:    10 * time.Second,
		OSINT:    15 * time.Second,
	},
	StrategyStandard: {
		Scout:    30 * time.Second,
		Vision:   40 * time.Second,
		Security: 45 * time.Second,
		Graph:    20 * time.Second,
		Judge:    20 * time.Second,
		OSINT:    30 * time.Second,
	},
	StrategyConservative: {
		Scout:    60 * time.Second,
		Vision:   80 * time.Second,
		Security: 90 * time.Second,
		Graph:    40 * time.Second,
		Judge:    30 * time.Second,
		OSINT:    60 * time.Second,
	},
}

// ConfigFor returns the timeout table for a strategy.
func ConfigFor(strategy Strategy) TimeoutConfig {
	cfg, ok := timeoutTables[strategy]
	if !ok {
		return timeoutTables[StrategyStandard]
	}
	return cfg
}
