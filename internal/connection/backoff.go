package connection

import (
	"time"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

// Backoff strategy names recognised in configuration.
const (
	StrategyExponential = "exponential"
	StrategyLinear      = "linear"
	StrategyFixed       = "fixed"
)

// maxShift bounds the exponential shift to avoid overflow on long outages.
const maxShift = 32

// Policy computes reconnection delays from a configured backoff strategy.
//
// All strategies are capped at MaxDelay. Delays are monotonically
// non-decreasing across attempts for exponential and linear, and constant
// for fixed.
type Policy struct {
	Strategy     string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// PolicyFromConfig builds a Policy from the reconnect configuration section.
func PolicyFromConfig(cfg config.ReconnectConfig) Policy {
	return Policy{
		Strategy:     cfg.Strategy,
		InitialDelay: cfg.InitialDelay(),
		MaxDelay:     cfg.MaxDelay(),
		MaxAttempts:  cfg.MaxAttempts,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
//
//	exponential: initial * 2^n
//	linear:      initial * (n+1)
//	fixed:       initial
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt+1)
	case StrategyFixed:
		d = p.InitialDelay
	default: // exponential
		if attempt > maxShift {
			return p.MaxDelay
		}
		d = p.InitialDelay << uint(attempt)
	}

	if d > p.MaxDelay || d < p.InitialDelay {
		return p.MaxDelay
	}
	return d
}
