package supervisor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Strategy selects how the delay between reconnection attempts grows.
type Strategy string

const (
	// StrategyImmediate retries without waiting.
	StrategyImmediate Strategy = "immediate"
	// StrategyConstant waits InitialInterval between attempts.
	StrategyConstant Strategy = "constant"
	// StrategyExponential multiplies the delay by Multiplier after every
	// attempt, capped at MaxInterval.
	StrategyExponential Strategy = "exponential"
)

// Policy configures a reconnection attempt chain.
type Policy struct {
	Strategy        Strategy
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to exponential delays,
	// between 0 and 1.
	Jitter float64
	// MaxAttempts bounds the attempts of one chain. Zero means unbounded.
	MaxAttempts uint
	// MaxElapsed bounds the duration of one chain. Zero means unbounded.
	MaxElapsed time.Duration
}

// DefaultPolicy retries forever with exponential backoff from 250ms up to
// 30s.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:        StrategyExponential,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

// Validate reports a policy that cannot be turned into a backoff.
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategyImmediate:
	case StrategyConstant:
		if p.InitialInterval <= 0 {
			return fmt.Errorf("constant strategy requires a positive interval, got %s", p.InitialInterval)
		}
	case StrategyExponential:
		if p.InitialInterval <= 0 {
			return fmt.Errorf("exponential strategy requires a positive initial interval, got %s", p.InitialInterval)
		}
		if p.Multiplier < 1 {
			return fmt.Errorf("exponential strategy requires a multiplier >= 1, got %v", p.Multiplier)
		}
		if p.Jitter < 0 || p.Jitter > 1 {
			return fmt.Errorf("jitter must be between 0 and 1, got %v", p.Jitter)
		}
	default:
		return fmt.Errorf("unknown reconnect strategy %q", p.Strategy)
	}
	return nil
}

func (p Policy) backOff() backoff.BackOff {
	switch p.Strategy {
	case StrategyImmediate:
		return &backoff.ZeroBackOff{}
	case StrategyConstant:
		return backoff.NewConstantBackOff(p.InitialInterval)
	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.InitialInterval
		b.Multiplier = p.Multiplier
		b.RandomizationFactor = p.Jitter
		if p.MaxInterval > 0 {
			b.MaxInterval = p.MaxInterval
		}
		return b
	}
}

func (p Policy) retryOptions() []backoff.RetryOption {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	return opts
}
