// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2024 Sumner Evans
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package retry wraps outbound transport calls in a bounded exponential
// backoff with a per-call timeout.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("go.mau.fi/tgbridge/pkg/retry")

// Decision is the outcome of classifying a failed attempt.
type Decision struct {
	Retry bool
	// After is a minimum wait requested by the remote side (e.g. a flood wait).
	After time.Duration
}

type Classifier func(err error) Decision

func AlwaysRetry(err error) Decision {
	return Decision{Retry: true}
}

type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	// MaxRetryAfter caps how long a remote-requested wait is honored before
	// the attempt is given up on.
	MaxRetryAfter time.Duration `yaml:"max_retry_after"`

	Classify Classifier `yaml:"-"`
}

func Default() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		CallTimeout:     60 * time.Second,
		MaxRetryAfter:   5 * time.Minute,
	}
}

func (p Policy) WithClassifier(c Classifier) Policy {
	p.Classify = c
	return p
}

// NewBackOff returns the backoff schedule of the policy without an attempt
// limit. It's also used for reconnect loops that count failures themselves.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p Policy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, the classifier says the error is permanent,
// the attempt limit is reached or ctx is done. Each attempt gets its own
// CallTimeout. The last error is returned.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	log := zerolog.Ctx(ctx)
	classify := p.Classify
	if classify == nil {
		classify = AlwaysRetry
	}
	maxAttempts := max(p.MaxAttempts, 1)

	var attempts int
	var extraWait time.Duration
	op := func() error {
		if extraWait > 0 {
			if err := sleepCtx(ctx, extraWait); err != nil {
				return backoff.Permanent(err)
			}
			extraWait = 0
		}
		attempts++
		callCtx, cancel := p.callContext(ctx)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		decision := classify(err)
		if !decision.Retry || ctx.Err() != nil {
			return backoff.Permanent(err)
		} else if decision.After > 0 {
			if p.MaxRetryAfter > 0 && decision.After > p.MaxRetryAfter {
				return backoff.Permanent(err)
			}
			extraWait = decision.After
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		log.Warn().Err(err).
			Str("operation", name).
			Int("attempt", attempts).
			Int("max_attempts", maxAttempts).
			Dur("next_retry_in", next+extraWait).
			Msg("Transport call failed, retrying")
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
