// retry.go - Bounded retry policies.
// Copyright (C) 2026  The Veil Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides bounded retry policies, with either a fixed delay
// or exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is the default delay between attempts.
	DefaultBaseDelay = 2 * time.Second

	// DefaultMaxDelay is the default cap on an exponential delay.
	DefaultMaxDelay = 2 * time.Minute

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// ErrExhausted is returned by Policy.Do when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how often and how far apart an operation is attempted.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay slept between two consecutive attempts.
	BaseDelay time.Duration

	// Exponential doubles BaseDelay after every failure, up to MaxDelay.
	Exponential bool

	// MaxDelay caps exponential delays.
	MaxDelay time.Duration

	// Jitter randomizes each delay by +/- Jitter.
	Jitter float64
}

// Fixed returns a policy of maxAttempts attempts, delay apart.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   delay,
	}
}

// Backoff returns an unbounded exponential policy suitable for reconnect
// loops that live as long as the process.
func Backoff(base, max time.Duration) Policy {
	return Policy{
		BaseDelay:   base,
		Exponential: true,
		MaxDelay:    max,
		Jitter:      DefaultJitter,
	}
}

// DelayFor returns the delay to sleep after the given zero based attempt
// has failed.
func (p Policy) DelayFor(attempt int) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	return Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt)
}

// Do invokes fn until it succeeds, the attempts are exhausted, or ctx is
// done.  fn receives the zero based attempt number.  The delay is only slept
// between attempts, never after the last one.  An error marked Permanent
// ends the loop and is returned as is.  When every attempt fails the
// returned error wraps both ErrExhausted and the last error from fn.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry: invalid MaxAttempts: %d", p.MaxAttempts)
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if sleepErr := Sleep(ctx, p.DelayFor(attempt-1)); sleepErr != nil {
				return sleepErr
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, err)
}

// Ceiling returns the longest delay the policy sleeps between attempts.
func (p Policy) Ceiling() time.Duration {
	if p.Exponential && p.MaxDelay > p.BaseDelay {
		return p.MaxDelay
	}
	return p.BaseDelay
}

// Sleep waits for d, returning early with ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay calculates the delay for a given attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// Permanent marks err as not worth retrying: Do returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// IsPermanent returns true iff err, or an error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// transientMessages match the failures of dialers and proxies that do not
// return typed errors.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"no route to host",
	"network is unreachable",
	"temporary failure",
	"timeout",
	"bad handshake",
}

// IsTransientError returns true if a failed attempt is worth repeating:
// network level failures and timeouts.  Errors marked Permanent never are.
func IsTransientError(err error) bool {
	switch {
	case err == nil, IsPermanent(err):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
