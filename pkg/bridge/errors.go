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

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/tgbridge/pkg/registry"
	"go.mau.fi/tgbridge/pkg/retry"
)

var (
	ErrMappingNotFound    = errors.New("message mapping not found")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrMessageTooLong     = errors.New("message too long")
	ErrMediaTooLarge      = errors.New("media too large")
	ErrInvalidLoginState  = errors.New("invalid login state for this operation")
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrPasswordNeeded     = errors.New("two-factor password needed")
	ErrNoSession          = errors.New("no Telegram session can reach this chat")
	ErrDuplicatePortal    = registry.ErrDuplicatePortal
)

// TransientError marks a failure that may succeed when retried, optionally
// after a wait requested by the remote side.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func WrapTransient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// AuthError means the Telegram session is no longer usable and the user has
// to log in again.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "telegram session invalid: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func WrapAuth(err error) error {
	if err == nil {
		return nil
	}
	return &AuthError{Err: err}
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TranslationError is a permanent failure to express an event on the other
// network. Reason is shown to the sender.
type TranslationError struct {
	Err    error
	Reason string
}

func (e *TranslationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return e.Err.Error()
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

func newTranslationError(err error, reason string, args ...any) error {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &TranslationError{Err: err, Reason: reason}
}

// ClassifyRetry is the retry classifier for outbound transport calls. Only
// errors marked transient and per-attempt timeouts are retried.
func ClassifyRetry(err error) retry.Decision {
	var transient *TransientError
	switch {
	case errors.As(err, &transient):
		return retry.Decision{Retry: true, After: transient.RetryAfter}
	case errors.Is(err, context.DeadlineExceeded):
		return retry.Decision{Retry: true}
	default:
		return retry.Decision{}
	}
}
