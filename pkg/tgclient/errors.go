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

package tgclient

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"go.mau.fi/tgbridge/pkg/bridge"
)

// Errors that mean the session itself is gone.
var sessionErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

var humanisedErrors = map[string]string{
	"API_ID_INVALID":          "The api_id/api_hash combination is invalid",
	"AUTH_TOKEN_EXPIRED":      "The QR code expired, start the login again",
	"AUTH_KEY_DUPLICATED":     "The session was used from two different IP addresses at the same time and can no longer be used",
	"CHAT_ADMIN_REQUIRED":     "You must be an admin in this chat to do that",
	"CHAT_WRITE_FORBIDDEN":    "You can't write in this chat",
	"MEDIA_CAPTION_TOO_LONG":  "The caption is too long",
	"MESSAGE_EMPTY":           "The message is empty",
	"MESSAGE_ID_INVALID":      "The message ID is invalid",
	"MESSAGE_NOT_MODIFIED":    "The message content wasn't changed",
	"MESSAGE_TOO_LONG":        "The message is too long",
	"PASSWORD_HASH_INVALID":   "The password is incorrect",
	"PEER_ID_INVALID":         "The chat ID is invalid",
	"PHONE_CODE_EMPTY":        "The login code is missing",
	"PHONE_CODE_EXPIRED":      "The login code has expired",
	"PHONE_CODE_INVALID":      "The login code is invalid",
	"PHONE_NUMBER_BANNED":     "The phone number is banned from Telegram",
	"PHONE_NUMBER_FLOOD":      "You asked for the code too many times",
	"PHONE_NUMBER_INVALID":    "The phone number is invalid",
	"PHONE_NUMBER_UNOCCUPIED": "The phone number is not yet being used",
	"SESSION_REVOKED":         "The session was terminated from another device",
	"USER_BANNED_IN_CHANNEL":  "You're banned from sending messages in supergroups/channels",
	"USER_DEACTIVATED":        "The Telegram account has been deleted",
	"USER_DEACTIVATED_BAN":    "The Telegram account has been banned",
	"USER_IS_BLOCKED":         "You were blocked by this user",
}

type humanisedError struct {
	message string
	err     error
}

func (e *humanisedError) Error() string {
	return e.message
}

func (e *humanisedError) Unwrap() error {
	return e.err
}

// Humanise returns a readable description of a Telegram RPC error, or the
// error text itself for unknown errors.
func Humanise(err error) string {
	if rpcErr, ok := tgerr.As(err); ok {
		if msg, ok := humanisedErrors[rpcErr.Type]; ok {
			return msg
		}
	}
	return err.Error()
}

func rpcError(err error, action string) error {
	if err == nil {
		return nil
	}
	return classifyError(errors.Wrap(err, action))
}

// classifyError marks Telegram errors the way the bridge core retries and
// reacts to them.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return bridge.WrapTransient(err, wait)
	} else if tgerr.Is(err, sessionErrors...) {
		return bridge.WrapAuth(&humanisedError{message: Humanise(err), err: err})
	}
	rpcErr, ok := tgerr.As(err)
	switch {
	case ok && rpcErr.Code >= 500:
		return bridge.WrapTransient(err, 0)
	case ok && rpcErr.Type == "MESSAGE_TOO_LONG", ok && rpcErr.Type == "MEDIA_CAPTION_TOO_LONG":
		return &humanisedError{message: Humanise(err), err: fmt.Errorf("%w: %w", bridge.ErrMessageTooLong, err)}
	case ok:
		if msg, known := humanisedErrors[rpcErr.Type]; known {
			return &humanisedError{message: msg, err: err}
		}
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isNetworkError(err):
		return bridge.WrapTransient(err, 0)
	default:
		return err
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
