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

package mxclient

import (
	"errors"
	"net"
	"time"

	"maunium.net/go/mautrix"

	"go.mau.fi/tgbridge/pkg/bridge"
)

// classifyError marks rate limits, server errors and connection failures as
// transient for the bridge retry policy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.RespError != nil && httpErr.RespError.ErrCode == mautrix.MLimitExceeded.ErrCode {
			return bridge.WrapTransient(err, retryAfter(httpErr.RespError))
		} else if httpErr.Response != nil && httpErr.Response.StatusCode >= 500 {
			return bridge.WrapTransient(err, 0)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return bridge.WrapTransient(err, 0)
	}
	return err
}

func retryAfter(respErr *mautrix.RespError) time.Duration {
	if ms, ok := respErr.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}
