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

package ids

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

// GhostTemplate turns Telegram IDs into ghost Matrix IDs and back.
//
// The template is a localpart with a single {{.}} placeholder, for example
// "telegram_{{.}}".
type GhostTemplate struct {
	prefix     string
	suffix     string
	serverName string
}

func NewGhostTemplate(template, serverName string) (*GhostTemplate, error) {
	prefix, suffix, ok := strings.Cut(template, "{{.}}")
	if !ok {
		return nil, fmt.Errorf("username template %q doesn't contain {{.}}", template)
	} else if strings.Contains(suffix, "{{.}}") {
		return nil, fmt.Errorf("username template %q contains more than one {{.}}", template)
	} else if serverName == "" {
		return nil, fmt.Errorf("server name is empty")
	}
	return &GhostTemplate{prefix: prefix, suffix: suffix, serverName: serverName}, nil
}

func (gt *GhostTemplate) localpart(puppetID int64) string {
	if IsChannelPuppetID(puppetID) {
		return "channel-" + strconv.FormatInt(-puppetID, 10)
	}
	return strconv.FormatInt(puppetID, 10)
}

func (gt *GhostTemplate) Format(puppetID int64) id.UserID {
	return id.NewUserID(gt.prefix+gt.localpart(puppetID)+gt.suffix, gt.serverName)
}

// Parse returns the puppet ID encoded in a ghost MXID. ok is false if the
// user ID doesn't belong to a ghost.
func (gt *GhostTemplate) Parse(userID id.UserID) (puppetID int64, ok bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != gt.serverName {
		return 0, false
	}
	if !strings.HasPrefix(localpart, gt.prefix) || !strings.HasSuffix(localpart, gt.suffix) {
		return 0, false
	}
	inner := localpart[len(gt.prefix) : len(localpart)-len(gt.suffix)]
	isChannel := strings.HasPrefix(inner, "channel-")
	inner = strings.TrimPrefix(inner, "channel-")
	parsed, err := strconv.ParseInt(inner, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, false
	}
	if isChannel {
		return MakeChannelPuppetID(parsed), true
	}
	return parsed, true
}

var txnNamespace = uuid.MustParse("5e1f0b7c-8a0e-4c4e-9a55-6d2b0f5a7c11")

// MakeTxnID derives a stable Matrix transaction ID from the given parts, so
// that resending the same bridged event after a timeout is deduplicated by
// the homeserver.
func MakeTxnID(parts ...any) string {
	var key strings.Builder
	for _, part := range parts {
		_, _ = fmt.Fprintf(&key, "%v|", part)
	}
	return "tgbridge_" + uuid.NewSHA1(txnNamespace, []byte(key.String())).String()
}

// MakeRandomID derives the Telegram random_id for a Matrix event. Telegram
// ignores sends that reuse a random_id, which makes retries idempotent.
func MakeRandomID(eventID id.EventID) int64 {
	sum := uuid.NewSHA1(txnNamespace, []byte(eventID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
