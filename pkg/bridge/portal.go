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
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/store"
)

// Portal is one bridged chat. All work on a portal runs on its own
// goroutine in the order it was queued.
type Portal struct {
	*store.Portal
	bridge *Bridge
	log    zerolog.Logger
	queue  *workQueue[*portalWork]

	// typing is the last set of Matrix users seen typing in the room.
	typing map[id.UserID]struct{}
}

type portalWork struct {
	name string
	run  func(ctx context.Context) error
	done chan error
}

func newPortal(br *Bridge, record *store.Portal) *Portal {
	return &Portal{
		Portal: record,
		bridge: br,
		log: br.Log.With().
			Str("component", "portal").
			Stringer("portal_key", record.PortalKey).
			Logger(),
		queue:  newWorkQueue[*portalWork](),
		typing: make(map[id.UserID]struct{}),
	}
}

func (p *Portal) loop(ctx context.Context) {
	ctx = p.log.WithContext(ctx)
	for {
		work, ok := p.queue.Pop(ctx)
		if !ok {
			return
		}
		err := p.runWork(ctx, work)
		if work.done != nil {
			work.done <- err
		}
	}
}

func (p *Portal) runWork(ctx context.Context, work *portalWork) (err error) {
	ctx, span := tracer.Start(ctx, "portal."+work.name, trace.WithAttributes(
		attribute.String("portal_key", p.PortalKey.String()),
	))
	defer span.End()
	log := p.log.With().Str("action", work.name).Logger()
	ctx = log.WithContext(ctx)
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic in %s: %v", work.name, recovered)
			log.Error().
				Bytes("stack", debug.Stack()).
				Any("panic", recovered).
				Msg("Panic while handling portal event")
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	err = work.run(ctx)
	p.logWorkError(ctx, err)
	return
}

func (p *Portal) logWorkError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	log := zerolog.Ctx(ctx)
	var translationErr *TranslationError
	switch {
	case errors.Is(err, ErrMappingNotFound):
		log.Warn().Err(err).Msg("Dropping event that refers to an unknown message")
	case errors.As(err, &translationErr):
		log.Warn().Err(err).Msg("Couldn't translate event")
	case IsAuthError(err):
		log.Error().Err(err).Msg("Telegram session rejected while handling event")
	case errors.Is(err, context.Canceled):
		log.Debug().Err(err).Msg("Event handling cancelled")
	default:
		log.Err(err).Msg("Failed to handle event")
	}
}

func (p *Portal) enqueue(name string, fn func(ctx context.Context) error) {
	p.queue.Push(&portalWork{name: name, run: fn})
}

// enqueueWait queues the work and waits for it to finish.
func (p *Portal) enqueueWait(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	work := &portalWork{name: name, run: fn, done: make(chan error, 1)}
	p.queue.Push(work)
	select {
	case err := <-work.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush waits until everything queued before it has been handled.
func (p *Portal) flush(ctx context.Context) error {
	return p.enqueueWait(ctx, "flush", func(ctx context.Context) error { return nil })
}

func (p *Portal) QueueTelegramUpdate(source *User, update TelegramUpdate) {
	p.enqueue("telegram_"+strings.ToLower(update.Kind().String()), func(ctx context.Context) error {
		return p.handleTelegramUpdate(ctx, source, update)
	})
}

func (p *Portal) QueueMatrixEvent(evt MatrixEvent) {
	p.enqueue("matrix_"+strings.ToLower(evt.Kind().String()), func(ctx context.Context) error {
		return p.handleMatrixEvent(ctx, evt)
	})
}

// QueueSyncMetadata refreshes the room from Telegram. A nil source picks any
// session that can see the chat.
func (p *Portal) QueueSyncMetadata(source *User) {
	p.enqueue("sync_metadata", func(ctx context.Context) error {
		if p.MXID == "" {
			return nil
		}
		return p.syncMetadata(ctx, source)
	})
}

func (p *Portal) QueueCreateMatrixRoom(source *User) {
	p.enqueue("create_room", func(ctx context.Context) error {
		return p.createMatrixRoom(ctx, source)
	})
}

// CreateMatrixRoom creates the room if it doesn't exist yet and invites the
// source user.
func (p *Portal) CreateMatrixRoom(ctx context.Context, source *User) (roomID id.RoomID, err error) {
	err = p.enqueueWait(ctx, "create_room", func(ctx context.Context) error {
		err := p.createMatrixRoom(ctx, source)
		roomID = p.MXID
		return err
	})
	return
}

func (p *Portal) SyncMetadata(ctx context.Context, source *User) error {
	return p.enqueueWait(ctx, "sync_metadata", func(ctx context.Context) error {
		if p.MXID == "" {
			return fmt.Errorf("portal has no room")
		}
		return p.syncMetadata(ctx, source)
	})
}

// SetRelay toggles relaying Matrix messages of users without a session.
func (p *Portal) SetRelay(ctx context.Context, enabled bool) error {
	return p.enqueueWait(ctx, "set_relay", func(ctx context.Context) error {
		if p.ChatType == ids.ChatTypePrivate && enabled {
			return fmt.Errorf("relay mode can't be used in private chats")
		}
		p.RelayEnabled = enabled
		return p.bridge.Registry.UpdatePortal(ctx, p.Portal)
	})
}

// isPuppetable reports whether the user's own session can act in this chat.
func (p *Portal) isPuppetable(user *User) bool {
	if user == nil || user.IsRelay() || !user.IsLoggedIn() || user.Client() == nil {
		return false
	}
	return p.Receiver == 0 || p.Receiver == user.TelegramID()
}

// anySession returns a session that can reach this chat, preferring the
// given user, then any logged-in portal member, then the relaybot.
func (p *Portal) anySession(ctx context.Context, preferred *User) (*User, TelegramClient) {
	if p.isPuppetable(preferred) || (preferred != nil && preferred.IsRelay() && preferred.Client() != nil) {
		return preferred, preferred.Client()
	}
	members, err := p.bridge.Registry.GetPortalUsers(ctx, p.PortalKey)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to get portal users")
	}
	for _, mxid := range members {
		user, err := p.bridge.GetUser(ctx, mxid, false)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Stringer("user_id", mxid).Msg("Failed to load portal user")
		} else if p.isPuppetable(user) {
			return user, user.Client()
		}
	}
	if relay := p.bridge.Relay(); p.RelayEnabled && relay != nil && relay.Client() != nil {
		return relay, relay.Client()
	}
	return nil, nil
}

// contentHash fingerprints message content so that an echo or a second
// account's copy of a message can be recognized.
func contentHash(text string, kind MediaKind) []byte {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(text) + "\x00" + string(kind)))
	return sum[:]
}

func (p *Portal) revive(ctx context.Context) error {
	if !p.ChatGone && !p.Defunct {
		return nil
	}
	zerolog.Ctx(ctx).Info().Msg("Chat is active again, reviving portal")
	p.ChatGone, p.Defunct = false, false
	return p.bridge.Registry.UpdatePortal(ctx, p.Portal)
}

// checkDefunct marks the portal defunct once Telegram no longer has the chat
// and no real Matrix user is left in the room.
func (p *Portal) checkDefunct(ctx context.Context) error {
	if !p.ChatGone || p.Defunct || p.MXID == "" {
		return nil
	}
	members, err := retryValue(ctx, p.bridge, "matrix_joined_members", func(ctx context.Context) ([]id.UserID, error) {
		return p.bridge.Matrix.GetJoinedMembers(ctx, p.MXID)
	})
	if err != nil {
		return err
	}
	for _, member := range members {
		if !p.bridge.isBridgeUser(member) {
			return nil
		}
	}
	zerolog.Ctx(ctx).Info().Msg("Marking portal defunct")
	p.Defunct = true
	return p.bridge.Registry.UpdatePortal(ctx, p.Portal)
}
