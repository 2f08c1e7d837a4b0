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

// Package registry is the single owner of portal, puppet, user and message
// records. Everything else refers to them by key and goes through here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/store"
)

var (
	ErrDuplicatePortal    = errors.New("duplicate portal for chat key")
	ErrRoomAlreadyBridged = errors.New("room is already bridged to another chat")
)

type Registry struct {
	DB  *store.Container
	log zerolog.Logger

	portalsLock   sync.Mutex
	portalsByKey  map[ids.PortalKey]*store.Portal
	portalsByMXID map[id.RoomID]*store.Portal

	puppetsLock sync.Mutex
	puppets     map[int64]*store.Puppet

	usersLock   sync.Mutex
	usersByMXID map[id.UserID]*store.User
	usersByTGID map[int64]*store.User
}

func New(db *store.Container, log zerolog.Logger) *Registry {
	return &Registry{
		DB:            db,
		log:           log.With().Str("component", "registry").Logger(),
		portalsByKey:  make(map[ids.PortalKey]*store.Portal),
		portalsByMXID: make(map[id.RoomID]*store.Portal),
		puppets:       make(map[int64]*store.Puppet),
		usersByMXID:   make(map[id.UserID]*store.User),
		usersByTGID:   make(map[int64]*store.User),
	}
}

// Load fills the in-memory caches with every bridged portal and every
// logged-in user.
func (r *Registry) Load(ctx context.Context) error {
	portals, err := r.DB.Portal.GetAllWithMXID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load portals: %w", err)
	}
	r.portalsLock.Lock()
	for _, portal := range portals {
		r.cachePortalLocked(portal)
	}
	r.portalsLock.Unlock()

	users, err := r.DB.User.GetAllLoggedIn(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	r.usersLock.Lock()
	for _, user := range users {
		r.cacheUserLocked(user)
	}
	r.usersLock.Unlock()
	r.log.Debug().Int("portal_count", len(portals)).Int("user_count", len(users)).Msg("Loaded registry caches")
	return nil
}

func (r *Registry) cachePortalLocked(portal *store.Portal) {
	r.portalsByKey[portal.PortalKey] = portal
	if portal.MXID != "" {
		r.portalsByMXID[portal.MXID] = portal
	}
}

func (r *Registry) GetPortal(ctx context.Context, key ids.PortalKey) (*store.Portal, error) {
	r.portalsLock.Lock()
	defer r.portalsLock.Unlock()
	if portal, ok := r.portalsByKey[key]; ok {
		return portal, nil
	}
	portal, err := r.DB.Portal.GetByKey(ctx, key)
	if err != nil || portal == nil {
		return nil, err
	}
	r.cachePortalLocked(portal)
	return portal, nil
}

// GetOrCreatePortal returns the portal for the key, inserting it first if it
// doesn't exist. created is true only for the call that inserted the row.
func (r *Registry) GetOrCreatePortal(ctx context.Context, key ids.PortalKey) (portal *store.Portal, created bool, err error) {
	if !key.ChatType.IsValid() {
		return nil, false, fmt.Errorf("invalid chat type %q", key.ChatType)
	}
	r.portalsLock.Lock()
	defer r.portalsLock.Unlock()
	if portal, ok := r.portalsByKey[key]; ok {
		return portal, false, nil
	}
	// A second pass only happens if the row appeared between the select and
	// the insert, i.e. it was written by someone outside this registry.
	for attempt := 0; attempt < 2; attempt++ {
		portal, err = r.DB.Portal.GetByKey(ctx, key)
		if err != nil {
			return nil, false, err
		} else if portal != nil {
			r.cachePortalLocked(portal)
			return portal, false, nil
		}
		portal = r.DB.Portal.New(key)
		created, err = portal.InsertIfAbsent(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert portal: %w", err)
		} else if created {
			r.cachePortalLocked(portal)
			return portal, true, nil
		}
		r.log.Warn().Stringer("portal_key", key).Msg("Portal insert conflicted, retrying lookup")
	}
	return nil, false, fmt.Errorf("%w %s", ErrDuplicatePortal, key)
}

func (r *Registry) GetPortalByMXID(ctx context.Context, roomID id.RoomID) (*store.Portal, error) {
	r.portalsLock.Lock()
	defer r.portalsLock.Unlock()
	if portal, ok := r.portalsByMXID[roomID]; ok {
		return portal, nil
	}
	portal, err := r.DB.Portal.GetByMXID(ctx, roomID)
	if err != nil || portal == nil {
		return nil, err
	}
	if cached, ok := r.portalsByKey[portal.PortalKey]; ok {
		return cached, nil
	}
	r.cachePortalLocked(portal)
	return portal, nil
}

// SetPortalMXID links a portal to its Matrix room. Linking a room that
// already belongs to another portal fails with ErrRoomAlreadyBridged.
func (r *Registry) SetPortalMXID(ctx context.Context, portal *store.Portal, roomID id.RoomID) error {
	r.portalsLock.Lock()
	defer r.portalsLock.Unlock()
	if roomID != "" {
		if existing, ok := r.portalsByMXID[roomID]; ok && existing.PortalKey != portal.PortalKey {
			return fmt.Errorf("%w: %s belongs to %s", ErrRoomAlreadyBridged, roomID, existing.PortalKey)
		}
	}
	prevMXID := portal.MXID
	portal.MXID = roomID
	if err := portal.Update(ctx); err != nil {
		portal.MXID = prevMXID
		return err
	}
	if prevMXID != "" {
		delete(r.portalsByMXID, prevMXID)
	}
	r.cachePortalLocked(portal)
	return nil
}

// GetPortalMXID returns the room the portal is linked to, or an empty ID if
// the portal doesn't exist or has no room yet.
func (r *Registry) GetPortalMXID(ctx context.Context, key ids.PortalKey) (id.RoomID, error) {
	portal, err := r.GetPortal(ctx, key)
	if err != nil || portal == nil {
		return "", err
	}
	r.portalsLock.Lock()
	defer r.portalsLock.Unlock()
	return portal.MXID, nil
}

func (r *Registry) UpdatePortal(ctx context.Context, portal *store.Portal) error {
	return portal.Update(ctx)
}

func (r *Registry) AddPortalPuppet(ctx context.Context, key ids.PortalKey, puppetID int64) (bool, error) {
	return r.DB.Portal.AddPuppet(ctx, key, puppetID)
}

func (r *Registry) RemovePortalPuppet(ctx context.Context, key ids.PortalKey, puppetID int64) error {
	return r.DB.Portal.RemovePuppet(ctx, key, puppetID)
}

func (r *Registry) GetPortalPuppets(ctx context.Context, key ids.PortalKey) ([]int64, error) {
	return r.DB.Portal.GetPuppets(ctx, key)
}

func (r *Registry) GetPuppet(ctx context.Context, puppetID int64) (*store.Puppet, error) {
	r.puppetsLock.Lock()
	defer r.puppetsLock.Unlock()
	if puppet, ok := r.puppets[puppetID]; ok {
		return puppet, nil
	}
	puppet, err := r.DB.Puppet.GetByID(ctx, puppetID)
	if err != nil || puppet == nil {
		return nil, err
	}
	r.puppets[puppetID] = puppet
	return puppet, nil
}

func (r *Registry) GetOrCreatePuppet(ctx context.Context, puppetID int64) (puppet *store.Puppet, created bool, err error) {
	if puppetID == 0 {
		return nil, false, fmt.Errorf("puppet ID can't be zero")
	}
	r.puppetsLock.Lock()
	defer r.puppetsLock.Unlock()
	if puppet, ok := r.puppets[puppetID]; ok {
		return puppet, false, nil
	}
	puppet, err = r.DB.Puppet.GetByID(ctx, puppetID)
	if err != nil {
		return nil, false, err
	} else if puppet == nil {
		puppet = r.DB.Puppet.New(puppetID)
		created, err = puppet.InsertIfAbsent(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert puppet: %w", err)
		} else if !created {
			puppet, err = r.DB.Puppet.GetByID(ctx, puppetID)
			if err != nil {
				return nil, false, err
			}
		}
	}
	r.puppets[puppetID] = puppet
	return puppet, created, nil
}

func (r *Registry) GetPuppetByUsername(ctx context.Context, username string) (*store.Puppet, error) {
	puppet, err := r.DB.Puppet.GetByUsername(ctx, username)
	if err != nil || puppet == nil {
		return nil, err
	}
	return r.GetPuppet(ctx, puppet.ID)
}

func (r *Registry) cacheUserLocked(user *store.User) {
	r.usersByMXID[user.MXID] = user
	if user.TelegramID != 0 {
		r.usersByTGID[user.TelegramID] = user
	}
}

func (r *Registry) GetUser(ctx context.Context, mxid id.UserID) (*store.User, error) {
	r.usersLock.Lock()
	defer r.usersLock.Unlock()
	if user, ok := r.usersByMXID[mxid]; ok {
		return user, nil
	}
	user, err := r.DB.User.GetByMXID(ctx, mxid)
	if err != nil || user == nil {
		return nil, err
	}
	r.cacheUserLocked(user)
	return user, nil
}

func (r *Registry) GetOrCreateUser(ctx context.Context, mxid id.UserID) (user *store.User, created bool, err error) {
	r.usersLock.Lock()
	defer r.usersLock.Unlock()
	if user, ok := r.usersByMXID[mxid]; ok {
		return user, false, nil
	}
	user, err = r.DB.User.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, false, err
	} else if user == nil {
		user = r.DB.User.New(mxid)
		created, err = user.InsertIfAbsent(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert user: %w", err)
		} else if !created {
			user, err = r.DB.User.GetByMXID(ctx, mxid)
			if err != nil {
				return nil, false, err
			}
		}
	}
	r.cacheUserLocked(user)
	return user, created, nil
}

func (r *Registry) GetUserByTelegramID(ctx context.Context, telegramID int64) (*store.User, error) {
	r.usersLock.Lock()
	defer r.usersLock.Unlock()
	if user, ok := r.usersByTGID[telegramID]; ok {
		return user, nil
	}
	user, err := r.DB.User.GetByTelegramID(ctx, telegramID)
	if err != nil || user == nil {
		return nil, err
	}
	if cached, ok := r.usersByMXID[user.MXID]; ok {
		return cached, nil
	}
	r.cacheUserLocked(user)
	return user, nil
}

// UpdateUser persists the user and re-indexes it by Telegram ID.
func (r *Registry) UpdateUser(ctx context.Context, user *store.User, prevTelegramID int64) error {
	r.usersLock.Lock()
	defer r.usersLock.Unlock()
	if err := user.Update(ctx); err != nil {
		return err
	}
	if prevTelegramID != 0 && prevTelegramID != user.TelegramID {
		delete(r.usersByTGID, prevTelegramID)
	}
	r.cacheUserLocked(user)
	return nil
}

// ResetInterruptedLogins moves users stuck in a login step back to
// logged_out, both in the database and in the cache.
func (r *Registry) ResetInterruptedLogins(ctx context.Context) error {
	r.usersLock.Lock()
	defer r.usersLock.Unlock()
	if err := r.DB.User.ResetInterruptedLogins(ctx); err != nil {
		return err
	}
	for _, user := range r.usersByMXID {
		switch user.LoginState {
		case "awaiting_code", "awaiting_password", "awaiting_qr":
			user.LoginState = "logged_out"
		}
	}
	return nil
}

func (r *Registry) AddUserPortal(ctx context.Context, mxid id.UserID, key ids.PortalKey) (bool, error) {
	return r.DB.User.AddPortal(ctx, mxid, key)
}

func (r *Registry) RemoveUserPortal(ctx context.Context, mxid id.UserID, key ids.PortalKey) error {
	return r.DB.User.RemovePortal(ctx, mxid, key)
}

func (r *Registry) GetUserPortals(ctx context.Context, mxid id.UserID) ([]ids.PortalKey, error) {
	return r.DB.User.GetPortals(ctx, mxid)
}

func (r *Registry) GetPortalUsers(ctx context.Context, key ids.PortalKey) ([]id.UserID, error) {
	return r.DB.User.GetUsersInPortal(ctx, key)
}

func (r *Registry) SaveSession(ctx context.Context, mxid id.UserID, blob []byte) error {
	return r.DB.GetSessionStore(mxid.String()).StoreSession(ctx, blob)
}

func (r *Registry) DeleteSession(ctx context.Context, mxid id.UserID) error {
	return r.DB.GetSessionStore(mxid.String()).DeleteSession(ctx)
}

// MapMessage records that a Telegram message was bridged as the given Matrix
// event. If the Telegram message was already mapped, the existing row is
// returned and created is false. mxSender is only set for messages that
// originated from Matrix.
func (r *Registry) MapMessage(
	ctx context.Context,
	portal ids.PortalKey,
	remote ids.MessageKey,
	roomID id.RoomID,
	eventID id.EventID,
	sender int64,
	mxSender id.UserID,
	contentHash []byte,
	ts time.Time,
) (msg *store.Message, created bool, err error) {
	msg = r.DB.Message.New()
	msg.Portal = portal
	msg.Space = remote.Space
	msg.TelegramID = remote.ID
	msg.RoomID = roomID
	msg.MXID = eventID
	msg.Sender = sender
	msg.MXSender = mxSender
	msg.ContentHash = contentHash
	msg.Timestamp = ts
	created, err = msg.Insert(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert message mapping: %w", err)
	} else if !created {
		msg, err = r.DB.Message.GetByTelegramID(ctx, portal, remote)
	}
	return
}

func (r *Registry) GetMessageByTelegramID(ctx context.Context, portal ids.PortalKey, remote ids.MessageKey) (*store.Message, error) {
	return r.DB.Message.GetByTelegramID(ctx, portal, remote)
}

func (r *Registry) GetMessageByMXID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*store.Message, error) {
	return r.DB.Message.GetByMXID(ctx, roomID, eventID)
}

func (r *Registry) GetMessagesByMXID(ctx context.Context, roomID id.RoomID, eventID id.EventID) ([]*store.Message, error) {
	return r.DB.Message.GetAllByMXID(ctx, roomID, eventID)
}

func (r *Registry) GetLastMessageBefore(ctx context.Context, portal ids.PortalKey, space int64, maxID int) (*store.Message, error) {
	return r.DB.Message.GetLastBefore(ctx, portal, space, maxID)
}

// FindDuplicateMessage looks for a message that another account already
// bridged with the same sender, date and content.
func (r *Registry) FindDuplicateMessage(ctx context.Context, portal ids.PortalKey, sender int64, ts time.Time, hash []byte) (*store.Message, error) {
	return r.DB.Message.GetByContent(ctx, portal, sender, ts, hash)
}

func (r *Registry) DeleteMessage(ctx context.Context, msg *store.Message) error {
	return msg.Delete(ctx)
}

// UpdateMessageContent stores the content hash and date of an applied edit.
func (r *Registry) UpdateMessageContent(ctx context.Context, msg *store.Message, hash []byte, editTS time.Time) error {
	return msg.UpdateContent(ctx, hash, editTS)
}

func (r *Registry) GetMessagesBySpace(ctx context.Context, key ids.MessageKey) ([]*store.Message, error) {
	return r.DB.Message.GetBySpace(ctx, key)
}
