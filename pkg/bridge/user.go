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
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.uber.org/atomic"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/store"
)

type LoginState string

const (
	StateLoggedOut        LoginState = "logged_out"
	StateAwaitingCode     LoginState = "awaiting_code"
	StateAwaitingPassword LoginState = "awaiting_password"
	StateAwaitingQRScan   LoginState = "awaiting_qr"
	StateLoggedIn         LoginState = "logged_in"
	StateError            LoginState = "error"
)

// User is a Matrix user of the bridge and their Telegram session, if any.
type User struct {
	bridge *Bridge
	MXID   id.UserID
	log    zerolog.Logger

	// loginLock serializes login state transitions.
	loginLock sync.Mutex
	record    *store.User
	state     atomic.String
	lastError atomic.String

	telegramID     atomic.Int64
	managementRoom atomic.String

	clientLock sync.Mutex
	client     TelegramClient
	stopRun    context.CancelFunc
	runDone    chan struct{}

	connected *exsync.Event
	loggedIn  *exsync.Event
}

func newUser(br *Bridge, record *store.User) *User {
	user := &User{
		bridge: br,
		MXID:   record.MXID,
		record: record,
		log: br.Log.With().
			Str("component", "user").
			Stringer("user_id", record.MXID).
			Logger(),
		connected: exsync.NewEvent(),
		loggedIn:  exsync.NewEvent(),
	}
	user.state.Store(record.LoginState)
	user.telegramID.Store(record.TelegramID)
	user.managementRoom.Store(string(record.ManagementRoom))
	return user
}

func (u *User) State() LoginState {
	return LoginState(u.state.Load())
}

// LastError is the reason the user is in the error state.
func (u *User) LastError() string {
	return u.lastError.Load()
}

func (u *User) IsLoggedIn() bool {
	return u.State() == StateLoggedIn
}

func (u *User) IsRelay() bool {
	return u.record.IsRelay
}

// TelegramID is the logged-in Telegram account, 0 if there is none.
func (u *User) TelegramID() int64 {
	return u.telegramID.Load()
}

func (u *User) ManagementRoom() id.RoomID {
	return id.RoomID(u.managementRoom.Load())
}

func (u *User) SetManagementRoom(ctx context.Context, roomID id.RoomID) error {
	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	u.record.ManagementRoom = roomID
	u.managementRoom.Store(string(roomID))
	return u.bridge.Registry.UpdateUser(ctx, u.record, u.record.TelegramID)
}

// Client returns the Telegram session of a logged-in user.
func (u *User) Client() TelegramClient {
	if !u.IsLoggedIn() {
		return nil
	}
	return u.currentClient()
}

func (u *User) currentClient() TelegramClient {
	u.clientLock.Lock()
	defer u.clientLock.Unlock()
	return u.client
}

// setStateLocked persists a new login state. loginLock must be held.
func (u *User) setStateLocked(ctx context.Context, state LoginState) error {
	prev := u.State()
	u.record.LoginState = string(state)
	u.state.Store(string(state))
	if err := u.bridge.Registry.UpdateUser(ctx, u.record, u.record.TelegramID); err != nil {
		return fmt.Errorf("failed to save login state: %w", err)
	}
	if prev != state {
		u.log.Debug().Str("prev_state", string(prev)).Str("state", string(state)).Msg("Login state changed")
	}
	return nil
}

func (u *User) sessionID() string {
	return u.MXID.String()
}

// ensureClient starts the connection loop unless it's already running and
// waits until the client is connected.
func (u *User) ensureClient(ctx context.Context) (TelegramClient, error) {
	u.clientLock.Lock()
	if u.client == nil {
		u.client = u.bridge.Telegram.NewClient(u.sessionID())
	}
	client := u.client
	if u.stopRun == nil {
		runCtx, cancel := context.WithCancel(u.log.WithContext(u.bridge.ctx))
		u.stopRun = cancel
		u.runDone = make(chan struct{})
		go u.runLoop(runCtx, client, u.runDone)
	}
	u.clientLock.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, u.bridge.Config.Bridge.Retry.CallTimeout)
	defer cancel()
	if err := u.connected.Wait(waitCtx); err != nil {
		return nil, WrapTransient(fmt.Errorf("timed out connecting to Telegram: %w", err), 0)
	}
	return client, nil
}

func (u *User) stopClient() error {
	u.clientLock.Lock()
	stop, done := u.stopRun, u.runDone
	u.stopRun, u.runDone = nil, nil
	u.client = nil
	u.clientLock.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	<-done
	return nil
}

// runLoop keeps the client connected, subscribing to updates whenever the
// user is logged in. Consecutive connection failures are retried with
// exponential backoff up to the configured limit.
func (u *User) runLoop(ctx context.Context, client TelegramClient, done chan struct{}) {
	defer close(done)
	log := zerolog.Ctx(ctx)
	bo := u.bridge.Retry.NewBackOff()
	var failures int
	for {
		err := client.Run(ctx, func(ctx context.Context) error {
			failures = 0
			bo.Reset()
			u.connected.Set()
			defer u.connected.Clear()
			log.Debug().Msg("Telegram client connected")
			if err := u.loggedIn.Wait(ctx); err != nil {
				return nil
			}
			authorized, err := client.IsAuthorized(ctx)
			if err != nil {
				return err
			} else if !authorized {
				return WrapAuth(ErrNotLoggedIn)
			}
			return client.Subscribe(ctx, u.handleUpdate)
		})
		if ctx.Err() != nil {
			return
		} else if IsAuthError(err) {
			go u.onAuthError(ctx, done, err)
			return
		}
		failures++
		log.Warn().Err(err).Int("failures", failures).Msg("Telegram connection lost")
		if failures >= u.bridge.Config.Bridge.MaxReconnectAttempts {
			go u.fail(ctx, done, fmt.Sprintf("Telegram connection failed %d times in a row: %v", failures, err))
			return
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// fail moves the user to the error state and tells them in their management
// room. The connection loop isn't restarted automatically. It's a no-op if
// the run that failed was stopped in the meantime.
func (u *User) fail(ctx context.Context, done chan struct{}, reason string) {
	u.loginLock.Lock()
	if ctx.Err() != nil {
		u.loginLock.Unlock()
		return
	}
	u.lastError.Store(reason)
	err := u.setStateLocked(ctx, StateError)
	room := u.record.ManagementRoom
	u.loggedIn.Clear()
	u.clientLock.Lock()
	if u.runDone == done {
		u.stopRun()
		u.stopRun, u.runDone, u.client = nil, nil, nil
	}
	u.clientLock.Unlock()
	u.loginLock.Unlock()
	if err != nil {
		u.log.Err(err).Msg("Failed to save error state")
	}
	u.log.Error().Str("reason", reason).Msg("User session failed")
	u.bridge.sendBotNotice(context.WithoutCancel(ctx), room, reason)
}

func (u *User) onAuthError(ctx context.Context, done chan struct{}, err error) {
	if delErr := u.bridge.Registry.DeleteSession(ctx, u.MXID); delErr != nil {
		u.log.Err(delErr).Msg("Failed to delete invalid session")
	}
	u.fail(ctx, done, fmt.Sprintf("Your Telegram session is no longer valid, please log in again (%v)", err))
}

func (u *User) handleUpdate(ctx context.Context, update TelegramUpdate) {
	base := update.Base()
	if base.Receiver == 0 {
		base.Receiver = u.TelegramID()
	}
	u.bridge.Router.HandleTelegramUpdate(ctx, u, update)
}

// Connect resumes the session of a user that was logged in when the bridge
// stopped.
func (u *User) Connect(ctx context.Context) {
	if !u.IsLoggedIn() {
		return
	}
	u.loggedIn.Set()
	if _, err := u.ensureClient(ctx); err != nil {
		u.log.Warn().Err(err).Msg("Telegram client didn't connect in time, it will keep trying")
	}
}

// ConnectRelay logs the relaybot in with a bot token. The relay user skips
// the interactive login states.
func (u *User) ConnectRelay(ctx context.Context, token string) error {
	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	if !u.record.IsRelay {
		u.record.IsRelay = true
	}
	client, err := u.ensureClient(ctx)
	if err != nil {
		return err
	}
	info, err := retryValue(ctx, u.bridge, "telegram_bot_sign_in", func(ctx context.Context) (*UserInfo, error) {
		if authorized, err := client.IsAuthorized(ctx); err != nil {
			return nil, err
		} else if authorized {
			return client.Self(ctx)
		}
		return client.BotSignIn(ctx, token)
	})
	if err != nil {
		return fmt.Errorf("failed to log in relaybot: %w", err)
	}
	return u.completeLoginLocked(ctx, info)
}

func (u *User) completeLoginLocked(ctx context.Context, info *UserInfo) error {
	if existing, err := u.bridge.Registry.GetUserByTelegramID(ctx, info.ID); err != nil {
		return err
	} else if existing != nil && existing.MXID != u.MXID {
		return fmt.Errorf("telegram account %d is already logged in as %s", info.ID, existing.MXID)
	}
	prevID := u.record.TelegramID
	u.record.TelegramID = info.ID
	u.record.LoginState = string(StateLoggedIn)
	if info.Phone != "" {
		u.record.Phone = info.Phone
	}
	u.lastError.Store("")
	if err := u.bridge.Registry.UpdateUser(ctx, u.record, prevID); err != nil {
		u.record.TelegramID = prevID
		return fmt.Errorf("failed to save login: %w", err)
	}
	u.telegramID.Store(info.ID)
	u.state.Store(string(StateLoggedIn))
	u.loggedIn.Set()
	u.log.Info().Int64("telegram_id", info.ID).Msg("Logged in to Telegram")

	if !u.record.IsRelay {
		go u.afterLogin(u.log.WithContext(u.bridge.ctx), u.currentClient(), info)
	}
	return nil
}

// afterLogin syncs the user's own puppet and optionally creates portals for
// recent chats.
func (u *User) afterLogin(ctx context.Context, client TelegramClient, info *UserInfo) {
	if puppet, err := u.bridge.GetPuppet(ctx, info.ID); err != nil {
		u.log.Err(err).Msg("Failed to get own puppet")
	} else if err = puppet.Sync(ctx, client, true); err != nil {
		u.log.Warn().Err(err).Msg("Failed to sync own puppet")
	}
	if u.bridge.Config.Bridge.Sync.SyncOnLogin {
		if err := u.SyncChats(ctx); err != nil {
			u.log.Err(err).Msg("Failed to sync chats after login")
		}
	}
}

// SyncChats creates portals for the most recent dialogs.
func (u *User) SyncChats(ctx context.Context) error {
	client := u.Client()
	if client == nil {
		return ErrNotLoggedIn
	}
	limit := u.bridge.Config.Bridge.Sync.DialogLimit
	dialogs, err := retryValue(ctx, u.bridge, "telegram_list_dialogs", func(ctx context.Context) ([]ChatRef, error) {
		return client.ListDialogs(ctx, limit)
	})
	if err != nil {
		return err
	}
	telegramID := u.TelegramID()
	for _, chat := range dialogs {
		if !chat.Type.IsValid() {
			continue
		}
		portal, err := u.bridge.GetOrCreatePortal(ctx, ids.MakePortalKey(chat.Type, chat.ID, telegramID))
		if err != nil {
			return err
		}
		portal.QueueCreateMatrixRoom(u)
	}
	u.log.Debug().Int("dialog_count", len(dialogs)).Msg("Queued portal creation for recent chats")
	return nil
}

// Login starts a phone number login by asking Telegram to send a code.
func (u *User) Login(ctx context.Context, phone string) error {
	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	switch u.State() {
	case StateLoggedOut, StateError, StateAwaitingCode:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLoginState, u.State())
	}
	client, err := u.ensureClient(ctx)
	if err != nil {
		return err
	}
	err = u.bridge.Retry.Do(ctx, "telegram_send_code", func(ctx context.Context) error {
		return client.SendCode(ctx, phone)
	})
	if err != nil {
		return err
	}
	u.record.Phone = phone
	return u.setStateLocked(ctx, StateAwaitingCode)
}

// SubmitCode finishes the login, or moves to the password step if the
// account has two-factor auth.
func (u *User) SubmitCode(ctx context.Context, code string) error {
	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	if u.State() != StateAwaitingCode {
		return fmt.Errorf("%w: %s", ErrInvalidLoginState, u.State())
	}
	client := u.currentClient()
	if client == nil {
		return fmt.Errorf("%w: not connected", ErrInvalidLoginState)
	}
	info, err := client.SignIn(ctx, code)
	if errors.Is(err, ErrPasswordNeeded) {
		return u.setStateLocked(ctx, StateAwaitingPassword)
	} else if err != nil {
		return err
	}
	return u.completeLoginLocked(ctx, info)
}

func (u *User) SubmitPassword(ctx context.Context, password string) error {
	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	if u.State() != StateAwaitingPassword {
		return fmt.Errorf("%w: %s", ErrInvalidLoginState, u.State())
	}
	client := u.currentClient()
	if client == nil {
		return fmt.Errorf("%w: not connected", ErrInvalidLoginState)
	}
	info, err := client.CheckPassword(ctx, password)
	if err != nil {
		return err
	}
	return u.completeLoginLocked(ctx, info)
}

// LoginQR logs in by scanning QR codes. show is called with every new login
// URL. It blocks until the code is scanned or ctx is done.
func (u *User) LoginQR(ctx context.Context, show func(ctx context.Context, url string) error) error {
	u.loginLock.Lock()
	switch u.State() {
	case StateLoggedOut, StateError:
	default:
		u.loginLock.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidLoginState, u.State())
	}
	client, err := u.ensureClient(ctx)
	if err == nil {
		err = u.setStateLocked(ctx, StateAwaitingQRScan)
	}
	u.loginLock.Unlock()
	if err != nil {
		return err
	}

	info, qrErr := client.QRLogin(ctx, show)

	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	if u.State() != StateAwaitingQRScan {
		return fmt.Errorf("%w: login was cancelled", ErrInvalidLoginState)
	}
	switch {
	case errors.Is(qrErr, ErrPasswordNeeded):
		return u.setStateLocked(ctx, StateAwaitingPassword)
	case qrErr != nil:
		return errors.Join(qrErr, u.setStateLocked(ctx, StateLoggedOut))
	default:
		return u.completeLoginLocked(ctx, info)
	}
}

// CancelLogin abandons an unfinished login.
func (u *User) CancelLogin(ctx context.Context) error {
	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	switch u.State() {
	case StateAwaitingCode, StateAwaitingPassword, StateAwaitingQRScan:
		return u.setStateLocked(ctx, StateLoggedOut)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLoginState, u.State())
	}
}

// Logout ends the Telegram session and forgets it.
func (u *User) Logout(ctx context.Context) error {
	u.loginLock.Lock()
	defer u.loginLock.Unlock()
	switch u.State() {
	case StateLoggedIn, StateError:
	default:
		return ErrNotLoggedIn
	}
	if client := u.currentClient(); client != nil && u.connected.IsSet() {
		if err := client.LogOut(ctx); err != nil {
			u.log.Warn().Err(err).Msg("Failed to log out on Telegram, forgetting session anyway")
		}
	}
	u.loggedIn.Clear()
	if err := u.stopClient(); err != nil {
		return err
	}
	if err := u.bridge.Registry.DeleteSession(ctx, u.MXID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := u.bridge.Registry.DB.User.ClearPortals(ctx, u.MXID); err != nil {
		return fmt.Errorf("failed to clear portal memberships: %w", err)
	}
	prevID := u.record.TelegramID
	u.record.TelegramID = 0
	u.record.LoginState = string(StateLoggedOut)
	u.telegramID.Store(0)
	u.state.Store(string(StateLoggedOut))
	if err := u.bridge.Registry.UpdateUser(ctx, u.record, prevID); err != nil {
		return fmt.Errorf("failed to save logout: %w", err)
	}
	u.log.Info().Int64("telegram_id", prevID).Msg("Logged out of Telegram")
	return nil
}
