package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/registry"
)

func TestPhoneLogin(t *testing.T) {
	env := newTestEnv(t)
	user, err := env.br.GetUser(env.ctx, aliceMXID, true)
	require.NoError(t, err)
	assert.Equal(t, StateLoggedOut, user.State())
	assert.Nil(t, user.Client())

	require.NoError(t, user.Login(env.ctx, "+15550001"))
	assert.Equal(t, StateAwaitingCode, user.State())
	client := env.tg.client(aliceMXID.String())
	assert.Equal(t, "+15550001", client.phone)

	assert.Error(t, user.SubmitCode(env.ctx, "00000"))
	assert.Equal(t, StateAwaitingCode, user.State(), "a wrong code can be retried")

	require.NoError(t, user.SubmitCode(env.ctx, "12345"))
	assert.Equal(t, StateLoggedIn, user.State())
	assert.Equal(t, aliceTGID, user.TelegramID())
	assert.NotNil(t, user.Client())
	env.waitSubscribed(client)

	byTelegram, err := env.br.GetUserByTelegramID(env.ctx, aliceTGID)
	require.NoError(t, err)
	assert.Same(t, user, byTelegram)
}

func TestPasswordLogin(t *testing.T) {
	env := newTestEnv(t)
	env.tg.setup = func(fc *fakeClient) {
		fc.password = "hunter2"
	}
	user, err := env.br.GetUser(env.ctx, aliceMXID, true)
	require.NoError(t, err)
	require.NoError(t, user.Login(env.ctx, "+15550001"))
	require.NoError(t, user.SubmitCode(env.ctx, "12345"))
	assert.Equal(t, StateAwaitingPassword, user.State())

	assert.Error(t, user.SubmitPassword(env.ctx, "wrong"))
	assert.Equal(t, StateAwaitingPassword, user.State())
	require.NoError(t, user.SubmitPassword(env.ctx, "hunter2"))
	assert.Equal(t, StateLoggedIn, user.State())
}

func TestQRLogin(t *testing.T) {
	env := newTestEnv(t)
	user, err := env.br.GetUser(env.ctx, aliceMXID, true)
	require.NoError(t, err)
	var shown []string
	err = user.LoginQR(env.ctx, func(ctx context.Context, url string) error {
		assert.Equal(t, StateAwaitingQRScan, user.State())
		shown = append(shown, url)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tg://login?token=dGVzdA"}, shown)
	assert.Equal(t, StateLoggedIn, user.State())
}

func TestQRLoginFailureResetsState(t *testing.T) {
	env := newTestEnv(t)
	user, err := env.br.GetUser(env.ctx, aliceMXID, true)
	require.NoError(t, err)
	errShow := errors.New("couldn't display QR code")
	err = user.LoginQR(env.ctx, func(ctx context.Context, url string) error {
		return errShow
	})
	assert.ErrorIs(t, err, errShow)
	assert.Equal(t, StateLoggedOut, user.State())
}

func TestInvalidLoginTransitions(t *testing.T) {
	env := newTestEnv(t)
	user, err := env.br.GetUser(env.ctx, aliceMXID, true)
	require.NoError(t, err)

	assert.ErrorIs(t, user.SubmitCode(env.ctx, "12345"), ErrInvalidLoginState)
	assert.ErrorIs(t, user.SubmitPassword(env.ctx, "pw"), ErrInvalidLoginState)
	assert.ErrorIs(t, user.CancelLogin(env.ctx), ErrInvalidLoginState)
	assert.ErrorIs(t, user.Logout(env.ctx), ErrNotLoggedIn)
	assert.Equal(t, StateLoggedOut, user.State())

	require.NoError(t, user.Login(env.ctx, "+15550001"))
	assert.ErrorIs(t, user.SubmitPassword(env.ctx, "pw"), ErrInvalidLoginState)
	assert.ErrorIs(t, user.LoginQR(env.ctx, nil), ErrInvalidLoginState)
	require.NoError(t, user.CancelLogin(env.ctx))
	assert.Equal(t, StateLoggedOut, user.State())

	require.NoError(t, user.Login(env.ctx, "+15550001"))
	require.NoError(t, user.SubmitCode(env.ctx, "12345"))
	assert.ErrorIs(t, user.Login(env.ctx, "+15550001"), ErrInvalidLoginState)
	assert.ErrorIs(t, user.CancelLogin(env.ctx), ErrInvalidLoginState)
}

func TestLoginConflict(t *testing.T) {
	env := newTestEnv(t)
	env.tg.accounts[carolMXID.String()] = &UserInfo{ID: aliceTGID, FirstName: "Alice"}
	env.login(aliceMXID)

	carol, err := env.br.GetUser(env.ctx, carolMXID, true)
	require.NoError(t, err)
	require.NoError(t, carol.Login(env.ctx, "+15550001"))
	err = carol.SubmitCode(env.ctx, "12345")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already logged in")
	assert.NotEqual(t, StateLoggedIn, carol.State())
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	env.setupGroup(alice, client)

	require.NoError(t, alice.Logout(env.ctx))
	assert.Equal(t, StateLoggedOut, alice.State())
	assert.Zero(t, alice.TelegramID())
	assert.Nil(t, alice.Client())
	client.lock.Lock()
	assert.True(t, client.loggedOut)
	client.lock.Unlock()

	portals, err := env.br.Registry.GetUserPortals(env.ctx, aliceMXID)
	require.NoError(t, err)
	assert.Empty(t, portals)
	byTelegram, err := env.br.Registry.GetUserByTelegramID(env.ctx, aliceTGID)
	require.NoError(t, err)
	assert.Nil(t, byTelegram)

	// Logging in again works after a logout.
	env.login(aliceMXID)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Bridge.Retry.CallTimeout = 200 * time.Millisecond
	})
	errRefused := errors.New("connection refused")
	env.tg.setup = func(fc *fakeClient) {
		fc.runErr = errRefused
	}
	user, err := env.br.GetUser(env.ctx, aliceMXID, true)
	require.NoError(t, err)

	err = user.Login(env.ctx, "+15550001")
	require.Error(t, err)
	var transient *TransientError
	assert.ErrorAs(t, err, &transient)
	require.Eventually(t, func() bool {
		return user.State() == StateError
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, user.LastError(), "failed 3 times")
	client := env.tg.client(aliceMXID.String())
	client.lock.Lock()
	assert.Equal(t, 3, client.runs)
	client.runErr = nil
	client.lock.Unlock()

	// A new login attempt reconnects from the error state.
	require.NoError(t, user.Login(env.ctx, "+15550001"))
	require.NoError(t, user.SubmitCode(env.ctx, "12345"))
	assert.Equal(t, StateLoggedIn, user.State())
}

func TestRevokedSessionMovesToError(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	const mgmtRoom = id.RoomID("!management:example.com")
	require.NoError(t, alice.SetManagementRoom(env.ctx, mgmtRoom))
	require.NoError(t, env.br.Registry.SaveSession(env.ctx, aliceMXID, []byte("session")))

	client.setAuthorized(false)
	client.drop <- errors.New("connection reset")
	require.Eventually(t, func() bool {
		return alice.State() == StateError
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, alice.LastError(), "no longer valid")
	assert.Nil(t, alice.Client())
	require.Eventually(t, func() bool {
		return len(env.mx.noticesIn(mgmtRoom)) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, env.mx.noticesIn(mgmtRoom)[0], "log in again")

	hasSession, err := env.db.GetSessionStore(aliceMXID.String()).HasSession(env.ctx)
	require.NoError(t, err)
	assert.False(t, hasSession)
}

func TestSessionSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	env.login(aliceMXID)
	bob, err := env.br.GetUser(env.ctx, bobMXID, true)
	require.NoError(t, err)
	require.NoError(t, bob.Login(env.ctx, "+15550002"))
	require.NoError(t, env.br.Stop())

	mx := newFakeMatrix()
	tg := newFakeConnector()
	tg.accounts[aliceMXID.String()] = &UserInfo{ID: aliceTGID, FirstName: "Alice"}
	tg.accounts[mx.bot.String()] = &UserInfo{ID: relayTGID, FirstName: "Relay", IsBot: true}
	tg.setup = func(fc *fakeClient) {
		fc.authorized = true
	}
	br, err := New(env.config, zerolog.Nop(), registry.New(env.db, zerolog.Nop()), mx, tg, newTestDedup())
	require.NoError(t, err)
	require.NoError(t, br.Start(env.ctx))
	t.Cleanup(func() {
		_ = br.Stop()
	})

	alice, err := br.GetUser(env.ctx, aliceMXID, false)
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, StateLoggedIn, alice.State())
	assert.Equal(t, aliceTGID, alice.TelegramID())
	ctx, cancel := context.WithTimeout(env.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, tg.client(aliceMXID.String()).subscribed.Wait(ctx))

	bob, err = br.GetUser(env.ctx, bobMXID, false)
	require.NoError(t, err)
	assert.Equal(t, StateLoggedOut, bob.State(), "unfinished logins are reset on startup")
}

func TestSyncChats(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	client.addChat(groupID, &ChatInfo{Title: "Test group", Members: []int64{aliceTGID, carolTGID}})
	client.addUser(&UserInfo{ID: carolTGID, FirstName: "Carol"})
	client.lock.Lock()
	client.dialogs = []ChatRef{groupChat(), {ID: 1, Type: "bogus"}}
	client.lock.Unlock()

	require.NoError(t, alice.SyncChats(env.ctx))
	env.flushAll()
	portal := env.portal(groupKey)
	assert.NotEmpty(t, portal.MXID)
	assert.Len(t, env.mx.roomRequests(), 1)

	// Syncing again doesn't create another room.
	require.NoError(t, alice.SyncChats(env.ctx))
	env.flushAll()
	assert.Len(t, env.mx.roomRequests(), 1)
}

func TestCreatePortalWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	portal, err := env.br.GetOrCreatePortal(env.ctx, ids.MakePortalKey(ids.ChatTypeGroup, 999, 0))
	require.NoError(t, err)
	_, err = portal.CreateMatrixRoom(env.ctx, nil)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Empty(t, env.mx.roomRequests())
}
