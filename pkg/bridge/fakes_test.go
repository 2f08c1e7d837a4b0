package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/dedup"
	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/registry"
	"go.mau.fi/tgbridge/pkg/retry"
	"go.mau.fi/tgbridge/pkg/store"
	"go.mau.fi/tgbridge/pkg/store/storetest"
)

var errFakeTransient = WrapTransient(errors.New("temporary failure"), 0)

type sentEvent struct {
	RoomID  id.RoomID
	Sender  id.UserID
	Type    event.Type
	Content any
	TxnID   string
	EventID id.EventID
}

func (se sentEvent) Message() *event.MessageEventContent {
	content, _ := se.Content.(*event.MessageEventContent)
	return content
}

type stateEvent struct {
	RoomID  id.RoomID
	Type    event.Type
	Content any
}

type redaction struct {
	RoomID  id.RoomID
	Sender  id.UserID
	EventID id.EventID
}

type receipt struct {
	RoomID  id.RoomID
	UserID  id.UserID
	EventID id.EventID
}

type fakeMatrix struct {
	lock sync.Mutex
	bot  id.UserID

	nextID       int
	sent         []sentEvent
	txns         map[string]id.EventID
	state        []stateEvent
	redactions   []redaction
	createdRooms []*mautrix.ReqCreateRoom
	members      map[id.RoomID][]id.UserID
	invites      map[id.RoomID][]id.UserID
	displayNames map[id.UserID]string
	avatars      map[id.UserID]id.ContentURIString
	profileSets  map[id.UserID]int
	typing       map[id.UserID]time.Duration
	receipts     []receipt
	uploads      int
	media        map[id.ContentURIString][]byte

	failSends      int
	failProfileSet bool
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		bot:          "@telegrambot:example.com",
		txns:         make(map[string]id.EventID),
		members:      make(map[id.RoomID][]id.UserID),
		invites:      make(map[id.RoomID][]id.UserID),
		displayNames: make(map[id.UserID]string),
		avatars:      make(map[id.UserID]id.ContentURIString),
		profileSets:  make(map[id.UserID]int),
		typing:       make(map[id.UserID]time.Duration),
		media:        make(map[id.ContentURIString][]byte),
	}
}

func (fm *fakeMatrix) BotUserID() id.UserID {
	return fm.bot
}

func (fm *fakeMatrix) SendEvent(_ context.Context, roomID id.RoomID, asUser id.UserID, evtType event.Type, content any, txnID string, _ time.Time) (id.EventID, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	if fm.failSends > 0 {
		fm.failSends--
		return "", errFakeTransient
	}
	if txnID != "" {
		if existing, ok := fm.txns[txnID]; ok {
			return existing, nil
		}
	}
	fm.nextID++
	eventID := id.EventID(fmt.Sprintf("$event%d", fm.nextID))
	if txnID != "" {
		fm.txns[txnID] = eventID
	}
	fm.sent = append(fm.sent, sentEvent{RoomID: roomID, Sender: asUser, Type: evtType, Content: content, TxnID: txnID, EventID: eventID})
	return eventID, nil
}

func (fm *fakeMatrix) SetState(_ context.Context, roomID id.RoomID, _ id.UserID, evtType event.Type, _ string, content any) (id.EventID, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.nextID++
	fm.state = append(fm.state, stateEvent{RoomID: roomID, Type: evtType, Content: content})
	return id.EventID(fmt.Sprintf("$state%d", fm.nextID)), nil
}

func (fm *fakeMatrix) Redact(_ context.Context, roomID id.RoomID, asUser id.UserID, eventID id.EventID) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.redactions = append(fm.redactions, redaction{RoomID: roomID, Sender: asUser, EventID: eventID})
	return nil
}

func (fm *fakeMatrix) UploadMedia(_ context.Context, _ id.UserID, data []byte, _, _ string) (id.ContentURIString, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.uploads++
	uri := id.ContentURIString(fmt.Sprintf("mxc://example.com/media%d", fm.uploads))
	fm.media[uri] = data
	return uri, nil
}

func (fm *fakeMatrix) DownloadMedia(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	data, ok := fm.media[uri]
	if !ok {
		return nil, fmt.Errorf("unknown media %s", uri)
	}
	return data, nil
}

func (fm *fakeMatrix) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.createdRooms = append(fm.createdRooms, req)
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.com", len(fm.createdRooms)))
	fm.members[roomID] = []id.UserID{fm.bot}
	fm.invites[roomID] = slices.Clone(req.Invite)
	return roomID, nil
}

func (fm *fakeMatrix) Invite(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.invites[roomID] = append(fm.invites[roomID], userID)
	return nil
}

func (fm *fakeMatrix) EnsureJoined(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	if !slices.Contains(fm.members[roomID], userID) {
		fm.members[roomID] = append(fm.members[roomID], userID)
	}
	return nil
}

func (fm *fakeMatrix) Leave(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.members[roomID] = slices.DeleteFunc(fm.members[roomID], func(member id.UserID) bool {
		return member == userID
	})
	return nil
}

func (fm *fakeMatrix) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	if fm.failProfileSet {
		return errors.New("profile update failed")
	}
	fm.profileSets[userID]++
	fm.displayNames[userID] = name
	return nil
}

func (fm *fakeMatrix) SetAvatarURL(_ context.Context, userID id.UserID, uri id.ContentURIString) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	if fm.failProfileSet {
		return errors.New("profile update failed")
	}
	fm.profileSets[userID]++
	fm.avatars[userID] = uri
	return nil
}

func (fm *fakeMatrix) SetTyping(_ context.Context, _ id.RoomID, userID id.UserID, timeout time.Duration) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.typing[userID] = timeout
	return nil
}

func (fm *fakeMatrix) MarkRead(_ context.Context, roomID id.RoomID, userID id.UserID, eventID id.EventID) error {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	fm.receipts = append(fm.receipts, receipt{RoomID: roomID, UserID: userID, EventID: eventID})
	return nil
}

func (fm *fakeMatrix) GetDisplayName(_ context.Context, userID id.UserID) (string, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.displayNames[userID], nil
}

func (fm *fakeMatrix) GetJoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return slices.Clone(fm.members[roomID]), nil
}

func (fm *fakeMatrix) Listen(ctx context.Context, _ func(ctx context.Context, evt *event.Event)) error {
	<-ctx.Done()
	return nil
}

func (fm *fakeMatrix) sentEvents() []sentEvent {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return slices.Clone(fm.sent)
}

// messagesIn returns the non-notice messages sent to the room.
func (fm *fakeMatrix) messagesIn(roomID id.RoomID) []sentEvent {
	var out []sentEvent
	for _, evt := range fm.sentEvents() {
		if evt.RoomID != roomID || evt.Sender == fm.bot {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// noticesIn returns the bot's messages in the room.
func (fm *fakeMatrix) noticesIn(roomID id.RoomID) []string {
	var out []string
	for _, evt := range fm.sentEvents() {
		if evt.RoomID == roomID && evt.Sender == fm.bot {
			if msg := evt.Message(); msg != nil {
				out = append(out, msg.Body)
			}
		}
	}
	return out
}

func (fm *fakeMatrix) redactedEvents() []redaction {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return slices.Clone(fm.redactions)
}

func (fm *fakeMatrix) joinedMembers(roomID id.RoomID) []id.UserID {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return slices.Clone(fm.members[roomID])
}

func (fm *fakeMatrix) stateEvents() []stateEvent {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return slices.Clone(fm.state)
}

func (fm *fakeMatrix) roomRequests() []*mautrix.ReqCreateRoom {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return slices.Clone(fm.createdRooms)
}

func (fm *fakeMatrix) invitesTo(roomID id.RoomID) []id.UserID {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return slices.Clone(fm.invites[roomID])
}

func (fm *fakeMatrix) displayName(userID id.UserID) string {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.displayNames[userID]
}

func (fm *fakeMatrix) uploadCount() int {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.uploads
}

func (fm *fakeMatrix) profileSetCount(userID id.UserID) int {
	fm.lock.Lock()
	defer fm.lock.Unlock()
	return fm.profileSets[userID]
}

type sentTelegram struct {
	Chat ChatRef
	ID   int
	Msg  *OutgoingMessage
}

type editTelegram struct {
	Chat  ChatRef
	MsgID int
	Msg   *OutgoingMessage
}

type fakeClient struct {
	lock sync.Mutex

	self       *UserInfo
	authorized bool
	code       string
	password   string
	phone      string
	qrURLs     []string

	nextMsgID int
	sent      []sentTelegram
	randomIDs map[int64]int
	edits     []editTelegram
	deletes   [][]int
	uploads   int
	typing    []bool
	reads     []int
	loggedOut bool
	failSends int

	users        map[int64]*UserInfo
	chats        map[int64]*ChatInfo
	userInfoGets int
	media        map[string][]byte
	dialogs      []ChatRef

	runErr     error
	runs       int
	handler    func(ctx context.Context, update TelegramUpdate)
	subscribed *exsync.Event
	drop       chan error
}

func newFakeClient(self *UserInfo) *fakeClient {
	return &fakeClient{
		self:       self,
		code:       "12345",
		nextMsgID:  100,
		randomIDs:  make(map[int64]int),
		users:      make(map[int64]*UserInfo),
		chats:      make(map[int64]*ChatInfo),
		media:      make(map[string][]byte),
		subscribed: exsync.NewEvent(),
		drop:       make(chan error, 1),
	}
}

func (fc *fakeClient) SendMessage(_ context.Context, chat ChatRef, msg *OutgoingMessage) (*SentMessage, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if fc.failSends > 0 {
		fc.failSends--
		return nil, errFakeTransient
	}
	if existing, ok := fc.randomIDs[msg.RandomID]; ok {
		return &SentMessage{ID: existing, Date: time.Unix(1700000000, 0)}, nil
	}
	fc.nextMsgID++
	fc.randomIDs[msg.RandomID] = fc.nextMsgID
	fc.sent = append(fc.sent, sentTelegram{Chat: chat, ID: fc.nextMsgID, Msg: msg})
	return &SentMessage{ID: fc.nextMsgID, Date: time.Unix(1700000000, 0)}, nil
}

func (fc *fakeClient) EditMessage(_ context.Context, chat ChatRef, messageID int, msg *OutgoingMessage) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.edits = append(fc.edits, editTelegram{Chat: chat, MsgID: messageID, Msg: msg})
	return nil
}

func (fc *fakeClient) DeleteMessages(_ context.Context, _ ChatRef, messageIDs []int) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.deletes = append(fc.deletes, messageIDs)
	return nil
}

func (fc *fakeClient) UploadMedia(_ context.Context, data []byte, fileName, _ string) (TelegramFileRef, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.uploads++
	return fmt.Sprintf("upload-%d-%s", fc.uploads, fileName), nil
}

func (fc *fakeClient) DownloadMedia(_ context.Context, file *TelegramMedia) ([]byte, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	data, ok := fc.media[string(file.LocationID)]
	if !ok {
		return nil, fmt.Errorf("unknown file %s", file.LocationID)
	}
	return data, nil
}

func (fc *fakeClient) GetChatInfo(_ context.Context, chat ChatRef) (*ChatInfo, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	info, ok := fc.chats[chat.ID]
	if !ok {
		return nil, fmt.Errorf("unknown chat %d", chat.ID)
	}
	cloned := *info
	return &cloned, nil
}

func (fc *fakeClient) GetUserInfo(_ context.Context, userID int64) (*UserInfo, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.userInfoGets++
	info, ok := fc.users[userID]
	if !ok && userID == fc.self.ID {
		info, ok = fc.self, true
	}
	if !ok {
		return nil, fmt.Errorf("unknown user %d", userID)
	}
	cloned := *info
	return &cloned, nil
}

func (fc *fakeClient) SetTyping(_ context.Context, _ ChatRef, typing bool) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.typing = append(fc.typing, typing)
	return nil
}

func (fc *fakeClient) MarkRead(_ context.Context, _ ChatRef, maxID int) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.reads = append(fc.reads, maxID)
	return nil
}

func (fc *fakeClient) Run(ctx context.Context, ready func(ctx context.Context) error) error {
	fc.lock.Lock()
	fc.runs++
	runErr := fc.runErr
	fc.lock.Unlock()
	if runErr != nil {
		return runErr
	}
	return ready(ctx)
}

func (fc *fakeClient) IsAuthorized(context.Context) (bool, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.authorized, nil
}

func (fc *fakeClient) SendCode(_ context.Context, phone string) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.phone = phone
	return nil
}

func (fc *fakeClient) SignIn(_ context.Context, code string) (*UserInfo, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if code != fc.code {
		return nil, errors.New("PHONE_CODE_INVALID")
	} else if fc.password != "" {
		return nil, ErrPasswordNeeded
	}
	fc.authorized = true
	return fc.self, nil
}

func (fc *fakeClient) CheckPassword(_ context.Context, password string) (*UserInfo, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if password != fc.password {
		return nil, errors.New("PASSWORD_HASH_INVALID")
	}
	fc.authorized = true
	return fc.self, nil
}

func (fc *fakeClient) QRLogin(ctx context.Context, show func(ctx context.Context, url string) error) (*UserInfo, error) {
	url := "tg://login?token=dGVzdA"
	if err := show(ctx, url); err != nil {
		return nil, err
	}
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.qrURLs = append(fc.qrURLs, url)
	fc.authorized = true
	return fc.self, nil
}

func (fc *fakeClient) BotSignIn(context.Context, string) (*UserInfo, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.authorized = true
	return fc.self, nil
}

func (fc *fakeClient) Self(context.Context) (*UserInfo, error) {
	return fc.self, nil
}

func (fc *fakeClient) Subscribe(ctx context.Context, handler func(ctx context.Context, update TelegramUpdate)) error {
	fc.lock.Lock()
	fc.handler = handler
	fc.lock.Unlock()
	fc.subscribed.Set()
	defer fc.subscribed.Clear()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fc.drop:
		return err
	}
}

// setAuthorized changes what IsAuthorized reports on the next connection.
func (fc *fakeClient) setAuthorized(authorized bool) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.authorized = authorized
}

func (fc *fakeClient) addChat(chatID int64, info *ChatInfo) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.chats[chatID] = info
}

func (fc *fakeClient) addMedia(locationID string, data []byte) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.media[locationID] = data
}

func (fc *fakeClient) addUser(info *UserInfo) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.users[info.ID] = info
}

func (fc *fakeClient) LogOut(context.Context) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.loggedOut = true
	fc.authorized = false
	return nil
}

func (fc *fakeClient) ListDialogs(context.Context, int) ([]ChatRef, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return slices.Clone(fc.dialogs), nil
}

func (fc *fakeClient) sentMessages() []sentTelegram {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return slices.Clone(fc.sent)
}

func (fc *fakeClient) editedMessages() []editTelegram {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return slices.Clone(fc.edits)
}

func (fc *fakeClient) deletedMessages() [][]int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return slices.Clone(fc.deletes)
}

// fakeConnector hands out one fake client per session, created on first use
// from the configured accounts.
type fakeConnector struct {
	lock     sync.Mutex
	accounts map[string]*UserInfo
	clients  map[string]*fakeClient
	setup    func(fc *fakeClient)
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		accounts: make(map[string]*UserInfo),
		clients:  make(map[string]*fakeClient),
	}
}

func (fc *fakeConnector) NewClient(sessionID string) TelegramClient {
	return fc.client(sessionID)
}

func (fc *fakeConnector) client(sessionID string) *fakeClient {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	client, ok := fc.clients[sessionID]
	if !ok {
		self := fc.accounts[sessionID]
		if self == nil {
			self = &UserInfo{ID: 999, FirstName: "Unknown"}
		}
		client = newFakeClient(self)
		if fc.setup != nil {
			fc.setup(client)
		}
		fc.clients[sessionID] = client
	}
	return client
}

const (
	aliceMXID = id.UserID("@alice:example.com")
	aliceTGID = int64(111)
	bobMXID   = id.UserID("@bob:example.com")
	bobTGID   = int64(222)
	carolMXID = id.UserID("@carol:example.com")
	adminMXID = id.UserID("@admin:example.com")
	relayTGID = int64(5000)
)

type testEnv struct {
	t      *testing.T
	db     *store.Container
	ctx    context.Context
	br     *Bridge
	mx     *fakeMatrix
	tg     *fakeConnector
	config *Config
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Homeserver.Address = "https://matrix.example.com"
	cfg.Homeserver.Domain = "example.com"
	cfg.AppService.ASToken = "as"
	cfg.AppService.HSToken = "hs"
	cfg.Telegram.APIID = 12345
	cfg.Telegram.APIHash = "0123456789abcdef"
	cfg.Telegram.BotToken = "5000:bot-token"
	cfg.Bridge.Retry = retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		CallTimeout:     5 * time.Second,
	}
	cfg.Bridge.MaxReconnectAttempts = 3
	cfg.Bridge.Sync.MetadataInterval = 0
	cfg.Bridge.Permissions = map[string]PermissionLevel{
		"*":               PermissionRelay,
		"example.com":     PermissionUser,
		string(adminMXID): PermissionAdmin,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(cfg *Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	for _, fn := range mutate {
		fn(cfg)
	}
	require.NoError(t, cfg.Validate())
	mx := newFakeMatrix()
	tg := newFakeConnector()
	tg.accounts[aliceMXID.String()] = &UserInfo{ID: aliceTGID, FirstName: "Alice", Phone: "15550001"}
	tg.accounts[bobMXID.String()] = &UserInfo{ID: bobTGID, FirstName: "Bob", Phone: "15550002"}
	tg.accounts[mx.bot.String()] = &UserInfo{ID: relayTGID, FirstName: "Relay", IsBot: true}
	db := storetest.New(t)
	reg := registry.New(db, zerolog.Nop())
	br, err := New(cfg, zerolog.Nop(), reg, mx, tg, newTestDedup())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, br.Start(ctx))
	t.Cleanup(func() {
		_ = br.Stop()
	})
	return &testEnv{t: t, db: db, ctx: ctx, br: br, mx: mx, tg: tg, config: cfg}
}

func newTestDedup() dedup.Set {
	return dedup.NewMemory(4096, time.Minute)
}

// login runs the phone login flow for the user and waits for the update
// subscription to start.
func (env *testEnv) login(mxid id.UserID) (*User, *fakeClient) {
	env.t.Helper()
	user, err := env.br.GetUser(env.ctx, mxid, true)
	require.NoError(env.t, err)
	require.NoError(env.t, user.Login(env.ctx, "+1555"))
	require.NoError(env.t, user.SubmitCode(env.ctx, "12345"))
	require.Equal(env.t, StateLoggedIn, user.State())
	client := env.tg.client(mxid.String())
	env.waitSubscribed(client)
	return user, client
}

func (env *testEnv) waitSubscribed(client *fakeClient) {
	env.t.Helper()
	ctx, cancel := context.WithTimeout(env.ctx, 5*time.Second)
	defer cancel()
	require.NoError(env.t, client.subscribed.Wait(ctx))
}

// push delivers a Telegram update as if it came from the user's session
// and waits for the portal to handle it.
func (env *testEnv) push(user *User, update TelegramUpdate) {
	env.t.Helper()
	user.handleUpdate(env.ctx, update)
	env.flushAll()
}

func (env *testEnv) flushAll() {
	env.t.Helper()
	env.br.portalsLock.Lock()
	portals := make([]*Portal, 0, len(env.br.portals))
	for _, portal := range env.br.portals {
		portals = append(portals, portal)
	}
	env.br.portalsLock.Unlock()
	ctx, cancel := context.WithTimeout(env.ctx, 5*time.Second)
	defer cancel()
	for _, portal := range portals {
		require.NoError(env.t, portal.flush(ctx))
	}
}

func (env *testEnv) portal(key ids.PortalKey) *Portal {
	env.t.Helper()
	portal, err := env.br.GetPortal(env.ctx, key)
	require.NoError(env.t, err)
	require.NotNil(env.t, portal)
	return portal
}

// matrixEvent routes a raw Matrix event and waits for it to be handled.
func (env *testEnv) matrixEvent(evt *event.Event) {
	env.t.Helper()
	env.br.Router.HandleMatrixEvent(env.ctx, evt)
	env.flushAll()
}

var eventCounter int

func textEvent(roomID id.RoomID, sender id.UserID, body string) *event.Event {
	eventCounter++
	return &event.Event{
		Type:      event.EventMessage,
		RoomID:    roomID,
		Sender:    sender,
		ID:        id.EventID(fmt.Sprintf("$mx%d", eventCounter)),
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func groupMessage(chatID, senderID int64, msgID int, text string) *TelegramNewMessage {
	return &TelegramNewMessage{
		TelegramUpdateBase: TelegramUpdateBase{Chat: ChatRef{ID: chatID, Type: ids.ChatTypeGroup}},
		Message: &TelegramMessage{
			ID:       msgID,
			SenderID: senderID,
			Date:     time.Unix(1700000000, 0),
			Text:     text,
		},
	}
}
