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

// Package provisioning serves the HTTP API integration managers use to log
// users in and open chats without talking to the bridge bot.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/ids"
)

const maxBodySize = 64 * 1024

type contextKey int

const userContextKey contextKey = iota

type response struct {
	Username id.UserID `json:"username,omitempty"`
	State    string    `json:"state,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	ErrCode  string    `json:"errcode,omitempty"`
}

func (r response) WithState(state string) response {
	r.State = state
	return r
}

func (r response) WithMessage(message string) response {
	r.Message = message
	return r
}

func (r response) WithError(errCode, error string) response {
	r.ErrCode = errCode
	r.Error = error
	return r
}

type whoamiResponse struct {
	MXID           id.UserID         `json:"mxid"`
	Permission     string            `json:"permission"`
	State          bridge.LoginState `json:"state"`
	LastError      string            `json:"last_error,omitempty"`
	TelegramID     int64             `json:"telegram_id,omitempty"`
	ManagementRoom id.RoomID         `json:"management_room,omitempty"`
}

type portalInfo struct {
	Type     ids.ChatType `json:"type"`
	ChatID   int64        `json:"chat_id"`
	Receiver int64        `json:"receiver,omitempty"`
	RoomID   id.RoomID    `json:"room_id,omitempty"`
}

type createPortalResponse struct {
	RoomID      id.RoomID `json:"room_id"`
	JustCreated bool      `json:"just_created"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	Subprotocols: []string{"net.maunium.telegram.login"},
}

type API struct {
	br     *bridge.Bridge
	cfg    bridge.ProvisioningConfig
	log    zerolog.Logger
	Router *mux.Router
}

func New(br *bridge.Bridge, log zerolog.Logger) *API {
	api := &API{
		br:     br,
		cfg:    br.Config.Provisioning,
		log:    log,
		Router: mux.NewRouter(),
	}
	prefix := strings.TrimSuffix(api.cfg.Prefix, "/")
	r := api.Router.PathPrefix(prefix + "/v1").Subrouter()
	r.Use(hlog.NewHandler(log), hlog.AccessHandler(logRequest), api.authMiddleware)
	r.HandleFunc("/whoami", api.whoami).Methods(http.MethodGet)
	r.HandleFunc("/login/request_code", api.loginRequestCode).Methods(http.MethodPost)
	r.HandleFunc("/login/send_code", api.loginSendCode).Methods(http.MethodPost)
	r.HandleFunc("/login/send_password", api.loginSendPassword).Methods(http.MethodPost)
	r.HandleFunc("/login/qr", api.loginQR).Methods(http.MethodGet)
	r.HandleFunc("/login/cancel", api.loginCancel).Methods(http.MethodPost)
	r.HandleFunc("/logout", api.logout).Methods(http.MethodPost)
	r.HandleFunc("/sync", api.sync).Methods(http.MethodPost)
	r.HandleFunc("/portals", api.listPortals).Methods(http.MethodGet)
	r.HandleFunc("/portals/{type}/{id}", api.createPortal).Methods(http.MethodPost)
	return api
}

func (api *API) Handler() http.Handler {
	return api.Router
}

// Run serves the API until ctx is done.
func (api *API) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              api.cfg.Listen,
		Handler:           api.Router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		api.log.Info().Str("address", api.cfg.Listen).Msg("Starting provisioning API")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func logRequest(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("Provisioning request")
}

func (api *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// Browsers can't set headers on websocket requests.
			token = r.URL.Query().Get("access_token")
		}
		if api.cfg.SharedSecret == "" || token != api.cfg.SharedSecret {
			exhttp.WriteJSONResponse(w, http.StatusForbidden, response{}.WithError(mautrix.MUnknownToken.ErrCode, "Invalid auth token"))
			return
		}
		userID := id.UserID(r.URL.Query().Get("user_id"))
		if userID == "" {
			exhttp.WriteJSONResponse(w, http.StatusBadRequest, response{}.WithError("M_MISSING_PARAM", "Missing user_id query parameter"))
			return
		} else if _, _, err := userID.Parse(); err != nil {
			exhttp.WriteJSONResponse(w, http.StatusBadRequest, response{}.WithError(mautrix.MInvalidParam.ErrCode, "Invalid user_id"))
			return
		} else if !api.br.Config.Bridge.Permission(userID).AtLeast(bridge.PermissionUser) {
			exhttp.WriteJSONResponse(w, http.StatusForbidden, response{Username: userID}.WithError(mautrix.MForbidden.ErrCode, "You are not whitelisted to use the bridge"))
			return
		}
		user, err := api.br.GetUser(r.Context(), userID, true)
		if err != nil {
			hlog.FromRequest(r).Err(err).Msg("Failed to get user")
			exhttp.WriteJSONResponse(w, http.StatusInternalServerError, response{Username: userID}.WithError(mautrix.MUnknown.ErrCode, "Failed to load user"))
			return
		}
		log := hlog.FromRequest(r).With().Stringer("user_id", userID).Logger()
		ctx := context.WithValue(log.WithContext(r.Context()), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getUser(r *http.Request) *bridge.User {
	return r.Context().Value(userContextKey).(*bridge.User)
}

// readField returns a required string field of the JSON request body.
func readField(r *http.Request, field string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return "", err
	} else if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("request body is not valid JSON")
	}
	return gjson.GetBytes(data, field).String(), nil
}

// errorResponse maps bridge errors to an HTTP status and error code.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, bridge.ErrInvalidLoginState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, bridge.ErrNotLoggedIn):
		return http.StatusForbidden, "not_logged_in"
	case errors.Is(err, bridge.ErrNoSession):
		return http.StatusForbidden, "no_session"
	case errors.Is(err, bridge.ErrMappingNotFound):
		return http.StatusNotFound, mautrix.MNotFound.ErrCode
	case bridge.IsAuthError(err):
		return http.StatusUnauthorized, "session_invalid"
	case errors.As(err, new(*bridge.TransientError)):
		return http.StatusServiceUnavailable, "try_again"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadRequest, mautrix.MUnknown.ErrCode
	}
}

func writeError(w http.ResponseWriter, resp response, err error) {
	status, errCode := errorResponse(err)
	exhttp.WriteJSONResponse(w, status, resp.WithError(errCode, err.Error()))
}

func (api *API) whoami(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	exhttp.WriteJSONResponse(w, http.StatusOK, &whoamiResponse{
		MXID:           user.MXID,
		Permission:     string(api.br.Config.Bridge.Permission(user.MXID)),
		State:          user.State(),
		LastError:      user.LastError(),
		TelegramID:     user.TelegramID(),
		ManagementRoom: user.ManagementRoom(),
	})
}

func (api *API) loginRequestCode(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	resp := response{Username: user.MXID, State: "request"}
	phone, err := readField(r, "phone")
	if err != nil {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, resp.WithError("request_body_invalid", "Request body is invalid"))
	} else if phone == "" {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, resp.WithError("phone_missing", "Phone number missing"))
	} else if err = user.Login(r.Context(), phone); err != nil {
		writeError(w, resp, err)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp.
			WithState("code").
			WithMessage("Code requested successfully. Check your SMS or Telegram app and enter the code below."),
		)
	}
}

func (api *API) loginSendCode(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	resp := response{Username: user.MXID, State: "code"}
	code, err := readField(r, "code")
	if err != nil {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, resp.WithError("request_body_invalid", "Request body is invalid"))
	} else if code == "" {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, resp.WithError("phone_code_missing", "You must provide the code from your phone."))
	} else if err = user.SubmitCode(r.Context(), code); err != nil {
		writeError(w, resp, err)
	} else if user.State() == bridge.StateAwaitingPassword {
		exhttp.WriteJSONResponse(w, http.StatusAccepted, resp.
			WithState("password").
			WithMessage("Code accepted, but you have 2-factor authentication enabled. Please enter your password."),
		)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp.WithState("logged-in"))
	}
}

func (api *API) loginSendPassword(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	resp := response{Username: user.MXID, State: "password"}
	password, err := readField(r, "password")
	if err != nil {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, resp.WithError("request_body_invalid", "Request body is invalid"))
	} else if password == "" {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, resp.WithError("password_missing", "You must provide your password."))
	} else if err = user.SubmitPassword(r.Context(), password); err != nil {
		writeError(w, resp, err)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp.WithState("logged-in"))
	}
}

func (api *API) loginQR(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	log := zerolog.Ctx(r.Context()).With().Str("prov_method", "qr_login").Logger()
	if state := user.State(); state != bridge.StateLoggedOut && state != bridge.StateError {
		exhttp.WriteJSONResponse(w, http.StatusConflict, response{Username: user.MXID}.WithError("invalid_state", fmt.Sprintf("Can't start a QR login in state %s", state)))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Err(err).Msg("Failed to upgrade connection to websocket")
		return
	}
	defer func() {
		err := ws.Close()
		if err != nil {
			log.Debug().Err(err).Msg("Error closing websocket")
		}
	}()

	ctx, cancel := context.WithCancel(log.WithContext(context.Background()))
	defer cancel()
	ws.SetCloseHandler(func(code int, text string) error {
		log.Debug().Int("close_code", code).Msg("Login websocket closed, cancelling login")
		cancel()
		return nil
	})
	go func() {
		// Read everything so SetCloseHandler() works
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = user.LoginQR(ctx, func(ctx context.Context, url string) error {
		return ws.WriteJSON(map[string]any{"code": url})
	})
	switch {
	case err != nil:
		_, errCode := errorResponse(err)
		_ = ws.WriteJSON(map[string]any{
			"success": false,
			"error":   errCode,
			"message": fmt.Sprintf("Failed to login using QR code: %s", err),
		})
	case user.State() == bridge.StateAwaitingPassword:
		_ = ws.WriteJSON(map[string]any{"success": false, "error": "password-needed"})
	default:
		_ = ws.WriteJSON(map[string]any{"success": true})
	}
}

func (api *API) loginCancel(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	resp := response{Username: user.MXID}
	if err := user.CancelLogin(r.Context()); err != nil {
		writeError(w, resp, err)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp.WithState(string(bridge.StateLoggedOut)))
	}
}

func (api *API) logout(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	resp := response{Username: user.MXID}
	if err := user.Logout(r.Context()); errors.Is(err, bridge.ErrNotLoggedIn) {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp.WithError("not logged in", "You're not logged in"))
	} else if err != nil {
		writeError(w, resp, err)
	} else {
		exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
	}
}

func (api *API) sync(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	if err := user.SyncChats(r.Context()); err != nil {
		writeError(w, response{Username: user.MXID}, err)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusAccepted, response{Username: user.MXID}.WithMessage("Chat sync queued"))
	}
}

func (api *API) listPortals(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	keys, err := api.br.Registry.GetUserPortals(r.Context(), user.MXID)
	if err != nil {
		zerolog.Ctx(r.Context()).Err(err).Msg("Failed to list portals")
		exhttp.WriteJSONResponse(w, http.StatusInternalServerError, response{Username: user.MXID}.WithError(mautrix.MUnknown.ErrCode, "Failed to list portals"))
		return
	}
	portals := make([]portalInfo, 0, len(keys))
	for _, key := range keys {
		info := portalInfo{Type: key.ChatType, ChatID: key.ChatID, Receiver: key.Receiver}
		if roomID, err := api.br.Registry.GetPortalMXID(r.Context(), key); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Stringer("portal_key", key).Msg("Failed to get portal room")
		} else {
			info.RoomID = roomID
		}
		portals = append(portals, info)
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, portals)
}

func parsePortalKey(vars map[string]string, receiver int64) (ids.PortalKey, error) {
	chatType, err := ids.ParseChatType(vars["type"])
	if err != nil {
		return ids.PortalKey{}, err
	}
	chatID, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil || chatID <= 0 {
		return ids.PortalKey{}, fmt.Errorf("invalid chat ID %q", vars["id"])
	}
	return ids.MakePortalKey(chatType, chatID, receiver), nil
}

func (api *API) createPortal(w http.ResponseWriter, r *http.Request) {
	user := getUser(r)
	resp := response{Username: user.MXID}
	if !user.IsLoggedIn() {
		writeError(w, resp, bridge.ErrNotLoggedIn)
		return
	}
	key, err := parsePortalKey(mux.Vars(r), user.TelegramID())
	if err != nil {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, resp.WithError(mautrix.MInvalidParam.ErrCode, err.Error()))
		return
	}
	portal, err := api.br.GetOrCreatePortal(r.Context(), key)
	if err != nil {
		writeError(w, resp, err)
		return
	}
	prevRoomID, err := api.br.Registry.GetPortalMXID(r.Context(), key)
	if err != nil {
		writeError(w, resp, err)
		return
	}
	roomID, err := portal.CreateMatrixRoom(r.Context(), user)
	if err != nil {
		writeError(w, resp, err)
		return
	}
	justCreated := prevRoomID != roomID
	status := http.StatusCreated
	if !justCreated {
		status = http.StatusOK
	}
	exhttp.WriteJSONResponse(w, status, &createPortalResponse{RoomID: roomID, JustCreated: justCreated})
}
