package apis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/stormgate/auth"
	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestReqRegister register request body
type APIRestReqRegister struct {
	UserID      string `json:"user_id" validate:"required,max=64"`
	Password    string `json:"password" validate:"required,min=1,max=256"`
	DisplayName string `json:"display_name" validate:"max=128"`
}

// APIRestReqLogin login request body
type APIRestReqLogin struct {
	UserID   string `json:"user_id" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// APIRestReqRefresh refresh request body, for clients not using cookies
type APIRestReqRefresh struct {
	RefreshToken string `json:"refresh_token"`
}

// APIRestRespUser response carrying one user
type APIRestRespUser struct {
	goutils.RestAPIBaseResponse
	User storage.User `json:"user"`
}

// APIRestRespUsers response carrying a list of users
type APIRestRespUsers struct {
	goutils.RestAPIBaseResponse
	Users []storage.User `json:"users"`
}

// APIRestRespSession response to a login or refresh
type APIRestRespSession struct {
	goutils.RestAPIBaseResponse
	User        storage.User `json:"user"`
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// setSessionCookies attach the session tokens as cookies
func (h APIRestGatewayHandler) setSessionCookies(w http.ResponseWriter, session auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    session.AccessToken,
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   int(h.accessTTL.Seconds()),
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    session.RefreshToken,
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   int(h.refreshTTL.Seconds()),
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookies expire the session cookies
func (h APIRestGatewayHandler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   h.cookies.Domain,
			MaxAge:   -1,
			Secure:   h.cookies.Secure,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// sessionResponse send a new session as cookies and body
func (h APIRestGatewayHandler) sessionResponse(
	w http.ResponseWriter, r *http.Request, session auth.Session,
) (int, interface{}) {
	user, err := h.Authenticator.Profile(r.Context(), session.UserID)
	if err != nil {
		return h.errorReply(r, err, "Unable to read session user")
	}
	h.setSessionCookies(w, session)
	return http.StatusOK, APIRestRespSession{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		User:                user,
		AccessToken:         session.AccessToken,
		ExpiresAt:           session.AccessExpiresAt,
	}
}

// =======================================================================
// Accounts

// -----------------------------------------------------------------------

// Register godoc
// @Summary Register a user
// @Description Create a user account
// @tags Auth
// @Accept json
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param account body APIRestReqRegister true "New account"
// @Success 201 {object} APIRestRespUser "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /auth/register [post]
func (h APIRestGatewayHandler) Register(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqRegister
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidPayload), "Unable to parse request",
		)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidPayload), "Invalid account parameters",
		)
		return
	}

	user, err := h.Authenticator.Register(r.Context(), params.UserID, params.Password, params.DisplayName)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to register user")
		return
	}
	respCode = http.StatusCreated
	respBody = APIRestRespUser{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), User: user,
	}
}

// RegisterHandler Wrapper around Register
func (h APIRestGatewayHandler) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Register(w, r)
	}
}

// -----------------------------------------------------------------------

// Login godoc
// @Summary Log in
// @Description Start a session. Tokens are returned as cookies; the access token is also in the body.
// @tags Auth
// @Accept json
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param credential body APIRestReqLogin true "Credential"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /auth/login [post]
func (h APIRestGatewayHandler) Login(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqLogin
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidPayload), "Unable to parse request",
		)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("%s: %w", err.Error(), common.ErrInvalidPayload), "Invalid credential",
		)
		return
	}

	session, err := h.Authenticator.Login(r.Context(), params.UserID, params.Password)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Login failed")
		return
	}
	respCode, respBody = h.sessionResponse(w, r, session)
}

// LoginHandler Wrapper around Login
func (h APIRestGatewayHandler) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Login(w, r)
	}
}

// -----------------------------------------------------------------------

// Refresh godoc
// @Summary Refresh a session
// @Description Exchange a refresh token, from cookie or body, for a new session
// @tags Auth
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /auth/refresh [post]
func (h APIRestGatewayHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	refreshToken := ""
	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil {
		refreshToken = cookie.Value
	}
	if refreshToken == "" && r.ContentLength != 0 {
		var params APIRestReqRefresh
		if err := json.NewDecoder(r.Body).Decode(&params); err == nil {
			refreshToken = params.RefreshToken
		}
	}
	if refreshToken == "" {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("no refresh token: %w", common.ErrUnauthorized), "Refresh failed",
		)
		return
	}

	session, err := h.Authenticator.Refresh(r.Context(), refreshToken)
	if err != nil {
		h.clearSessionCookies(w)
		respCode, respBody = h.errorReply(r, err, "Refresh failed")
		return
	}
	respCode, respBody = h.sessionResponse(w, r, session)
}

// RefreshHandler Wrapper around Refresh
func (h APIRestGatewayHandler) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Refresh(w, r)
	}
}

// -----------------------------------------------------------------------

// Logout godoc
// @Summary Log out
// @Description Revoke the caller's session tokens and clear the session cookies
// @tags Auth
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /auth/logout [post]
func (h APIRestGatewayHandler) Logout(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	refreshToken := ""
	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil {
		refreshToken = cookie.Value
	}
	if err := h.Authenticator.Logout(r.Context(), requestToken(r), refreshToken); err != nil {
		respCode, respBody = h.errorReply(r, err, "Logout failed")
		return
	}
	h.clearSessionCookies(w)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// LogoutHandler Wrapper around Logout
func (h APIRestGatewayHandler) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Logout(w, r)
	}
}

// -----------------------------------------------------------------------

// Profile godoc
// @Summary Current user
// @Description Fetch the user the caller is authenticated as
// @tags Auth
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespUser "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /auth/me [get]
func (h APIRestGatewayHandler) Profile(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, err := h.authenticate(r)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	if userID == AnonymousUser {
		respCode = http.StatusOK
		respBody = APIRestRespUser{
			RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			User:                storage.User{ID: AnonymousUser, DisplayName: AnonymousUser},
		}
		return
	}
	user, err := h.Authenticator.Profile(r.Context(), userID)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to read user")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespUser{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), User: user,
	}
}

// ProfileHandler Wrapper around Profile
func (h APIRestGatewayHandler) ProfileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Profile(w, r)
	}
}

// =======================================================================
// Users

// -----------------------------------------------------------------------

// ListUsers godoc
// @Summary List users
// @tags Users
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespUsers "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /users [get]
func (h APIRestGatewayHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.authenticate(r); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	users, err := h.Authenticator.ListUsers(r.Context())
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to list users")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespUsers{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Users: users,
	}
}

// ListUsersHandler Wrapper around ListUsers
func (h APIRestGatewayHandler) ListUsersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListUsers(w, r)
	}
}

// -----------------------------------------------------------------------

// GetUser godoc
// @Summary Get a user
// @tags Users
// @Produce json
// @Param Stormgate-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path string true "User ID"
// @Success 200 {object} APIRestRespUser "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /users/{userID} [get]
func (h APIRestGatewayHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.authenticate(r); err != nil {
		respCode, respBody = h.errorReply(r, err, "Unauthenticated")
		return
	}
	userID, ok := mux.Vars(r)["userID"]
	if !ok {
		respCode, respBody = h.errorReply(
			r, fmt.Errorf("no user ID: %w", common.ErrInvalidPayload), "No user ID provided",
		)
		return
	}
	user, err := h.Authenticator.Profile(r.Context(), userID)
	if err != nil {
		respCode, respBody = h.errorReply(r, err, "Unable to read user")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespUser{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), User: user,
	}
}

// GetUserHandler Wrapper around GetUser
func (h APIRestGatewayHandler) GetUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetUser(w, r)
	}
}
