package apis

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Session cookie names
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// AnonymousUser user ID of every caller when authentication is disabled
const AnonymousUser = "anonymous"

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler common REST handler base, logging request IDs from the
// configured header
func defineRestAPIHandler(
	logTags log.Fields, httpConfig *common.HTTPConfig,
) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// statusForError HTTP status matching an error from the core
func statusForError(err error) int {
	switch {
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrExpired):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidSubject), errors.Is(err, common.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requestToken access token presented by a request, from the Authorization header,
// the access token cookie, or the "token" query parameter, in that order
func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// requestIDMiddleware make sure every request has an ID and echo it in the response
func requestIDMiddleware(header string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header != "" {
				reqID := r.Header.Get(header)
				if reqID == "" {
					reqID = uuid.NewString()
					r.Header.Set(header, reqID)
				}
				w.Header().Set(header, reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware answer CORS preflights and decorate responses for allowed origins.
// With credentials allowed, a "*" origin is echoed back rather than sent literally.
func corsMiddleware(allowedOrigins []string, requestIDHeader string) func(http.Handler) http.Handler {
	allowHeaders := []string{"Authorization", "Content-Type"}
	options := []handlers.CORSOption{
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowCredentials(),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.MaxAge(600),
		handlers.OptionStatusCode(http.StatusNoContent),
	}
	if requestIDHeader != "" {
		allowHeaders = append(allowHeaders, requestIDHeader)
		options = append(options, handlers.ExposedHeaders([]string{requestIDHeader}))
	}
	options = append(options, handlers.AllowedHeaders(allowHeaders))
	return handlers.CORS(options...)
}
