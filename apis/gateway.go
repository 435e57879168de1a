package apis

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/stormgate/auth"
	"github.com/alwitt/stormgate/broker"
	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/dataplane"
	"github.com/alwitt/stormgate/metrics"
	"github.com/alwitt/stormgate/registry"
	"github.com/alwitt/stormgate/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether one collaborator is usable
type ReadinessCheck func(ctxt context.Context) error

// GatewayDependencies collaborators serving the gateway APIs
type GatewayDependencies struct {
	Authenticator auth.Authenticator   `validate:"required"`
	Broker        broker.Broker        `validate:"required"`
	Registry      registry.Registry    `validate:"required"`
	Connections   dataplane.Manager    `validate:"required"`
	Channels      storage.ChannelStore `validate:"required"`
	Presence      storage.Presence     `validate:"required"`
	Metrics       *metrics.Collectors  `validate:"required"`
	// Readiness named checks run by the ready end-point
	Readiness map[string]ReadinessCheck
}

// APIRestGatewayHandler REST handler for the gateway
type APIRestGatewayHandler struct {
	goutils.RestAPIHandler
	GatewayDependencies
	authEnabled    bool
	defaultSubject string
	cookies        common.SessionCookieConfig
	accessTTL      time.Duration
	refreshTTL     time.Duration
	validate       *validator.Validate
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	deps GatewayDependencies, config *common.SystemConfig,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	validate := validator.New()
	if err := validate.Struct(&deps); err != nil {
		log.WithError(err).WithFields(logTags).Error("Incomplete gateway dependencies")
		return APIRestGatewayHandler{}, err
	}
	return APIRestGatewayHandler{
		RestAPIHandler:      defineRestAPIHandler(logTags, &config.Gateway.HTTPSetting),
		GatewayDependencies: deps,
		authEnabled:         config.Auth.Enabled,
		defaultSubject:      config.Broker.DefaultSubject,
		cookies:             config.Auth.Cookie,
		accessTTL:           common.Seconds(config.Auth.AccessTTL),
		refreshTTL:          common.Seconds(config.Auth.RefreshTTL),
		validate:            validate,
	}, nil
}

// authenticate resolve the calling user
func (h APIRestGatewayHandler) authenticate(r *http.Request) (string, error) {
	if !h.authEnabled {
		return AnonymousUser, nil
	}
	token := requestToken(r)
	if token == "" {
		return "", fmt.Errorf("no access token: %w", common.ErrUnauthorized)
	}
	return h.Authenticator.Validate(r.Context(), token)
}

// Write access log support
func (h APIRestGatewayHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

// errorReply standard error response for an error from the core
func (h APIRestGatewayHandler) errorReply(
	r *http.Request, err error, msg string,
) (int, interface{}) {
	code := statusForError(err)
	localLogTags := h.GetLogTagsForContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.WithError(err).WithFields(localLogTags).Error(msg)
	} else {
		log.WithError(err).WithFields(localLogTags).Info(msg)
	}
	return code, h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error())
}

// BuildRouter define the gateway HTTP routes under a path prefix. The returned
// handler also answers CORS preflights.
func (h APIRestGatewayHandler) BuildRouter(
	pathPrefix string, allowedOrigins []string,
) http.Handler {
	if pathPrefix == "" {
		pathPrefix = "/"
	}
	router := mux.NewRouter()

	// The WebSocket upgrade needs the raw connection, so it skips request logging
	socketRouter := router.PathPrefix(pathPrefix).Subrouter()
	socketRouter.Methods(http.MethodGet).Path("/ws").HandlerFunc(h.WebSocketHandler())

	mainRouter := router.PathPrefix(pathPrefix).Subrouter()

	// Auth
	RegisterPathPrefix(mainRouter, "/auth/register", MethodHandlers{
		http.MethodPost: h.RegisterHandler(),
	})
	RegisterPathPrefix(mainRouter, "/auth/login", MethodHandlers{
		http.MethodPost: h.LoginHandler(),
	})
	RegisterPathPrefix(mainRouter, "/auth/refresh", MethodHandlers{
		http.MethodPost: h.RefreshHandler(),
	})
	RegisterPathPrefix(mainRouter, "/auth/logout", MethodHandlers{
		http.MethodPost: h.LogoutHandler(),
	})
	RegisterPathPrefix(mainRouter, "/auth/me", MethodHandlers{
		http.MethodGet: h.ProfileHandler(),
	})
	mainRouter.Methods(http.MethodGet).Path("/users/{userID}").HandlerFunc(h.GetUserHandler())
	RegisterPathPrefix(mainRouter, "/users", MethodHandlers{
		http.MethodGet: h.ListUsersHandler(),
	})

	// Messaging
	RegisterPathPrefix(mainRouter, "/publish", MethodHandlers{
		http.MethodPost: h.PublishHandler(),
	})
	RegisterPathPrefix(mainRouter, "/events", MethodHandlers{
		http.MethodGet: h.EventStreamHandler(),
	})
	RegisterPathPrefix(mainRouter, "/presence", MethodHandlers{
		http.MethodGet: h.PresenceHandler(),
	})

	// Channels
	mainRouter.Methods(http.MethodPost).Path("/channels/{channelID}/messages").
		HandlerFunc(h.PostChannelMessageHandler())
	mainRouter.Methods(http.MethodGet).Path("/channels/{channelID}/messages").
		HandlerFunc(h.ListChannelMessagesHandler())
	mainRouter.Methods(http.MethodGet).Path("/channels/{channelID}/members").
		HandlerFunc(h.ListChannelMembersHandler())
	RegisterPathPrefix(mainRouter, "/channels", MethodHandlers{
		http.MethodGet:  h.ListChannelsHandler(),
		http.MethodPost: h.CreateChannelHandler(),
	})

	// Health
	RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		http.MethodGet: h.AliveHandler(),
	})
	RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		http.MethodGet: h.ReadyHandler(),
	})
	mainRouter.Methods(http.MethodGet).Path("/healthz").HandlerFunc(h.AliveHandler())
	mainRouter.Methods(http.MethodGet).Path("/metrics").Handler(h.Metrics.Handler())

	// Add logging middleware
	mainRouter.Use(func(next http.Handler) http.Handler {
		return h.LoggingMiddleware(next.ServeHTTP)
	})
	mainRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(h, next)
	})

	requestIDHeader := ""
	if h.CallRequestIDHeaderField != nil {
		requestIDHeader = *h.CallRequestIDHeaderField
	}
	return requestIDMiddleware(requestIDHeader)(
		corsMiddleware(allowedOrigins, requestIDHeader)(router),
	)
}
