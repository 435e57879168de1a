package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/stormgate/apis"
	"github.com/alwitt/stormgate/auth"
	"github.com/alwitt/stormgate/broker"
	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/core"
	"github.com/alwitt/stormgate/dataplane"
	"github.com/alwitt/stormgate/metrics"
	"github.com/alwitt/stormgate/registry"
	"github.com/alwitt/stormgate/storage"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// shutdownGracePeriod time allowed for in-flight HTTP calls to finish on shutdown
const shutdownGracePeriod = time.Second * 10

// connectWithRetry call connect until it succeeds, the context ends, or maxElapsed
// passes. A zero maxElapsed means a single attempt.
func connectWithRetry(
	ctxt context.Context,
	what string,
	maxElapsed time.Duration,
	logTags log.Fields,
	connect func(ctxt context.Context) error,
) error {
	if maxElapsed <= 0 {
		return connect(ctxt)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond * 250
	policy.MaxInterval = time.Second * 5
	policy.MaxElapsedTime = maxElapsed
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := connect(ctxt)
		if err != nil {
			log.WithError(err).WithFields(logTags).Warnf("Connect to %s failed on attempt %d", what, attempt)
		}
		return err
	}, backoff.WithContext(policy, ctxt))
}

// managerParamsFromConfig connection manager parameters from the gateway config
func managerParamsFromConfig(config *common.SystemConfig) dataplane.ManagerParams {
	ws := config.Gateway.WebSocket
	return dataplane.ManagerParams{
		Connection: dataplane.ConnectionParams{
			PingInterval:   common.Seconds(ws.PingInterval),
			PongWait:       common.Seconds(ws.PongWait),
			WriteWait:      common.Seconds(ws.WriteWait),
			AuthTimeout:    common.Seconds(ws.AuthTimeout),
			MaxFrameBytes:  ws.MaxFrameBytes,
			QueueCapacity:  config.Broker.QueueCapacity,
			OverflowPolicy: config.Broker.OverflowPolicy,
		},
		SSEHeartbeat:   common.Seconds(config.Gateway.SSE.Heartbeat),
		AllowedOrigins: config.Gateway.CORS.AllowedOrigins,
	}
}

// externalCollaborators connections to the optional external services
type externalCollaborators struct {
	store       storage.Store
	presence    storage.Presence
	closeRedis  func() error
	natsClient  *core.NatsClient
	natsEnabled bool
}

// release close every connection that was made
func (e *externalCollaborators) release(logTags log.Fields) {
	if e.natsClient != nil {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		e.natsClient.Close(ctxt)
		cancel()
	}
	if e.closeRedis != nil {
		if err := e.closeRedis(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close Redis client")
		}
	}
	if e.store != nil {
		e.store.Close()
	}
}

// connectCollaborators connect the store, presence counters and NATS client in parallel
func connectCollaborators(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	onNatsClose context.CancelFunc,
	logTags log.Fields,
) (*externalCollaborators, error) {
	result := &externalCollaborators{natsEnabled: config.NATS.Enabled}
	retryFor := common.Seconds(config.Storage.ConnectRetry)

	group, groupCtxt := errgroup.WithContext(runTimeContext)

	// Store
	group.Go(func() error {
		if !config.Storage.Postgres.Enabled {
			store, err := storage.GetMemoryStore(instance)
			result.store = store
			return err
		}
		pg := config.Storage.Postgres
		return connectWithRetry(groupCtxt, "PostgreSQL", retryFor, logTags, func(ctxt context.Context) error {
			store, err := storage.GetPostgresStore(ctxt, storage.PostgresParams{
				DSN:             pg.DSN,
				MaxConns:        pg.MaxConns,
				MinConns:        pg.MinConns,
				MaxConnIdleTime: common.Seconds(pg.MaxConnIdleTime),
			}, instance)
			if err == nil {
				result.store = store
			}
			return err
		})
	})

	// Presence
	group.Go(func() error {
		if !config.Storage.Redis.Enabled {
			result.presence = storage.GetMemoryPresence()
			return nil
		}
		rd := config.Storage.Redis
		return connectWithRetry(groupCtxt, "Redis", retryFor, logTags, func(ctxt context.Context) error {
			presence, closer, err := storage.GetRedisPresence(ctxt, storage.RedisParams{
				Addr: rd.Addr, Password: rd.Password, DB: rd.DB, KeyPrefix: rd.KeyPrefix,
			}, instance)
			if err == nil {
				result.presence = presence
				result.closeRedis = closer
			}
			return err
		})
	})

	// NATS relay connection
	group.Go(func() error {
		if !config.NATS.Enabled {
			return nil
		}
		natsParam := core.NATSConnectParams{
			ServerURI:           config.NATS.ServerURI,
			ConnectTimeout:      common.Seconds(config.NATS.ConnectTimeout),
			MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
			ReconnectWait:       common.Seconds(config.NATS.Reconnect.WaitInterval),
			OnDisconnectCallback: func(_ *nats.Conn, e error) {
				log.WithError(e).WithFields(logTags).Errorf(
					"NATS client disconnected from server %s", config.NATS.ServerURI,
				)
			},
			OnReconnectCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warnf(
					"NATS client reconnected with server %s", config.NATS.ServerURI,
				)
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Error("NATS client closed connection")
				onNatsClose()
			},
		}
		return connectWithRetry(groupCtxt, "NATS", retryFor, logTags, func(_ context.Context) error {
			client, err := core.GetNatsClient(natsParam)
			if err == nil {
				result.natsClient = client
			}
			return err
		})
	})

	if err := group.Wait(); err != nil {
		result.release(logTags)
		return nil, err
	}
	return result, nil
}

// RunGatewayServer run the gateway server until the runtime context ends
func RunGatewayServer(
	runTimeContext context.Context,
	rtCancel context.CancelFunc,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return err
	}

	// -------------------------------------------------------------------
	// External collaborators

	external, err := connectCollaborators(runTimeContext, config, instance, rtCancel, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect external collaborators")
		return err
	}
	defer external.release(logTags)

	if err := storage.SeedChannels(
		runTimeContext, external.store, config.Storage.DefaultChannels, "system",
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to seed default channels")
		return err
	}

	// Components stop with this context
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// Outlives the runtime context so leaves queued during shutdown still land
	recorderCtxt, recorderCancel := context.WithCancel(context.Background())
	defer recorderCancel()

	recorder, err := storage.GetAsyncRecorder(
		recorderCtxt,
		external.store,
		external.presence,
		config.Storage.AsyncWriter.Workers,
		config.Storage.AsyncWriter.Buffer,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define async recorder")
		return err
	}
	if err := recorder.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start async recorder")
		return err
	}

	// -------------------------------------------------------------------
	// Auth

	tokenizer, err := auth.GetJWTTokenizer(auth.TokenParams{
		Issuer:        config.Auth.Issuer,
		AccessSecret:  []byte(config.Auth.AccessSecret),
		RefreshSecret: []byte(config.Auth.RefreshSecret),
		AccessTTL:     common.Seconds(config.Auth.AccessTTL),
		RefreshTTL:    common.Seconds(config.Auth.RefreshTTL),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tokenizer")
		return err
	}
	authenticator, err := auth.GetAuthenticator(
		localCtxt,
		external.store,
		external.store,
		auth.GetBcryptHasher(),
		tokenizer,
		auth.AuthenticatorParams{
			ValidationCacheTTL: common.Seconds(config.Auth.ValidationCacheTTL),
			SweepInterval:      common.Seconds(config.Auth.RevocationSweep),
		},
		wg,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authenticator")
		return err
	}
	if err := authenticator.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start authenticator")
		return err
	}

	// -------------------------------------------------------------------
	// Broker

	subjects, err := registry.GetRegistry(config.Broker.RegistryShards, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subject registry")
		return err
	}
	collectors := metrics.GetCollectors()
	msgBroker, err := broker.GetBroker(subjects, collectors, config.Broker.MaxPayloadBytes, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}

	readiness := map[string]apis.ReadinessCheck{
		"store": external.store.Ready,
		"presence": func(ctxt context.Context) error {
			_, err := external.presence.Count(ctxt, config.Broker.DefaultSubject)
			return err
		},
	}

	if external.natsEnabled {
		relay, err := broker.GetNatsRelay(
			external.natsClient, config.NATS.RelayPrefix, instance, msgBroker.DeliverLocal,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS relay")
			return err
		}
		if err := relay.Start(localCtxt, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS relay")
			return err
		}
		msgBroker.AttachRelay(relay)
		readiness["nats"] = func(context.Context) error {
			if !external.natsClient.Connected() {
				return fmt.Errorf("not connected to %s", config.NATS.ServerURI)
			}
			return nil
		}
	}

	// -------------------------------------------------------------------
	// Connections and APIs

	manager, err := dataplane.GetManager(
		localCtxt,
		msgBroker,
		subjects,
		recorder,
		authenticator,
		collectors,
		managerParamsFromConfig(config),
		wg,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return err
	}

	httpHandler, err := apis.GetAPIRestGatewayHandler(apis.GatewayDependencies{
		Authenticator: authenticator,
		Broker:        msgBroker,
		Registry:      subjects,
		Connections:   manager,
		Channels:      external.store,
		Presence:      external.presence,
		Metrics:       collectors,
		Readiness:     readiness,
	}, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}
	router := httpHandler.BuildRouter(
		config.Gateway.Endpoints.PathPrefix, config.Gateway.CORS.AllowedOrigins,
	)

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.Gateway.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: common.Seconds(serverCfg.WriteTimeout),
		ReadTimeout:  common.Seconds(serverCfg.ReadTimeout),
		IdleTimeout:  common.Seconds(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Close live connections before waiting on in-flight calls
	httpSrv.RegisterOnShutdown(manager.Shutdown)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	manager.Shutdown()

	if err := authenticator.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping authenticator")
	}
	if err := recorder.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping async recorder")
	}
	lclCancel()

	return runErr
}
