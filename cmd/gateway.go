package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	natsgo "github.com/nats-io/nats.go"
	"github.com/wellscope/relay/apis"
	"github.com/wellscope/relay/common"
	"github.com/wellscope/relay/core"
	"github.com/wellscope/relay/dataplane"
	"github.com/wellscope/relay/dispatch"
	"github.com/wellscope/relay/gateway"
	"github.com/wellscope/relay/metrics"
	"github.com/wellscope/relay/telemetry"
)

// RunGatewayServer run the telemetry gateway server
func RunGatewayServer(
	config common.SystemConfig,
	instance string,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid system config")
		return err
	}
	if config.Gateway == nil {
		err := fmt.Errorf("gateway config section missing")
		log.WithError(err).WithFields(logTags).Error("Invalid system config")
		return err
	}
	gatewayConfig := config.Gateway

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	reporter := metrics.NewPrometheusReporter()

	// The subscriber is re-armed from the broker reconnect callback, but the
	// NATS client has to exist before the subscriber does
	var subscriber dataplane.ReadingSubscriber
	var subscriberLock sync.Mutex
	natsClient, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           config.NATS.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
		MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
		ReconnectBaseDelay:  time.Second * time.Duration(config.NATS.Reconnect.BaseDelay),
		ReconnectMaxDelay:   time.Second * time.Duration(config.NATS.Reconnect.MaxDelay),
		OnDisconnectCallback: func(_ *natsgo.Conn, err error) {
			log.WithError(err).WithFields(logTags).Warn("Broker connection lost")
		},
		OnReconnectCallback: func(_ *natsgo.Conn) {
			log.WithFields(logTags).Warn("Broker connection restored")
			reporter.BrokerReconnect()
			subscriberLock.Lock()
			defer subscriberLock.Unlock()
			if subscriber != nil {
				if err := subscriber.EnsureSubscribed(localCtxt); err != nil {
					log.WithError(err).WithFields(logTags).Error(
						"Unable to restore reading subscription",
					)
				}
			}
		},
		OnCloseCallback: func(_ *natsgo.Conn) {
			log.WithFields(logTags).Warn("Broker connection closed")
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define NATS client")
		return err
	}
	defer func() {
		closeCtxt, closeCancel := context.WithTimeout(context.Background(), time.Second*5)
		defer closeCancel()
		natsClient.Close(closeCtxt)
	}()

	readingValidator, err := telemetry.GetReadingValidator(
		clock.New(), time.Second*time.Duration(config.Readings.MaxFutureSkew),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reading validator")
		return err
	}

	registry, err := dispatch.GetConnectionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	dispatcher, err := dispatch.GetDispatcher(registry, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}

	verifier, err := gateway.GetJWTAuthVerifier(gatewayConfig.Auth.TokenSigningSecret)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define auth verifier")
		return err
	}

	gw, err := gateway.GetGateway(
		gateway.GatewayParams{
			Heartbeat: gateway.HeartbeatParams{
				Interval:  time.Second * time.Duration(gatewayConfig.Heartbeat.Interval),
				MaxMissed: gatewayConfig.Heartbeat.MaxMissed,
			},
			AuthVerifyTimeout: time.Second * time.Duration(gatewayConfig.Auth.VerifyTimeout),
			DispatchWorkers:   gatewayConfig.DispatchWorkers,
			DispatchBuffer:    gatewayConfig.DispatchWorkers * 16,
		},
		verifier,
		registry,
		dispatcher,
		reporter,
		clock.New(),
		instance,
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway")
		return err
	}
	if err := gw.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start gateway")
		return err
	}
	defer func() {
		if err := gw.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Gateway stop failed")
		}
	}()

	brokerClient, err := dataplane.GetNatsBrokerClient(&natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker client")
		return err
	}

	newSubscriber, err := dataplane.GetReadingSubscriber(
		brokerClient, readingValidator, gw.DispatchReading, reporter, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reading subscriber")
		return err
	}
	if err := newSubscriber.Start(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start reading subscriber")
		return err
	}
	subscriberLock.Lock()
	subscriber = newSubscriber
	subscriberLock.Unlock()
	defer func() {
		if err := newSubscriber.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Reading subscriber stop failed")
		}
	}()

	publisher, err := dataplane.GetReadingPublisher(
		brokerClient, readingValidator, reporter, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reading publisher")
		return err
	}

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		gw, &natsClient, &gatewayConfig.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	ingestHandler, err := apis.GetAPIRestIngestHandler(publisher, &gatewayConfig.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingest handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, gatewayConfig.Endpoints.PathPrefix, nil,
	)

	// Client telemetry stream
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamHandler(),
	})

	// HTTP reading ingest
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/reading", map[string]http.HandlerFunc{
		"post": ingestHandler.PublishReadingHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/readings", map[string]http.HandlerFunc{
		"post": ingestHandler.PublishReadingBatchHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	mainRouter.Path("/metrics").Methods("get").Handler(reporter.Handler())

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d",
		gatewayConfig.HTTPSetting.Server.ListenOn,
		gatewayConfig.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(gatewayConfig.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(gatewayConfig.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(gatewayConfig.HTTPSetting.Server.IdleTimeout),
		Handler:      router,
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
