// Copyright 2021-2022 The fruitscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/fruitscan/apis"
	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/fruitscan/core"
	"github.com/alwitt/fruitscan/models"
	"github.com/alwitt/fruitscan/pipeline"
	"github.com/alwitt/fruitscan/router"
	"github.com/alwitt/fruitscan/session"
	"github.com/alwitt/fruitscan/storage"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

/*
LoadModelRegistry read the fruit catalog, and load the models of every catalog pair

	@param ctxt context.Context - context of the catalog query
	@param gateway storage.ConfigGateway - source of the catalog
	@param config common.PipelineConfig - model locations
	@return the model registry
*/
func LoadModelRegistry(
	ctxt context.Context, gateway storage.ConfigGateway, config common.PipelineConfig,
) (models.Registry, error) {
	catalog, err := gateway.GetCatalog(ctxt)
	if err != nil {
		return nil, fmt.Errorf("read fruit catalog: %w", err)
	}
	return models.LoadRegistry(catalog, config.ModelDir, models.DefaultArtifacts{
		BrixPath:   config.DefaultBrixModel,
		StatusPath: config.DefaultStatusModel,
	})
}

// defineConfigGateway connect to Postgres, and define the configuration gateway on it
func defineConfigGateway(
	ctxt context.Context, config *common.SystemConfig,
) (*pgxpool.Pool, storage.ConfigGateway, error) {
	pool, err := core.GetPostgresPool(ctxt, core.PostgresConnectParams{
		URL:      config.Postgres.URL,
		MaxConns: config.Postgres.MaxConns,
	})
	if err != nil {
		return nil, nil, err
	}
	gateway := storage.GetPostgresConfigGateway(
		pool,
		config.Pipeline.ChannelNames,
		time.Second*time.Duration(config.Postgres.QueryTimeout),
	)
	return pool, gateway, nil
}

/*
CheckModels load the catalog and every model artifact, and report the pairs
which fell back to the default models

	@param runtimeContext context.Context - runtime context
	@param config *common.SystemConfig - system config
	@return the load report, or an error if the default models are not usable
*/
func CheckModels(
	runtimeContext context.Context, config *common.SystemConfig,
) (models.LoadReport, error) {
	logTags := log.Fields{"module": "cmd", "component": "check-models"}

	pool, gateway, err := defineConfigGateway(runtimeContext, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to Postgres")
		return models.LoadReport{}, err
	}
	defer pool.Close()

	registry, err := LoadModelRegistry(runtimeContext, gateway, config.Pipeline)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Model load failed")
		return models.LoadReport{}, err
	}
	report := registry.Report()
	for _, pair := range report.Loaded {
		log.WithFields(logTags).Infof("Loaded models for %s", pair)
	}
	for pair, reason := range report.Fallbacks {
		log.WithFields(logTags).Warnf("%s uses default models: %s", pair, reason)
	}
	return report, nil
}

// defineResultWriter define the persistence gateway, and the optional cache and broadcast
func defineResultWriter(
	runtimeContext context.Context,
	config *common.SystemConfig,
	pool *pgxpool.Pool,
	logTags log.Fields,
) (storage.ResultWriter, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for itr := len(closers) - 1; itr >= 0; itr-- {
			closers[itr]()
		}
	}
	writers := []storage.NamedResultWriter{
		{
			Name: "postgres",
			Writer: storage.GetPostgresResultStore(
				pool, time.Second*time.Duration(config.Postgres.QueryTimeout),
			),
		},
	}

	if config.Redis != nil {
		rdb, err := core.GetRedisClient(runtimeContext, core.RedisConnectParams{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { closeRedis(rdb, logTags) })
		writers = append(writers, storage.NamedResultWriter{
			Name: "redis",
			Writer: storage.GetRedisLatestResultCache(
				rdb, time.Second*time.Duration(config.Redis.TTL),
			),
		})
	}

	if config.NATS != nil {
		natsClient, err := core.GetNatsClient(core.NATSConnectParams{
			ServerURI:           config.NATS.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
			MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(config.NATS.Reconnect.WaitInterval),
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
				log.WithFields(logTags).Info("NATS client closed connection")
			},
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctx)
		})
		writers = append(writers, storage.NamedResultWriter{
			Name:   "nats",
			Writer: storage.GetNATSResultBroadcaster(natsClient, config.NATS.SubjectPrefix),
		})
	}

	return storage.GetMultiResultWriter(writers...), closeAll, nil
}

func closeRedis(rdb *redis.Client, logTags log.Fields) {
	if err := rdb.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis client close failed")
	}
}

/*
RunScannerService run the scanner gateway until the runtime context ends

	@param runtimeContext context.Context - runtime context
	@param config *common.SystemConfig - system config
	@param instance string - instance name
	@param wg *sync.WaitGroup - wait group for the background workers
*/
func RunScannerService(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "scanner",
		"instance":  instance,
	}

	location, err := time.LoadLocation(config.Postgres.TimeZone)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unknown time zone %s", config.Postgres.TimeZone,
		)
		return err
	}

	// -------------------------------------------------------------------
	// Storage and models

	pool, gateway, err := defineConfigGateway(runtimeContext, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to Postgres")
		return err
	}
	defer pool.Close()

	modelRegistry, err := LoadModelRegistry(runtimeContext, gateway, config.Pipeline)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load the prediction models")
		return err
	}

	resultWriter, closeWriters, err := defineResultWriter(runtimeContext, config, pool, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define result writers")
		return err
	}
	defer closeWriters()

	// -------------------------------------------------------------------
	// Broker

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("fruitscan-%s", instance)
	}
	mqttClient, err := core.GetMQTTClient(core.MQTTConnectParams{
		BrokerURI:            config.MQTT.BrokerURI,
		ClientID:             clientID,
		Username:             config.MQTT.Username,
		Password:             config.MQTT.Password,
		QoS:                  byte(config.MQTT.QoS),
		ConnectTimeout:       time.Second * time.Duration(config.MQTT.ConnectTimeout),
		KeepAlive:            time.Second * time.Duration(config.MQTT.KeepAlive),
		PublishTimeout:       time.Second * time.Duration(config.MQTT.PublishTimeout),
		MaxReconnectInterval: time.Second * time.Duration(config.MQTT.Reconnect.MaxInterval),
		ConnectRetryInterval: time.Second * time.Duration(config.MQTT.Reconnect.ConnectRetryInterval),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect to MQTT broker %s", config.MQTT.BrokerURI,
		)
		return err
	}
	defer mqttClient.Close()

	// -------------------------------------------------------------------
	// Sessions, pipeline, and router

	flushPipeline, err := pipeline.DefinePipeline(pipeline.Params{
		Gateway:              gateway,
		Models:               modelRegistry,
		Publisher:            mqttClient,
		Writer:               resultWriter,
		ChannelNames:         config.Pipeline.ChannelNames,
		DefaultWhiteStandard: config.Pipeline.DefaultWhiteStandard,
		Location:             location,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define flush pipeline")
		return err
	}

	sessions, err := session.DefineRegistry(session.RegistryParams{
		Limit:   config.Session.BatchSize,
		Timeout: time.Second * time.Duration(config.Session.Timeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session registry")
		return err
	}

	varieties, err := router.NewVarietyTable(config.Commands.VarietyCodes)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid variety code table")
		return err
	}

	processor, err := common.GetNewKeyedTaskProcessorInstance(
		"scanner-messages", config.Commands.TaskBuffer, runtimeContext,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message processor")
		return err
	}

	cmdRouter, err := router.DefineCommandRouter(router.Params{
		Registry:  sessions,
		Gateway:   gateway,
		Pipeline:  flushPipeline,
		Publisher: mqttClient,
		Varieties: varieties,
		Processor: processor,
	}, runtimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define command router")
		return err
	}

	if err := processor.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start message processor")
		return err
	}

	watchdogTimer, err := common.GetIntervalTimerInstance("session-watchdog", runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define watchdog timer")
		return err
	}
	watchdog, err := session.DefineWatchdog(
		sessions,
		watchdogTimer,
		time.Millisecond*time.Duration(config.Session.SweepInterval),
		nil,
		nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define timeout watchdog")
		return err
	}
	if err := watchdog.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start timeout watchdog")
		return err
	}

	if err := mqttClient.Subscribe(
		config.MQTT.SubscribeTopic,
		func(topic string, payload []byte) {
			_ = cmdRouter.SubmitMessage(runtimeContext, topic, payload)
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to subscribe to %s", config.MQTT.SubscribeTopic,
		)
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	queryTimeout := time.Second * time.Duration(config.Postgres.QueryTimeout)
	httpHandler, err := apis.GetAPIRestOperationsHandler(
		sessions,
		modelRegistry,
		map[string]apis.ReadinessCheck{
			"mqtt": func() error {
				if !mqttClient.IsConnected() {
					return errors.New("MQTT broker not connected")
				}
				return nil
			},
			"postgres": func() error {
				ctx, cancel := context.WithTimeout(runtimeContext, queryTimeout)
				defer cancel()
				return pool.Ping(ctx)
			},
		},
		&config.API,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	serverListen := fmt.Sprintf("%s:%d", config.API.ListenOn, config.API.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.API.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.API.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.API.IdleTimeout),
		Handler:      h2c.NewHandler(apis.BuildOperationsRouter(httpHandler), &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	if err := watchdog.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping timeout watchdog")
	}
	if err := processor.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping message processor")
	}

	return nil
}
