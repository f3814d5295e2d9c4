package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	analyticsApp "github.com/davicafu/hexaretail/internal/analytics/application"
	analyticsDomain "github.com/davicafu/hexaretail/internal/analytics/domain"
	analyticsEvents "github.com/davicafu/hexaretail/internal/analytics/infra/inbound/events"
	analyticsHttp "github.com/davicafu/hexaretail/internal/analytics/infra/inbound/http"
	analyticsCH "github.com/davicafu/hexaretail/internal/analytics/infra/outbound/clickhouse"
	analyticsMemory "github.com/davicafu/hexaretail/internal/analytics/infra/outbound/memory"
	config "github.com/davicafu/hexaretail/internal/config"
	orderApp "github.com/davicafu/hexaretail/internal/order/application"
	orderDomain "github.com/davicafu/hexaretail/internal/order/domain"
	orderHttp "github.com/davicafu/hexaretail/internal/order/infra/inbound/http"
	orderPostgres "github.com/davicafu/hexaretail/internal/order/infra/outbound/db/postgres"
	orderSqlite "github.com/davicafu/hexaretail/internal/order/infra/outbound/db/sqlite"
	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	infraEvents "github.com/davicafu/hexaretail/internal/shared/infra/events"
	sharedHttp "github.com/davicafu/hexaretail/internal/shared/infra/inbound/http"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/hexaretail/internal/shared/infra/platform/cache"
	"github.com/davicafu/hexaretail/internal/shared/infra/platform/db/mongodb"
	"github.com/davicafu/hexaretail/internal/shared/infra/platform/db/postgres"
	"github.com/davicafu/hexaretail/internal/shared/infra/platform/db/sqlite"
	"github.com/davicafu/hexaretail/internal/shared/infra/relayer"
	"github.com/davicafu/hexaretail/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// broker agrupa lo que el resto del proceso necesita del transporte elegido.
type broker struct {
	bus        sharedBus.EventBus
	subscriber sharedBus.Subscriber
	status     sharedHttp.BrokerStatus // nil si el transporte no expone estado de conexión
	reconnect  relayer.Job // nil si el transporte no necesita reconexión
	close      func() error
}

// ---------------- Main ----------------
func main() {
	cfg := config.LoadConfig()

	logger.Init(cfg.LogLevel) // inicializa zap
	log := logger.Logger()    // obtiene logger estructurado
	defer log.Sync()          // flush buffers al salir

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	// SIGINT/SIGTERM cancelan el contexto raíz y arrancan el apagado ordenado.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	// ---------------- DB ----------------
	db, store, orderRepo := openStore(ctx, cfg, log)
	defer db.Close()

	// ---------------- Cache ----------------
	var cacheInstance sharedCache.Cache
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("⚠️ Redis no disponible, cache en memoria:", zap.Error(err))
		_ = rdb.Close()
		memCache := sharedCache.NewInMemoryCache(cfg.DedupeTTL, time.Minute)
		defer memCache.Stop()
		cacheInstance = memCache
	} else {
		redisCache := sharedCache.NewRedisCache(rdb, cfg.DedupeTTL)
		defer redisCache.Close()
		cacheInstance = redisCache
		log.Info("✅ Redis conectado, cache habilitado")
	}

	// ---------------- Events ---------------
	brk := openBroker(ctx, cfg, log)

	// --------------- Servicios --------------
	orderService := orderApp.NewOrderService(orderRepo, cacheInstance, log)

	eventLog, closeEventLog := openEventLog(ctx, cfg, log)
	defer closeEventLog()
	analyticsService := analyticsApp.NewAnalyticsService(eventLog, log)

	projection := infraEvents.Idempotent(cacheInstance, analyticsDomain.DedupeScope, cfg.DedupeTTL,
		analyticsEvents.NewProjectionConsumer(analyticsService, log), log)
	if err := brk.subscriber.Subscribe(ctx, cfg.AnalyticsQueue, []string{analyticsDomain.AllEvents}, projection); err != nil {
		// Con RabbitMQ degradado la suscripción queda registrada y se activa al reconectar.
		log.Warn("⚠️ Suscripción de analítica pendiente", zap.String("queue", cfg.AnalyticsQueue), zap.Error(err))
	}

	// ------------ Outbox Relayer ------------
	var archiver sharedDomain.OutboxArchiver
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}()
		archive, err := mongodb.NewOutboxArchiveMongo(ctx, client, cfg.MongoDB)
		if err != nil {
			log.Fatal("failed to initialize outbox archive", zap.Error(err))
		}
		archiver = archive
		log.Info("🗄️ Archivo de outbox en MongoDB habilitado", zap.String("db", cfg.MongoDB))
	}

	dispatcher := relayer.NewDispatcher(store, brk.bus, relayer.DispatcherConfig{
		BatchSize:         cfg.OutboxLimit,
		MaxRetries:        cfg.OutboxMaxRetries,
		ProcessingTimeout: cfg.OutboxProcessingTimeout,
	}, log)
	sweeper := relayer.NewRetentionSweeper(store, archiver, cfg.RetentionWindow, cfg.RetentionBatch, log)

	scheduler := relayer.NewScheduler(log)
	scheduler.Every("outbox-dispatch", cfg.OutboxPeriod, dispatcher.Run)
	scheduler.Every("outbox-retention", cfg.RetentionPeriod, sweeper.Run)
	if brk.reconnect != nil {
		scheduler.Every("broker-reconnect", cfg.BrokerReconnectInterval, brk.reconnect)
	}
	scheduler.Start(ctx)

	// ---------------- HTTP ----------------
	router := gin.New()
	router.Use(gin.Recovery())
	sharedHttp.RegisterOutboxRoutes(router, sharedHttp.NewOutboxHandler(store), sharedHttp.NewHealthHandler(db, brk.status))
	orderHttp.RegisterOrderRoutes(router, orderHttp.NewOrderHandler(orderService))
	analyticsHttp.RegisterAnalyticsRoutes(router, analyticsHttp.NewAnalyticsHandler(analyticsService))

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("🚀 Server running", zap.String("url", "http://localhost:"+cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("🛑 Apagando...")

	// Primero los jobs: ningún barrido queda a medias con el broker ya cerrado.
	scheduler.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("⚠️ HTTP shutdown incompleto", zap.Error(err))
	}
	if err := brk.close(); err != nil {
		log.Warn("⚠️ Error cerrando el broker", zap.Error(err))
	}
	log.Info("👋 Proceso terminado")
}

// openStore abre la base de datos elegida, crea los esquemas y devuelve el almacén del outbox
// y el repositorio de pedidos que escribe en él.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sql.DB, sharedDomain.OutboxStore, orderDomain.OrderRepository) {
	switch cfg.DBDriver {
	case config.DBDriverPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to open Postgres", zap.Error(err))
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatal("failed to ping Postgres", zap.Error(err))
		}
		if err := postgres.InitPostgresOutboxSchema(db); err != nil {
			log.Fatal("failed to initialize outbox schema", zap.Error(err))
		}
		if err := orderPostgres.InitPostgresOrderSchema(db); err != nil {
			log.Fatal("failed to initialize order schema", zap.Error(err))
		}
		outbox := postgres.NewOutboxRepoPostgres(db)
		log.Info("✅ Postgres conectado")
		return db, outbox, orderPostgres.NewOrderRepoPostgres(db, outbox)

	default:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			log.Fatal("failed to open SQLite", zap.Error(err))
		}
		// SQLite admite un único escritor.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			log.Fatal("failed to ping SQLite", zap.Error(err))
		}
		if err := sqlite.InitOutboxSchema(db); err != nil {
			log.Fatal("failed to initialize outbox schema", zap.Error(err))
		}
		if err := orderSqlite.InitOrderSchema(db); err != nil {
			log.Fatal("failed to initialize order schema", zap.Error(err))
		}
		outbox := sqlite.NewOutboxRepoSQLite(db)
		log.Info("✅ SQLite abierto", zap.String("path", cfg.SQLitePath))
		return db, outbox, orderSqlite.NewOrderRepoSQLite(db, outbox)
	}
}

func openBroker(ctx context.Context, cfg *config.Config, log *zap.Logger) broker {
	switch cfg.BrokerDriver {
	case config.BrokerKafka:
		log.Info("🚀 Usando Kafka como bus de eventos", zap.Strings("brokers", cfg.KafkaBrokers))

		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Topic:        cfg.KafkaTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		// Sin topic fijo: cada mensaje lleva el de su dead-letter.
		dlq := &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
		subscriber := infraEvents.NewKafkaSubscriber(func(groupID string) infraEvents.KafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.KafkaBrokers,
				Topic:    cfg.KafkaTopic,
				GroupID:  groupID,
				MinBytes: 10e3, // 10KB
				MaxBytes: 10e6, // 10MB
			})
		}, dlq, log)

		return broker{
			bus:        infraEvents.NewKafkaPublisher(writer, log),
			subscriber: subscriber,
			close: func() error {
				return errors.Join(subscriber.Close(), writer.Close(), dlq.Close())
			},
		}

	case config.BrokerMemory:
		log.Info("⚡️Usando bus de eventos en memoria (canales de Go)")
		bus := infraEvents.NewInMemoryEventBus(256, log)
		return broker{bus: bus, subscriber: bus, close: bus.Close}

	default:
		gateway := infraEvents.NewRabbitMQGateway(infraEvents.RabbitMQConfig{
			URL:                cfg.BrokerURL,
			Exchange:           cfg.BrokerExchange,
			DeadLetterExchange: cfg.BrokerDeadLetter,
			Prefetch:           cfg.BrokerPrefetch,
			ConfirmTimeout:     cfg.BrokerConfirmTimeout,
		}, nil, log)
		if err := gateway.Connect(ctx); err != nil {
			// Modo degradado: la API sigue aceptando escrituras y el outbox acumula.
			log.Warn("⚠️ RabbitMQ no disponible, arrancando en modo degradado", zap.Error(err))
		}
		return broker{
			bus:        gateway,
			subscriber: gateway,
			status:     gateway,
			reconnect:  gateway.EnsureConnected,
			close:      gateway.Close,
		}
	}
}

// openEventLog elige la proyección de analítica: ClickHouse si está configurado, memoria si no.
func openEventLog(ctx context.Context, cfg *config.Config, log *zap.Logger) (analyticsDomain.EventLogRepository, func()) {
	if cfg.ClickHouse == "" {
		log.Info("📊 Proyección de analítica en memoria")
		return analyticsMemory.NewEventLogRepo(), func() {}
	}

	repo, err := analyticsCH.NewEventLogRepo(ctx, cfg.ClickHouse, cfg.CHDatabase)
	if err != nil {
		log.Fatal("failed to connect to ClickHouse", zap.Error(err))
	}
	if err := repo.InitSchema(ctx); err != nil {
		log.Fatal("failed to initialize ClickHouse schema", zap.Error(err))
	}
	log.Info("📊 Proyección de analítica en ClickHouse", zap.String("addr", cfg.ClickHouse))
	return repo, func() { _ = repo.Close() }
}
