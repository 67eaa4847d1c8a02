package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabOT/backend/config"
	"collabOT/backend/internal/cache"
	"collabOT/backend/internal/collab"
	"collabOT/backend/internal/httpapi/handlers"
	"collabOT/backend/internal/httpapi/middleware"
	"collabOT/backend/internal/logging"
	"collabOT/backend/internal/store"
	"collabOT/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("collab server exited")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logging.Info().Int("port", cfg.Running.Port).Str("store", cfg.Store.Driver).
		Strs("redis", cfg.Redis.Addrs).Strs("kafka", cfg.Kafka.Brokers).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === 房间存储 ===
	var backing store.RoomStore
	switch cfg.Store.Driver {
	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		backing = store.NewGormRoomStore(db)
	default:
		backing = store.NewMemoryRoomStore()
	}
	rooms := store.NewBreakerStore(backing, store.BreakerOptions{})

	// === 在线状态（可选）===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	// === Kafka 操作事件（可选）===
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultSemaphoreSize),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			},
		)
		// 先于 producer.Close 执行，把队列里的事件发完
		defer dispatcher.Close()
		events = dispatcher
	}

	hub := ws.NewHub(presence)
	svc := collab.NewInMemoryService(rooms, hub, events, collab.Options{
		HistoryLimit:   cfg.Collab.HistoryLimit,
		PersistTimeout: cfg.Collab.PersistTimeout,
	})
	manager := ws.NewManager(hub, svc, ws.Options{
		SendBuffer:   cfg.Collab.SendBuffer,
		OpsPerSecond: cfg.Collab.OpsPerSecond,
		OpBurst:      cfg.Collab.OpBurst,
	})

	r := newRouter(cfg, rooms, hub, manager)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info().Str("addr", srv.Addr).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Shutdown 不等待被劫持的 websocket 连接，这些连接随进程退出断开
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg *config.CollabConfig, rooms handlers.RoomRepo, hub *ws.Hub, manager *ws.Manager) *gin.Engine {
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	// 路由
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	handlers.NewRoomHandler(rooms, hub).Register(api)

	// 浏览器无法给 websocket 设置 Header，鉴权中间件同时接受 ?token=
	wsGroup := r.Group("/ws")
	wsGroup.Use(middleware.AuthMiddleware(cfg.Auth.Secret))
	wsGroup.GET("/:roomId", manager.ServeRoom)
	return r
}
