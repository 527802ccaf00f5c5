package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"draft-collab-server/internal/config"
	"draft-collab-server/internal/events"
	"draft-collab-server/internal/handler"
	"draft-collab-server/internal/metrics"
	"draft-collab-server/internal/middleware"
	"draft-collab-server/internal/repository"
	"draft-collab-server/internal/service"
	"draft-collab-server/internal/websocket"
	"draft-collab-server/pkg/response"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/IBM/sarama"
	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	membership := openMembership(cfg.Database)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	sessions := service.NewSessionRegistry(service.SessionConfig{
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		IdleAfter:        cfg.Session.IdleAfter,
		IdleGrace:        cfg.Session.IdleGrace,
		SweepInterval:    cfg.Session.SweepInterval,
		MaxParticipants:  cfg.Session.MaxParticipants,
	}, membership, collector)

	var presenceCache service.PresenceCache
	var presenceReader handler.PresenceReader
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		cancel()
		defer rdb.Close()

		redisPresence := repository.NewRedisPresenceCache(rdb, cfg.Redis.KeyPrefix, cfg.Presence.CacheTTL)
		presenceCache = redisPresence
		presenceReader = redisPresence
		log.Printf("[Presence] mirroring presence to Redis at %s", cfg.Redis.Addr)
	}

	presence := service.NewPresenceTracker(sessions, presenceCache, cfg.Presence.Interval)
	sessions.AddObserver(presence)

	var dispatcher *events.Dispatcher
	if cfg.Kafka.Enabled {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect to Kafka: %v", err)
		}

		dispatcher = events.NewDispatcher(producer, cfg.Kafka.Topic, events.Options{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		})
		sessions.AddObserver(dispatcher)
		log.Printf("[Kafka] publishing session events to %s", cfg.Kafka.Topic)
	}

	wsManager := websocket.NewManager(websocket.Options{
		MaxConnPerUser:    cfg.WebSocket.MaxConnPerUser,
		SendBuffer:        cfg.Session.OutboundBuffer,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		WriteWait:         cfg.WebSocket.WriteWait,
		PongWait:          cfg.WebSocket.PongWait,
		PingPeriod:        cfg.WebSocket.PingPeriod,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		MessageBurst:      cfg.WebSocket.MessageBurst,
	})
	wsManager.SetMetrics(collector)
	go wsManager.Run()

	wsMessageHandler := handler.NewWebSocketMessageHandler(sessions, presence, cfg.WebSocket.RequestTimeout)
	wsManager.SetMessageHandler(wsMessageHandler)

	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize)
	sessionHandler := handler.NewSessionHandler(sessions, collector, presenceReader)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware("/metrics", "/health"))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	sessionHandler.Routes(api)

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		response.Success(w, map[string]interface{}{
			"status":      "healthy",
			"service":     "draft-collab-server",
			"sessions":    sessions.SessionCount(),
			"connections": wsManager.ConnectionCount(),
		})
	}).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Starting Draft Collab Server on %s (env: %s)", addr, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Participants still connected get userLeft before their sockets close.
	if err := sessions.Shutdown(ctx); err != nil {
		log.Printf("[Session] shutdown: %v", err)
	}
	wsManager.Shutdown()
	presence.Close()
	if dispatcher != nil {
		if err := dispatcher.Close(); err != nil {
			log.Printf("[Kafka] close: %v", err)
		}
	}

	log.Println("Server stopped gracefully")
}

func openMembership(db config.DatabaseConfig) service.MembershipChecker {
	if !db.Enabled {
		log.Printf("Membership checks disabled; every authenticated user may join")
		return repository.OpenMembership{}
	}

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s", db.User, db.Password, db.Host, db.Port)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatalf("Failed to connect to CouchDB: %v", err)
	}

	exists, err := client.DBExists(context.Background(), db.Name)
	if err != nil {
		log.Fatalf("Failed to check database existence: %v", err)
	}
	if !exists {
		if err := client.CreateDB(context.Background(), db.Name); err != nil {
			log.Fatalf("Failed to create database: %v", err)
		}
		log.Printf("Created database: %s", db.Name)
	}

	log.Printf("Connected to CouchDB at %s:%s", db.Host, db.Port)
	return repository.NewMembershipRepository(client, db.Name)
}
