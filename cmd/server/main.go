package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/neurochat/backend/internal/config"
	"github.com/neurochat/backend/internal/expiry"
	"github.com/neurochat/backend/internal/history"
	"github.com/neurochat/backend/internal/message"
	"github.com/neurochat/backend/internal/messaging"
	"github.com/neurochat/backend/internal/metrics"
	"github.com/neurochat/backend/internal/presence"
	"github.com/neurochat/backend/internal/ratelimit"
	"github.com/neurochat/backend/internal/router"
	"github.com/neurochat/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	log.Printf("NeuroChat messaging server starting")
	log.Printf("  listen_addr:         %s", cfg.ListenAddr)
	log.Printf("  server_name:         %s", cfg.ServerName)
	log.Printf("  worker_pool:         %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections:     %d", cfg.MaxConnections)
	log.Printf("  read_timeout:        %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:       %s", cfg.WriteTimeout)
	log.Printf("  redis_addr:          %s", cfg.RedisAddr)
	log.Printf("  nats_url:            %s", cfg.NATSURL)
	log.Printf("  group_fanout_strict: %v", cfg.GroupFanoutStrict)

	// --- PostgreSQL message log ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := message.Migrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	store := message.NewStore(db)

	// --- Redis presence + rate limiting (optional) ---
	opts := router.Options{}
	var presenceStore *presence.Store
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		presenceStore, err = presence.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		opts.Presence = presenceStore
		if cfg.RateLimitEnabled {
			limiter = ratelimit.NewLimiter(presenceStore.Client())
			opts.Limiter = limiter
		}
	}

	// --- NATS fanout bus (optional) ---
	var bus *messaging.Bus
	if cfg.NATSURL != "" {
		busConfig := messaging.DefaultConfig()
		busConfig.URL = cfg.NATSURL
		busConfig.Name = "neurochat-" + cfg.ServerName
		bus, err = messaging.Connect(busConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		opts.Bus = bus
	}

	registry := presence.NewRegistry()
	scheduler := expiry.NewScheduler()

	rt := router.New(router.Config{
		ServerName:        cfg.ServerName,
		GroupFanoutStrict: cfg.GroupFanoutStrict,
	}, registry, store, scheduler, opts)

	// Bus subscriptions deliver envelopes routed on peer instances to this
	// instance's local connections. Events we originated are skipped.
	if bus != nil {
		err = bus.SubscribeBroadcast(func(ev messaging.Event) {
			if ev.Origin == cfg.ServerName {
				return
			}
			rt.DeliverBroadcast(ev.Payload)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to broadcast: %v", err)
		}

		err = bus.SubscribeDirect(func(userID string, ev messaging.Event) {
			if ev.Origin == cfg.ServerName {
				return
			}
			rt.DeliverDirect(userID, ev.Payload)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to direct: %v", err)
		}

		err = bus.SubscribeDelete(func(ev messaging.Event) {
			if ev.Origin == cfg.ServerName {
				return
			}
			rt.DeliverBroadcast(ev.Payload)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to delete: %v", err)
		}
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}

	handlers := ws.Handlers{
		OnConnect: func(c *ws.Connection) {
			rt.HandleConnect(c)
		},
		OnMessage: func(c *ws.Connection, data []byte) {
			rt.HandleMessage(c, data)
		},
		OnDisconnect: func(connID string) {
			rt.HandleDisconnect(connID)
		},
	}

	// Connect rate limiting keys on the client IP; the limiter fails open
	// when Redis is unavailable.
	if limiter != nil {
		handlers.OnAccept = func(remoteAddr string) bool {
			host, _, err := net.SplitHostPort(remoteAddr)
			if err != nil {
				host = remoteAddr
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			allowed, _ := limiter.Allow(ctx, host, ratelimit.RuleConnect)
			return allowed
		}
	}

	server := ws.NewServer(serverConfig, handlers)

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/api/history", history.NewHandler(store))
	if presenceStore != nil {
		server.Handle("/api/presence", presence.NewHandler(presenceStore))
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down", sig)

	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	scheduler.Stop()

	if bus != nil {
		bus.Close()
	}
	if presenceStore != nil {
		_ = presenceStore.Close()
	}
	_ = db.Close()

	log.Println("server stopped")
}
