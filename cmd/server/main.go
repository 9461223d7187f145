package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"roomchat/internal/chat"
	"roomchat/internal/db"
	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	// Get Secrets from Environment (Docker)
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("❌ DB_DSN is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("❌ JWT_SECRET is not set")
	}

	// Optional: without Redis we still run, single-process only.
	redisAddr := os.Getenv("REDIS_ADDR")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(dsn)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	log.Println("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Room Registry + Core Wiring
	reg := registry.New(database.Conn)
	metrics := chat.NewMetrics()
	local := chat.NewLocalDispatcher(metrics, logger)

	var dispatcher chat.Dispatcher = local
	if redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		log.Println("✅ Connected to Redis")

		rd := chat.NewRedisDispatcher(local, redisClient, metrics, logger)
		go rd.Run(context.Background())
		dispatcher = rd
	} else {
		log.Println("⚠️  REDIS_ADDR not set, running single-instance fan-out")
	}

	presence := chat.NewPresenceTracker(reg, dispatcher, logger)
	service := chat.NewService(reg, dispatcher, metrics, logger)
	router := chat.NewRouter(service, metrics, logger)
	chatHandler := chat.NewHandler(reg, dispatcher, router, presence, metrics, logger)

	// 4. Identity (external provider mints the tokens, we only verify)
	verifier := identity.NewVerifier(jwtSecret)
	authMiddleware := identity.NewMiddleware(verifier)

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Method("GET", "/metrics", metrics)

	// Protected Routes (Require a valid token)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// WebSocket (Real-time)
		r.Get("/ws/rooms/{roomID}", chatHandler.ServeWs)

		// Read path: history recovery and room/presence lookups
		r.Get("/api/rooms/{roomID}", chatHandler.GetRoom)
		r.Get("/api/rooms/{roomID}/messages", chatHandler.GetRoomHistory)
		r.Get("/api/presence/{userID}", chatHandler.GetPresence)
	})

	log.Printf("🚀 Server starting on %s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal(err)
	}
}
