package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koolBEANS829/spoty-rec/auth"
	"github.com/koolBEANS829/spoty-rec/catalog"
	"github.com/koolBEANS829/spoty-rec/db"
	"github.com/koolBEANS829/spoty-rec/engine"
	"github.com/koolBEANS829/spoty-rec/httputil"
	"github.com/koolBEANS829/spoty-rec/recs"
	"github.com/koolBEANS829/spoty-rec/spotify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Config struct {
	DBPath        string
	DatabaseURL   string // non-empty selects Postgres over SQLite
	JWTSecret     string
	Port          string
	SpotifyID     string
	SpotifySecret string
	SpotifyRedir  string
}

func loadConfig() Config {
	return Config{
		DBPath:        getEnv("DB_PATH", "/data/spotyrec.db"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSecret:     getEnv("JWT_SECRET", "supersecretkey"),
		Port:          getEnv("PORT", "8080"),
		SpotifyID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifySecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
		SpotifyRedir:  getEnv("SPOTIFY_REDIRECT_URL", "http://localhost:8080/api/spotify/callback"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openDatabase(cfg Config) (*db.CompatDB, error) {
	if cfg.DatabaseURL != "" {
		raw, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return db.NewCompatDB(raw, db.DialectPostgres), nil
	}

	raw, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Single connection: prevents concurrent write conflicts
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)
	raw.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := raw.Exec(pragma); err != nil {
			return nil, err
		}
	}
	return db.NewCompatDB(raw, db.DialectSQLite), nil
}

func main() {
	cfg := loadConfig()

	database, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database.DB, database.Dialect); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	provider := spotify.NewClient(nil, "")
	eng := engine.New(database, provider)
	if err := eng.Train(context.Background()); err != nil {
		// An empty catalog is a normal cold start; the first generate
		// retries training once songs arrive.
		log.Printf("initial training skipped: %v", err)
	}

	authHandler := &auth.Handler{DB: database, JWTSecret: cfg.JWTSecret}
	catalogHandler := &catalog.Handler{
		DB:        database,
		Engine:    eng,
		Provider:  provider,
		OAuth:     spotify.NewOAuthConfig(cfg.SpotifyID, cfg.SpotifySecret, cfg.SpotifyRedir),
		JWTSecret: cfg.JWTSecret,
	}
	recsHandler := &recs.Handler{DB: database, Engine: eng}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/api/auth/register", authHandler.HandleRegister)
	r.Post("/api/auth/login", authHandler.HandleLogin)
	r.Get("/api/spotify/callback", catalogHandler.HandleCallback)

	r.Group(func(r chi.Router) {
		r.Use(authHandler.AuthMiddleware)
		r.Get("/api/me", recsHandler.HandleMe)
		r.Get("/api/me/preferences", recsHandler.HandleListPreferences)

		r.Get("/api/search", catalogHandler.HandleSearch)
		r.Post("/api/songs/{spotifyID}/features", catalogHandler.HandleAudioFeatures)
		r.Get("/api/spotify/connect", catalogHandler.HandleConnect)
		r.Post("/api/spotify/refresh", catalogHandler.HandleRefresh)

		r.Get("/api/recommendations", recsHandler.HandleGetRecommendations)
		r.Post("/api/recommendations/generate", recsHandler.HandleGenerate)
		r.Post("/api/recommendations/train", recsHandler.HandleTrain)
		r.Post("/api/recommendations/spotify", recsHandler.HandleProviderRecs)
		r.Post("/api/feedback", recsHandler.HandleFeedback)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Printf("spoty-rec API listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Println("server shut down")
}
