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

	"github.com/whisper-darkly/signalwatch/aiclient"
	"github.com/whisper-darkly/signalwatch/auth"
	"github.com/whisper-darkly/signalwatch/config"
	"github.com/whisper-darkly/signalwatch/router"
	"github.com/whisper-darkly/signalwatch/store"
	"github.com/whisper-darkly/signalwatch/store/postgres"
	"github.com/whisper-darkly/signalwatch/store/sqlite"
	"github.com/whisper-darkly/signalwatch/supervisor"
)

var version = "dev"

func main() {
	port := env("PORT", "8080")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	fmt.Printf("signalwatch %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer st.Close()

	adminUser := env("ADMIN_USERNAME", "admin")
	if adminPass := os.Getenv("ADMIN_PASSWORD"); adminPass != "" {
		if err := seedAdminUser(ctx, st, adminUser, adminPass); err != nil {
			log.Fatalf("seed admin user: %v", err)
		}
	} else {
		log.Println("ADMIN_PASSWORD not set; skipping admin user seeding")
	}

	cfg, err := config.Load(ctx, st.Config())
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var ai aiclient.Client
	if data := cfg.Get(); data.AIAPIKey != "" {
		ai = aiclient.NewHTTPClient(aiclient.HTTPConfig{
			BaseURL: os.Getenv("AI_BASE_URL"),
			APIKey:  data.AIAPIKey,
			Model:   data.AIProvider,
		})
	} else {
		log.Println("no AI API key configured; summarization will use the deterministic fallback")
	}

	sup := supervisor.New(st, cfg, []byte(jwtSecret), ai)
	sup.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router.New(sup.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	sup.Shutdown(shutCtx)
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// openStore selects the backend from STORE_DRIVER ("postgres", the
// default, or "sqlite"). DB_DSN is the postgres connection string;
// SQLITE_PATH is the sqlite file path (defaults to ./signalwatch.db).
func openStore(ctx context.Context) (store.Store, error) {
	switch env("STORE_DRIVER", "postgres") {
	case "sqlite":
		return sqlite.Open(env("SQLITE_PATH", "./signalwatch.db"))
	default:
		dsn := os.Getenv("DB_DSN")
		if dsn == "" {
			log.Fatal("DB_DSN environment variable is required when STORE_DRIVER=postgres")
		}
		return postgres.Open(ctx, dsn)
	}
}

// seedAdminUser creates an admin account with the given credentials only
// when the users table is empty, so re-running with ADMIN_PASSWORD set
// doesn't clobber an operator who has since changed their password.
func seedAdminUser(ctx context.Context, st store.Store, username, password string) error {
	count, err := st.Users().CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = st.Users().CreateUser(ctx, username, hash, store.RoleAdmin)
	if err == nil {
		log.Printf("seeded admin user: %s", username)
	}
	return err
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
