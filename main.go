package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dirkpetersen/web-term/internal/audit"
	"github.com/dirkpetersen/web-term/internal/config"
	"github.com/dirkpetersen/web-term/internal/database"
	"github.com/dirkpetersen/web-term/internal/handlers"
	"github.com/dirkpetersen/web-term/internal/logging"
	"github.com/dirkpetersen/web-term/internal/middleware"
	"github.com/dirkpetersen/web-term/internal/session"
	"github.com/dirkpetersen/web-term/internal/sshauth"
	"github.com/dirkpetersen/web-term/internal/terminal"
	"github.com/dirkpetersen/web-term/internal/tmux"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor, err := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}
	handlers.AuditLog = auditor

	validator, err := sshauth.NewValidator(sshauth.Config{
		Host:           config.Cfg.SSHHost,
		Port:           config.Cfg.SSHPort,
		KnownHostsFile: config.Cfg.SSHKnownHosts,
		Timeout:        config.Cfg.SSHConnectTimeout,
	})
	if err != nil {
		log.Fatalf("SSH validator init: %v", err)
	}
	handlers.Validator = validator
	log.Printf("Authenticating against ssh://%s:%d", config.Cfg.SSHHost, config.Cfg.SSHPort)

	registry := session.NewRegistry(config.Cfg.SSHKeepaliveInterval)
	handlers.Registry = registry

	mux := tmux.New(tmux.Config{
		Prefix:         config.Cfg.TmuxPrefix,
		DetachGrace:    config.Cfg.DetachGrace,
		DestroyTimeout: config.Cfg.TeardownTimeout,
	})
	coord := terminal.NewCoordinator(registry, mux, auditor, terminal.Options{
		PerLogin:    config.Cfg.TmuxNaming == config.NamingLogin,
		IdleTimeout: config.Cfg.SessionIdleTimeout,
	})
	handlers.Coordinator = coord
	log.Printf("Terminal coordinator initialized (prefix=%s, naming=%s, idle_timeout=%s)",
		config.Cfg.TmuxPrefix, config.Cfg.TmuxNaming, config.Cfg.SessionIdleTimeout)

	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 1m", func() {
		coord.ExpireIdle(time.Now())
		validator.Limiter().Prune()
	}); err != nil {
		log.Fatalf("Schedule idle expiry: %v", err)
	}
	if _, err := jobs.AddFunc("@daily", func() {
		auditor.PurgeOlderThan(0)
	}); err != nil {
		log.Fatalf("Schedule audit purge: %v", err)
	}
	jobs.Start()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", handlers.Login)
		r.Post("/auth/logout", handlers.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(registry))

			r.Get("/auth/me", handlers.GetCurrentUser)
			r.Get("/stats", handlers.GetStats)
			r.Get("/audit", handlers.GetAuditLogs)

			// Files
			r.Get("/files", handlers.BrowseFiles)
			r.Get("/files/download", handlers.DownloadFile)
			r.Post("/files/upload", handlers.UploadFile)
			r.Post("/files/mkdir", handlers.CreateDirectory)

			// Terminal WebSocket
			r.Get("/ws", handlers.TerminalWS)
		})
	})

	if config.Cfg.StaticDir != "" {
		spa := middleware.NewSPAHandler(os.DirFS(config.Cfg.StaticDir))
		r.NotFound(spa.ServeHTTP)
		log.Printf("Serving static files from %s", config.Cfg.StaticDir)
	}

	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-jobs.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Detach rather than destroy: tmux sessions outlive a restart.
	coord.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
