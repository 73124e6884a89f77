package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resumehub/authd/internal/auth"
	"github.com/resumehub/authd/internal/config"
	"github.com/resumehub/authd/internal/mail"
	"github.com/resumehub/authd/internal/store"
	"github.com/resumehub/authd/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Dev convenience -- a missing .env file is not an error.
	godotenv.Load()

	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always executes. Shuts down when ctx is
// cancelled (signal handling is the caller's concern). If ready is non-nil,
// the server's base URL is sent on it once the listener is bound. A non-nil
// mailer overrides the config-selected one (tests capture codes this way).
func run(ctx context.Context, cfg *config.Config, ready chan<- string, mailer mail.Mailer) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Keyed caches: Redis when configured (shared across instances),
	// in-memory otherwise. Both pairs honor the same TTL semantics.
	var (
		otpStore  auth.OtpStore
		csrfCache auth.CsrfCache
		limiter   auth.RateLimiter
		sweep     func() // nil when Redis owns expiry
	)
	if cfg.RedisURL != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()

		otpStore = store.NewRedisOtpStore(rdb, cfg.OtpTTL)
		csrfCache = store.NewRedisCsrfCache(rdb, cfg.CsrfTTL)
		limiter = store.NewRedisRateLimiter(rdb)
	} else {
		mo := store.NewMemoryOtpStore(cfg.OtpTTL)
		mc := store.NewMemoryCsrfCache(cfg.CsrfTTL)
		ml := store.NewMemoryRateLimiter()
		otpStore, csrfCache, limiter = mo, mc, ml
		sweep = func() {
			n := mo.Sweep() + mc.Sweep() + ml.Sweep(cfg.RateGlobalWindow)
			if n > 0 {
				slog.Debug("cache sweep complete", "reclaimed", n)
			}
		}
		if cfg.IsProduction() {
			slog.Warn("REDIS_URL not set, using in-memory caches; OTP, CSRF, and rate-limit state is per-instance")
		}
	}

	if mailer == nil {
		if cfg.SMTPHost != "" {
			mailer = mail.NewSMTPMailer(mail.SMTPConfig{
				Host:        cfg.SMTPHost,
				Port:        cfg.SMTPPort,
				Username:    cfg.SMTPUsername,
				Password:    cfg.SMTPPassword,
				FromAddress: cfg.SMTPFromAddress,
			})
		} else {
			mailer = &mail.DevMailer{}
		}
	}

	issuer, err := token.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to set up token issuer: %w", err)
	}

	h := auth.AuthHandler{
		CS:   ps,
		OTP:  otpStore,
		CSRF: csrfCache,
		RL:   limiter,
		ML:   mailer,
		TK:   issuer,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(&h, cfg)}

	// Memory-cache sweep goroutine; lazy expiry handles correctness, this
	// only reclaims memory. Cancelled via sweepCtx when run() returns.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	if sweep != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					sweep()
				case <-sweepCtx.Done():
					return
				}
			}
		}()
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("authd listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Separate func so tests can drive the full stack without a listener.
func buildRouter(h *auth.AuthHandler, cfg *config.Config) http.Handler {
	globalWindow := store.Window{Max: cfg.RateGlobalMax, Period: cfg.RateGlobalWindow}
	authWindow := store.Window{
		Max:            cfg.RateAuthMax,
		Period:         cfg.RateAuthWindow,
		SkipSuccessful: cfg.RateAuthSkipSuccessful,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(auth.RateLimit(h.RL, "global", globalWindow))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/csrf-token", h.CsrfToken)

	// Credential endpoints: stricter limiter, then CSRF on every mutation.
	r.Group(func(r chi.Router) {
		r.Use(auth.RateLimit(h.RL, "auth", authWindow))
		r.Use(h.RequireCSRF)
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/verify-otp", h.VerifyOtp)
	})

	// Bearer endpoints: no CSRF -- the bearer token is the gate.
	r.Group(func(r chi.Router) {
		r.Use(h.RequireBearer)
		r.Post("/verify-token", h.VerifyToken)
		r.Post("/refresh-token", h.RefreshToken)
	})

	return r
}
