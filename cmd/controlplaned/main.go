// controlplaned is the control plane's process entrypoint: it wires every
// component together, starts the HTTP server, and shuts everything down
// cleanly on SIGINT/SIGTERM, following the teacher's cmd/main.go startup
// and shutdown sequencing (env-driven config, background workers started
// before the listener, signal.Notify plus a timed shutdown context).
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/riftline/control-plane/internal/api"
	"github.com/riftline/control-plane/internal/authz"
	"github.com/riftline/control-plane/internal/autoscaler"
	"github.com/riftline/control-plane/internal/broadcaster"
	"github.com/riftline/control-plane/internal/cache"
	"github.com/riftline/control-plane/internal/clock"
	"github.com/riftline/control-plane/internal/config"
	"github.com/riftline/control-plane/internal/identity"
	"github.com/riftline/control-plane/internal/logger"
	"github.com/riftline/control-plane/internal/nodes"
	"github.com/riftline/control-plane/internal/oauth"
	"github.com/riftline/control-plane/internal/passwordhash"
	"github.com/riftline/control-plane/internal/ratelimit"
	"github.com/riftline/control-plane/internal/scheduler"
	"github.com/riftline/control-plane/internal/tokens"
	"github.com/riftline/control-plane/internal/wsauth"
)

func main() {
	cfg, err := config.Load(getEnv("CONTROL_PLANE_CONFIG", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "controlplaned: config: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()
	log.Info().Str("issuer", cfg.Issuer).Msg("starting control plane")

	sysClock := clock.System{}

	redisCache, err := cache.NewCache(cache.Config{URL: cfg.RedisURL, Enabled: cfg.RedisURL != ""})
	if err != nil {
		log.Warn().Err(err).Msg("redis cache unavailable, continuing without it")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	hasher := passwordhash.NewBcrypt(0)
	store := identity.NewMemoryStore(hasher)
	seedClients(store, hasher, cfg.Clients, log)

	issuer := tokens.New(resolveTokenConfig(cfg.Issuer, cfg.AccessKey, log), sysClock)

	var refreshStore oauth.RefreshStore
	if redisCache.IsEnabled() {
		refreshStore = oauth.NewRedisRefreshStore(redisCache, sysClock)
	} else {
		refreshStore = oauth.NewMemoryRefreshStore(sysClock)
	}

	var limiter ratelimit.Limiter
	if redisCache.IsEnabled() {
		limiter = ratelimit.NewRedisLimiter(redisCache, cfg.RateLimit.MaxPerWindow, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	} else {
		limiter = ratelimit.New(
			cfg.RateLimit.MaxPerWindow,
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
			time.Duration(cfg.RateLimit.CleanupIntervalSeconds)*time.Second,
			sysClock,
		)
	}

	oauthService := oauth.New(store, issuer, refreshStore, limiter, sysClock, oauth.TTLConfig{
		ServiceTokenTTL: cfg.ServiceTokenTTL,
		UserTokenTTL:    cfg.UserTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})

	registry := nodes.New(
		time.Duration(cfg.NodeTTLSeconds)*time.Second,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second,
		sysClock,
	)
	sched := scheduler.New(registry)
	scaler := autoscaler.New(registry, sched, cfg.Autoscaler, sysClock)

	broker := wsauth.New()
	events := broadcaster.New(4, *logger.WebSocket())
	defer events.Stop()
	go sweepExpiredClaims(broker, sysClock)

	exchangeCache, err := authz.NewTokenExchangeCache(4096, 5*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build token exchange cache")
	}
	filter := authz.New(issuer, api.Policies(), oauthService, exchangeCache)
	router := api.NewRouter(api.Deps{
		OAuth:      oauthService,
		Issuer:     issuer,
		Registry:   registry,
		Autoscaler: scaler,
		Cache:      redisCache,
		Clock:      sysClock,
		Log:        *logger.HTTP(),
	}, filter)
	api.RegisterErrorStream(router, api.ErrorStreamDeps{
		Broker:      broker,
		Broadcaster: events,
		Issuer:      issuer,
		Clock:       sysClock,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	registry.Stop()
	limiter.Stop()
	log.Info().Msg("shutdown complete")
}

// seedClients loads statically configured service clients into the store
// at startup -- the control plane has no client-onboarding UI, clients are
// provisioned by deploying config.
func seedClients(store identity.Store, hasher passwordhash.Hasher, clients []config.ClientConfig, log *zerolog.Logger) {
	for _, cc := range clients {
		secretHash := ""
		if cc.Secret != "" {
			h, err := hasher.Hash(cc.Secret)
			if err != nil {
				log.Error().Str("client_id", cc.ClientID).Err(err).Msg("failed to hash seeded client secret")
				continue
			}
			secretHash = h
		}
		kind := identity.KindConfidential
		if cc.Kind == "public" {
			kind = identity.KindPublic
		}
		if err := store.CreateClient(&identity.ServiceClient{
			ClientID:      cc.ClientID,
			Kind:          kind,
			SecretHash:    secretHash,
			AllowedScopes: cc.AllowedScopes,
			AllowedGrants: cc.AllowedGrants,
			Enabled:       cc.Enabled,
		}); err != nil {
			log.Error().Str("client_id", cc.ClientID).Err(err).Msg("failed to seed client")
		}
	}
}

// resolveTokenConfig builds the Issuer's signing configuration from the
// configured access key. A PEM-encoded RSA private key selects RS256;
// anything else is hashed into a fixed-length HMAC secret for HS256, so
// operators can set a human-chosen passphrase rather than a raw 256-bit
// secret.
func resolveTokenConfig(issuer, accessKey string, log *zerolog.Logger) tokens.Config {
	if key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(accessKey)); err == nil {
		log.Info().Msg("access key parsed as RSA private key, signing with RS256")
		return tokens.Config{Issuer: issuer, RSAPrivateKey: key, RSAPublicKey: &key.PublicKey}
	}
	return tokens.Config{Issuer: issuer, HMACSecret: []byte(resolveHMACSecret(accessKey))}
}

// resolveHMACSecret derives a fixed-length HMAC key from the configured
// access key material so operators can set a human-chosen passphrase
// rather than a raw 256-bit secret.
func resolveHMACSecret(accessKey string) string {
	if accessKey == "" {
		return "development-only-insecure-secret"
	}
	sum := sha256.Sum256([]byte(accessKey))
	return string(sum[:])
}

func sweepExpiredClaims(broker *wsauth.Broker, c clock.Clock) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		broker.RemoveExpired(c.Now())
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
