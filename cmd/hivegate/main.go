package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hivegate/hivegate/internal/api"
	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/deviceauth"
	"github.com/hivegate/hivegate/internal/gateway"
	"github.com/hivegate/hivegate/internal/identity"
	"github.com/hivegate/hivegate/internal/keystore"
	"github.com/hivegate/hivegate/internal/metrics"
	"github.com/hivegate/hivegate/internal/nexus"
	"github.com/hivegate/hivegate/internal/session"
	"github.com/hivegate/hivegate/internal/valkey"
	"github.com/hivegate/hivegate/protocol"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	configPath := flag.String("config", os.Getenv("HIVEGATE_CONFIG"), "path to the config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run(configPath string) error {
	cfgStore, err := config.Load(configPath, log.Logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Current()

	log.Info().
		Str("auth_mode", string(cfg.AuthMode)).
		Int("max_connections", cfg.MaxConnections).
		Msg("Starting Hivegate")

	ctx := context.Background()

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Device key registry: persisted TOFU pins plus config-provided keys.
	registry, err := keystore.NewPersistentRegistry(ctx, keystore.NewStore(rdb), cfg.MaxDeviceKeys, log.Logger)
	if err != nil {
		return fmt.Errorf("load device keys: %w", err)
	}
	if len(cfg.KnownKeys) > 0 {
		known, err := decodeKnownKeys(cfg.KnownKeys)
		if err != nil {
			return err
		}
		if err := registry.Seed(known); err != nil {
			log.Warn().Err(err).Msg("Some configured device keys were not loaded")
		}
	}

	verifier := deviceauth.NewVerifier(deviceauth.Config{
		Mode:             cfg.AuthMode,
		Token:            cfg.LegacyToken,
		JWTMaxAge:        cfg.JWTMaxAge,
		AllowTOFU:        cfg.AllowTOFU,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, registry, log.Logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// The session manager's callbacks close over the hub, which is created
	// after it; no session event can fire before the first registration.
	var hub *gateway.Hub
	sessions := session.NewManager(
		cfg.SessionTimeout,
		cfg.SuspendTimeout,
		func(u session.Update) { hub.HandleSessionUpdate(u) },
		func(nodeID string, from protocol.SessionState, event session.Event) {
			hub.HandleSessionNoop(nodeID, from, event)
		},
		log.Logger,
	)
	defer sessions.Close()

	var onInbound gateway.InboundFunc
	if cfg.NexusURL != "" {
		onInbound = nexus.NewForwarder(cfg.NexusURL, cfg.NexusAPIKey, log.Logger).Forward
		log.Info().Str("url", cfg.NexusURL).Msg("Forwarding node messages to Nexus")
	} else {
		log.Warn().Msg("nexusUrl is not set, node-originated messages will be dropped")
	}

	identities := identity.NewStore()
	hub = gateway.NewHub(cfg, sessions, verifier, identities, m, onInbound, log.Logger)
	cfgStore.OnChange(hub.ApplyConfig)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Hivegate",
		// ErrorHandler catches errors that handlers did not already map to
		// problem responses, such as Fiber's built-in 404/405.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return api.FailProblem(c, protocol.Problem{
					Type:   "HTTPError",
					Title:  fe.Message,
					Status: fe.Code,
				})
			}
			log.Error().Err(err).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Unhandled error")
			return api.FailProblem(c, protocol.ProblemInternal())
		},
	})

	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} ${locals:requestid} ${method} ${path} ${status} ${latency}\n",
		TimeFormat: time.RFC3339,
	}))

	registerRoutes(app, hub, identities, rdb, reg)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")
		hub.Shutdown()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Msg("Gateway listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// decodeKnownKeys converts the config entries into registry-ready keys.
// Load already validated the encodings, so a failure here is a bug.
func decodeKnownKeys(entries []config.KnownKey) (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(entries))
	for _, k := range entries {
		key, err := deviceauth.DecodeKey(k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("knownKeys %s: %w", k.NodeID, err)
		}
		keys[k.NodeID] = key
	}
	return keys, nil
}

func registerRoutes(app *fiber.App, hub *gateway.Hub, identities *identity.Store, rdb *redis.Client, reg *prometheus.Registry) {
	gw := api.NewGatewayHandler(hub)
	app.Get("/gateway", gw.Upgrade)
	app.Get("/api/v1/gateway", gw.Upgrade)

	dispatch := api.NewDispatchHandler(hub)
	app.Post("/api/v1/dispatch", dispatch.Dispatch)

	ids := api.NewIdentityHandler(identities, hub)
	app.Put("/api/v1/identity", ids.SetGlobal)
	app.Delete("/api/v1/identity", ids.ClearGlobal)
	app.Put("/api/v1/identity/channels/:channelId", ids.SetChannel)
	app.Delete("/api/v1/identity/channels/:channelId", ids.ClearChannel)
	app.Get("/api/v1/nodes/:nodeId/identity", ids.Effective)

	health := &api.HealthHandler{Redis: rdb, Hub: hub}
	app.Get("/api/v1/health", health.Health)

	app.Get("/metrics", api.MetricsHandler(reg))
}
