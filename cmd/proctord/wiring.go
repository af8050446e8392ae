package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/proctor/internal/archive"
	"github.com/ocx/proctor/internal/circuitbreaker"
	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/detector"
	"github.com/ocx/proctor/internal/events"
	"github.com/ocx/proctor/internal/handlers"
	"github.com/ocx/proctor/internal/infra"
	"github.com/ocx/proctor/internal/metrics"
	"github.com/ocx/proctor/internal/session"
	"github.com/ocx/proctor/internal/store"
	"github.com/ocx/proctor/internal/webhooks"
)

// deps are the infrastructure collaborators selected by config.
type deps struct {
	bus           *events.EventBus
	emitter       events.EventEmitter
	pubsub        *events.PubSubEventBus
	redis         *infra.GoRedisAdapter
	snapshots     store.SnapshotStore
	archive       archive.Archive
	webhooks      webhooks.WebhookEmitter
	breakers      *circuitbreaker.Manager
	frameAnalyzer detector.FrameAnalyzer
	similarity    detector.SimilarityChecker
	pool          *session.AnalysisPool
	closers       []func() error
}

func buildDeps(ctx context.Context, cm *config.Manager, m *metrics.Metrics, logger *slog.Logger) (*deps, error) {
	cfg := cm.Global()
	d := &deps{}

	// Events: Pub/Sub fan-out when enabled, in-process bus otherwise.
	if cfg.Events.PubSubEnabled {
		pb, err := events.NewPubSubEventBus(cfg.Events.ProjectID, cfg.Events.TopicID, cfg.Events.CredentialsFile, cfg.Events.BufferSize)
		if err != nil {
			return nil, fmt.Errorf("pubsub: %w", err)
		}
		d.pubsub, d.bus, d.emitter = pb, pb.EventBus, pb
		d.closers = append(d.closers, pb.Close)
	} else {
		d.bus = events.NewEventBus(cfg.Events.BufferSize)
		d.emitter = d.bus
	}

	// Snapshots
	switch cfg.Storage.SnapshotBackend {
	case "redis":
		rc := cfg.Storage.Redis
		adapter, err := infra.NewGoRedisAdapter(rc)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		d.redis = adapter
		d.snapshots = store.NewRedisStore(adapter, rc.KeyPrefix, time.Duration(rc.TTLMinutes)*time.Minute)
		d.closers = append(d.closers, adapter.Close)
	case "memory", "":
		d.snapshots = store.NewMemoryStore()
	default:
		d.Close()
		return nil, fmt.Errorf("unknown snapshot backend: %s", cfg.Storage.SnapshotBackend)
	}

	// Archive
	arch, err := archive.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	d.archive = arch
	d.closers = append(d.closers, arch.Close)

	// Webhooks
	registry, err := webhooks.NewRegistryFromConfig(cfg.Webhooks.Subscriptions)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("webhooks: %w", err)
	}
	if cfg.Webhooks.CloudTasks.Enabled {
		cd, err := webhooks.NewCloudDispatcher(registry, cfg.Webhooks.CloudTasks, cfg.Webhooks.Workers)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("cloud tasks: %w", err)
		}
		d.webhooks = cd
	} else {
		d.webhooks = webhooks.NewDispatcher(registry, cfg.Webhooks.Workers)
	}
	d.closers = append(d.closers, func() error { d.webhooks.Shutdown(); return nil })

	// Detectors: remote gRPC services behind a breaker, in-process defaults otherwise.
	dc := cfg.Detectors
	d.breakers = circuitbreaker.NewManager(dc.Breaker)
	guard := &detector.Guard{Breakers: d.breakers, Timeout: dc.Timeout(), Observer: m}

	if dc.FrameAnalyzerAddr != "" {
		client, err := detector.NewGRPCClient(dc.FrameAnalyzerAddr)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		d.frameAnalyzer = detector.GuardedFrameAnalyzer{Inner: detector.GRPCFrameAnalyzer{GRPCClient: client}, Guard: guard}
	} else {
		d.frameAnalyzer = detector.ClientReportedAnalyzer{}
	}

	if dc.SimilarityAddr != "" {
		client, err := detector.NewGRPCClient(dc.SimilarityAddr)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		d.similarity = detector.GuardedSimilarityChecker{Inner: detector.GRPCSimilarityChecker{GRPCClient: client}, Guard: guard}
	} else {
		sc := detector.NewShingleChecker(cfg.Integrity.ShingleSize)
		session.SeedCorpus(sc, cfg.Integrity.ReferenceAnswers)
		d.similarity = detector.GuardedSimilarityChecker{Inner: sc, Guard: &detector.Guard{Observer: m}}
	}

	if dc.Async {
		d.pool = session.NewAnalysisPool(dc.Workers, dc.QueueSize)
	}

	logger.Info("infrastructure ready",
		"snapshot_backend", cfg.Storage.SnapshotBackend,
		"archive_backend", cfg.Storage.ArchiveBackend,
		"pubsub", cfg.Events.PubSubEnabled,
		"cloud_tasks", cfg.Webhooks.CloudTasks.Enabled,
		"frame_analyzer", dc.FrameAnalyzerAddr,
		"similarity", dc.SimilarityAddr,
		"async_frames", dc.Async,
	)
	return d, nil
}

// healthChecks probes the remote dependencies that are in use.
func (d *deps) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"detectors": func(ctx context.Context) error {
			if open := d.breakers.Open(); len(open) > 0 {
				return fmt.Errorf("detector circuits open: %v", open)
			}
			return nil
		},
	}
	if d.redis != nil {
		checks["redis"] = d.redis.Ping
	}
	if d.pubsub != nil {
		checks["pubsub"] = d.pubsub.HealthCheck
	}
	return checks
}

// Close releases everything in reverse order of creation.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	d.closers = nil
}
