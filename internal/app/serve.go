package app

import (
	"context"
	"fmt"
	"time"

	"face-attendance-go/internal/api/handlers"
	"face-attendance-go/internal/capture"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/core/processor"
	"face-attendance-go/internal/integrations/homeassistant"
	"face-attendance-go/internal/integrations/mqtt"
	"face-attendance-go/internal/pipeline"
	"face-attendance-go/internal/security"
	"face-attendance-go/internal/server"
	"face-attendance-go/internal/server/sse"
	"face-attendance-go/internal/services/cleanup"
	"face-attendance-go/internal/services/monitor"
	syncsvc "face-attendance-go/internal/services/sync"
	"face-attendance-go/internal/util/timezone"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Serve runs the attendance daemon until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	started := time.Now()
	timezone.Initialize(cfg.Server.Timezone)

	source, err := capture.NewSource(cfg.Camera)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}

	workers := cfg.Pipeline.RegionWorkers
	if workers <= 0 {
		workers = processor.DefaultWorkerCount()
	}
	pool := processor.NewWorkerPool(processor.NewRegionProcessor(a.Aligner, a.Embedder, a.Store, a.Metrics), workers)
	pipe := pipeline.New(cfg.Pipeline, source, a.Detector, pool, a.Metrics)

	hub := sse.NewHub()
	signer := security.NewSigner(cfg.Security.SigningKey)

	var mqttClient *mqtt.Client
	var discovery *homeassistant.Discovery
	var syncService *syncsvc.Service
	if cfg.Sync.Enabled {
		var transport syncsvc.Transport
		if cfg.MQTT.Enabled {
			mqttClient = mqtt.NewClient(cfg.MQTT, signer)
			if cfg.MQTT.HomeAssistant {
				discovery = homeassistant.NewDiscovery(mqttClient, cfg.MQTT, cfg.Camera.ID, Version)
				mqttClient.OnConnect(func() { a.registerSensors(discovery) })
			}
			mqttClient.SetCommandHandler(mqtt.NewCommandHandler(a.Store, signer, func(id string) {
				pipe.Debouncer().Reset(id)
				a.registerSensors(discovery)
			}))
			if err := mqttClient.Start(); err != nil {
				// the client keeps retrying; events wait in the outbox
				log.WithError(err).Warn("MQTT broker not reachable yet")
			}
			transport = mqttClient
		} else {
			log.Warn("Sync enabled without a transport, events stay in the outbox")
		}
		syncService = syncsvc.NewService(a.DB, cfg.Sync, cfg.Camera.ID, transport, a.Metrics)
	}

	pipe.OnEvent(func(ctx context.Context, event models.AttendanceEvent) {
		if err := a.Repo.SaveAttendance(ctx, event); err != nil {
			log.WithError(err).WithField("event", event.ID).Error("Failed to store attendance record")
		}
		if syncService != nil {
			if err := syncService.Submit(event); err != nil {
				log.WithError(err).WithField("event", event.ID).Error("Failed to queue event for sync")
			}
		}
		hub.BroadcastAttendance(event)
		if discovery != nil {
			if err := discovery.PublishAttendance(event); err != nil {
				log.WithError(err).Debug("Presence not published")
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if syncService != nil {
		syncService.Start()
		g.Go(func() error {
			for {
				select {
				case f := <-syncService.Failures():
					log.WithFields(log.Fields{"event": f.EventID, "attempts": f.Attempts}).
						Error("Attendance event could not be delivered, requeue with 'sync requeue'")
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	var outbox cleanup.OutboxPruner
	if syncService != nil {
		outbox = syncService.Outbox()
	}
	cleaner := cleanup.NewCleanupService(a.Repo, outbox, cfg.Cleanup)
	g.Go(func() error {
		cleaner.Start(gctx)
		return nil
	})

	if cfg.Monitor.Enabled {
		g.Go(func() error {
			a.Monitor.Run(gctx, cfg.Monitor.TelemetryInterval, func(t monitor.Telemetry) {
				if syncService != nil {
					syncService.SubmitTelemetry(uuid.NewString(), t)
				}
			})
			return nil
		})
	}

	if cfg.Server.Enabled {
		api := handlers.NewAPIHandler(handlers.Deps{
			Store:    a.Store,
			Enroller: a.Enroller,
			Repo:     a.Repo,
			Sync:     syncService,
			Pipeline: pipe,
			Monitor:  a.Monitor,
			Hub:      hub,
			OnChange: func(action, id string) {
				if syncService != nil {
					update, err := a.identityUpdate(action, id)
					if err == nil {
						err = syncService.SubmitIdentity(uuid.NewString(), update)
					}
					if err != nil {
						log.WithError(err).WithField("id", id).Error("Failed to queue identity update for sync")
					}
				}
				go a.registerSensors(discovery)
			},
		})
		srv := server.New(cfg, server.NewRouter(cfg, api))
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := pipe.Run(gctx); err != nil {
			return err
		}
		// an exhausted source leaves the API and sync running
		<-gctx.Done()
		return nil
	})

	err = g.Wait()

	if syncService != nil {
		syncService.Stop()
	}
	if mqttClient != nil {
		mqttClient.Stop()
	}
	log.WithField("uptime", time.Since(started).Truncate(time.Second)).Info("Attendance daemon stopped")
	return err
}

func (a *App) registerSensors(discovery *homeassistant.Discovery) {
	if discovery == nil {
		return
	}
	if err := discovery.RegisterIdentities(a.Store.List()); err != nil {
		log.WithError(err).Warn("Home Assistant discovery incomplete")
	}
}
