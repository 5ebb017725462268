// Package sync delivers attendance events and telemetry to the backend
// through a durable outbox.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/services/monitor"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const failureFeedSize = 64

// Transport carries envelopes to the backend.
type Transport interface {
	Connected() bool
	Deliver(ctx context.Context, env Envelope) error
}

// Service accepts events without blocking, persists them to the outbox and
// delivers them in order while the transport is connected.
type Service struct {
	cfg       config.SyncConfig
	deviceID  string
	transport Transport
	outbox    *Outbox
	buffer    *buffer
	backoff   Backoff
	metrics   *monitor.Metrics
	failures  chan models.SyncDeliveryFailure
	now       func() time.Time

	stopCh  chan struct{}
	wg      gosync.WaitGroup
	running bool
	mutex   gosync.Mutex
}

// NewService creates a sync service. The transport may be nil, in which case
// events accumulate in the outbox until one is set.
func NewService(db *gorm.DB, cfg config.SyncConfig, deviceID string, transport Transport, metrics *monitor.Metrics) *Service {
	return &Service{
		cfg:       cfg,
		deviceID:  deviceID,
		transport: transport,
		outbox:    NewOutbox(db, cfg.MaxRetries),
		buffer:    newBuffer(cfg.BufferSize),
		backoff:   BackoffFromConfig(cfg),
		metrics:   metrics,
		failures:  make(chan models.SyncDeliveryFailure, failureFeedSize),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Outbox exposes the durable queue.
func (s *Service) Outbox() *Outbox {
	return s.outbox
}

// Failures reports events that exhausted their retries.
func (s *Service) Failures() <-chan models.SyncDeliveryFailure {
	return s.failures
}

// Submit queues an attendance event. It never blocks on storage or network.
func (s *Service) Submit(event models.AttendanceEvent) error {
	env, err := s.envelope(event.ID, KindAttendance, event)
	if err != nil {
		return err
	}
	s.buffer.push(env)
	return nil
}

// SubmitTelemetry queues a telemetry message. When the buffer is full the
// oldest telemetry is dropped.
func (s *Service) SubmitTelemetry(id string, payload interface{}) error {
	env, err := s.envelope(id, KindTelemetry, payload)
	if err != nil {
		return err
	}
	if dropped := s.buffer.push(env); dropped > 0 {
		s.metrics.Add(monitor.TelemetryDropped, uint64(dropped))
	}
	return nil
}

// SubmitIdentity queues an identity change made on this device. It travels
// through the outbox in order with attendance events.
func (s *Service) SubmitIdentity(id string, update models.IdentityUpdate) error {
	env, err := s.envelope(id, KindIdentity, update)
	if err != nil {
		return err
	}
	s.buffer.push(env)
	return nil
}

func (s *Service) envelope(id, kind string, payload interface{}) (Envelope, error) {
	return NewEnvelope(id, kind, s.deviceID, s.now(), payload)
}

// Start launches the delivery loop.
func (s *Service) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.processingLoop()

	log.Info("Sync service started")
}

// Stop ends the delivery loop and persists any events still buffered.
func (s *Service) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.wg.Wait()
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persist(ctx); err != nil {
		log.WithError(err).Error("Failed to persist buffered events on shutdown")
	}

	log.Info("Sync service stopped")
}

func (s *Service) processingLoop() {
	defer s.wg.Done()

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	s.cycle(ctx)
	for {
		select {
		case <-ticker.C:
		case <-s.buffer.notify:
		case <-s.stopCh:
			return
		}
		s.cycle(ctx)
	}
}

// cycle persists buffered events and delivers what is due.
func (s *Service) cycle(ctx context.Context) {
	if err := s.persist(ctx); err != nil {
		log.WithError(err).Error("Failed to persist events to the outbox")
	}
	if err := s.deliver(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("Outbox delivery failed")
	}
	s.deliverTelemetry(ctx)
}

func (s *Service) persist(ctx context.Context) error {
	envs := s.buffer.takeCritical()
	if len(envs) == 0 {
		return nil
	}
	if err := s.outbox.Append(ctx, envs); err != nil {
		s.buffer.requeue(envs)
		return err
	}
	return nil
}

func (s *Service) connected() bool {
	return s.transport != nil && s.transport.Connected()
}

// deliver sends pending outbox rows strictly in id order. It stops at the
// first row that is not yet due or fails without exhausting its retries.
func (s *Service) deliver(ctx context.Context) error {
	for ctx.Err() == nil {
		if !s.connected() {
			return nil
		}
		row, err := s.outbox.Head(ctx)
		if err != nil || row == nil {
			return err
		}
		now := s.now()
		if !s.backoff.Due(row.LastAttempt, row.Retries, now) {
			return nil
		}

		env, err := s.outbox.Envelope(row)
		if err != nil {
			// undecodable rows can never succeed
			if markErr := s.outbox.MarkFailed(ctx, row, now, err); markErr != nil {
				return markErr
			}
			s.reportFailure(row, err)
			continue
		}

		s.metrics.Inc(monitor.DeliveryAttempts)
		deliverErr := s.send(ctx, env)
		if deliverErr == nil {
			if err := s.outbox.MarkDelivered(ctx, row, s.now()); err != nil {
				return err
			}
			s.metrics.Inc(monitor.EventsDelivered)
			log.WithFields(log.Fields{"event": row.EventID, "attempts": row.Retries}).Debug("Event delivered")
			continue
		}

		if ctx.Err() != nil || !s.connected() {
			// connectivity loss does not consume a retry
			return nil
		}
		exhausted, err := s.outbox.MarkAttempt(ctx, row, s.now(), deliverErr)
		if err != nil {
			return err
		}
		if !exhausted {
			log.WithError(deliverErr).WithFields(log.Fields{
				"event":   row.EventID,
				"retries": row.Retries,
				"next_in": s.backoff.Delay(row.Retries),
			}).Warn("Event delivery failed, will retry")
			return nil
		}
		s.reportFailure(row, deliverErr)
	}
	return ctx.Err()
}

func (s *Service) send(ctx context.Context, env Envelope) error {
	timeout := s.cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.transport.Deliver(dctx, env)
}

func (s *Service) reportFailure(row *models.PendingEvent, cause error) {
	s.metrics.Inc(monitor.EventsFailed)
	failure := models.SyncDeliveryFailure{EventID: row.EventID, Attempts: row.Retries, Cause: cause}
	log.WithError(cause).WithFields(log.Fields{
		"event":    row.EventID,
		"attempts": row.Retries,
	}).Error("Event delivery failed permanently")

	select {
	case s.failures <- failure:
	default:
		log.WithField("event", row.EventID).Warn("Failure feed full, report dropped")
	}
}

// deliverTelemetry sends buffered telemetry once each. Failed telemetry is
// dropped.
func (s *Service) deliverTelemetry(ctx context.Context) {
	for ctx.Err() == nil && s.connected() {
		env, ok := s.buffer.popTelemetry()
		if !ok {
			return
		}
		if err := s.send(ctx, env); err != nil {
			s.metrics.Inc(monitor.TelemetryDropped)
			log.WithError(err).Debug("Telemetry delivery failed")
		}
	}
}

// RequeueFailed moves failed events back to pending and wakes the loop.
func (s *Service) RequeueFailed(ctx context.Context) (int64, error) {
	n, err := s.outbox.RequeueFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("Requeued %d failed events", n)
		select {
		case s.buffer.notify <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Status summarises the channel state.
type Status struct {
	Connected bool  `json:"connected"`
	Buffered  int   `json:"buffered"`
	Pending   int64 `json:"pending"`
	Failed    int64 `json:"failed"`
}

// Status returns the current channel state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	pending, failed, err := s.outbox.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Connected: s.connected(), Buffered: s.buffer.len(), Pending: pending, Failed: failed}, nil
}
