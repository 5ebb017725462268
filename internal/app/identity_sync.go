package app

import (
	"context"
	"fmt"
	"time"

	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/integrations/mqtt"
	"face-attendance-go/internal/security"
	syncsvc "face-attendance-go/internal/services/sync"

	"github.com/google/uuid"
)

// identityUpdate builds the signed upstream form of a local identity change.
// Enroll and re-enroll read the identity's current references from the store.
func (a *App) identityUpdate(action, id string) (models.IdentityUpdate, error) {
	update := models.IdentityUpdate{Action: action, ID: id, UpdatedAt: time.Now().UTC()}
	if action != models.IdentityActionRemove {
		ident, ok := a.Store.Get(id)
		if !ok {
			return models.IdentityUpdate{}, fmt.Errorf("identity %s not found", id)
		}
		update.Name = ident.Name
		update.Embeddings = ident.References
		update.UpdatedAt = ident.UpdatedAt.UTC()
	}
	if err := mqtt.SignUpdate(security.NewSigner(a.Config.Security.SigningKey), &update); err != nil {
		return models.IdentityUpdate{}, fmt.Errorf("sign identity update: %w", err)
	}
	return update, nil
}

// RecordIdentityChange queues an identity change for the backend when sync
// is enabled. CLI commands use it; the queued envelope is delivered by the
// daemon in order with attendance events.
func (a *App) RecordIdentityChange(ctx context.Context, action, id string) error {
	if !a.Config.Sync.Enabled {
		return nil
	}
	update, err := a.identityUpdate(action, id)
	if err != nil {
		return err
	}
	env, err := syncsvc.NewEnvelope(uuid.NewString(), syncsvc.KindIdentity, a.Config.Camera.ID, time.Now(), update)
	if err != nil {
		return err
	}
	outbox := syncsvc.NewOutbox(a.DB, a.Config.Sync.MaxRetries)
	if err := outbox.Append(ctx, []syncsvc.Envelope{env}); err != nil {
		return fmt.Errorf("queue identity update: %w", err)
	}
	return nil
}
