package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/security"

	log "github.com/sirupsen/logrus"
)

// Identity command actions, taken from the last topic segment.
const (
	ActionEnroll   = models.IdentityActionEnroll
	ActionReEnroll = models.IdentityActionReEnroll
	ActionRemove   = models.IdentityActionRemove
)

// IdentityUpdater applies identity changes. *identity.Store implements it.
type IdentityUpdater interface {
	Enroll(ctx context.Context, ref identity.Ref, vec []float32) (models.Identity, error)
	ReEnroll(ctx context.Context, id string, vecs [][]float32) (models.Identity, error)
	Remove(ctx context.Context, id string) error
}

// IdentityCommand is the payload of an identity update.
type IdentityCommand struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Embeddings [][]float32 `json:"embeddings"`
	Signature  string      `json:"signature,omitempty"`
}

// CommandHandler validates and applies identity commands from the backend.
type CommandHandler struct {
	updater  IdentityUpdater
	signer   *security.Signer
	onChange func(id string)
}

// NewCommandHandler creates a handler. onChange is called with the identity
// id after every applied command and may be nil.
func NewCommandHandler(updater IdentityUpdater, signer *security.Signer, onChange func(id string)) *CommandHandler {
	return &CommandHandler{updater: updater, signer: signer, onChange: onChange}
}

// signedFields is what the backend signs: action, id, name and embeddings.
func signedFields(action string, cmd IdentityCommand) ([][]byte, error) {
	emb, err := json.Marshal(cmd.Embeddings)
	if err != nil {
		return nil, err
	}
	return [][]byte{[]byte(action), []byte(cmd.ID), []byte(cmd.Name), emb}, nil
}

// SignCommand fills in the signature of cmd for action.
func SignCommand(signer *security.Signer, action string, cmd *IdentityCommand) error {
	parts, err := signedFields(action, *cmd)
	if err != nil {
		return err
	}
	cmd.Signature = signer.Sign(parts...)
	return nil
}

// SignUpdate signs an outgoing identity update over the same fields as
// incoming commands.
func SignUpdate(signer *security.Signer, update *models.IdentityUpdate) error {
	parts, err := signedFields(update.Action, IdentityCommand{ID: update.ID, Name: update.Name, Embeddings: update.Embeddings})
	if err != nil {
		return err
	}
	update.Signature = signer.Sign(parts...)
	return nil
}

// Handle decodes, verifies and applies one command.
func (h *CommandHandler) Handle(ctx context.Context, action string, payload []byte) error {
	var cmd IdentityCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode identity command: %w", err)
	}
	parts, err := signedFields(action, cmd)
	if err != nil {
		return err
	}
	if err := h.signer.Verify(cmd.Signature, parts...); err != nil {
		return err
	}

	switch action {
	case ActionEnroll:
		if len(cmd.Embeddings) == 0 {
			return errors.New("enroll command carries no embeddings")
		}
		ref := identity.Ref{ID: cmd.ID, Name: cmd.Name}
		var ident models.Identity
		for _, vec := range cmd.Embeddings {
			if ident, err = h.updater.Enroll(ctx, ref, vec); err != nil {
				return err
			}
			// later vectors go to the identity just resolved or created
			ref = identity.Ref{ID: ident.ID}
		}
		if h.onChange != nil {
			h.onChange(ident.ID)
		}
		log.WithFields(log.Fields{"identity": ident.Name, "id": ident.ID, "references": len(cmd.Embeddings)}).Info("Identity enrolled from backend")
	case ActionReEnroll:
		ident, err := h.updater.ReEnroll(ctx, cmd.ID, cmd.Embeddings)
		if err != nil {
			return err
		}
		if h.onChange != nil {
			h.onChange(ident.ID)
		}
		log.WithFields(log.Fields{"identity": ident.Name, "id": ident.ID}).Info("Identity re-enrolled from backend")
	case ActionRemove:
		if err := h.updater.Remove(ctx, cmd.ID); err != nil {
			return err
		}
		if h.onChange != nil {
			h.onChange(cmd.ID)
		}
		log.WithField("id", cmd.ID).Info("Identity removed by backend")
	default:
		return fmt.Errorf("unknown identity action %q", action)
	}
	return nil
}
