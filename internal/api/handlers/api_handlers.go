// Package handlers implements the administrative HTTP API.
package handlers

import (
	"context"
	"errors"
	"image"
	"mime/multipart"
	"net/http"
	"time"

	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/db/repository"
	"face-attendance-go/internal/enrollment"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/pipeline"
	"face-attendance-go/internal/server/sse"
	"face-attendance-go/internal/services/monitor"
	syncsvc "face-attendance-go/internal/services/sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const maxUploadImages = 16

// Deps are the services the API operates on. Sync, Pipeline and OnChange
// may be nil.
type Deps struct {
	Store    *identity.Store
	Enroller *enrollment.Enroller
	Repo     repository.Repository
	Sync     *syncsvc.Service
	Pipeline *pipeline.Pipeline
	Monitor  *monitor.Monitor
	Hub      *sse.Hub
	OnChange func(action, id string) // after every identity mutation
}

// APIHandler serves the /api routes.
type APIHandler struct {
	deps    Deps
	started time.Time
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(deps Deps) *APIHandler {
	return &APIHandler{deps: deps, started: time.Now()}
}

// RegisterRoutes registers all API routes on the group.
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/identities", h.ListIdentities)
	router.POST("/identities", h.CreateIdentity)
	router.GET("/identities/:id", h.GetIdentity)
	router.PATCH("/identities/:id", h.RenameIdentity)
	router.DELETE("/identities/:id", h.DeleteIdentity)
	router.POST("/identities/:id/references", h.AddReferences)
	router.PUT("/identities/:id/references", h.ReplaceReferences)

	router.GET("/attendance", h.ListAttendance)
	router.GET("/status", h.GetStatus)
	router.GET("/sync/failed", h.ListFailed)
	router.POST("/sync/failed/requeue", h.RequeueFailed)
	router.GET("/events/stream", h.StreamEvents)
}

// IdentityView is the JSON form of an identity.
type IdentityView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ReferenceCount int       `json:"reference_count"`
	EnrolledAt     time.Time `json:"enrolled_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOf(ident models.Identity) IdentityView {
	return IdentityView{
		ID:             ident.ID,
		Name:           ident.Name,
		ReferenceCount: len(ident.References),
		EnrolledAt:     ident.EnrolledAt,
		UpdatedAt:      ident.UpdatedAt,
	}
}

// ListIdentities returns all enrolled identities.
func (h *APIHandler) ListIdentities(c *gin.Context) {
	identities := h.deps.Store.List()
	views := make([]IdentityView, 0, len(identities))
	for _, ident := range identities {
		views = append(views, viewOf(ident))
	}
	c.JSON(http.StatusOK, gin.H{"identities": views, "count": len(views)})
}

// GetIdentity returns one identity.
func (h *APIHandler) GetIdentity(c *gin.Context) {
	ident, ok := h.deps.Store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(ident))
}

// CreateIdentity enrolls the uploaded images under a name. Posting to an
// existing name appends references to it.
func (h *APIHandler) CreateIdentity(c *gin.Context) {
	name := c.PostForm("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	imgs, ok := h.readImages(c)
	if !ok {
		return
	}

	ref := identity.Ref{ID: c.PostForm("id"), Name: name}
	action := models.IdentityActionEnroll
	if h.exists(ref) {
		action = models.IdentityActionReEnroll
	}
	ident, ok := h.enrollAll(c, ref, imgs)
	if !ok {
		return
	}
	h.changed(action, ident.ID, false)
	c.JSON(http.StatusCreated, viewOf(ident))
}

// AddReferences appends the uploaded images to an identity.
func (h *APIHandler) AddReferences(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.deps.Store.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	imgs, ok := h.readImages(c)
	if !ok {
		return
	}
	ident, ok := h.enrollAll(c, identity.Ref{ID: id}, imgs)
	if !ok {
		return
	}
	h.changed(models.IdentityActionReEnroll, ident.ID, false)
	c.JSON(http.StatusOK, viewOf(ident))
}

// ReplaceReferences re-enrolls an identity from the uploaded images.
func (h *APIHandler) ReplaceReferences(c *gin.Context) {
	imgs, ok := h.readImages(c)
	if !ok {
		return
	}
	ident, err := h.deps.Enroller.ReEnroll(c.Request.Context(), c.Param("id"), imgs)
	if err != nil {
		respondError(c, err)
		return
	}
	h.changed(models.IdentityActionReEnroll, ident.ID, true)
	c.JSON(http.StatusOK, viewOf(ident))
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameIdentity changes the display name of an identity.
func (h *APIHandler) RenameIdentity(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	ident, err := h.deps.Store.Rename(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	h.changed(models.IdentityActionReEnroll, ident.ID, false)
	c.JSON(http.StatusOK, viewOf(ident))
}

// DeleteIdentity removes an identity and its references.
func (h *APIHandler) DeleteIdentity(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Store.Remove(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.changed(models.IdentityActionRemove, id, true)
	c.Status(http.StatusNoContent)
}

// changed runs after a mutation. References that were replaced or removed
// also end the identity's debounce window.
func (h *APIHandler) changed(action, id string, resetWindow bool) {
	if resetWindow && h.deps.Pipeline != nil {
		h.deps.Pipeline.Debouncer().Reset(id)
	}
	if h.deps.OnChange != nil {
		h.deps.OnChange(action, id)
	}
}

// exists reports whether enrolling ref extends an identity already known.
func (h *APIHandler) exists(ref identity.Ref) bool {
	if ref.ID != "" {
		if _, ok := h.deps.Store.Get(ref.ID); ok {
			return true
		}
	}
	_, ok := h.deps.Store.FindByName(ref.Name)
	return ok
}

func (h *APIHandler) enrollAll(c *gin.Context, ref identity.Ref, imgs []image.Image) (models.Identity, bool) {
	var ident models.Identity
	for i, img := range imgs {
		var err error
		ident, err = h.deps.Enroller.Enroll(c.Request.Context(), ref, img)
		if err != nil {
			log.WithError(err).WithField("image", i+1).Warn("Enrollment image rejected")
			respondError(c, err)
			return ident, false
		}
		ref = identity.Ref{ID: ident.ID}
	}
	return ident, true
}

// readImages decodes the "file" parts of a multipart upload.
func (h *APIHandler) readImages(c *gin.Context) ([]image.Image, bool) {
	form, err := c.MultipartForm()
	if err != nil || len(form.File["file"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded or invalid form data"})
		return nil, false
	}
	files := form.File["file"]
	if len(files) > maxUploadImages {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many images"})
		return nil, false
	}

	imgs := make([]image.Image, 0, len(files))
	for _, fh := range files {
		img, err := decodeUpload(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "file": fh.Filename})
			return nil, false
		}
		imgs = append(imgs, img)
	}
	return imgs, true
}

func decodeUpload(fh *multipart.FileHeader) (image.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return enrollment.Decode(f)
}

// respondError maps domain errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	var (
		dim   *models.DimensionMismatch
		align *models.AlignmentError
		emb   *models.EmbeddingFailure
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrIdentityNotFound):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrNameTaken):
		status = http.StatusConflict
	case errors.Is(err, enrollment.ErrNoFace), errors.As(err, &align), errors.As(err, &dim):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &emb):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("API request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
