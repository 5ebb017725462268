// Package app wires the attendance components together from configuration.
package app

import (
	"context"
	"fmt"
	"image"

	"face-attendance-go/config"
	"face-attendance-go/internal/db"
	"face-attendance-go/internal/db/pgvector"
	"face-attendance-go/internal/db/repository"
	"face-attendance-go/internal/enrollment"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/services/monitor"
	"face-attendance-go/internal/vision"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version is the application version.
const Version = "0.3.0"

// App holds the components shared by the daemon and the CLI commands.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Repo     *repository.SQLiteRepository
	Store    *identity.Store
	Detector *vision.Detector
	Aligner  *vision.Aligner
	Embedder vision.Embedder
	Enroller *enrollment.Enroller
	Metrics  *monitor.Metrics
	Monitor  *monitor.Monitor

	vectors *pgvector.Store
}

// Open builds the vision stack and loads the identity database. Missing
// model files and database failures are fatal here.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: monitor.NewMetrics()}

	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = gdb
	a.Repo = repository.NewSQLiteRepository(gdb)

	var identities repository.IdentityRepository = a.Repo
	if cfg.DB.Driver == "postgres" {
		a.vectors, err = pgvector.New(ctx, pgvector.ConnString(cfg.DB))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		identities = a.vectors
		log.Info("Reference embeddings stored in PostgreSQL")
	}

	backend, err := vision.NewBackend(cfg.Detector)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	a.Detector = vision.NewDetector(backend, cfg.Detector)
	a.Aligner = vision.NewAligner(cfg.Aligner)

	a.Embedder, err = vision.NewEmbedder(cfg.Embedder, cfg.Aligner.Size)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	opts, err := identity.OptionsFromConfig(cfg.Identity, a.Embedder.Dimension())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = identity.NewStore(opts, identities)
	if err := a.Store.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load identities: %w", err)
	}

	a.Enroller = enrollment.New(a.Detector, a.Aligner, a.Embedder, a.Store)
	a.Monitor = monitor.New(cfg.Camera.ID, a.Metrics)

	log.WithFields(log.Fields{
		"detector":   backend.Name(),
		"embedder":   a.Embedder.Name(),
		"dimension":  a.Embedder.Dimension(),
		"identities": a.Store.Len(),
	}).Info("Recognition stack ready")
	return a, nil
}

// Identification is the result of matching a still image.
type Identification struct {
	Region   image.Rectangle
	Match    identity.MatchResult
	Database string
}

// Identify matches the largest face of img. With PostgreSQL the nearest
// neighbour is also looked up in the database as a cross-check.
func (a *App) Identify(ctx context.Context, img image.Image) (Identification, error) {
	vec, region, err := a.Enroller.Embed(ctx, img)
	if err != nil {
		return Identification{}, err
	}
	match, err := a.Store.Match(vec)
	if err != nil {
		return Identification{}, err
	}
	res := Identification{Region: region.Box.Rect(), Match: match}

	if a.vectors != nil {
		id, dist, err := a.vectors.FindClosest(ctx, vec, a.Config.Identity.Threshold)
		if err != nil {
			log.WithError(err).Warn("Database nearest neighbour lookup failed")
		} else if id != "" {
			res.Database = id
			log.WithFields(log.Fields{"identity": id, "distance": dist}).Debug("Database nearest neighbour")
		}
	}
	return res, nil
}

// Close releases every component that was opened.
func (a *App) Close() {
	if a.Embedder != nil {
		a.Embedder.Close()
	}
	if a.Detector != nil {
		a.Detector.Close()
	}
	if a.vectors != nil {
		a.vectors.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
