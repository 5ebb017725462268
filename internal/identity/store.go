// Package identity holds the enrolled identities and matches embeddings
// against their reference vectors.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/db/repository"
	"face-attendance-go/internal/util/names"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrNameTaken is returned when a different identity already uses the name.
var ErrNameTaken = errors.New("identity name already in use")

// Options configures matching and indexing.
type Options struct {
	Metric          Metric
	Threshold       float64
	Dimension       int // 0 fixes the dimension on the first enrollment
	LinearScanLimit int
	Candidates      int
	EfSearch        int
	Seed            int64
}

// OptionsFromConfig converts the identity config section.
func OptionsFromConfig(cfg config.IdentityConfig, dimension int) (Options, error) {
	metric, err := ParseMetric(cfg.Metric)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Metric:          metric,
		Threshold:       cfg.Threshold,
		Dimension:       dimension,
		LinearScanLimit: cfg.LinearScanLimit,
		Candidates:      cfg.Candidates,
		EfSearch:        cfg.EfSearch,
		Seed:            cfg.Seed,
	}, nil
}

// MatchResult is the outcome of a Match. IdentityID is empty for unknown faces.
type MatchResult struct {
	IdentityID string
	Name       string
	Distance   float64
}

// Known reports whether the embedding matched an enrolled identity.
func (r MatchResult) Known() bool {
	return r.IdentityID != ""
}

// Ref addresses an identity for enrollment, by id, by name or both.
type Ref struct {
	ID   string
	Name string
}

type reference struct {
	identityID string
	vector     []float32
}

type entry struct {
	identity models.Identity
	keys     []int
}

// Store is the in-memory identity database. Matches share a read lock;
// mutations hold the write lock and persist before they become visible.
type Store struct {
	mu      sync.RWMutex
	opts    Options
	repo    repository.IdentityRepository
	now     func() time.Time
	dim     int
	entries map[string]*entry
	byName  map[string]string // name key -> identity id
	refs    map[int]reference
	nextKey int
	index   *annIndex
}

// NewStore creates an empty store. repo may be nil for a purely in-memory store.
func NewStore(opts Options, repo repository.IdentityRepository) *Store {
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	if opts.Candidates <= 0 {
		opts.Candidates = 16
	}
	return &Store{
		opts:    opts,
		repo:    repo,
		now:     time.Now,
		dim:     opts.Dimension,
		entries: make(map[string]*entry),
		byName:  make(map[string]string),
		refs:    make(map[int]reference),
	}
}

// Load replaces the store contents with the identities from the repository.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	identities, err := s.repo.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identities: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	skipped := 0
	for _, identity := range identities {
		refs := identity.References[:0:0]
		for _, vec := range identity.References {
			if s.dim == 0 {
				s.dim = len(vec)
			}
			if len(vec) != s.dim {
				skipped++
				continue
			}
			refs = append(refs, vec)
		}
		identity.References = refs
		s.putLocked(identity)
	}
	s.reindexLocked()

	if skipped > 0 {
		log.Warnf("Skipped %d stored reference embeddings with dimension other than %d", skipped, s.dim)
	}
	log.Infof("Loaded %d identities with %d reference embeddings", len(s.entries), len(s.refs))
	return nil
}

// Dimension returns the embedding length the store accepts, 0 if not yet fixed.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Len returns the number of identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ReferenceCount returns the total number of reference embeddings.
func (s *Store) ReferenceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}

// Get returns a copy of the identity.
func (s *Store) Get(id string) (models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return models.Identity{}, false
	}
	return cloneIdentity(e.identity), true
}

// FindByName looks up an identity by its case-insensitive name.
func (s *Store) FindByName(name string) (models.Identity, bool) {
	s.mu.RLock()
	id, ok := s.byName[names.Key(name)]
	s.mu.RUnlock()
	if !ok {
		return models.Identity{}, false
	}
	return s.Get(id)
}

// List returns all identities ordered by enrollment time then id.
func (s *Store) List() []models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Identity, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneIdentity(e.identity))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnrolledAt.Equal(out[j].EnrolledAt) {
			return out[i].EnrolledAt.Before(out[j].EnrolledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Match finds the closest enrolled identity. Identities at or beyond the
// threshold yield an unknown result carrying the best distance seen.
func (s *Store) Match(vec []float32) (MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dim != 0 && len(vec) != s.dim {
		return MatchResult{}, &models.DimensionMismatch{Expected: s.dim, Got: len(vec)}
	}
	if len(s.refs) == 0 {
		return MatchResult{Distance: 1}, nil
	}

	var best *entry
	bestDist := 0.0
	consider := func(key int) {
		ref := s.refs[key]
		d := s.opts.Metric.Distance(vec, ref.vector)
		e := s.entries[ref.identityID]
		if best == nil || s.better(d, e, bestDist, best) {
			best, bestDist = e, d
		}
	}

	if s.index != nil {
		for _, key := range s.index.search(vec, s.searchWidth()) {
			consider(key)
		}
	}
	// the graph search is greedy and may stop short of the nearest
	// reference, so a miss is confirmed by an exact scan
	if best == nil || bestDist >= s.opts.Threshold {
		for key := range s.refs {
			consider(key)
		}
	}

	if best == nil || bestDist >= s.opts.Threshold {
		return MatchResult{Distance: bestDist}, nil
	}
	return MatchResult{
		IdentityID: best.identity.ID,
		Name:       best.identity.Name,
		Distance:   bestDist,
	}, nil
}

func (s *Store) searchWidth() int {
	if s.opts.EfSearch > s.opts.Candidates {
		return s.opts.EfSearch
	}
	return s.opts.Candidates
}

// better orders candidates by distance, then enrollment time, then id.
func (s *Store) better(d float64, e *entry, bestDist float64, best *entry) bool {
	if d != bestDist {
		return d < bestDist
	}
	if !e.identity.EnrolledAt.Equal(best.identity.EnrolledAt) {
		return e.identity.EnrolledAt.Before(best.identity.EnrolledAt)
	}
	return e.identity.ID < best.identity.ID
}

// Enroll appends a reference embedding, creating the identity if needed.
func (s *Store) Enroll(ctx context.Context, ref Ref, vec []float32) (models.Identity, error) {
	name := names.Normalize(ref.Name)
	if ref.ID == "" && name == "" {
		return models.Identity{}, errors.New("identity id or name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDimLocked(vec); err != nil {
		return models.Identity{}, err
	}

	var next models.Identity
	if e, ok := s.resolveLocked(ref.ID, name); ok {
		next = cloneIdentity(e.identity)
	} else {
		if name == "" {
			return models.Identity{}, fmt.Errorf("name is required for new identity %s: %w", ref.ID, models.ErrIdentityNotFound)
		}
		if _, taken := s.byName[names.Key(name)]; taken {
			return models.Identity{}, ErrNameTaken
		}
		id := ref.ID
		if id == "" {
			id = uuid.NewString()
		}
		next = models.Identity{ID: id, Name: name, EnrolledAt: s.now()}
	}
	next.References = append(next.References, cloneVector(vec))
	next.UpdatedAt = s.now()

	if err := s.persistLocked(ctx, next); err != nil {
		return models.Identity{}, err
	}

	if s.dim == 0 {
		s.dim = len(vec)
	}
	if e, ok := s.entries[next.ID]; ok {
		key := s.addRefLocked(next.ID, next.References[len(next.References)-1])
		e.identity = next
		e.keys = append(e.keys, key)
		if s.index != nil {
			s.index.add(key, s.refs[key].vector)
		} else {
			s.reindexLocked()
		}
	} else {
		s.putLocked(next)
		if s.index != nil {
			for _, key := range s.entries[next.ID].keys {
				s.index.add(key, s.refs[key].vector)
			}
		} else {
			s.reindexLocked()
		}
	}

	log.WithFields(log.Fields{"identity": next.ID, "name": next.Name, "references": len(next.References)}).Info("Enrolled reference embedding")
	return cloneIdentity(next), nil
}

// ReEnroll atomically replaces the identity's whole reference set.
func (s *Store) ReEnroll(ctx context.Context, id string, vecs [][]float32) (models.Identity, error) {
	if len(vecs) == 0 {
		return models.Identity{}, errors.New("re-enrollment needs at least one embedding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, vec := range vecs {
		if err := s.checkDimLocked(vec); err != nil {
			return models.Identity{}, err
		}
		if s.dim == 0 && len(vec) != len(vecs[0]) {
			return models.Identity{}, &models.DimensionMismatch{Expected: len(vecs[0]), Got: len(vec)}
		}
	}

	e, ok := s.entries[id]
	if !ok {
		return models.Identity{}, models.ErrIdentityNotFound
	}
	next := cloneIdentity(e.identity)
	next.References = make([][]float32, len(vecs))
	for i, vec := range vecs {
		next.References[i] = cloneVector(vec)
	}
	next.UpdatedAt = s.now()

	if err := s.persistLocked(ctx, next); err != nil {
		return models.Identity{}, err
	}

	if s.dim == 0 {
		s.dim = len(vecs[0])
	}
	s.dropLocked(id)
	s.putLocked(next)
	s.reindexLocked()

	log.WithFields(log.Fields{"identity": id, "references": len(vecs)}).Info("Re-enrolled identity")
	return cloneIdentity(next), nil
}

// Rename changes the display name of an identity.
func (s *Store) Rename(ctx context.Context, id, name string) (models.Identity, error) {
	name = names.Normalize(name)
	if name == "" {
		return models.Identity{}, errors.New("name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return models.Identity{}, models.ErrIdentityNotFound
	}
	if other, taken := s.byName[names.Key(name)]; taken && other != id {
		return models.Identity{}, ErrNameTaken
	}

	next := cloneIdentity(e.identity)
	next.Name = name
	next.UpdatedAt = s.now()
	if err := s.persistLocked(ctx, next); err != nil {
		return models.Identity{}, err
	}

	delete(s.byName, names.Key(e.identity.Name))
	s.byName[names.Key(name)] = id
	e.identity.Name = next.Name
	e.identity.UpdatedAt = next.UpdatedAt
	return cloneIdentity(e.identity), nil
}

// Remove deletes an identity and all of its references.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return models.ErrIdentityNotFound
	}
	if s.repo != nil {
		if err := s.repo.DeleteIdentity(ctx, id); err != nil && !errors.Is(err, models.ErrIdentityNotFound) {
			return fmt.Errorf("failed to delete identity: %w", err)
		}
	}
	s.dropLocked(id)
	s.reindexLocked()

	log.WithField("identity", id).Info("Removed identity")
	return nil
}

// Reset removes every identity.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset identities: %w", err)
		}
	}
	s.clearLocked()
	return nil
}

func (s *Store) checkDimLocked(vec []float32) error {
	if len(vec) == 0 {
		return &models.DimensionMismatch{Expected: s.dim, Got: 0}
	}
	if s.dim != 0 && len(vec) != s.dim {
		return &models.DimensionMismatch{Expected: s.dim, Got: len(vec)}
	}
	return nil
}

func (s *Store) resolveLocked(id, name string) (*entry, bool) {
	if id != "" {
		e, ok := s.entries[id]
		return e, ok
	}
	if other, ok := s.byName[names.Key(name)]; ok {
		return s.entries[other], true
	}
	return nil, false
}

func (s *Store) persistLocked(ctx context.Context, identity models.Identity) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.SaveIdentity(ctx, identity); err != nil {
		return fmt.Errorf("failed to persist identity %s: %w", identity.ID, err)
	}
	return nil
}

func (s *Store) addRefLocked(identityID string, vec []float32) int {
	key := s.nextKey
	s.nextKey++
	s.refs[key] = reference{identityID: identityID, vector: vec}
	return key
}

func (s *Store) putLocked(identity models.Identity) {
	e := &entry{identity: identity}
	for _, vec := range identity.References {
		e.keys = append(e.keys, s.addRefLocked(identity.ID, vec))
	}
	s.entries[identity.ID] = e
	s.byName[names.Key(identity.Name)] = identity.ID
}

func (s *Store) dropLocked(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	for _, key := range e.keys {
		delete(s.refs, key)
	}
	delete(s.byName, names.Key(e.identity.Name))
	delete(s.entries, id)
}

func (s *Store) clearLocked() {
	s.dim = s.opts.Dimension
	s.entries = make(map[string]*entry)
	s.byName = make(map[string]string)
	s.refs = make(map[int]reference)
	s.index = nil
}

// reindexLocked switches between linear scan and the HNSW graph.
func (s *Store) reindexLocked() {
	if s.opts.LinearScanLimit <= 0 || len(s.refs) <= s.opts.LinearScanLimit {
		s.index = nil
		return
	}
	s.index = buildANNIndex(s.opts.Metric, s.opts.EfSearch, s.opts.Seed, s.refs)
	log.Debugf("Rebuilt HNSW index with %d references", s.index.len())
}

func cloneVector(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}

func cloneIdentity(identity models.Identity) models.Identity {
	out := identity
	out.References = make([][]float32, len(identity.References))
	copy(out.References, identity.References)
	return out
}
