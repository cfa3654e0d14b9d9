package records

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store describes persistence for resources, their content records and the
// ownership relation.
type Store interface {
	PutResource(ctx context.Context, r *Resource) error
	FindResource(ctx context.Context, id string) (*Resource, error)
	Tombstone(ctx context.Context, id string) error

	PutImage(ctx context.Context, img *Image) error
	FindImage(ctx context.Context, id string) (*Image, error)
	PutImageContent(ctx context.Context, imageID string, content []byte) error
	ImageContent(ctx context.Context, imageID string) ([]byte, error)
	PutAnalysis(ctx context.Context, a *Analysis) error
	FindAnalysis(ctx context.Context, id string) (*Analysis, error)
	ListAnalysesByOwner(ctx context.Context, ownerID string) ([]Analysis, error)
	PutReport(ctx context.Context, r *Report) error
	FindReport(ctx context.Context, id string) (*Report, error)
	PutAnnotation(ctx context.Context, a *Annotation) error
	ListAnnotations(ctx context.Context, resourceID string) ([]Annotation, error)

	AddGrant(ctx context.Context, g Grant) error
	Grants(ctx context.Context, userID, resourceID string) ([]Grant, error)
}

// InMemory implements Store for tests and single-process deployments.
type InMemory struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	images    map[string]*Image
	blobs     map[string][]byte
	analyses  map[string]*Analysis
	reports   map[string]*Report
	notes     map[string][]Annotation // key: resourceID
	grants    map[string][]Grant      // key: userID + "\x00" + resourceID
}

// NewInMemory creates an empty in-memory records store.
func NewInMemory() *InMemory {
	return &InMemory{
		resources: make(map[string]*Resource),
		images:    make(map[string]*Image),
		blobs:     make(map[string][]byte),
		analyses:  make(map[string]*Analysis),
		reports:   make(map[string]*Report),
		notes:     make(map[string][]Annotation),
		grants:    make(map[string][]Grant),
	}
}

func grantKey(userID, resourceID string) string { return userID + "\x00" + resourceID }

func (s *InMemory) PutResource(ctx context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.resources[r.ID] = &cp
	return nil
}

func (s *InMemory) FindResource(ctx context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemory) Tombstone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return ErrNotFound
	}
	r.Deleted = true
	return nil
}

func (s *InMemory) PutImage(ctx context.Context, img *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *img
	s.images[img.ID] = &cp
	return nil
}

func (s *InMemory) FindImage(ctx context.Context, id string) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (s *InMemory) PutImageContent(ctx context.Context, imageID string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[imageID]; !ok {
		return ErrNotFound
	}
	cp := make([]byte, len(content))
	copy(cp, content)
	s.blobs[imageID] = cp
	return nil
}

func (s *InMemory) ImageContent(ctx context.Context, imageID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[imageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (s *InMemory) PutAnalysis(ctx context.Context, a *Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.analyses[a.ID] = &cp
	return nil
}

func (s *InMemory) FindAnalysis(ctx context.Context, id string) (*Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *InMemory) ListAnalysesByOwner(ctx context.Context, ownerID string) ([]Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Analysis
	for _, a := range s.analyses {
		if a.OwnerID == ownerID {
			if res, ok := s.resources[a.ID]; ok && res.Deleted {
				continue
			}
			out = append(out, *a)
		}
	}
	sortAnalyses(out)
	return out, nil
}

func (s *InMemory) PutReport(ctx context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *InMemory) FindReport(ctx context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemory) PutAnnotation(ctx context.Context, a *Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[a.ResourceID] = append(s.notes[a.ResourceID], *a)
	return nil
}

func (s *InMemory) ListAnnotations(ctx context.Context, resourceID string) ([]Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.notes[resourceID]
	out := make([]Annotation, len(ns))
	copy(out, ns)
	return out, nil
}

func (s *InMemory) AddGrant(ctx context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	key := grantKey(g.UserID, g.ResourceID)
	for _, existing := range s.grants[key] {
		if existing.Kind == g.Kind {
			return nil
		}
	}
	s.grants[key] = append(s.grants[key], g)
	return nil
}

func (s *InMemory) Grants(ctx context.Context, userID, resourceID string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gs := s.grants[grantKey(userID, resourceID)]
	out := make([]Grant, len(gs))
	copy(out, gs)
	return out, nil
}

func sortAnalyses(list []Analysis) {
	// newest first, matching the history view of the desktop client
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
