package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"dermatrust.org/internal/access"
	"dermatrust.org/internal/ids"
)

// HistoryPrefix marks the per-patient virtual collection resource, e.g.
// "patient:usr_01H...". Listing your own history is an owned-scope view.
const HistoryPrefix = "patient:"

// Registry is the clinical resource service used by the gateway operations.
// It also implements access.OwnershipChecker.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry constructs a Registry over a Store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// AddImage records an uploaded image and grants ownership to the patient.
func (r *Registry) AddImage(ctx context.Context, ownerID, filename string, content []byte) (*Image, error) {
	sum := sha256.Sum256(content)
	img := &Image{
		ID:         ids.NewPrefixed("img"),
		OwnerID:    ownerID,
		Filename:   filename,
		SHA256:     hex.EncodeToString(sum[:]),
		Size:       int64(len(content)),
		UploadedAt: r.now().UTC(),
	}
	if err := r.store.PutImage(ctx, img); err != nil {
		return nil, err
	}
	if err := r.store.PutImageContent(ctx, img.ID, content); err != nil {
		return nil, err
	}
	if err := r.register(ctx, img.ID, KindImage, ownerID); err != nil {
		return nil, err
	}
	return img, nil
}

// RecordAnalysis persists a model result against an image.
func (r *Registry) RecordAnalysis(ctx context.Context, a *Analysis) (*Analysis, error) {
	if a.ID == "" {
		a.ID = ids.NewPrefixed("an")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	if err := r.store.PutAnalysis(ctx, a); err != nil {
		return nil, err
	}
	if err := r.register(ctx, a.ID, KindAnalysis, a.OwnerID); err != nil {
		return nil, err
	}
	return a, nil
}

// RecordReport persists a rendered report artifact.
func (r *Registry) RecordReport(ctx context.Context, rep *Report) (*Report, error) {
	if rep.ID == "" {
		rep.ID = ids.NewPrefixed("rep")
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = r.now().UTC()
	}
	if err := r.store.PutReport(ctx, rep); err != nil {
		return nil, err
	}
	if err := r.register(ctx, rep.ID, KindReport, rep.PatientID); err != nil {
		return nil, err
	}
	return rep, nil
}

// Image, Analysis, Report and Resource lookups.
func (r *Registry) Image(ctx context.Context, id string) (*Image, error) {
	return r.store.FindImage(ctx, id)
}

// ImageContent returns the stored image bytes.
func (r *Registry) ImageContent(ctx context.Context, id string) ([]byte, error) {
	return r.store.ImageContent(ctx, id)
}

func (r *Registry) Analysis(ctx context.Context, id string) (*Analysis, error) {
	return r.store.FindAnalysis(ctx, id)
}

func (r *Registry) Report(ctx context.Context, id string) (*Report, error) {
	return r.store.FindReport(ctx, id)
}

func (r *Registry) Resource(ctx context.Context, id string) (*Resource, error) {
	return r.store.FindResource(ctx, id)
}

// History lists a patient's analyses, newest first, excluding tombstones.
func (r *Registry) History(ctx context.Context, ownerID string) ([]Analysis, error) {
	return r.store.ListAnalysesByOwner(ctx, ownerID)
}

// Annotate attaches a clinician note to a resource.
func (r *Registry) Annotate(ctx context.Context, resourceID, authorID, note string) (*Annotation, error) {
	if _, err := r.store.FindResource(ctx, resourceID); err != nil {
		return nil, err
	}
	a := &Annotation{
		ID:         ids.NewPrefixed("note"),
		ResourceID: resourceID,
		AuthorID:   authorID,
		Note:       note,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.PutAnnotation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Annotations lists the notes on a resource in arrival order.
func (r *Registry) Annotations(ctx context.Context, resourceID string) ([]Annotation, error) {
	return r.store.ListAnnotations(ctx, resourceID)
}

// Delete tombstones a resource. The row and its audit references remain.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Tombstone(ctx, id)
}

// Share grants another user a view or export permission on a resource.
func (r *Registry) Share(ctx context.Context, userID, resourceID string, kind GrantKind) error {
	return r.store.AddGrant(ctx, Grant{
		UserID:     userID,
		ResourceID: resourceID,
		Kind:       kind,
		CreatedAt:  r.now().UTC(),
	})
}

// Owns implements access.OwnershipChecker. A user owns their own history
// collection, any resource they hold an owner grant on, and view/export
// reach exactly as far as the matching grant kind.
func (r *Registry) Owns(ctx context.Context, userID, resourceID string, action access.Action) (bool, error) {
	if strings.HasPrefix(resourceID, HistoryPrefix) {
		target := strings.TrimPrefix(resourceID, HistoryPrefix)
		// "patient:self" is the requester's own collection.
		return target == "self" || target == userID, nil
	}
	grants, err := r.store.Grants(ctx, userID, resourceID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		switch g.Kind {
		case GrantOwner:
			return true, nil
		case GrantView:
			if action == access.ActionView {
				return true, nil
			}
		case GrantExport:
			if action == access.ActionExport || action == access.ActionView {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Registry) register(ctx context.Context, id string, kind Kind, ownerID string) error {
	res := &Resource{ID: id, Kind: kind, OwnerID: ownerID, CreatedAt: r.now().UTC()}
	if err := r.store.PutResource(ctx, res); err != nil {
		return err
	}
	return r.store.AddGrant(ctx, Grant{
		UserID:     ownerID,
		ResourceID: id,
		Kind:       GrantOwner,
		CreatedAt:  res.CreatedAt,
	})
}
