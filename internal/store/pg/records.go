package pg

import (
	"context"
	"database/sql"
	"errors"

	"dermatrust.org/internal/records"
)

var _ records.Store = (*RecordStore)(nil)

// RecordStore is the clinical resource persistence facet.
type RecordStore struct {
	db *sql.DB
}

// Records returns the records.Store facet.
func (s *Store) Records() *RecordStore { return &RecordStore{db: s.db} }

func (s *RecordStore) PutResource(ctx context.Context, r *records.Resource) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into resources (id, kind, owner_id, created_at, deleted)
		values ($1, $2, $3, $4, $5)
		on conflict (id) do nothing
	`, r.ID, string(r.Kind), r.OwnerID, r.CreatedAt, r.Deleted)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RecordStore) FindResource(ctx context.Context, id string) (*records.Resource, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	var (
		r    records.Resource
		kind string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, kind, owner_id, created_at, deleted from resources where id = $1
	`, id).Scan(&r.ID, &kind, &r.OwnerID, &r.CreatedAt, &r.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	r.Kind = records.Kind(kind)
	return &r, nil
}

func (s *RecordStore) Tombstone(ctx context.Context, id string) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `update resources set deleted = true where id = $1`, id)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	if n == 0 {
		return records.ErrNotFound
	}
	return nil
}

func (s *RecordStore) PutImage(ctx context.Context, img *records.Image) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into images (id, owner_id, filename, sha256, size_bytes, uploaded_at)
		values ($1, $2, $3, $4, $5, $6)
	`, img.ID, img.OwnerID, img.Filename, img.SHA256, img.Size, img.UploadedAt)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RecordStore) FindImage(ctx context.Context, id string) (*records.Image, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	var img records.Image
	err := s.db.QueryRowContext(ctx, `
		select id, owner_id, filename, sha256, size_bytes, uploaded_at from images where id = $1
	`, id).Scan(&img.ID, &img.OwnerID, &img.Filename, &img.SHA256, &img.Size, &img.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	return &img, nil
}

func (s *RecordStore) PutImageContent(ctx context.Context, imageID string, content []byte) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `update images set content = $2 where id = $1`, imageID, content)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	if n == 0 {
		return records.ErrNotFound
	}
	return nil
}

func (s *RecordStore) ImageContent(ctx context.Context, imageID string) ([]byte, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	var content []byte
	err := s.db.QueryRowContext(ctx, `select content from images where id = $1`, imageID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	if content == nil {
		return nil, records.ErrNotFound
	}
	return content, nil
}

func (s *RecordStore) PutAnalysis(ctx context.Context, a *records.Analysis) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into analyses (id, image_id, owner_id, skin_ratio, malignancy_probability, risk_level, advice, model_version, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.ImageID, a.OwnerID, a.SkinRatio, a.MalignancyProbability, a.RiskLevel,
		a.Advice, a.ModelVersion, a.CreatedAt)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RecordStore) FindAnalysis(ctx context.Context, id string) (*records.Analysis, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	var a records.Analysis
	err := s.db.QueryRowContext(ctx, `
		select id, image_id, owner_id, skin_ratio, malignancy_probability, risk_level, advice, model_version, created_at
		from analyses where id = $1
	`, id).Scan(&a.ID, &a.ImageID, &a.OwnerID, &a.SkinRatio, &a.MalignancyProbability,
		&a.RiskLevel, &a.Advice, &a.ModelVersion, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	return &a, nil
}

func (s *RecordStore) ListAnalysesByOwner(ctx context.Context, ownerID string) ([]records.Analysis, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select a.id, a.image_id, a.owner_id, a.skin_ratio, a.malignancy_probability, a.risk_level, a.advice, a.model_version, a.created_at
		from analyses a
		join resources r on r.id = a.id
		where a.owner_id = $1 and not r.deleted
		order by a.created_at desc
	`, ownerID)
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []records.Analysis
	for rows.Next() {
		var a records.Analysis
		if err := rows.Scan(&a.ID, &a.ImageID, &a.OwnerID, &a.SkinRatio, &a.MalignancyProbability,
			&a.RiskLevel, &a.Advice, &a.ModelVersion, &a.CreatedAt); err != nil {
			return nil, unavailable(records.ErrStorageUnavailable, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	return out, nil
}

func (s *RecordStore) PutReport(ctx context.Context, r *records.Report) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into reports (id, analysis_id, patient_id, generated_by, content_type, content, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.AnalysisID, r.PatientID, r.GeneratedBy, r.ContentType, r.Content, r.CreatedAt)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RecordStore) FindReport(ctx context.Context, id string) (*records.Report, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	var r records.Report
	err := s.db.QueryRowContext(ctx, `
		select id, analysis_id, patient_id, generated_by, content_type, content, created_at
		from reports where id = $1
	`, id).Scan(&r.ID, &r.AnalysisID, &r.PatientID, &r.GeneratedBy, &r.ContentType, &r.Content, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	return &r, nil
}

func (s *RecordStore) PutAnnotation(ctx context.Context, a *records.Annotation) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into annotations (id, resource_id, author_id, note, created_at)
		values ($1, $2, $3, $4, $5)
	`, a.ID, a.ResourceID, a.AuthorID, a.Note, a.CreatedAt)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RecordStore) ListAnnotations(ctx context.Context, resourceID string) ([]records.Annotation, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select id, resource_id, author_id, note, created_at
		from annotations where resource_id = $1
		order by created_at asc
	`, resourceID)
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []records.Annotation
	for rows.Next() {
		var a records.Annotation
		if err := rows.Scan(&a.ID, &a.ResourceID, &a.AuthorID, &a.Note, &a.CreatedAt); err != nil {
			return nil, unavailable(records.ErrStorageUnavailable, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	return out, nil
}

func (s *RecordStore) AddGrant(ctx context.Context, g records.Grant) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into resource_grants (user_id, resource_id, kind, created_at)
		values ($1, $2, $3, $4)
		on conflict (user_id, resource_id, kind) do nothing
	`, g.UserID, g.ResourceID, string(g.Kind), g.CreatedAt)
	if err != nil {
		return unavailable(records.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RecordStore) Grants(ctx context.Context, userID, resourceID string) ([]records.Grant, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select user_id, resource_id, kind, created_at
		from resource_grants where user_id = $1 and resource_id = $2
	`, userID, resourceID)
	if err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []records.Grant
	for rows.Next() {
		var (
			g    records.Grant
			kind string
		)
		if err := rows.Scan(&g.UserID, &g.ResourceID, &kind, &g.CreatedAt); err != nil {
			return nil, unavailable(records.ErrStorageUnavailable, err)
		}
		g.Kind = records.GrantKind(kind)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(records.ErrStorageUnavailable, err)
	}
	return out, nil
}
