package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"dermatrust.org/internal/access"
)

func newRegistry(t *testing.T) (*Registry, *InMemory) {
	t.Helper()
	store := NewInMemory()
	reg := NewRegistry(store)
	return reg, store
}

func TestAddImageGrantsOwnerAndStoresContent(t *testing.T) {
	reg, store := newRegistry(t)
	ctx := context.Background()
	content := []byte("fake jpeg bytes")

	img, err := reg.AddImage(ctx, "usr_p1", "lesion.jpg", content)
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	sum := sha256.Sum256(content)
	if img.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch: %s", img.SHA256)
	}
	if img.Size != int64(len(content)) {
		t.Fatalf("size %d, want %d", img.Size, len(content))
	}

	got, err := reg.ImageContent(ctx, img.ID)
	if err != nil {
		t.Fatalf("ImageContent: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("stored bytes differ")
	}

	grants, err := store.Grants(ctx, "usr_p1", img.ID)
	if err != nil {
		t.Fatalf("Grants: %v", err)
	}
	if len(grants) != 1 || grants[0].Kind != GrantOwner {
		t.Fatalf("owner grant missing: %+v", grants)
	}

	ok, err := reg.Owns(ctx, "usr_p1", img.ID, access.ActionView)
	if err != nil || !ok {
		t.Fatalf("owner does not own resource: ok=%v err=%v", ok, err)
	}
	ok, err = reg.Owns(ctx, "usr_other", img.ID, access.ActionView)
	if err != nil || ok {
		t.Fatalf("stranger owns resource: ok=%v err=%v", ok, err)
	}
}

func TestHistoryNewestFirstExcludingTombstones(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		a, err := reg.RecordAnalysis(ctx, &Analysis{
			ImageID:   "img_x",
			OwnerID:   "usr_p1",
			RiskLevel: "low",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("RecordAnalysis: %v", err)
		}
		ids = append(ids, a.ID)
	}
	// Another patient's analysis must not leak into the history.
	if _, err := reg.RecordAnalysis(ctx, &Analysis{ImageID: "img_y", OwnerID: "usr_p2", CreatedAt: base}); err != nil {
		t.Fatalf("RecordAnalysis: %v", err)
	}

	if err := reg.Delete(ctx, ids[1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	hist, err := reg.History(ctx, "usr_p1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length %d, want 2", len(hist))
	}
	if hist[0].ID != ids[2] || hist[1].ID != ids[0] {
		t.Fatalf("wrong order: %s, %s", hist[0].ID, hist[1].ID)
	}
}

func TestDeleteTombstonesButKeepsRow(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	a, err := reg.RecordAnalysis(ctx, &Analysis{ImageID: "img_x", OwnerID: "usr_p1"})
	if err != nil {
		t.Fatalf("RecordAnalysis: %v", err)
	}
	if err := reg.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res, err := reg.Resource(ctx, a.ID)
	if err != nil {
		t.Fatalf("resource row gone after tombstone: %v", err)
	}
	if !res.Deleted {
		t.Fatal("resource not marked deleted")
	}
	// The underlying record stays readable for audit reconstruction.
	if _, err := reg.Analysis(ctx, a.ID); err != nil {
		t.Fatalf("analysis row gone after tombstone: %v", err)
	}

	if err := reg.Delete(ctx, "an_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestShareGrantsReachExactlyAsFarAsTheirKind(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	img, err := reg.AddImage(ctx, "usr_p1", "lesion.jpg", []byte("x"))
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}

	if err := reg.Share(ctx, "usr_viewer", img.ID, GrantView); err != nil {
		t.Fatalf("Share view: %v", err)
	}
	if err := reg.Share(ctx, "usr_exporter", img.ID, GrantExport); err != nil {
		t.Fatalf("Share export: %v", err)
	}

	cases := []struct {
		user   string
		action access.Action
		want   bool
	}{
		{"usr_viewer", access.ActionView, true},
		{"usr_viewer", access.ActionExport, false},
		{"usr_viewer", access.ActionDelete, false},
		{"usr_exporter", access.ActionExport, true},
		{"usr_exporter", access.ActionView, true}, // export implies view
		{"usr_exporter", access.ActionDelete, false},
		{"usr_p1", access.ActionDelete, true}, // owner grant covers everything
	}
	for _, c := range cases {
		got, err := reg.Owns(ctx, c.user, img.ID, c.action)
		if err != nil {
			t.Fatalf("Owns(%s, %s): %v", c.user, c.action, err)
		}
		if got != c.want {
			t.Errorf("Owns(%s, %s) = %v, want %v", c.user, c.action, got, c.want)
		}
	}
}

func TestOwnsHistoryCollection(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	cases := []struct {
		user     string
		resource string
		want     bool
	}{
		{"usr_p1", HistoryPrefix + "usr_p1", true},
		{"usr_p1", HistoryPrefix + "self", true},
		{"usr_p1", HistoryPrefix + "usr_p2", false},
	}
	for _, c := range cases {
		got, err := reg.Owns(ctx, c.user, c.resource, access.ActionView)
		if err != nil {
			t.Fatalf("Owns(%s, %s): %v", c.user, c.resource, err)
		}
		if got != c.want {
			t.Errorf("Owns(%s, %s) = %v, want %v", c.user, c.resource, got, c.want)
		}
	}
}

func TestAnnotateAppendsInOrder(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	a, err := reg.RecordAnalysis(ctx, &Analysis{ImageID: "img_x", OwnerID: "usr_p1"})
	if err != nil {
		t.Fatalf("RecordAnalysis: %v", err)
	}
	for _, note := range []string{"borders irregular", "recommend biopsy"} {
		if _, err := reg.Annotate(ctx, a.ID, "usr_d1", note); err != nil {
			t.Fatalf("Annotate: %v", err)
		}
	}
	notes, err := reg.Annotations(ctx, a.ID)
	if err != nil {
		t.Fatalf("Annotations: %v", err)
	}
	if len(notes) != 2 || notes[0].Note != "borders irregular" || notes[1].Note != "recommend biopsy" {
		t.Fatalf("unexpected notes: %+v", notes)
	}

	if _, err := reg.Annotate(ctx, "an_missing", "usr_d1", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestShareIsIdempotent(t *testing.T) {
	reg, store := newRegistry(t)
	ctx := context.Background()

	img, err := reg.AddImage(ctx, "usr_p1", "lesion.jpg", []byte("x"))
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := reg.Share(ctx, "usr_viewer", img.ID, GrantView); err != nil {
			t.Fatalf("Share %d: %v", i, err)
		}
	}
	grants, err := store.Grants(ctx, "usr_viewer", img.ID)
	if err != nil {
		t.Fatalf("Grants: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("duplicate grants persisted: %d", len(grants))
	}
}
