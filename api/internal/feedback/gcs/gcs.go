// Package gcs archives feedback images and their metadata in a Cloud Storage
// bucket laid out by species:
//
//	feedback/<Genus_species>/<session>.<ext>
//	feedback/<Genus_species>/<session>.json
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/util"
)

const prefix = "feedback/"

// bucket is the slice of Cloud Storage the store needs.
type bucket interface {
	Put(ctx context.Context, name, contentType string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

type Store struct {
	b         bucket
	threshold int
	now       func() time.Time
}

// New opens the bucket. credentialsFile may be empty to use application
// default credentials.
func New(ctx context.Context, bucketName, credentialsFile string, threshold int) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	cl, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return newStore(&gcsBucket{client: cl, h: cl.Bucket(bucketName)}, threshold), nil
}

func newStore(b bucket, threshold int) *Store {
	if threshold < 1 {
		threshold = 1
	}
	return &Store{b: b, threshold: threshold, now: time.Now}
}

type metadata struct {
	SessionID        string             `json:"session_id"`
	PredictedSpecies string             `json:"predicted_species"`
	Confidence       float64            `json:"confidence"`
	Kind             plant.FeedbackKind `json:"feedback_kind"`
	CorrectSpecies   string             `json:"correct_species"`
	Image            string             `json:"image"`
	ImageSHA256      string             `json:"image_sha256"`
	StoredAt         time.Time          `json:"stored_at"`
}

// SubmitFeedback stores the image under the correct species and reports how
// close that species is to the next retraining batch.
func (s *Store) SubmitFeedback(ctx context.Context, rec plant.FeedbackRecord) (plant.FeedbackReceipt, error) {
	if !rec.Kind.Valid() {
		return plant.FeedbackReceipt{}, fmt.Errorf("gcs feedback: %w: kind %q", plant.ErrMalformedInput, rec.Kind)
	}
	folder := plant.FolderName(rec.CorrectSpecies)
	if folder == "" || rec.Image.Empty() {
		return plant.FeedbackReceipt{}, fmt.Errorf("gcs feedback: %w: species and image are required", plant.ErrMalformedInput)
	}
	mime := util.PickMIME(rec.Image.MIME, "", rec.Image.Data)
	ext := util.ExtensionFor(mime)
	if ext == "" {
		ext = "jpg"
	}
	base := path.Join(prefix+folder, rec.SessionID)
	imgName := base + "." + ext

	if err := s.b.Put(ctx, imgName, mime, rec.Image.Data); err != nil {
		return plant.FeedbackReceipt{}, fmt.Errorf("gcs feedback: %w: %v", plant.ErrUnavailable, err)
	}
	meta, err := json.Marshal(metadata{
		SessionID:        rec.SessionID,
		PredictedSpecies: rec.PredictedSpecies,
		Confidence:       rec.Confidence,
		Kind:             rec.Kind,
		CorrectSpecies:   rec.CorrectSpecies,
		Image:            imgName,
		ImageSHA256:      util.SHA256Hex(rec.Image.Data),
		StoredAt:         s.now().UTC(),
	})
	if err != nil {
		return plant.FeedbackReceipt{}, fmt.Errorf("gcs feedback: marshal metadata: %w", err)
	}
	if err := s.b.Put(ctx, base+".json", "application/json", meta); err != nil {
		return plant.FeedbackReceipt{}, fmt.Errorf("gcs feedback: %w: %v", plant.ErrUnavailable, err)
	}

	rc := plant.FeedbackReceipt{Success: true, Message: "imagen guardada"}
	names, err := s.b.List(ctx, prefix+folder+"/")
	if err != nil {
		return rc, nil
	}
	n := countImages(names)
	progress := (n % s.threshold) * 100 / s.threshold
	rc.RetrainingProgress = &progress
	rc.RetrainingTriggered = n > 0 && n%s.threshold == 0
	return rc, nil
}

func (s *Store) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.b.Ping(ctx) == nil
}

func (s *Store) Statistics(ctx context.Context) (plant.FeedbackStats, error) {
	names, err := s.b.List(ctx, prefix)
	if err != nil {
		return plant.FeedbackStats{}, fmt.Errorf("gcs stats: %w: %v", plant.ErrUnavailable, err)
	}
	var st plant.FeedbackStats
	for _, n := range names {
		if strings.HasSuffix(n, ".json") {
			st.FeedbackTotal++
		}
	}
	st.ImagesSaved = countImages(names)
	return st, nil
}

func countImages(names []string) int {
	n := 0
	for _, name := range names {
		switch path.Ext(name) {
		case ".jpg", ".png":
			n++
		}
	}
	return n
}

type gcsBucket struct {
	client *storage.Client
	h      *storage.BucketHandle
}

func (g *gcsBucket) Put(ctx context.Context, name, contentType string, data []byte) error {
	w := g.h.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return nil
}

func (g *gcsBucket) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.h.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
}

func (g *gcsBucket) Ping(ctx context.Context) error {
	_, err := g.h.Attrs(ctx)
	return err
}

// Close releases the storage client.
func (s *Store) Close() error {
	if g, ok := s.b.(*gcsBucket); ok {
		return g.client.Close()
	}
	return nil
}
