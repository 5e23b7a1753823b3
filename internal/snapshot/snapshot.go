package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	storage_go "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"
)

// Store persists an annotated violation JPEG and returns a URL the rest
// of the system can serve or embed.
type Store interface {
	Save(frame []byte, cameraID string, workerID int, ts time.Time) (string, error)
}

// objectPath builds violations/<camera_id>/<ts>_<worker>_<suffix>.jpg.
// The random suffix keeps two violations in the same second distinct.
func objectPath(cameraID string, workerID int, ts time.Time) string {
	suffix := strings.Split(uuid.New().String(), "-")[0]
	name := fmt.Sprintf("%s_w%d_%s.jpg", ts.UTC().Format("20060102T150405"), workerID, suffix)
	return filepath.ToSlash(filepath.Join("violations", cameraID, name))
}

// DiskStore writes snapshots under a media root that is served at baseURL.
type DiskStore struct {
	Root    string
	BaseURL string
}

func NewDiskStore(root, baseURL string) *DiskStore {
	return &DiskStore{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (s *DiskStore) Save(frame []byte, cameraID string, workerID int, ts time.Time) (string, error) {
	rel := objectPath(cameraID, workerID, ts)
	full := filepath.Join(s.Root, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(full, frame, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return s.BaseURL + "/" + rel, nil
}

// SupabaseStore uploads snapshots to a storage bucket and returns the
// public object URL, mirroring the hosted deployment.
type SupabaseStore struct {
	client     *supabase.Client
	projectURL string
	bucket     string
}

func NewSupabaseStore(projectURL, serviceKey, bucket string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(projectURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return &SupabaseStore{
		client:     client,
		projectURL: strings.TrimRight(projectURL, "/"),
		bucket:     bucket,
	}, nil
}

func (s *SupabaseStore) Save(frame []byte, cameraID string, workerID int, ts time.Time) (string, error) {
	rel := objectPath(cameraID, workerID, ts)
	contentType := "image/jpeg"

	_, err := s.client.Storage.UploadFile(s.bucket, rel, bytes.NewReader(frame),
		storage_go.FileOptions{ContentType: &contentType})
	if err != nil {
		return "", fmt.Errorf("supabase upload: %w", err)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.projectURL, s.bucket, rel), nil
}
