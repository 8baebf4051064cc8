package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/watthour/gridmarket/internal/view"
)

// Archiver is the storage side of a snapshot export. *S3Archiver is the
// production implementation.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Service turns an assembled export view into an archived JSON snapshot.
type Service struct {
	archiver Archiver
	now      func() time.Time
}

// NewService creates a Service. A nil archiver disables archiving; Archive
// then reports that no destination is configured.
func NewService(archiver Archiver) *Service {
	return &Service{archiver: archiver, now: time.Now}
}

// Enabled reports whether an archive destination is configured.
func (s *Service) Enabled() bool {
	return s.archiver != nil
}

// Archive uploads a snapshot of the export view and returns the object key.
func (s *Service) Archive(ctx context.Context, market string, v *view.GameView) (string, error) {
	if s.archiver == nil {
		return "", fmt.Errorf("export: no archive destination configured")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export: marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("exports/%s/%s-%s.json",
		market, s.now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	if err := s.archiver.Put(ctx, key, data, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}
