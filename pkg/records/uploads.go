package records

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CreateUpload records an extract before it is parsed.
func (s *Store) CreateUpload(ctx context.Context, upload *Upload) error {
	if upload.ID == uuid.Nil {
		upload.ID = uuid.New()
	}
	if upload.UploadedAt.IsZero() {
		upload.UploadedAt = s.now()
	}
	if upload.Status == "" {
		upload.Status = UploadAccepted
	}
	return s.db.WithContext(ctx).Create(upload).Error
}

func (s *Store) FinishUpload(ctx context.Context, id uuid.UUID, success bool, rows int, errText string, rowErrors datatypes.JSON) error {
	status := UploadProcessed
	if !success {
		status = UploadFailed
	}
	now := s.now()
	return s.db.WithContext(ctx).Model(&Upload{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         status,
		"processed":      success,
		"processed_at":   &now,
		"rows_processed": rows,
		"errors":         errText,
		"row_errors":     rowErrors,
	}).Error
}

func (s *Store) GetUpload(ctx context.Context, id uuid.UUID) (*Upload, error) {
	return getByID[Upload](ctx, s.db, id)
}

func (s *Store) ListUploads(ctx context.Context, studyID uuid.UUID, limit int) ([]Upload, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []Upload
	if err := s.db.WithContext(ctx).Where("study_id = ?", studyID).
		Order("uploaded_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
