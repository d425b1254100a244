package records

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func openKey(siteID uuid.UUID, alertType string) string {
	return siteID.String() + ":" + alertType
}

// HasOpenAlert reports whether an unresolved alert of alertType exists on the site.
func (s *Store) HasOpenAlert(ctx context.Context, siteID uuid.UUID, alertType string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Alert{}).
		Where("site_id = ? AND alert_type = ? AND is_resolved = ?", siteID, alertType, false).
		Count(&n).Error
	return n > 0, err
}

// CreateOpenAlert inserts alert unless an unresolved alert of the same
// (site, type) exists. The existence check is backed by the unique open_key,
// so two writers racing past the check still produce a single row.
func (s *Store) CreateOpenAlert(ctx context.Context, alert *Alert) (bool, error) {
	exists, err := s.HasOpenAlert(ctx, alert.SiteID, alert.AlertType)
	if err != nil || exists {
		return false, err
	}

	key := openKey(alert.SiteID, alert.AlertType)
	alert.OpenKey = &key
	alert.IsResolved = false
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(alert)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateAlert inserts an alert without deduplication.
func (s *Store) CreateAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	alert.OpenKey = nil
	return s.db.WithContext(ctx).Create(alert).Error
}

func (s *Store) ListAlerts(ctx context.Context, siteID uuid.UUID, includeResolved bool) ([]Alert, error) {
	q := s.db.WithContext(ctx).Where("site_id = ?", siteID)
	if !includeResolved {
		q = q.Where("is_resolved = ?", false)
	}
	var rows []Alert
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ResolveAlert marks the alert resolved; action may be empty.
func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID, resolvedBy, action string) (*Alert, error) {
	updates := map[string]interface{}{
		"is_resolved": true,
		"resolved_at": s.now(),
		"resolved_by": resolvedBy,
		"open_key":    gorm.Expr("NULL"),
	}
	if action != "" {
		updates["action_taken"] = action
	}
	res := s.db.WithContext(ctx).Model(&Alert{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetAlert(ctx, id)
}

func (s *Store) ResolveAllAlerts(ctx context.Context, resolvedBy string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Alert{}).Where("is_resolved = ?", false).Updates(map[string]interface{}{
		"is_resolved": true,
		"resolved_at": s.now(),
		"resolved_by": resolvedBy,
		"open_key":    gorm.Expr("NULL"),
	})
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteResolvedAlerts(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("is_resolved = ?", true).Delete(&Alert{})
	return res.RowsAffected, res.Error
}

func (s *Store) MarkAlertNotified(ctx context.Context, id uuid.UUID, recipients string) error {
	return s.db.WithContext(ctx).Model(&Alert{}).Where("id = ?", id).
		Update("notified_users", recipients).Error
}

// ErrAlreadyResolved is returned by callers that require an open alert.
var ErrAlreadyResolved = errors.New("alert already resolved")
