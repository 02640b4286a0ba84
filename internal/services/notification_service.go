package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/models"
	"github.com/dangson92/licensegate/internal/realtime"
	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

// NotificationDTO represents the API-friendly notification payload.
type NotificationDTO struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Severity   string         `json:"severity"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsRead     bool           `json:"is_read"`
	CreatedAt  time.Time      `json:"created_at"`
	ReadAt     *time.Time     `json:"read_at,omitempty"`
}

// CreateNotificationInput defines attributes required to persist a notification.
type CreateNotificationInput struct {
	UserID     string
	Type       string
	Title      string
	Message    string
	Severity   string
	ResourceID string
	Metadata   map[string]any
}

// ListNotificationsInput defines filters for querying notifications.
type ListNotificationsInput struct {
	UserID string
	Limit  int
	Offset int
}

// NotificationService manages administrator notifications, such as the
// expiry warnings produced by the license scanner.
type NotificationService struct {
	db  *gorm.DB
	hub *realtime.Hub
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(db *gorm.DB, hub *realtime.Hub) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{db: db, hub: hub}, nil
}

// ListForUser returns notifications for the supplied user ordered by recency.
func (s *NotificationService) ListForUser(ctx context.Context, input ListNotificationsInput) ([]NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(maxInt(0, input.Offset)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification service: list notifications: %w", err)
	}

	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapNotification(row))
	}
	return items, nil
}

// Create registers a new notification and broadcasts it to realtime subscribers.
func (s *NotificationService) Create(ctx context.Context, input CreateNotificationInput) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}
	notificationType := strings.TrimSpace(input.Type)
	if notificationType == "" {
		return nil, errors.New("notification service: type is required")
	}

	notification := models.Notification{
		UserID:     userID,
		Type:       notificationType,
		Title:      strings.TrimSpace(input.Title),
		Message:    strings.TrimSpace(input.Message),
		Severity:   defaultIfEmpty(input.Severity, "info"),
		ResourceID: strings.TrimSpace(input.ResourceID),
	}

	if input.Metadata != nil {
		data, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("notification service: marshal metadata: %w", err)
		}
		notification.Metadata = datatypes.JSON(data)
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: create notification: %w", err)
	}

	dto := mapNotification(notification)
	if s.hub != nil {
		s.hub.BroadcastToUser(realtime.StreamNotifications, userID, realtime.Message{
			Event: "notification.created",
			Data:  &dto,
		})
	}
	return &dto, nil
}

// MarkRead sets the notification read flag for a user.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)

	var notification models.Notification
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&notification).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark read: %w", err)
	}

	notification.IsRead = true
	notification.ReadAt = &now
	dto := mapNotification(notification)
	return &dto, nil
}

// HasUnreadForResource reports whether an unread notification of the given
// type already references a resource. The expiry scanner uses this to avoid
// re-warning about the same license every run.
func (s *NotificationService) HasUnreadForResource(ctx context.Context, notificationType, resourceID string) (bool, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("type = ? AND resource_id = ? AND is_read = ?", notificationType, resourceID, false).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("notification service: check resource: %w", err)
	}
	return count > 0, nil
}

func mapNotification(row models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:         row.ID,
		UserID:     row.UserID,
		Type:       row.Type,
		Title:      row.Title,
		Message:    row.Message,
		Severity:   defaultIfEmpty(row.Severity, "info"),
		ResourceID: row.ResourceID,
		Metadata:   decodeJSON(row.Metadata),
		IsRead:     row.IsRead,
		CreatedAt:  row.CreatedAt,
		ReadAt:     row.ReadAt,
	}
}

func decodeJSON(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
