package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
	"github.com/classifieds/realtime/internal/middleware"
	"github.com/classifieds/realtime/pkg/response"
)

type NotificationHandler struct {
	service *domain.NotificationService
	devices *domain.DeviceService
	handoff domain.JobSubmitter
	logger  *zap.Logger
}

func NewNotificationHandler(
	service *domain.NotificationService,
	devices *domain.DeviceService,
	handoff domain.JobSubmitter,
	logger *zap.Logger,
) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		devices: devices,
		handoff: handoff,
		logger:  logger,
	}
}

type notificationList struct {
	Items []*domain.Notification `json:"items"`
	Total int                    `json:"total"`
}

func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	limit, offset := pagination(r)
	includeRead, _ := strconv.ParseBool(r.URL.Query().Get("include_read"))

	items, total, err := h.service.GetNotifications(r.Context(), userID, limit, offset, includeRead)
	if err != nil {
		writeError(w, h.logger, "fetch notifications", err)
		return
	}
	if items == nil {
		items = []*domain.Notification{}
	}

	response.OK(w, notificationList{Items: items, Total: total})
}

type markReadRequest struct {
	IDs []uuid.UUID `json:"ids" validate:"required,min=1"`
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req markReadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "update notifications", err)
		return
	}

	if err := h.service.MarkRead(r.Context(), userID, req.IDs); err != nil {
		writeError(w, h.logger, "update notifications", err)
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

func (h *NotificationHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	settings, err := h.service.GetSettings(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, "get notification settings", err)
		return
	}

	response.OK(w, settings)
}

type settingsRequest struct {
	NotifyNewMessages     *bool `json:"notify_new_messages" validate:"required"`
	NotifyRecommendations *bool `json:"notify_recommendations" validate:"required"`
}

func (h *NotificationHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "update notification settings", err)
		return
	}

	settings := &domain.NotificationSettings{
		UserID:                userID,
		NotifyNewMessages:     *req.NotifyNewMessages,
		NotifyRecommendations: *req.NotifyRecommendations,
	}
	if err := h.service.UpdateSettings(r.Context(), settings); err != nil {
		writeError(w, h.logger, "update notification settings", err)
		return
	}

	response.OK(w, settings)
}

type deviceTokenRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=255"`
	Token    string `json:"fcm_token" validate:"required"`
}

// RegisterDevice stores the push token of the calling device
func (h *NotificationHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req deviceTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "update token", err)
		return
	}

	if err := h.devices.RegisterToken(r.Context(), userID, req.DeviceID, req.Token); err != nil {
		h.logger.Error("failed to update fcm token", zap.String("user_id", userID.String()), zap.Error(err))
		response.InternalError(w, "failed to update token")
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

func (h *NotificationHandler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	if err := h.devices.UnregisterToken(r.Context(), userID, chi.URLParam(r, "deviceId")); err != nil {
		writeError(w, h.logger, "delete token", err)
		return
	}

	response.NoContent(w)
}

type viewRequest struct {
	CategoryID    uuid.UUID `json:"category_id" validate:"required"`
	SubcategoryID uuid.UUID `json:"subcategory_id"`
}

// RecordView feeds the interest counters used for new-listing notifications
func (h *NotificationHandler) RecordView(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req viewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "record view", err)
		return
	}

	if err := h.service.RecordView(r.Context(), userID, req.CategoryID, req.SubcategoryID); err != nil {
		writeError(w, h.logger, "record view", err)
		return
	}

	response.NoContent(w)
}

type listingPublishedRequest struct {
	ListingID     uuid.UUID `json:"listing_id" validate:"required"`
	CategoryID    uuid.UUID `json:"category_id" validate:"required"`
	SubcategoryID uuid.UUID `json:"subcategory_id" validate:"required"`
}

// ListingPublished is called by the listings service; the interest fan-out
// runs in the background.
func (h *NotificationHandler) ListingPublished(w http.ResponseWriter, r *http.Request) {
	var req listingPublishedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "queue listing notifications", err)
		return
	}

	job := domain.NotificationJob{
		Kind:          domain.JobNewListing,
		CategoryID:    req.CategoryID,
		SubcategoryID: req.SubcategoryID,
	}
	if err := h.handoff.Submit(r.Context(), job); err != nil {
		writeError(w, h.logger, "queue listing notifications", err)
		return
	}

	response.Accepted(w, map[string]string{"listing_id": req.ListingID.String()})
}

type directNotifyRequest struct {
	Recipients []domain.Recipient `json:"recipients" validate:"required,min=1,dive"`
}

// DirectNotify queues notifications for explicit recipients
func (h *NotificationHandler) DirectNotify(w http.ResponseWriter, r *http.Request) {
	var req directNotifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "queue notifications", err)
		return
	}

	job := domain.NotificationJob{Kind: domain.JobDirect, Recipients: req.Recipients}
	if err := h.handoff.Submit(r.Context(), job); err != nil {
		writeError(w, h.logger, "queue notifications", err)
		return
	}

	response.Accepted(w, map[string]int{"recipients": len(req.Recipients)})
}
