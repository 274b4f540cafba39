package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
	"github.com/classifieds/realtime/pkg/response"
	"github.com/classifieds/realtime/pkg/validator"
)

// writeError maps domain errors to response envelopes. Anything unknown is
// logged and reported as action failing.
func writeError(w http.ResponseWriter, logger *zap.Logger, action string, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		response.Invalid(w, "invalid request", verrs)
	case errors.Is(err, domain.ErrChatNotFound),
		errors.Is(err, domain.ErrListingNotFound),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrNotificationNotFound),
		errors.Is(err, domain.ErrDeviceTokenNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrNotChatParticipant):
		response.Forbidden(w, err.Error())
	case errors.Is(err, domain.ErrChatAlreadyExists):
		response.Conflict(w, err.Error())
	case errors.Is(err, domain.ErrSelfMessaging),
		errors.Is(err, domain.ErrEmptyMessage):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrHandoffClosed):
		response.Unavailable(w, err.Error())
	default:
		logger.Error("failed to "+action, zap.Error(err))
		response.InternalError(w, "failed to "+action)
	}
}

// decodeJSON decodes and validates a request body.
func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var verrs validator.ValidationErrors
		verrs.Add("body", "invalid request")
		return verrs
	}
	return validator.Struct(dst)
}

// pagination reads limit and offset; zero values fall back to service defaults.
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit < 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
