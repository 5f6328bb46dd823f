package handler

import (
	"encoding/json"
	"net/http"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/sirupsen/logrus"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logrus.WithError(err).Warn("failed to encode JSON response")
		}
	}
}

// Error writes an error JSON response, using AppError status codes when available.
// The body is always {"code": ..., "message": ...}.
func Error(w http.ResponseWriter, err error) {
	if appErr, ok := domain.AsAppError(err); ok {
		if appErr.Code >= http.StatusInternalServerError {
			logrus.WithError(err).WithField("code", appErr.Kind).Error("request failed")
		}
		JSON(w, appErr.Code, appErr)
		return
	}
	logrus.WithError(err).Error("unhandled error")
	JSON(w, http.StatusInternalServerError, &domain.AppError{Kind: domain.KindInternal, Message: "internal server error"})
}

// DecodeJSON decodes a JSON request body into the given struct.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrBadRequest("invalid JSON body")
	}
	return nil
}
