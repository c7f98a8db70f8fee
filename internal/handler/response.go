package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/util"
)

const maxBodyBytes = 1 << 20

// Response represents a standard API response
type Response struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    apperror.Code     `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// responder writes envelopes. Causes are only exposed outside production.
type responder struct {
	logger     *zap.Logger
	production bool
}

func (rs responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		rs.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (rs responder) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperror.As(err)
	status := appErr.Code.HTTPStatus()

	fields := []zap.Field{
		util.String("code", string(appErr.Code)),
		util.Int("status_code", status),
		util.String("path", r.URL.Path),
	}
	if status >= http.StatusInternalServerError {
		rs.logger.Error("HTTP error response", append(fields, util.ErrorField(err))...)
	} else {
		rs.logger.Debug("HTTP error response", fields...)
	}

	if retry, ok := appErr.Metadata[apperror.MetaRetryAfter]; ok {
		w.Header().Set("Retry-After", retry)
	}

	resp := Response{
		Success: false,
		Error:   string(appErr.Code),
		Code:    appErr.Code,
		Message: appErr.Message,
		Meta:    appErr.Metadata,
	}
	if !rs.production && appErr.Cause != nil {
		resp.Error = appErr.Error()
	}
	rs.respondWithJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperror.Validation("body", "request body is required")
		case errors.As(err, &tooLarge):
			return apperror.Validation("body", "request body is too large")
		default:
			return apperror.Validation("body", "invalid request body")
		}
	}
	return nil
}
