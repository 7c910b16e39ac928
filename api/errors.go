package api

import (
	"encoding/json"
	"errors"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/ovpnkeeper/devices"
	"github.com/jmcleod/ovpnkeeper/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps the service error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, devices.ErrDeviceDuplicated), errors.Is(err, storage.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, devices.ErrInvalidDeviceName), errors.Is(err, devices.ErrInvalidDeviceID):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// mapError replies with the user-facing message for err. Internal details
// only reach the log.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.WithFields(logrus.Fields{
			"request_id": chimiddleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
			"status":     status,
		}).WithError(err).Error("request failed")
	}
	writeError(w, status, devices.UserMessage(err))
}
