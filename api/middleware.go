package api

import (
	"net/http"
	"runtime/debug"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/ovpnkeeper/devices"
)

// RequestLogger logs one line per request once the response is written.
func (a *API) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.log.WithFields(logrus.Fields{
			"request_id": chimiddleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"remote":     r.RemoteAddr,
		}).Info("http request")
	})
}

// Recoverer turns a handler panic into a logged 500.
func (a *API) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			a.log.WithFields(logrus.Fields{
				"request_id": chimiddleware.GetReqID(r.Context()),
				"path":       r.URL.Path,
				"panic":      rec,
				"stack":      string(debug.Stack()),
			}).Error("handler panicked")
			writeError(w, http.StatusInternalServerError, devices.GenericMessage)
		}()
		next.ServeHTTP(w, r)
	})
}
