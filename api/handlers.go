package api

import (
	"context"
	"net/http"
)

const (
	pemContentType = "application/x-pem-file"
	crlContentType = "application/pkix-crl"
)

// Health is the liveness probe. It never touches storage.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

// Ready pings the device store and answers 503 while it is unreachable.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.readyTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ready"})
}

// CACertificate serves the CA bundle that client configs embed.
func (a *API) CACertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", pemContentType)
	w.Write([]byte(a.ca.ExportCA()))
}

// RevocationList signs and serves a CRL covering every removed device.
// A new list is produced per request so it always reflects current state.
func (a *API) RevocationList(w http.ResponseWriter, r *http.Request) {
	crl, err := a.crl.RevocationList(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", crlContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(crl)
}

// StatusResponse is returned by /ready.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
