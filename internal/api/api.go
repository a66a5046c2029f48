// Package api exposes a small HTTP control surface for the server
// daemon: status inspection and push triggers. It stands in for the
// hardware buttons of the device this stack talks like.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/edgekit/coapfs"
	"github.com/edgekit/coapfs/internal/message"
)

// Handler builds the API router around a running server.
func Handler(srv *coapfs.Server, logger zerolog.Logger) http.Handler {
	h := &handlers{srv: srv, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/status", h.status)
	r.Get("/api/subscribers", h.subscribers)
	r.Post("/api/transfers", h.startTransfer)
	r.Post("/api/notify", h.notify)
	return r
}

type handlers struct {
	srv    *coapfs.Server
	logger zerolog.Logger
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.Snapshot())
}

func (h *handlers) subscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.Snapshot().Subscribers)
}

type transferRequest struct {
	// Resource is the stored file to push, "server.txt" or
	// "server.jpg".
	Resource string `json:"resource"`
	Image    bool   `json:"image"`
}

func (h *handlers) startTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Resource == "" {
		writeError(w, http.StatusBadRequest, errString("resource is required"))
		return
	}
	format := message.TextPlain
	if req.Image {
		format = message.ImageJPEG
	}
	id, err := h.srv.StartTransfer(req.Resource, format)
	if err != nil {
		status := http.StatusInternalServerError
		switch err {
		case coapfs.ErrBusy:
			status = http.StatusConflict
		case coapfs.ErrNoPeers:
			status = http.StatusPreconditionFailed
		}
		writeError(w, status, err)
		return
	}
	h.logger.Info().Str("resource", req.Resource).Str("transfer", id).Msg("push started")
	writeJSON(w, http.StatusAccepted, map[string]string{"transfer": id})
}

type notifyRequest struct {
	Payload string `json:"payload"`
}

func (h *handlers) notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n := h.srv.Notify([]byte(req.Payload), message.TextPlain)
	writeJSON(w, http.StatusOK, map[string]int{"notified": n})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type errString string

func (e errString) Error() string { return string(e) }
