package services

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flashbots/fedround/crypto"
	"github.com/flashbots/fedround/protocol"
	"github.com/go-chi/chi/v5"
)

// MaxRequestBytes bounds the size of a request body.
const MaxRequestBytes = 16 << 20

// RoundHandler exposes the round kernels over HTTP.
type RoundHandler struct {
	executor    *protocol.Executor
	coordinator *protocol.Coordinator
	log         *slog.Logger
}

// NewRoundHandler creates a handler serving the kernels of coordinator.
func NewRoundHandler(coordinator *protocol.Coordinator, store *protocol.ModelStore, signingKey crypto.PrivateKey, log *slog.Logger) *RoundHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RoundHandler{
		executor: protocol.NewExecutor(
			protocol.NewUpdateModelKernel(coordinator),
			protocol.NewGetModelKernel(coordinator, store, signingKey),
			protocol.NewGetIterationKernel(coordinator),
		),
		coordinator: coordinator,
		log:         log,
	}
}

// RegisterRoutes registers the round API.
func (h *RoundHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/updateModel", h.launch(protocol.RequestUpdateModel))
		r.Post("/getModel", h.launch(protocol.RequestGetModel))
		r.Get("/iteration", h.launch(protocol.RequestGetIteration))
		r.Get("/iterations", h.handleIterations)
	})
}

// responseWriter delivers kernel responses as JSON. The HTTP status mirrors
// the response code and Retry-After carries the retry hint for rejections.
type responseWriter struct {
	w    http.ResponseWriter
	sent bool
}

func (rw *responseWriter) SendResponse(resp *protocol.Response) error {
	if rw.sent {
		return errors.New("response already sent")
	}
	rw.sent = true

	if resp.Code != protocol.CodeSucceed && resp.NextRequestTime > 0 {
		wait := time.Until(time.UnixMilli(resp.NextRequestTime))
		seconds := int64(wait.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		rw.w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(int(resp.Code))
	return json.NewEncoder(rw.w).Encode(resp)
}

func (h *RoundHandler) launch(reqType protocol.RequestType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}

		rw := &responseWriter{w: w}
		if err := h.executor.Launch(r.Context(), reqType, body, rw); err != nil {
			switch protocol.StatusOf(err) {
			case protocol.StatusInternal:
				h.log.Error("Request failed", "type", reqType, "err", err)
			default:
				h.log.Debug("Request rejected", "type", reqType, "err", err)
			}
		}
		if !rw.sent {
			http.Error(w, "no response", http.StatusInternalServerError)
		}
	}
}

// IterationsResponse lists recently closed iterations.
type IterationsResponse struct {
	Current *protocol.IterationStatus    `json:"current"`
	History []protocol.IterationSummary `json:"history"`
}

func (h *RoundHandler) handleIterations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(&IterationsResponse{
		Current: h.coordinator.Status(),
		History: h.coordinator.History(),
	})
	if err != nil {
		h.log.Error("Failed to write iterations response", "err", err)
	}
}
