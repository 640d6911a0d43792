package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/opsync/internal/engine"
	"github.com/snehjoshi/opsync/internal/syncer"
	"github.com/snehjoshi/opsync/internal/transport/wire"
	"github.com/snehjoshi/opsync/internal/types"
)

// Version is reported by /health.
const Version = "1.0.0"

// Handler groups all HTTP request handlers around an Engine.
type Handler struct {
	engine  *engine.Engine
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type enqueueReq struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	PayloadB64 []byte          `json:"payload_b64"` // for non-JSON payloads
}

type operationsResp struct {
	Queued []wire.Operation `json:"queued"`
	Failed []wire.Operation `json:"failed"`
}

type retryResp struct {
	Retried int `json:"retried"`
}

type syncResp struct {
	Ran    bool           `json:"ran"`
	Result *syncer.Result `json:"result,omitempty"`
}

type connectivityReq struct {
	Online *bool `json:"online"`
}

type connectivityResp struct {
	Online bool `json:"online"`
}

type healthResp struct {
	Status    string `json:"status"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	Online    bool   `json:"online"`
	Queued    int    `json:"queued"`
	Failed    int    `json:"failed"`
	Uptime    string `json:"uptime"`
	UptimeMs  int64  `json:"uptime_ms"`
	Version   string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	c := h.engine.Stats()
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:    "ok",
		DeviceID:  h.engine.DeviceID(),
		SessionID: h.engine.SessionID(),
		Online:    h.engine.Online(),
		Queued:    c.Pending + c.Syncing,
		Failed:    c.Failed,
		Uptime:    elapsed.Round(time.Second).String(),
		UptimeMs:  elapsed.Milliseconds(),
		Version:   Version,
	})
}

// ─── Status ───────────────────────────────────────────────────────────────────

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.FromSnapshot(h.engine.Status()))
}

// ─── Operations ───────────────────────────────────────────────────────────────

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decodeJSON(w, r, &req) {
		return
	}
	kind, err := types.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Payload) > 0 && len(req.PayloadB64) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload and payload_b64 are mutually exclusive"})
		return
	}
	payload := []byte(req.Payload)
	if len(req.PayloadB64) > 0 {
		payload = req.PayloadB64
	}

	op, err := h.engine.Enqueue(kind, payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromOperation(op))
}

func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, operationsResp{
		Queued: wire.FromOperations(h.engine.Queued()),
		Failed: wire.FromOperations(h.engine.Failed()),
	})
}

func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	op, found := h.engine.Get(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
		return
	}
	writeJSON(w, http.StatusOK, wire.FromOperation(op))
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	h.engine.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if !h.engine.RetryFailed(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not in failed set"})
		return
	}
	writeJSON(w, http.StatusOK, retryResp{Retried: 1})
}

func (h *Handler) retryAllFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, retryResp{Retried: h.engine.RetryAllFailed()})
}

// ─── Sync control ─────────────────────────────────────────────────────────────

// triggerSync runs the drain inside the request, so the response carries its
// result. The drain outlives a client that disconnects. A drain already
// running (or offline) answers 409 with ran=false.
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	res, ran := h.engine.TriggerSync(r.Context())
	if !ran {
		writeJSON(w, http.StatusConflict, syncResp{Ran: false})
		return
	}
	writeJSON(w, http.StatusOK, syncResp{Ran: true, Result: &res})
}

func (h *Handler) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "online is required"})
		return
	}
	if err := h.engine.SetOnline(*req.Online); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectivityResp{Online: h.engine.Online()})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid operation id"})
		return 0, false
	}
	return id, true
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotManual):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
