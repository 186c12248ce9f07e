package worker

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mwork/mwork-api/internal/domain/aitask"
	"github.com/mwork/mwork-api/internal/domain/catalog"
	"github.com/mwork/mwork-api/internal/pkg/response"
)

// AdminHandler exposes the operator-facing task-queue/worker-loop
// operations (task-stats, list-failed, reanalyze-batch, retry-failed-tasks,
// set-paused, set-runtime-config) as thin HTTP handlers, gated by the same
// upload token as the catalog's /upload endpoint.
//
// set-paused and set-runtime-config write through to the shared
// worker_control row (aitask.Queue.SetPaused/SetRuntimeConfig) rather than
// mutating a Loop in this process directly: the admin surface and the
// process actually polling the queue are not guaranteed to be the same
// process, and the poll loop re-reads that row every tick.
type AdminHandler struct {
	queue       aitask.Queue
	catalog     *catalog.Service
	uploadToken string
}

// NewAdminHandler constructs the admin handler.
func NewAdminHandler(queue aitask.Queue, catalogSvc *catalog.Service, uploadToken string) *AdminHandler {
	return &AdminHandler{queue: queue, catalog: catalogSvc, uploadToken: uploadToken}
}

// Routes registers the admin surface under whatever prefix the caller
// mounts this router at (e.g. "/admin").
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireToken)

	r.Get("/task-stats", h.TaskStats)
	r.Get("/list-failed", h.ListFailed)
	r.Post("/reanalyze-batch", h.ReanalyzeBatch)
	r.Post("/retry-failed-tasks", h.RetryFailedTasks)
	r.Post("/set-paused", h.SetPaused)
	r.Post("/set-runtime-config", h.SetRuntimeConfig)

	return r
}

func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.uploadToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("x-upload-token")
		auth := r.Header.Get("authorization")
		if token == h.uploadToken || auth == "Bearer "+h.uploadToken {
			next.ServeHTTP(w, r)
			return
		}
		response.Unauthorized(w, "invalid admin token")
	})
}

func (h *AdminHandler) TaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, stats)
}

func (h *AdminHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	ids, err := h.queue.ListFailedEmojiIDs(r.Context())
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, ids)
}

func (h *AdminHandler) ReanalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageIDs []string `json:"imageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	var enqueued, failed int
	for _, id := range req.ImageIDs {
		if err := h.catalog.EnqueueAnalysis(r.Context(), id); err != nil {
			failed++
			continue
		}
		enqueued++
	}
	response.OK(w, map[string]int{"enqueued": enqueued, "failed": failed})
}

func (h *AdminHandler) RetryFailedTasks(w http.ResponseWriter, r *http.Request) {
	count, err := h.queue.RetryFailed(r.Context())
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]int64{"retried": count})
}

func (h *AdminHandler) SetPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.queue.SetPaused(r.Context(), req.Paused); err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]bool{"paused": req.Paused})
}

func (h *AdminHandler) SetRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Concurrency  int `json:"concurrency"`
		BatchDelayMs int `json:"batchDelayMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	batchDelayMs := req.BatchDelayMs
	if batchDelayMs < 0 {
		batchDelayMs = -1
	}
	if err := h.queue.SetRuntimeConfig(r.Context(), req.Concurrency, batchDelayMs); err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"concurrency": req.Concurrency, "batchDelayMs": batchDelayMs})
}
