package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"modelfetch/internal/data"
)

// Service is the scheduling surface the handlers drive. Implemented by
// queue.Coordinator.
type Service interface {
	List(ctx context.Context) (data.Tasks, error)
	Get(ctx context.Context, id string) (*data.Task, error)
	Enqueue(ctx context.Context, t *data.Task) (*data.Task, error)
	Cancel(ctx context.Context, id string) (*data.Task, error)
	Pause(ctx context.Context, id string) (*data.Task, error)
	Resume(ctx context.Context, id string) (*data.Task, error)
	Remove(ctx context.Context, id string) error
}

type DownloadHandler struct {
	l   *slog.Logger
	svc Service
}

func NewDownloadHandler(l *slog.Logger, svc Service) *DownloadHandler {
	return &DownloadHandler{l: l, svc: svc}
}

type enqueueBody struct {
	URL            string `json:"url"`
	Destination    string `json:"destination"`
	ExpectedSize   *int64 `json:"expectedSize,omitempty"`
	ExpectedSHA256 string `json:"expectedSha256,omitempty"`
}

type patchBody struct {
	DesiredStatus string `json:"desiredStatus"`
}

// context keys
type ctxKeyEnqueue struct{}
type ctxKeyPatch struct{}

func (dh *DownloadHandler) GetDownloads(w http.ResponseWriter, r *http.Request) {
	tasks, err := dh.svc.List(r.Context())
	if err != nil {
		markErr(w, err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = data.Tasks{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := tasks.ToJSON(w); err != nil {
		markErr(w, err)
		http.Error(w, "unable to marshal json", http.StatusInternalServerError)
	}
}

func (dh *DownloadHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := dh.svc.Get(r.Context(), id)
	if err != nil {
		dh.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = t.ToJSON(w)
}

func (dh *DownloadHandler) AddDownload(w http.ResponseWriter, r *http.Request) {
	v := r.Context().Value(ctxKeyEnqueue{})
	body, ok := v.(enqueueBody)
	if !ok {
		markErr(w, ErrTaskCtx)
		http.Error(w, ErrTaskCtx.Error(), http.StatusInternalServerError)
		return
	}

	t, err := dh.svc.Enqueue(r.Context(), &data.Task{
		Source:         body.URL,
		Destination:    body.Destination,
		ExpectedSize:   body.ExpectedSize,
		ExpectedSHA256: body.ExpectedSHA256,
	})
	if err != nil {
		dh.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = t.ToJSON(w)
}

func (dh *DownloadHandler) UpdateDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	v := r.Context().Value(ctxKeyPatch{})
	body, ok := v.(patchBody)
	if !ok || body.DesiredStatus == "" {
		markErr(w, ErrPatchCtx)
		http.Error(w, ErrPatchCtx.Error(), http.StatusInternalServerError)
		return
	}

	var (
		t   *data.Task
		err error
	)
	switch data.TaskStatus(body.DesiredStatus) {
	case data.StatusCancelled:
		t, err = dh.svc.Cancel(r.Context(), id)
	case data.StatusPaused:
		t, err = dh.svc.Pause(r.Context(), id)
	case "Active":
		t, err = dh.svc.Resume(r.Context(), id)
	default:
		markErr(w, data.ErrBadStatus)
		http.Error(w, "invalid desiredStatus (allowed: Active|Paused|Cancelled)", http.StatusBadRequest)
		return
	}
	if err != nil {
		dh.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = t.ToJSON(w)
}

func (dh *DownloadHandler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := dh.svc.Remove(r.Context(), id); err != nil {
		dh.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (dh *DownloadHandler) writeErr(w http.ResponseWriter, err error) {
	markErr(w, err)
	switch {
	case errors.Is(err, data.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, data.ErrInvalidState):
		http.Error(w, "operation not valid in current state", http.StatusConflict)
	case errors.Is(err, data.ErrDuplicateDestination):
		http.Error(w, "destination already claimed by a live download", http.StatusConflict)
	case errors.Is(err, data.ErrInvalidSource):
		http.Error(w, "source must be an http(s) URL", http.StatusBadRequest)
	case errors.Is(err, data.ErrInvalidDestination):
		http.Error(w, "destination is invalid", http.StatusBadRequest)
	case errors.Is(err, data.ErrBadStatus):
		http.Error(w, "invalid desiredStatus", http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
