package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/models"
)

// History lists persisted process records.
type History interface {
	List(limit int) ([]models.ProcessRecord, error)
}

// Forgetter drops per-process state kept outside the registry.
type Forgetter interface {
	Forget(handle string)
}

// ProcessesHandler serves the process API. Processes are addressed only by
// handle.
type ProcessesHandler struct {
	registry *console.Registry
	history  History
	forget   Forgetter
}

func NewProcessesHandler(registry *console.Registry, history History, forget Forgetter) *ProcessesHandler {
	return &ProcessesHandler{registry: registry, history: history, forget: forget}
}

func (h *ProcessesHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	procs := h.registry.List()
	infos := make([]console.Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.Snapshot())
	}
	WriteJSON(w, http.StatusOK, infos)
}

func (h *ProcessesHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body models.CreateProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.Command) == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "command is required")
		return
	}
	switch body.Mode {
	case "", console.ModePipes, console.ModePTY:
	default:
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "mode must be 'pipes' or 'pty'")
		return
	}

	proc := h.registry.CreateProcessWithOptions(body.Command, console.ProcessOptions{
		WorkDir: body.WorkDir,
		Env:     body.Env,
		Mode:    body.Mode,
		Rows:    body.Rows,
		Cols:    body.Cols,
	})
	log := logrus.WithFields(logrus.Fields{"handle": proc.Handle(), "command": body.Command})

	if body.Start == nil || *body.Start {
		if err := proc.Start(); err != nil {
			log.WithError(err).Warn("api: start failed")
			WriteProcessError(w, err)
			return
		}
	}
	log.Info("api: process created")
	WriteJSON(w, http.StatusCreated, proc.Snapshot())
}

func (h *ProcessesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	proc, err := h.registry.Get(r.PathValue("handle"))
	if err != nil {
		WriteProcessError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, proc.Snapshot())
}

func (h *ProcessesHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	proc, err := h.registry.Get(r.PathValue("handle"))
	if err != nil {
		WriteProcessError(w, err)
		return
	}
	if err := proc.Start(); err != nil {
		WriteProcessError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, proc.Snapshot())
}

func (h *ProcessesHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var body models.InputRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON")
		return
	}
	if err := h.registry.EnqueueInputHandle(r.PathValue("handle"), body.Data); err != nil {
		WriteProcessError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ProcessesHandler) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.InterruptHandle(r.PathValue("handle")); err != nil {
		WriteProcessError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ProcessesHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body models.ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON")
		return
	}
	if body.Rows == 0 || body.Cols == 0 {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "rows and cols must be positive")
		return
	}
	proc, err := h.registry.Get(r.PathValue("handle"))
	if err != nil {
		WriteProcessError(w, err)
		return
	}
	if err := proc.Resize(body.Rows, body.Cols); err != nil {
		WriteProcessError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ProcessesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if err := h.registry.Evict(handle); err != nil {
		WriteProcessError(w, err)
		return
	}
	if h.forget != nil {
		h.forget.Forget(handle)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProcessesHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteJSON(w, http.StatusOK, []models.ProcessRecord{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	records, err := h.history.List(limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, records)
}
