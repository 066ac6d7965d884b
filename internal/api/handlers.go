package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/medication-reminders/internal/model"
	"github.com/LeventeLantos/medication-reminders/internal/registry"
	"github.com/LeventeLantos/medication-reminders/internal/repo"
	"github.com/LeventeLantos/medication-reminders/internal/scheduler"
	"github.com/LeventeLantos/medication-reminders/internal/service"
)

const maxBodyBytes = 1 << 20

// Deps wires the handler to the running components. Cron and Checks are
// optional.
type Deps struct {
	Registry   *registry.Registry
	Store      repo.ScheduleRepository
	Scheduler  *scheduler.Scheduler
	Dispatcher *service.Dispatcher
	Sweeper    *service.Sweeper
	Cron       *scheduler.CronRunner
	Checks     map[string]func(context.Context) error
	Logger     zerolog.Logger
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ok := true
	checks := map[string]string{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			ok = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": ok, "checks": checks})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerBody())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Start()
	writeJSON(w, http.StatusOK, h.schedulerBody())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, h.schedulerBody())
}

func (h *Handler) schedulerBody() map[string]any {
	body := map[string]any{
		"running":   h.Scheduler.IsRunning(),
		"scheduler": h.Scheduler.Status(),
	}
	if h.Dispatcher != nil {
		body["state"] = h.Dispatcher.State().String()
		if last, ok := h.Dispatcher.LastCycle(); ok {
			body["lastCycle"] = last
		}
	}
	return body
}

type itemPayload struct {
	Medicine string       `json:"medicine"`
	Dosage   string       `json:"dosage"`
	Time     string       `json:"time"`
	Duration durationDays `json:"duration"`
}

type createPayload struct {
	ChatID    string        `json:"chatId"`
	Schedules []itemPayload `json:"schedules"`
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var p createPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body: " + err.Error()})
		return
	}

	req := registry.CreateRequest{ChatID: p.ChatID, Items: make([]registry.ItemRequest, 0, len(p.Schedules))}
	for _, s := range p.Schedules {
		req.Items = append(req.Items, registry.ItemRequest{
			Medicine:     s.Medicine,
			Dosage:       s.Dosage,
			Time:         s.Time,
			DurationDays: int(s.Duration),
		})
	}

	id, err := h.Registry.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Registry.List(r.Context(), r.URL.Query().Get("chatId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []model.ScheduleGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": groups})
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	g, err := h.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	g, err := h.Registry.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "group": g})
}

func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Store.CountItemsByState(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := map[string]any{"counts": counts}
	if h.Sweeper != nil {
		if rep, ok := h.Sweeper.LastReport(); ok {
			body["lastSweep"] = rep
		}
	}
	if h.Cron != nil {
		body["cron"] = h.Cron.Entries()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *registry.ValidationError
	var uerr *repo.UnavailableError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
	case errors.Is(err, repo.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "schedule not found"})
	case errors.As(err, &uerr):
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
	default:
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": strings.TrimSpace(err.Error())})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
