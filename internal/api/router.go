package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/schedules", h.CreateSchedule)
	mux.HandleFunc("GET /v1/schedules", h.ListSchedules)
	mux.HandleFunc("GET /v1/schedules/{id}", h.GetSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/cancel", h.CancelSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", h.CancelSchedule)

	mux.HandleFunc("POST /v1/sweeper/run", h.RunSweep)
	mux.HandleFunc("GET /v1/stats", h.Stats)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("medication-reminders"))
	})

	return mux
}
