package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/medication-reminders/internal/evaluator"
	"github.com/LeventeLantos/medication-reminders/internal/model"
	"github.com/LeventeLantos/medication-reminders/internal/registry"
	"github.com/LeventeLantos/medication-reminders/internal/repo"
	"github.com/LeventeLantos/medication-reminders/internal/scheduler"
	"github.com/LeventeLantos/medication-reminders/internal/service"
)

type nopSender struct{}

func (nopSender) Send(context.Context, string, string) (string, error) { return "1", nil }

// downStore fails every call the way an unreachable database does.
type downStore struct {
	repo.ScheduleRepository
}

func (downStore) CreateGroup(context.Context, model.ScheduleGroup) error {
	return &repo.UnavailableError{Op: "create group", Err: errors.New("connection refused")}
}

func (downStore) CountItemsByState(context.Context) (map[model.State]int, error) {
	return nil, &repo.UnavailableError{Op: "count items", Err: errors.New("connection refused")}
}

func newTestServer(t *testing.T, store repo.ScheduleRepository, checks map[string]func(context.Context) error) (*scheduler.Scheduler, http.Handler) {
	t.Helper()

	eval, err := evaluator.New(time.Minute, 0, time.UTC)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	disp := service.NewDispatcher(store, eval, nopSender{}, service.DefaultRetryPolicy())

	// Long interval so only the immediate tick happens.
	s, err := scheduler.New(time.Hour, disp.Tick)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	h := NewHandler(Deps{
		Registry:   registry.New(store),
		Store:      store,
		Scheduler:  s,
		Dispatcher: disp,
		Sweeper:    service.NewSweeper(store, time.UTC),
		Cron:       scheduler.NewCronRunner(time.UTC, zerolog.Nop()),
		Checks:     checks,
		Logger:     zerolog.Nop(),
	})
	return s, Router(h)
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func createGroup(t *testing.T, mux http.Handler, body string) string {
	t.Helper()

	rr := do(t, mux, http.MethodPost, "/v1/schedules", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	id, _ := decodeJSON(t, rr)["id"].(string)
	if id == "" {
		t.Fatalf("expected id in %q", rr.Body.String())
	}
	return id
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s, mux := newTestServer(t, repo.NewMemoryRepo(), map[string]func(context.Context) error{
		"store": func(context.Context) error { return nil },
	})
	defer s.Stop()

	rr := do(t, mux, http.MethodGet, "/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestHealth_FailingCheckReturns503(t *testing.T) {
	t.Parallel()

	s, mux := newTestServer(t, repo.NewMemoryRepo(), map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	defer s.Stop()

	rr := do(t, mux, http.MethodGet, "/v1/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	checks, _ := decodeJSON(t, rr)["checks"].(map[string]any)
	if !strings.Contains(checks["redis"].(string), "refused") {
		t.Fatalf("expected redis failure detail, got %v", checks)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	s, mux := newTestServer(t, repo.NewMemoryRepo(), nil)
	defer s.Stop()

	steps := []struct {
		method, path string
		running      bool
	}{
		{http.MethodGet, "/v1/scheduler/status", false},
		{http.MethodPost, "/v1/scheduler/start", true},
		{http.MethodPost, "/v1/scheduler/stop", false},
	}
	for _, st := range steps {
		rr := do(t, mux, st.method, st.path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200, got %d body=%q", st.method, st.path, rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running != st.running {
			t.Fatalf("%s %s: expected running=%v, got %v", st.method, st.path, st.running, body)
		}
		if state, _ := body["state"].(string); state != "idle" && state != "evaluating" {
			t.Fatalf("%s %s: unexpected dispatcher state %v", st.method, st.path, body["state"])
		}
	}
}

func TestCreateListGetCancel(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryRepo()
	s, mux := newTestServer(t, store, nil)
	defer s.Stop()

	id := createGroup(t, mux, `{"chatId":"42","schedules":[
		{"medicine":"Amoxicillin","dosage":"500 mg","time":"08:00","duration":7},
		{"medicine":"Vitamin D","time":"20:30","duration":"2 weeks"}
	]}`)

	g, err := store.GetGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.ChatID != "42" || len(g.Items) != 2 || g.Items[0].DurationDays != 7 || g.Items[1].DurationDays != 14 {
		t.Fatalf("unexpected stored group %+v", g)
	}

	rr := do(t, mux, http.MethodGet, "/v1/schedules?chatId=42", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	if items, _ := decodeJSON(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one group, got %q", rr.Body.String())
	}

	rr = do(t, mux, http.MethodGet, "/v1/schedules/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
	var got model.ScheduleGroup
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode group: %v", err)
	}
	if got.ID != id || got.Items[0].TimeOfDay.String() != "08:00" || got.Items[0].Dosage != "500 mg" {
		t.Fatalf("unexpected group %+v", got)
	}

	for _, req := range []struct{ method, path string }{
		{http.MethodPost, "/v1/schedules/" + id + "/cancel"},
		{http.MethodDelete, "/v1/schedules/" + id},
	} {
		rr = do(t, mux, req.method, req.path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200, got %d body=%q", req.method, req.path, rr.Code, rr.Body.String())
		}
	}

	g, _ = store.GetGroup(context.Background(), id)
	for _, it := range g.Items {
		if it.State != model.Cancelled {
			t.Fatalf("expected cancelled item, got %s", it.State)
		}
	}
}

func TestCreateSchedule_ValidationErrors(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryRepo()
	s, mux := newTestServer(t, store, nil)
	defer s.Stop()

	rr := do(t, mux, http.MethodPost, "/v1/schedules", `{"chatId":"","schedules":[
		{"medicine":"","time":"8am","duration":"forever"}
	]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
	}
	fields, _ := decodeJSON(t, rr)["fields"].([]any)
	if len(fields) != 4 {
		t.Fatalf("expected 4 field errors, got %q", rr.Body.String())
	}

	if counts, _ := store.CountItemsByState(context.Background()); counts[model.Active] != 0 {
		t.Fatalf("nothing should be stored, got %v", counts)
	}
}

func TestCreateSchedule_MalformedJSON(t *testing.T) {
	t.Parallel()

	s, mux := newTestServer(t, repo.NewMemoryRepo(), nil)
	defer s.Stop()

	rr := do(t, mux, http.MethodPost, "/v1/schedules", `{"chatId":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestListSchedules_RequiresChatID(t *testing.T) {
	t.Parallel()

	s, mux := newTestServer(t, repo.NewMemoryRepo(), nil)
	defer s.Stop()

	if rr := do(t, mux, http.MethodGet, "/v1/schedules", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr := do(t, mux, http.MethodGet, "/v1/schedules?chatId=nobody", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty list, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestUnknownScheduleReturns404(t *testing.T) {
	t.Parallel()

	s, mux := newTestServer(t, repo.NewMemoryRepo(), nil)
	defer s.Stop()

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/v1/schedules/missing"},
		{http.MethodPost, "/v1/schedules/missing/cancel"},
		{http.MethodDelete, "/v1/schedules/missing"},
	} {
		if rr := do(t, mux, req.method, req.path, ""); rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", req.method, req.path, rr.Code)
		}
	}
}

func TestStoreUnavailableReturns503(t *testing.T) {
	t.Parallel()

	s, mux := newTestServer(t, downStore{}, nil)
	defer s.Stop()

	rr := do(t, mux, http.MethodPost, "/v1/schedules", `{"chatId":"1","schedules":[{"medicine":"A","time":"08:00","duration":1}]}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("create: expected 503, got %d body=%q", rr.Code, rr.Body.String())
	}
	if rr := do(t, mux, http.MethodGet, "/v1/stats", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("stats: expected 503, got %d", rr.Code)
	}
}

func TestSweepAndStats(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryRepo()
	s, mux := newTestServer(t, store, nil)
	defer s.Stop()

	createGroup(t, mux, `{"chatId":"7","schedules":[{"medicine":"A","time":"08:00","duration":3}]}`)

	rr := do(t, mux, http.MethodPost, "/v1/sweeper/run", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d", rr.Code)
	}
	if expired, _ := decodeJSON(t, rr)["expired"].([]any); len(expired) != 0 {
		t.Fatalf("fresh item must not expire, got %v", expired)
	}

	rr = do(t, mux, http.MethodGet, "/v1/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	counts, _ := body["counts"].(map[string]any)
	if counts["active"] != float64(1) {
		t.Fatalf("expected one active item, got %v", body)
	}
	if _, ok := body["lastSweep"]; !ok {
		t.Fatalf("expected last sweep in stats, got %v", body)
	}
}

func TestRouterRoot(t *testing.T) {
	t.Parallel()

	s, mux := newTestServer(t, repo.NewMemoryRepo(), nil)
	defer s.Stop()

	rr := do(t, mux, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "medication-reminders" {
		t.Fatalf("expected body %q, got %q", "medication-reminders", got)
	}
	if rr := do(t, mux, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rr.Code)
	}
}
