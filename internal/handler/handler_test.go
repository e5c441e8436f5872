package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-arena/internal/catalog/catalogtest"
	"github.com/p-n-ai/pai-arena/internal/handler"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/ledger"
	"github.com/p-n-ai/pai-arena/internal/progress"
	"github.com/p-n-ai/pai-arena/internal/realtime"
)

func newServer(t *testing.T, checks map[string]handler.HealthCheck) *httptest.Server {
	t.Helper()
	svc, err := progress.NewService(progress.ServiceConfig{
		Catalog: catalogtest.Ecosystems(t),
		Store:   ledger.NewMemoryStore(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h, err := handler.New(handler.Config{
		Service: svc,
		Hub:     realtime.NewHub(0),
		Checks:  checks,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, actor *identity.Actor, body any) (*http.Response, map[string]any) {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if actor != nil {
		req.Header.Set(identity.HeaderUserID, actor.ID)
		req.Header.Set(identity.HeaderUserName, actor.DisplayName)
		req.Header.Set(identity.HeaderUserRole, string(actor.Role))
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
		if m, ok := raw.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"items": raw}
		}
	}
	return resp, out
}

var (
	student = &identity.Actor{ID: "s1", DisplayName: "Aina", Role: identity.RoleStudent}
	teacher = &identity.Actor{ID: "t1", DisplayName: "Cikgu", Role: identity.RoleTeacher}
)

func TestNew_RequiresService(t *testing.T) {
	if _, err := handler.New(handler.Config{}); err == nil {
		t.Error("New() without a service should fail")
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := newServer(t, map[string]handler.HealthCheck{
		"ledger": func(context.Context) error { return nil },
	})

	resp, body := do(t, srv, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("/healthz = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, srv, http.MethodGet, "/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK || body["ledger"] != "ok" {
		t.Errorf("/readyz = %d %v", resp.StatusCode, body)
	}

	failing := newServer(t, map[string]handler.HealthCheck{
		"cache": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, _ = do(t, failing, http.MethodGet, "/readyz", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz with failing check = %d, want 503", resp.StatusCode)
	}
}

func TestStatusMapping(t *testing.T) {
	srv := newServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		actor  *identity.Actor
		body   any
		want   int
	}{
		{"missing identity", http.MethodGet, "/v1/profile", nil, nil, http.StatusBadRequest},
		{"unknown role", http.MethodGet, "/v1/profile", &identity.Actor{ID: "x", Role: "admin"}, nil, http.StatusBadRequest},
		{"unknown quiz", http.MethodPost, "/v1/quizzes/Q9/attempts", student, map[string]any{"answers": map[string]string{}}, http.StatusNotFound},
		{"foreign option", http.MethodPost, "/v1/quizzes/Q2/attempts", student, map[string]any{"answers": map[string]string{"Q2-01": "Q3-01-a"}}, http.StatusBadRequest},
		{"missing answers", http.MethodPost, "/v1/quizzes/Q2/attempts", student, map[string]any{}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/v1/quizzes/Q2/attempts", student, "{not json", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/points", student, map[string]any{"source": "exam", "points": 5, "bonus": 1}, http.StatusBadRequest},
		{"zero points", http.MethodPost, "/v1/points", student, map[string]any{"source": "exam", "points": 0}, http.StatusBadRequest},
		{"points above cap", http.MethodPost, "/v1/points", student, map[string]any{"source": "exam", "points": 1000001}, http.StatusBadRequest},
		{"missing source", http.MethodPost, "/v1/points", student, map[string]any{"points": 5}, http.StatusBadRequest},
		{"unknown lesson", http.MethodPut, "/v1/lessons/L9/completion", student, nil, http.StatusNotFound},
		{"locked arena module", http.MethodPost, "/v1/arena/activities/A1/answers", student, map[string]any{"correct": true}, http.StatusBadRequest},
		{"arena answer without flag", http.MethodPost, "/v1/arena/activities/A1/answers", student, map[string]any{}, http.StatusBadRequest},
		{"unknown activity", http.MethodGet, "/v1/arena/activities/A9", student, nil, http.StatusNotFound},
		{"bad leaderboard limit", http.MethodGet, "/v1/leaderboard?limit=0", student, nil, http.StatusBadRequest},
		{"analytics as student", http.MethodGet, "/v1/analytics", student, nil, http.StatusForbidden},
		{"student detail as student", http.MethodGet, "/v1/students/s1", student, nil, http.StatusForbidden},
		{"unknown student", http.MethodGet, "/v1/students/nobody", teacher, nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, tt.method, tt.path, tt.actor, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d (%v), want %d", tt.method, tt.path, resp.StatusCode, body, tt.want)
			}
			if body["error"] == nil {
				t.Errorf("error response should carry a message, got %v", body)
			}
		})
	}
}

func TestStudentFlow(t *testing.T) {
	srv := newServer(t, nil)

	resp, body := do(t, srv, http.MethodPut, "/v1/lessons/L1/completion", student, nil)
	if resp.StatusCode != http.StatusOK || body["changed"] != true {
		t.Fatalf("mark L1 = %d %v", resp.StatusCode, body)
	}
	_, body = do(t, srv, http.MethodPut, "/v1/lessons/L1/completion", student, nil)
	if body["changed"] != false {
		t.Errorf("second mark should be a no-op, got %v", body)
	}

	resp, body = do(t, srv, http.MethodPost, "/v1/quizzes/Q2/attempts", student, map[string]any{"answers": catalogtest.Answers(8)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit = %d %v", resp.StatusCode, body)
	}
	if body["score"] != 80.0 || body["passed"] != true {
		t.Errorf("submission = %v, want score 80 passed", body)
	}
	points := body["points"].(map[string]any)
	if points["delta"] != 80.0 {
		t.Errorf("points = %v, want delta 80", points)
	}

	_, body = do(t, srv, http.MethodPut, "/v1/lessons/L2/completion", student, nil)
	if body["changed"] != true {
		t.Errorf("mark L2 = %v", body)
	}

	_, body = do(t, srv, http.MethodGet, "/v1/accessibility", student, nil)
	ids := fmt.Sprint(body["accessible_lesson_ids"])
	if ids != "[L1 L2 L3]" {
		t.Errorf("accessible = %s, want [L1 L2 L3]", ids)
	}

	_, body = do(t, srv, http.MethodGet, "/v1/lessons/L2", student, nil)
	if body["state"] != "complete" || body["accessible"] != true {
		t.Errorf("lesson L2 = %v", body)
	}

	resp, body = do(t, srv, http.MethodGet, "/v1/arena/activities/A1", student, nil)
	if resp.StatusCode != http.StatusOK || body["locked"] != false || body["kind"] != "symbiosis_duel" {
		t.Errorf("activity = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, srv, http.MethodPost, "/v1/arena/activities/A1/answers", student, map[string]any{"correct": true})
	if resp.StatusCode != http.StatusOK || body["correct"] != true {
		t.Errorf("arena answer = %d %v", resp.StatusCode, body)
	}

	_, body = do(t, srv, http.MethodGet, "/v1/profile", student, nil)
	if body["total_points"] != 90.0 {
		t.Errorf("profile = %v, want 90 points", body)
	}
	badges := body["badges"].([]any)
	if len(badges) != 1 || badges[0].(map[string]any)["id"] != "bronze" {
		t.Errorf("badges = %v, want bronze", badges)
	}

	_, body = do(t, srv, http.MethodGet, "/v1/leaderboard?limit=3", student, nil)
	items := body["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["student_id"] != "s1" {
		t.Errorf("leaderboard = %v", items)
	}

	resp, body = do(t, srv, http.MethodDelete, "/v1/lessons/L1/completion", student, nil)
	if resp.StatusCode != http.StatusOK || body["changed"] != true {
		t.Errorf("unmark L1 = %d %v", resp.StatusCode, body)
	}
}

func TestTeacherViews(t *testing.T) {
	srv := newServer(t, nil)

	if resp, _ := do(t, srv, http.MethodPost, "/v1/quizzes/Q2/attempts", student, map[string]any{"answers": catalogtest.Answers(6)}); resp.StatusCode != http.StatusOK {
		t.Fatalf("submit = %d", resp.StatusCode)
	}

	resp, body := do(t, srv, http.MethodGet, "/v1/analytics", teacher, nil)
	if resp.StatusCode != http.StatusOK || body["student_count"] != 1.0 {
		t.Errorf("analytics = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, srv, http.MethodGet, "/v1/students/s1", teacher, nil)
	if resp.StatusCode != http.StatusOK || body["attempt_count"] != 10.0 {
		t.Errorf("student detail = %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/v1/analytics/export.xlsx", nil)
	req.Header.Set(identity.HeaderUserID, teacher.ID)
	req.Header.Set(identity.HeaderUserRole, string(teacher.Role))
	xresp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer xresp.Body.Close()
	if xresp.StatusCode != http.StatusOK || !strings.Contains(xresp.Header.Get("Content-Disposition"), ".xlsx") {
		t.Fatalf("export = %d %v", xresp.StatusCode, xresp.Header)
	}
	f, err := excelize.OpenReader(xresp.Body)
	if err != nil {
		t.Fatalf("export is not a workbook: %v", err)
	}
	defer f.Close()
	if len(f.GetSheetList()) != 6 {
		t.Errorf("sheets = %v", f.GetSheetList())
	}
}
