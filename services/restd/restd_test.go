package restd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/reports"
	"github.com/nfcgate/relayd/services/settings"
)

var testEngine *gin.Engine

// adminToken is issued by the bootstrap test and reused by the rest of
// the suite, which therefore has to run after it
var adminToken string

func TestMain(m *testing.M) {
	tempdir, err := os.MkdirTemp("", "restd_test")
	if err != nil {
		os.Exit(1)
	}
	defer os.RemoveAll(tempdir)

	os.Setenv("NFCGATE_LOG_DIR", tempdir)
	os.Setenv("NFCGATE_LOG_DB", filepath.Join(tempdir, "logs.sqlite3"))

	settings.Startup()
	overseer.Startup()
	reports.Startup()
	eventlog.Startup()

	gin.SetMode(gin.TestMode)
	testEngine = gin.New()
	testEngine.Use(addHeaders)

	testEngine.GET("/api/health", healthHandler)
	testEngine.GET("/api/auth/status", authStatusHandler)
	testEngine.POST("/api/auth/bootstrap", authBootstrapHandler)
	testEngine.POST("/api/auth/login", authLoginHandler)

	api := testEngine.Group("/api")
	api.Use(authRequired())
	api.GET("/admin/users", listUsersHandler)
	api.POST("/admin/users", createUserHandler)
	api.PATCH("/admin/users/:id", updateUserHandler)
	api.DELETE("/admin/users/:id", deleteUserHandler)
	api.GET("/logs/tail", logsTailHandler)
	api.GET("/logs/export", logsExportHandler)
	api.GET("/apdu/stats", apduStatsHandler)

	code := m.Run()
	reports.Shutdown()
	os.Exit(code)
}

// request runs one request against the test engine
func request(t *testing.T, method string, target string, token string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	recorder := httptest.NewRecorder()
	testEngine.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	decoded := make(map[string]interface{})
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal(%q) error = %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestParseTimestamp(t *testing.T) {
	for _, value := range []string{
		"2026-03-15T12:00:00Z",
		"2026-03-15T12:00:00.123456",
		"2026-03-15T12:00:00",
		"2026-03-15",
	} {
		if _, err := parseTimestamp(value); err != nil {
			t.Errorf("parseTimestamp(%q) error = %v", value, err)
		}
	}

	if _, err := parseTimestamp(""); err == nil {
		t.Error("parseTimestamp(\"\") error = nil, want missing datetime")
	}
	if _, err := parseTimestamp("yesterday"); err == nil {
		t.Error("parseTimestamp(yesterday) error = nil, want invalid datetime")
	}

	// zone-less timestamps read as UTC
	got, err := parseTimestamp("2026-03-15T12:00:00")
	if err != nil {
		t.Fatalf("parseTimestamp() error = %v", err)
	}
	want, _ := parseTimestamp("2026-03-15T12:00:00Z")
	if got != want {
		t.Errorf("parseTimestamp() = %v, want %v", got, want)
	}
}

func TestHealth(t *testing.T) {
	recorder := request(t, "GET", "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if got := recorder.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	body := decodeBody(t, recorder)
	if body["status"] != "ok" || body["server"] != serverName {
		t.Errorf("health = %v", body)
	}
	if body["db_configured"] != true {
		t.Errorf("db_configured = %v, want true", body["db_configured"])
	}
}

func TestAuthStatusBeforeBootstrap(t *testing.T) {
	recorder := request(t, "GET", "/api/auth/status", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["has_admins"] != false {
		t.Errorf("has_admins = %v, want false", body["has_admins"])
	}
}

func TestBootstrap(t *testing.T) {
	recorder := request(t, "POST", "/api/auth/bootstrap", "", `{"username":"root","password":"hunter22"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	token, ok := body["token"].(string)
	if !ok || token == "" {
		t.Fatalf("token missing from bootstrap response: %v", body)
	}
	adminToken = token

	// bootstrap runs exactly once
	recorder = request(t, "POST", "/api/auth/bootstrap", "", `{"username":"other","password":"pw"}`)
	if recorder.Code != http.StatusConflict {
		t.Errorf("second bootstrap status = %d, want 409", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "already_initialized" {
		t.Errorf("error = %v, want already_initialized", body["error"])
	}

	recorder = request(t, "GET", "/api/auth/status", "", "")
	if body := decodeBody(t, recorder); body["has_admins"] != true {
		t.Errorf("has_admins = %v, want true", body["has_admins"])
	}
}

func TestLogin(t *testing.T) {
	recorder := request(t, "POST", "/api/auth/login", "", `{"username":"root","password":"hunter22"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if token, ok := body["token"].(string); !ok || token == "" {
		t.Errorf("token missing from login response: %v", body)
	}

	recorder = request(t, "POST", "/api/auth/login", "", `{"username":"root","password":"wrong"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", recorder.Code)
	}

	recorder = request(t, "POST", "/api/auth/login", "", `{"username":"root"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("missing password status = %d, want 400", recorder.Code)
	}

	recorder = request(t, "POST", "/api/auth/login", "", `not json`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", recorder.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	recorder := request(t, "GET", "/api/logs/tail", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "missing_token" {
		t.Errorf("error = %v, want missing_token", body["error"])
	}

	recorder = request(t, "GET", "/api/logs/tail", "bogus", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "invalid_token" {
		t.Errorf("error = %v, want invalid_token", body["error"])
	}

	// the relay header accepts an optional Bearer prefix
	recorder = request(t, "GET", "/api/logs/tail", "Bearer "+adminToken, "")
	if recorder.Code != http.StatusOK {
		t.Errorf("prefixed token status = %d, want 200", recorder.Code)
	}

	// plain Authorization works too
	req := httptest.NewRequest("GET", "/api/logs/tail", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	plain := httptest.NewRecorder()
	testEngine.ServeHTTP(plain, req)
	if plain.Code != http.StatusOK {
		t.Errorf("Authorization token status = %d, want 200", plain.Code)
	}
}

func TestLogsTail(t *testing.T) {
	session := 4
	for i := 0; i < 3; i++ {
		rec := &reports.EventRecord{
			TsUnix:   float64(5000 + i),
			TsISO:    "2026-03-15T12:00:00.000000",
			Tag:      "tail_http",
			Origin:   "10.0.0.2:5000",
			Session:  &session,
			ArgsJSON: `["frame",{"type":"bytes","len":2}]`,
		}
		if _, err := reports.RecordEvent(rec); err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
	}

	recorder := request(t, "GET", "/api/logs/tail?tag=tail_http&limit=2", adminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	rows, ok := body["rows"].([]interface{})
	if !ok || len(rows) != 2 {
		t.Fatalf("rows = %v, want 2 entries", body["rows"])
	}

	first := rows[0].(map[string]interface{})
	if first["tag"] != "tail_http" {
		t.Errorf("tag = %v, want tail_http", first["tag"])
	}
	if args, ok := first["args"].([]interface{}); !ok || len(args) != 2 {
		t.Errorf("args = %v, want re-parsed array of 2", first["args"])
	}
}

func TestLogsExport(t *testing.T) {
	recorder := request(t, "GET", "/api/logs/export?from=2026-03-15&to=2026-03-16&format=csv&tag=tail_http", adminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Errorf("Content-Type = %q, want text/csv", got)
	}
	if got := recorder.Header().Get("Content-Disposition"); !strings.Contains(got, "logs_2026-03-15_2026-03-16.csv") {
		t.Errorf("Content-Disposition = %q", got)
	}
	lines := strings.Split(strings.TrimSpace(recorder.Body.String()), "\n")
	if lines[0] != "ts,tag,origin,session,args" {
		t.Errorf("csv header = %q", lines[0])
	}

	recorder = request(t, "GET", "/api/logs/export?from=2026-03-15&to=2026-03-16&tag=tail_http", adminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "application/x-ndjson") {
		t.Errorf("Content-Type = %q, want application/x-ndjson", got)
	}

	// validation failures
	recorder = request(t, "GET", "/api/logs/export?from=2026-03-16&to=2026-03-15", adminToken, "")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("reversed range status = %d, want 400", recorder.Code)
	}
	recorder = request(t, "GET", "/api/logs/export?to=2026-03-16", adminToken, "")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("missing from status = %d, want 400", recorder.Code)
	}
	recorder = request(t, "GET", "/api/logs/export?from=2026-03-15&to=2026-03-16&format=xml", adminToken, "")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d, want 400", recorder.Code)
	}
}

func TestApduStats(t *testing.T) {
	recorder := request(t, "GET", "/api/apdu/stats?from=2026-03-15&to=2026-03-16", adminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	for _, key := range []string{"from", "to", "parsed_apdu", "highlight", "commands_reader", "commands_reader_header4", "responses_card_sw"} {
		if _, found := body[key]; !found {
			t.Errorf("response missing %q: %v", key, body)
		}
	}

	recorder = request(t, "GET", "/api/apdu/stats?from=bad&to=2026-03-16", adminToken, "")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", recorder.Code)
	}
}

func TestUserLifecycle(t *testing.T) {
	recorder := request(t, "POST", "/api/admin/users", adminToken, `{"username":"carol","password":"s3cret"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", recorder.Code, recorder.Body.String())
	}
	created := decodeBody(t, recorder)["created"].(map[string]interface{})
	carolID := int64(created["id"].(float64))

	// duplicate name
	recorder = request(t, "POST", "/api/admin/users", adminToken, `{"username":"carol","password":"other"}`)
	if recorder.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", recorder.Code)
	}

	// carol logs in
	recorder = request(t, "POST", "/api/auth/login", "", `{"username":"carol","password":"s3cret"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("carol login status = %d, want 200", recorder.Code)
	}
	carolToken := decodeBody(t, recorder)["token"].(string)

	recorder = request(t, "GET", "/api/admin/users", carolToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", recorder.Code)
	}
	users := decodeBody(t, recorder)["users"].([]interface{})
	if len(users) < 2 {
		t.Errorf("len(users) = %d, want at least 2", len(users))
	}

	// a password change revokes carol's token
	recorder = request(t, "PATCH", "/api/admin/users/"+strconv.FormatInt(carolID, 10), adminToken, `{"password":"newpass"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("patch status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
	recorder = request(t, "GET", "/api/admin/users", carolToken, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", recorder.Code)
	}

	// self-protection
	recorder = request(t, "PATCH", "/api/admin/users/1", adminToken, `{"disabled":true}`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("disable self status = %d, want 400", recorder.Code)
	}
	recorder = request(t, "DELETE", "/api/admin/users/1", adminToken, "")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("delete self status = %d, want 400", recorder.Code)
	}

	// empty patch and unknown targets
	recorder = request(t, "PATCH", "/api/admin/users/"+strconv.FormatInt(carolID, 10), adminToken, `{}`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("empty patch status = %d, want 400", recorder.Code)
	}
	recorder = request(t, "DELETE", "/api/admin/users/9999", adminToken, "")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("unknown target status = %d, want 404", recorder.Code)
	}

	recorder = request(t, "DELETE", "/api/admin/users/"+strconv.FormatInt(carolID, 10), adminToken, "")
	if recorder.Code != http.StatusOK {
		t.Errorf("delete status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
}

