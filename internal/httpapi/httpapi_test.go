package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/invigil/invigil/internal/auth"
	"github.com/invigil/invigil/internal/config"
	"github.com/invigil/invigil/internal/store"
	"github.com/invigil/invigil/internal/telemetry/log"
)

func newTestServer(t *testing.T) (*Server, *auth.Authenticator) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	authn, err := auth.New(config.Server{CookieKeyHex: "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2021222324252627"})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	srv := New(st, authn, log.NewDiscard(), t.TempDir())
	return srv, authn
}

func multipartUpload(t *testing.T, body []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("log_zip", "log.zip")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandleUploadMissingParams(t *testing.T) {
	srv, _ := newTestServer(t)
	body, ct := multipartUpload(t, []byte("zip-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing query params, got %d", rec.Code)
	}
}

func TestHandleUploadCreatesSubmission(t *testing.T) {
	srv, _ := newTestServer(t)
	body, ct := multipartUpload(t, []byte("zip-bytes"))
	url := "/api/v1/logs?submission_id=ext-1&student_name=Alice&moodle_assignment_id=assignment-1&client_version=0.1.0"
	req := httptest.NewRequest(http.MethodPost, url, body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp["receipt_id"] == "" {
		t.Error("expected a non-empty receipt_id")
	}
}

func TestAdminRouteRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/assignment/assignment-1/cards", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected a redirect to /login without a session, got %d", rec.Code)
	}
}

func TestAdminRouteWithSessionListsSubmission(t *testing.T) {
	srv, authn := newTestServer(t)

	uploadBody, ct := multipartUpload(t, []byte("zip-bytes"))
	uploadReq := httptest.NewRequest(http.MethodPost,
		"/api/v1/logs?submission_id=ext-1&student_name=Alice&moodle_assignment_id=assignment-1", uploadBody)
	uploadReq.Header.Set("Content-Type", ct)
	uploadRec := httptest.NewRecorder()
	srv.ServeHTTP(uploadRec, uploadReq)
	if uploadRec.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", uploadRec.Code, uploadRec.Body.String())
	}

	cookie, err := authn.NewSessionCookie("prof-smith")
	if err != nil {
		t.Fatalf("NewSessionCookie: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/assignment/assignment-1/cards", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cardList []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &cardList); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(cardList) != 1 {
		t.Fatalf("expected 1 card, got %d", len(cardList))
	}
}

func TestSubscribeRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/subscribe?assignment_id=assignment-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect without a session (requireSession gate), got %d", rec.Code)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	srv, authn := newTestServer(t)
	cookie, err := authn.NewSessionCookie("prof-smith")
	if err != nil {
		t.Fatalf("NewSessionCookie: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/subscribe?assignment_id=assignment-1", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from subscribe, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/admin/unsubscribe?assignment_id=assignment-1", nil)
	req2.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from unsubscribe, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestHandleArtifacts(t *testing.T) {
	srv, authn := newTestServer(t)
	uploadBody, ct := multipartUpload(t, []byte("zip-bytes"))
	uploadReq := httptest.NewRequest(http.MethodPost,
		"/api/v1/logs?submission_id=ext-1&student_name=Alice&moodle_assignment_id=assignment-1", uploadBody)
	uploadReq.Header.Set("Content-Type", ct)
	uploadRec := httptest.NewRecorder()
	srv.ServeHTTP(uploadRec, uploadReq)
	if uploadRec.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", uploadRec.Code, uploadRec.Body.String())
	}
	var uploadResp map[string]string
	if err := json.Unmarshal(uploadRec.Body.Bytes(), &uploadResp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	cookie, err := authn.NewSessionCookie("prof-smith")
	if err != nil {
		t.Fatalf("NewSessionCookie: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/submissions/"+uploadResp["receipt_id"]+"/artifacts.json", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var art map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &art); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if art["sha256"] == "" {
		t.Error("expected a non-empty sha256")
	}
}

func TestHandleDashboardListsSubscriptions(t *testing.T) {
	srv, authn := newTestServer(t)
	cookie, err := authn.NewSessionCookie("prof-smith")
	if err != nil {
		t.Fatalf("NewSessionCookie: %v", err)
	}

	subReq := httptest.NewRequest(http.MethodPost, "/admin/subscribe?assignment_id=assignment-1", nil)
	subReq.AddCookie(cookie)
	subRec := httptest.NewRecorder()
	srv.ServeHTTP(subRec, subReq)
	if subRec.Code != http.StatusNoContent {
		t.Fatalf("subscribe failed: %d %s", subRec.Code, subRec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var subs []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &subs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
}

func TestHandleDashboardRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect without a session, got %d", rec.Code)
	}
}

func TestSubmissionNotFound(t *testing.T) {
	srv, authn := newTestServer(t)
	cookie, err := authn.NewSessionCookie("prof-smith")
	if err != nil {
		t.Fatalf("NewSessionCookie: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/submissions/does-not-exist", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown submission id, got %d", rec.Code)
	}
}
