// Package httpapi serves the upload endpoint and the admin UI's JSON/HTML
// surface, routed with github.com/go-chi/chi/v5.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/invigil/invigil/internal/archive"
	"github.com/invigil/invigil/internal/auth"
	"github.com/invigil/invigil/internal/cards"
	"github.com/invigil/invigil/internal/cohort"
	"github.com/invigil/invigil/internal/filterlang"
	"github.com/invigil/invigil/internal/store"
	"github.com/invigil/invigil/internal/telemetry/log"
	"github.com/invigil/invigil/internal/timeline"
)

// openSnapshot opens a submission's stored ZIP archive and returns a
// read-closer over its snapshot/<log-filename> member, for the per-
// submission timeline and shared-LAN handlers that re-stream the log.
func openSnapshot(fsPath string) (io.ReadCloser, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	ar, err := archive.Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	rc, err := ar.OpenSnapshot()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &snapshotReadCloser{rc: rc, underlying: f}, nil
}

type snapshotReadCloser struct {
	rc         io.ReadCloser
	underlying *os.File
}

func (s *snapshotReadCloser) Read(p []byte) (int, error) { return s.rc.Read(p) }
func (s *snapshotReadCloser) Close() error {
	s.rc.Close()
	return s.underlying.Close()
}

// Server wires the store, auth, and config into chi handlers.
type Server struct {
	st           *store.Store
	authn        *auth.Authenticator
	log          *log.Logger
	uploadDir    string
	router       chi.Router
}

func New(st *store.Store, authn *auth.Authenticator, logger *log.Logger, uploadDir string) *Server {
	s := &Server{st: st, authn: authn, log: logger, uploadDir: uploadDir}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/api/v1/logs", s.handleUpload)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/assignment/{aid}", s.handleAssignmentPage)
		r.Get("/assignment/{aid}/cards", s.handleCards)
		r.Get("/assignment/{aid}/table_rows", s.handleTableRows)
		r.Get("/assignment/{aid}/stats_activity", s.handleStatsActivity)
		r.Get("/assignment/{aid}/stats_status", s.handleStatsStatus)
		r.Get("/assignment/{aid}/stats_duration", s.handleStatsDuration)
		r.Get("/assignment/{aid}/stats_browser", s.handleStatsBrowser)
		r.Get("/assignment/{aid}/stats_domains", s.handleStatsDomains)
		r.Get("/assignment/{aid}/stats_shared_lan", s.handleStatsSharedLAN)
		r.Get("/assignment/{aid}/stats_outliers", s.handleStatsOutliers)
		r.Get("/submissions/{id}", s.handleSubmissionDetail)
		r.Get("/submissions/{id}/net_timeline.json", s.handleNetTimeline)
		r.Get("/submissions/{id}/proc_timeline.json", s.handleProcTimeline)
		r.Get("/submissions/{id}/artifacts.json", s.handleArtifacts)
		r.Get("/dashboard", s.handleDashboard)
		r.Post("/subscribe", s.handleSubscribe)
		r.Post("/unsubscribe", s.handleUnsubscribe)
	})
	return r
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.authn.SessionFromRequest(r); !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleUpload implements POST /api/v1/logs: create the Submission
// (received) and Artifact rows, streaming the body to disk while hashing
// incrementally, then return the receipt id immediately.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	submissionID := q.Get("submission_id")
	studentName := q.Get("student_name")
	assignmentID := q.Get("moodle_assignment_id")
	clientVersion := q.Get("client_version")
	if submissionID == "" || studentName == "" || assignmentID == "" {
		http.Error(w, "missing required query parameters", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("log_zip")
	if err != nil {
		http.Error(w, "missing log_zip field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	id := uuid.NewString()
	now := time.Now().UTC()
	fsName := fmt.Sprintf("%s_%s_%s.zip", now.Format("20060102T150405Z"), assignmentID, id)
	fsPath := filepath.Join(s.uploadDir, fsName)

	out, err := os.Create(fsPath)
	if err != nil {
		s.log.Error("failed to create upload file", log.KVErr(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	hasher := sha256.New()
	size, err := io.Copy(out, io.TeeReader(file, hasher))
	out.Close()
	if err != nil {
		s.log.Error("failed to stream upload", log.KVErr(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	sub := store.Submission{
		ID:                  id,
		SubmissionID:        submissionID,
		StudentName:         studentName,
		CreatedAt:           now,
		MoodleAssignmentID:  assignmentID,
		ClientVersion:       clientVersion,
		Status:              store.StatusReceived,
	}
	art := store.Artifact{
		ID:            uuid.NewString(),
		SubmissionRef: id,
		FSPath:        fsPath,
		SHA256:        hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes:     size,
	}
	if err := s.st.CreateSubmissionAndArtifact(r.Context(), sub, art); err != nil {
		s.log.Error("failed to persist submission", log.KVErr(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"receipt_id": id})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loadFiltered compiles the request's q/filters query params with
// internal/filterlang and runs the resulting WHERE clause directly
// against the submissions table, scoped to one assignment.
func (s *Server) loadFiltered(ctx context.Context, aid string, r *http.Request) ([]store.Submission, map[string][]store.Finding, error) {
	query := parseFilterQuery(r)
	clause, args := filterlang.Compile(query, aid)

	rows, err := s.st.DB().QueryContext(ctx, fmt.Sprintf(`
		SELECT id, submission_id, student_name, created_at, moodle_assignment_id, client_version, status
		FROM submissions
		WHERE moodle_assignment_id = ? AND %s
		ORDER BY created_at DESC`, clause), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var subs []store.Submission
	for rows.Next() {
		var sub store.Submission
		if err := rows.Scan(&sub.ID, &sub.SubmissionID, &sub.StudentName, &sub.CreatedAt, &sub.MoodleAssignmentID, &sub.ClientVersion, &sub.Status); err != nil {
			return nil, nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	findingsBySub := make(map[string][]store.Finding, len(subs))
	for _, sub := range subs {
		findings, err := s.st.FindingsBySubmission(ctx, sub.ID)
		if err != nil {
			return nil, nil, err
		}
		findingsBySub[sub.ID] = findings
	}
	return subs, findingsBySub, nil
}

func parseFilterQuery(r *http.Request) filterlang.Query {
	q := filterlang.Query{Text: r.URL.Query().Get("q")}
	for _, raw := range r.URL.Query()["filters"] {
		var item filterlang.FilterItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue // unknown/malformed filter: drop silently
		}
		q.Filters = append(q.Filters, item)
	}
	return q
}

func (s *Server) handleAssignmentPage(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	subs, findingsBySub, err := s.loadFiltered(r.Context(), aid, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var cardList []cards.SubmissionCard
	for _, sub := range subs {
		cardList = append(cardList, cards.Build(sub, findingsBySub[sub.ID]))
	}
	writeJSON(w, http.StatusOK, cardList)
}

func (s *Server) handleCards(w http.ResponseWriter, r *http.Request) {
	s.handleAssignmentPage(w, r)
}

func (s *Server) handleTableRows(w http.ResponseWriter, r *http.Request) {
	s.handleAssignmentPage(w, r)
}

func (s *Server) handleStatsActivity(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	subs, err := s.st.SubmissionsByAssignment(r.Context(), aid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cohort.ActivityHistogram(subs))
}

func (s *Server) handleStatsStatus(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	subs, err := s.st.SubmissionsByAssignment(r.Context(), aid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cohort.StatusCounts(subs))
}

func (s *Server) allFindings(ctx context.Context, aid string) ([][]store.Finding, error) {
	subs, err := s.st.SubmissionsByAssignment(ctx, aid)
	if err != nil {
		return nil, err
	}
	out := make([][]store.Finding, 0, len(subs))
	for _, sub := range subs {
		findings, err := s.st.FindingsBySubmission(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, findings)
	}
	return out, nil
}

func (s *Server) handleStatsDuration(w http.ResponseWriter, r *http.Request) {
	findings, err := s.allFindings(r.Context(), chi.URLParam(r, "aid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cohort.Duration(findings))
}

func (s *Server) handleStatsBrowser(w http.ResponseWriter, r *http.Request) {
	findings, err := s.allFindings(r.Context(), chi.URLParam(r, "aid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cohort.Browser(findings))
}

func (s *Server) handleStatsDomains(w http.ResponseWriter, r *http.Request) {
	findings, err := s.allFindings(r.Context(), chi.URLParam(r, "aid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cohort.TopDomains(findings))
}

func (s *Server) handleStatsSharedLAN(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	subs, err := s.st.SubmissionsByAssignment(r.Context(), aid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	students := make([]string, 0, len(subs))
	bySub := make(map[string]store.Submission, len(subs))
	for _, sub := range subs {
		students = append(students, sub.StudentName)
		bySub[sub.StudentName] = sub
	}
	rows, err := cohort.SharedLAN(students, func(student string) (io.ReadCloser, error) {
		sub := bySub[student]
		art, err := s.st.ArtifactBySubmission(r.Context(), sub.ID)
		if err != nil {
			return nil, err
		}
		return openSnapshot(art.FSPath)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStatsOutliers(w http.ResponseWriter, r *http.Request) {
	aid := chi.URLParam(r, "aid")
	subs, err := s.st.SubmissionsByAssignment(r.Context(), aid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	values := make(map[string]int64, len(subs))
	for _, sub := range subs {
		findings, err := s.st.FindingsBySubmission(r.Context(), sub.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, f := range findings {
			if f.Kind == "net" && f.Key == "total_net_events" {
				if n, err := strconv.ParseInt(f.Value, 10, 64); err == nil {
					values[sub.ID] = n
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, cohort.Outliers(values))
}

func (s *Server) handleSubmissionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.st.SubmissionByID(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	findings, err := s.st.FindingsBySubmission(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cards.Build(sub, findings))
}

func (s *Server) handleNetTimeline(w http.ResponseWriter, r *http.Request) {
	snap, err := s.openSubmissionSnapshot(r, chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer snap.Close()
	points, err := timeline.NetTimeline(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleProcTimeline(w http.ResponseWriter, r *http.Request) {
	snap, err := s.openSubmissionSnapshot(r, chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer snap.Close()
	tl, err := timeline.ProcTimelineFrom(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) openSubmissionSnapshot(r *http.Request, submissionID string) (io.ReadCloser, error) {
	art, err := s.st.ArtifactBySubmission(r.Context(), submissionID)
	if err != nil {
		return nil, err
	}
	return openSnapshot(art.FSPath)
}

// handleArtifacts implements GET /admin/submissions/{id}/artifacts.json: the
// single Artifact row backing a submission's stored ZIP, not the ZIP
// contents itself.
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	art, err := s.st.ArtifactBySubmission(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"submission_id": art.SubmissionRef,
		"sha256":        art.SHA256,
		"size_bytes":    art.SizeBytes,
	})
}

// handleDashboard implements GET /admin/dashboard: the assignments the
// signed-in professor is subscribed to, the admin UI's landing page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authn.SessionFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	subs, err := s.st.SubscriptionsByProf(r.Context(), sess.Prof)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authn.SessionFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	aid := r.URL.Query().Get("assignment_id")
	if err := s.st.Subscribe(r.Context(), sess.Prof, aid, time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authn.SessionFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	aid := r.URL.Query().Get("assignment_id")
	if err := s.st.Unsubscribe(r.Context(), sess.Prof, aid); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
