package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/batch"
	"github.com/sells-group/course-cli/internal/extract"
	"github.com/sells-group/course-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: newRouter(env, serverOptions{
				AllowedOrigins: cfg.Server.AllowedOrigins,
				MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type serverOptions struct {
	AllowedOrigins []string
	MaxUploadBytes int64
	Now            func() time.Time
}

type api struct {
	env  *appEnv
	opts serverOptions
}

// newRouter builds the HTTP API over env. Protocol submission needs
// env.Driver; the read endpoints work without it.
func newRouter(env *appEnv, opts serverOptions) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	a := &api{env: env, opts: opts}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/protocols", a.submitProtocol)
		r.Post("/completions", a.recordCompletion)
		r.Get("/people/{id}/events", a.personEvents)
		r.Get("/people/{id}/status", a.personStatus)
		r.Get("/courses/{id}/events", a.courseEvents)
		r.Get("/courses/{id}/status", a.courseStatus)
		r.Get("/policies", a.listPolicies)
		r.Get("/policies/{id}", a.getPolicy)
		r.Get("/documents", a.listDocuments)
		r.Get("/documents/{fingerprint}", a.getDocument)
	})

	return r
}

// requestID propagates X-Request-ID or assigns a fresh one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type protocolRequest struct {
	Title  string   `json:"title"`
	Text   string   `json:"text"`
	Cohort []string `json:"cohort"`
}

// submitProtocol accepts either JSON {title, text, cohort} or a multipart
// upload with a "file" part, an optional "title", and "cohort" values.
func (a *api) submitProtocol(w http.ResponseWriter, r *http.Request) {
	if a.env.Driver == nil {
		writeError(w, http.StatusServiceUnavailable, "protocol submission is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)

	var (
		report *model.BatchReport
		err    error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		sub, perr := parseUpload(r, a.opts.MaxUploadBytes)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		report, err = a.env.Driver.Submit(r.Context(), sub)
	} else {
		var req protocolRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Cohort) == 0 {
			writeError(w, http.StatusBadRequest, "cohort is required")
			return
		}
		report, err = a.env.Driver.Process(r.Context(), req.Title, req.Text, req.Cohort)
	}

	switch {
	case err == nil:
		writeJSONStatus(w, http.StatusOK, report)
	case errors.Is(err, extract.ErrExtractionFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, batch.ErrEmptyProtocol), errors.Is(err, batch.ErrEmptyCohort):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("protocol submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "protocol submission failed")
	}
}

func parseUpload(r *http.Request, maxBytes int64) (batch.Submission, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return batch.Submission{}, eris.Wrap(err, "invalid multipart form")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return batch.Submission{}, eris.New("file is required")
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		return batch.Submission{}, eris.Wrap(err, "read upload")
	}

	var cohort []string
	for _, v := range r.MultipartForm.Value["cohort"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cohort = append(cohort, id)
			}
		}
	}
	if len(cohort) == 0 {
		return batch.Submission{}, eris.New("cohort is required")
	}
	return batch.Submission{
		Title:    r.FormValue("title"),
		Document: data,
		Filename: header.Filename,
		Cohort:   cohort,
	}, nil
}

type completionRequest struct {
	PersonID    string `json:"person_id"`
	CourseID    string `json:"course_id"`
	CompletedAt string `json:"completed_at"`
	Method      string `json:"method"`
}

func (a *api) recordCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PersonID == "" || req.CourseID == "" {
		writeError(w, http.StatusBadRequest, "person_id and course_id are required")
		return
	}
	at, err := parseTime(req.CompletedAt, a.opts.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	method := model.CompletionMethod(req.Method)
	switch method {
	case "":
		method = model.CompletionManual
	case model.CompletionManual, model.CompletionAutomatic:
	default:
		writeError(w, http.StatusBadRequest, "method must be manual or automatic")
		return
	}

	entry, err := a.env.Ledger.RecordCompletion(r.Context(), model.CompletionEvent{
		PersonID:    req.PersonID,
		CourseID:    req.CourseID,
		CompletedAt: at,
		Method:      method,
	})
	if err != nil {
		a.internalError(w, "record completion", err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, entry)
}

func (a *api) personEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := a.env.Ledger.ForPerson(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internalError(w, "person events", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, nonNil(entries))
}

func (a *api) courseEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := a.env.Ledger.ForCourse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internalError(w, "course events", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, nonNil(entries))
}

func (a *api) personStatus(w http.ResponseWriter, r *http.Request) {
	a.statuses(w, r, chi.URLParam(r, "id"), "")
}

func (a *api) courseStatus(w http.ResponseWriter, r *http.Request) {
	a.statuses(w, r, "", chi.URLParam(r, "id"))
}

func (a *api) statuses(w http.ResponseWriter, r *http.Request, personID, courseID string) {
	now, err := parseTime(r.URL.Query().Get("at"), a.opts.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := a.env.Ledger.Statuses(r.Context(), personID, courseID, now)
	if err != nil {
		a.internalError(w, "statuses", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, nonNil(rows))
}

func (a *api) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := a.env.Policies.List(r.Context())
	if err != nil {
		a.internalError(w, "list policies", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, nonNil(policies))
}

func (a *api) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, found, err := a.env.Policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.internalError(w, "get policy", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, struct {
		model.CoursePolicy
		Default bool `json:"default"`
	}{p, !found})
}

func (a *api) listDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	docs, err := a.env.Cache.List(r.Context(), limit)
	if err != nil {
		a.internalError(w, "list documents", err)
		return
	}
	writeJSONStatus(w, http.StatusOK, nonNil(docs))
}

func (a *api) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.env.Cache.Get(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		a.internalError(w, "get document", err)
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if r.URL.Query().Get("text") != "true" {
		doc.Text = ""
	}
	writeJSONStatus(w, http.StatusOK, doc)
}

func (a *api) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("http handler failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
