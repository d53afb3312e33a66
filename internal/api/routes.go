package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/auditlog"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/orchestrator"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

const (
	defaultMaxUploadBytes = 64 << 20
	multipartMemory       = 32 << 20
	defaultListLimit      = 50
	maxListLimit          = 500
)

// eventPollInterval is how often an event stream re-checks its run.
var eventPollInterval = 500 * time.Millisecond

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Get("/doctor", doctorHandler(cfg))
		r.Get("/styles", stylesHandler(cfg))

		r.Get("/runs", listRunsHandler(cfg))
		r.Post("/runs", createRunHandler(cfg))
		r.Get("/runs/{id}", getRunHandler(cfg))
		r.Get("/runs/{id}/log", runLogHandler(cfg))
		r.Get("/runs/{id}/events", runEventsHandler(cfg))
		r.Post("/runs/{id}/process", processHandler(cfg))
		r.Post("/runs/{id}/generate", generateHandler(cfg))
		r.Post("/runs/{id}/quality", qualityHandler(cfg))
		r.Post("/runs/{id}/cancel", cancelHandler(cfg))

		r.With(LoopbackGuard()).Get("/runs/{id}/artifact", artifactHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		active := 0
		if cfg.Orchestrator != nil {
			active = len(cfg.Orchestrator.Store().Active())
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:     "ok",
			Version:    cfg.Version,
			UptimeS:    uptime,
			ActiveRuns: active,
		})
	}
}

func doctorHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Doctor == nil {
			WriteError(w, http.StatusServiceUnavailable, "doctor not configured", "UNAVAILABLE")
			return
		}

		var (
			report *stage.Report
			err    error
		)
		if r.URL.Query().Get("refresh") == "1" {
			report, err = cfg.Doctor.Refresh(r.Context())
		} else {
			report, err = cfg.Doctor.Get(r.Context())
		}
		if err != nil {
			cfg.Logger.Warn("doctor probe failed", "error", err)
			WriteError(w, http.StatusServiceUnavailable, err.Error(), "UNAVAILABLE")
			return
		}

		WriteJSON(w, http.StatusOK, ReportToResponse(report))
	}
}

func stylesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Artifacts == nil {
			WriteError(w, http.StatusServiceUnavailable, "generation service not configured", "UNAVAILABLE")
			return
		}

		res := cfg.Artifacts.Styles(r.Context())
		if !res.IsSuccess() {
			WriteError(w, http.StatusBadGateway, res.Error(), "STAGE_ERROR")
			return
		}

		keys := make([]string, 0, len(res.Payload.Available))
		for k := range res.Payload.Available {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		styles := make([]StyleResponse, 0, len(keys))
		for _, k := range keys {
			s := res.Payload.Available[k]
			styles = append(styles, StyleResponse{
				Key:         k,
				Name:        s.Name,
				Description: s.Description,
				Colors:      s.Colors,
				BestFor:     s.BestFor,
			})
		}

		WriteJSON(w, http.StatusOK, StylesResponse{Styles: styles, Default: res.Payload.Default})
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, maxListLimit)
		}

		summaries, err := cfg.Orchestrator.Store().List(r.Context(), limit)
		if err != nil {
			writeRunError(w, cfg, err)
			return
		}

		resp := RunsResponse{Runs: make([]RunSummaryResponse, len(summaries))}
		for i, s := range summaries {
			resp.Runs[i] = SummaryToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxBytes := cfg.MaxUploadBytes
		if maxBytes <= 0 {
			maxBytes = defaultMaxUploadBytes
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, http.StatusRequestEntityTooLarge, "upload too large", "TOO_LARGE")
				return
			}
			WriteError(w, http.StatusBadRequest, "expected multipart form: "+err.Error(), "BAD_REQUEST")
			return
		}
		defer r.MultipartForm.RemoveAll()

		materials, err := materialsFromForm(r.MultipartForm)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		id, err := cfg.Orchestrator.Start(r.Context(), materials)
		if err != nil {
			writeRunError(w, cfg, err)
			return
		}

		snap, err := cfg.Orchestrator.Store().Get(r.Context(), id)
		if err != nil {
			writeRunError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusCreated, RunToResponse(snap))
	}
}

// materialsFromForm reads files from "files", "files[]" or "images" and
// keywords given either repeated or comma separated.
func materialsFromForm(form *multipart.Form) (run.Materials, error) {
	var headers []*multipart.FileHeader
	for _, field := range []string{"files", "files[]", "images"} {
		headers = append(headers, form.File[field]...)
	}

	files := make([]run.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return run.Materials{}, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return run.Materials{}, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		files = append(files, run.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        len(data),
			Data:        data,
		})
	}

	keywords := []string{}
	for _, v := range form.Value["keywords"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
	}

	var description string
	if v := form.Value["description"]; len(v) > 0 {
		description = strings.TrimSpace(v[0])
	}

	return run.Materials{Files: files, Keywords: keywords, Description: description}, nil
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Orchestrator.Store().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRunError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(snap))
	}
}

func runLogHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, err := cfg.Orchestrator.Store().Get(r.Context(), id)
		if err != nil {
			writeRunError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, LogResponse{RunID: id, Entries: EntriesToResponse(snap.AuditLog)})
	}
}

func processHandler(cfg ServerConfig) http.HandlerFunc {
	return triggerHandler(cfg, func(r *http.Request, id string) error {
		return cfg.Orchestrator.Process(r.Context(), id)
	})
}

func generateHandler(cfg ServerConfig) http.HandlerFunc {
	return triggerHandler(cfg, func(r *http.Request, id string) error {
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return badRequest{fmt.Sprintf("invalid request body: %v", err)}
		}
		return cfg.Orchestrator.Generate(r.Context(), id, strings.TrimSpace(req.Style))
	})
}

func qualityHandler(cfg ServerConfig) http.HandlerFunc {
	return triggerHandler(cfg, func(r *http.Request, id string) error {
		return cfg.Orchestrator.AssessQuality(r.Context(), id)
	})
}

func cancelHandler(cfg ServerConfig) http.HandlerFunc {
	return triggerHandler(cfg, func(r *http.Request, id string) error {
		return cfg.Orchestrator.Cancel(r.Context(), id)
	})
}

// triggerHandler runs one orchestrator trigger and answers with the run
// snapshot. Stage failures are reported in the snapshot, not the status.
func triggerHandler(cfg ServerConfig, trigger func(r *http.Request, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := trigger(r, id); err != nil {
			writeRunError(w, cfg, err)
			return
		}

		snap, err := cfg.Orchestrator.Store().Get(r.Context(), id)
		if err != nil {
			writeRunError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(snap))
	}
}

func runEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		store := cfg.Orchestrator.Store()

		if _, err := store.Get(ctx, id); err != nil {
			writeRunError(w, cfg, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		backlog, updates, cancel := cfg.Orchestrator.Audit().Subscribe(ctx, id)
		defer cancel()

		lastSeq, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
		send := func(e auditlog.Entry) error {
			if e.Seq <= lastSeq {
				return nil
			}
			data, err := json.Marshal(EntryToResponse(e))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: entry\ndata: %s\n\n", e.Seq, data); err != nil {
				return err
			}
			lastSeq = e.Seq
			return nil
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		for _, e := range backlog {
			if err := send(e); err != nil {
				return
			}
		}
		flusher.Flush()

		ticker := time.NewTicker(eventPollInterval)
		defer ticker.Stop()

		// a run's closing entries are appended just after its terminal
		// commit, so the stream ends only after two terminal polls
		settled := 0
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-updates:
				if !ok {
					return
				}
				if err := send(e); err != nil {
					return
				}
				flusher.Flush()
				settled = 0
			case <-ticker.C:
				snap, err := store.Get(ctx, id)
				if err != nil {
					return
				}
				if !snap.Stage.IsTerminal() {
					continue
				}
				settled++
				if settled < 2 {
					continue
				}
				for _, e := range snap.AuditLog {
					if err := send(e); err != nil {
						return
					}
				}
				fmt.Fprintf(w, "event: end\ndata: {\"stage\":%q}\n\n", snap.Stage.String())
				flusher.Flush()
				return
			}
		}
	}
}

func artifactHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Artifacts == nil {
			WriteError(w, http.StatusServiceUnavailable, "generation service not configured", "UNAVAILABLE")
			return
		}

		snap, err := cfg.Orchestrator.Store().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRunError(w, cfg, err)
			return
		}
		gen := snap.Assets.Generate
		if gen == nil || gen.Filename == "" {
			WriteError(w, http.StatusConflict, "run has no generated artifact", "NO_ARTIFACT")
			return
		}

		res := cfg.Artifacts.Download(r.Context(), gen.Filename)
		if !res.IsSuccess() {
			status := http.StatusBadGateway
			if res.StatusCode == http.StatusNotFound {
				status = http.StatusNotFound
			}
			WriteError(w, status, res.Error(), "STAGE_ERROR")
			return
		}

		contentType := res.Payload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Payload.Filename))
		http.ServeContent(w, r, res.Payload.Filename, snap.UpdatedAt, bytes.NewReader(res.Payload.Data))
	}
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func writeRunError(w http.ResponseWriter, cfg ServerConfig, err error) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		WriteError(w, http.StatusBadRequest, br.msg, "BAD_REQUEST")
	case errors.Is(err, orchestrator.ErrRunNotFound):
		WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
	case errors.Is(err, orchestrator.ErrRunBusy):
		WriteError(w, http.StatusConflict, err.Error(), "RUN_BUSY")
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, err.Error(), "INVALID_TRANSITION")
	case errors.Is(err, orchestrator.ErrNoMaterials):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	default:
		cfg.Logger.Error("run request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}
