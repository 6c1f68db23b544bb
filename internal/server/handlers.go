package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/codesand/codesand/internal/auth"
	"github.com/codesand/codesand/internal/dispatch"
	"github.com/codesand/codesand/internal/sandbox"
	"github.com/codesand/codesand/internal/storage"
)

// BusyMessage is the body sent with a 503.
const BusyMessage = "All containers are busy try later"

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

// runErrorStatus maps a dispatch error to its HTTP status and body.
func runErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrUnavailable):
		return http.StatusServiceUnavailable, BusyMessage
	case errors.Is(err, dispatch.ErrUnknownLanguage), errors.Is(err, dispatch.ErrEmptyCode):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

// --- Greetings ---

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "Hello, world!")
}

func (s *Server) handleHelloName(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, fmt.Sprintf("Hello, %s!", chi.URLParam(r, "name")))
}

// --- Run handlers ---

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runner := chi.URLParam(r, "runner")

	maxLines, err := queryInt(r, "maxlines")
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	defer r.Body.Close()
	code, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCodeSize))
	if err != nil {
		writeText(w, http.StatusRequestEntityTooLarge, "code too large")
		return
	}

	ctx, ar := s.runs.Start(r.Context(), runner, r.RemoteAddr)
	defer s.runs.Remove(ar.ID)

	res, err := s.dispatcher.Run(ctx, dispatch.Request{
		Runner:     runner,
		Code:       string(code),
		MaxLines:   maxLines,
		Flags:      r.URL.Query().Get("flags"),
		RemoteAddr: r.RemoteAddr,
		Subject:    auth.Subject(r.Context()),
	})
	if err != nil {
		status, msg := runErrorStatus(err)
		writeText(w, status, msg)
		return
	}

	lines := res.Lines
	if lines == nil {
		lines = []string{}
	}
	w.Header().Set("X-Job-ID", res.ID)
	w.Header().Set("X-Job-Outcome", res.Outcome.String())
	writeJSON(w, http.StatusOK, lines)
}

// --- Pool handlers ---

type statusResponse struct {
	Sandboxes  []sandbox.SandboxStatus `json:"sandboxes"`
	Stats      sandbox.Stats           `json:"stats"`
	ActiveRuns int                     `json:"active_runs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Sandboxes:  s.pool.Status(),
		Stats:      s.pool.Stats(),
		ActiveRuns: s.runs.Len(),
	})
}

type languageInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Flags   bool     `json:"flags"`
	Timeout string   `json:"timeout"`
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	var out []languageInfo
	for _, l := range s.dispatcher.Languages().List() {
		out = append(out, languageInfo{
			ID:      l.ID,
			Name:    l.Name,
			Aliases: l.Aliases,
			Flags:   l.Flags,
			Timeout: l.Timeout.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Job handlers ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := storage.JobListOptions{
		Runner:  r.URL.Query().Get("runner"),
		Outcome: storage.Outcome(r.URL.Query().Get("outcome")),
	}
	var err error
	if opts.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, storage.ExportMarkdown(job))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
