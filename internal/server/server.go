// Package server implements the HTTP API of spec.md §4.5/§6: host
// lifecycle (register/check-in/update/delete) and per-run log/status
// append, routed with chi in the same style as the teacher's
// internal/agentapi package (Recoverer + a small logging/headers
// middleware stack ahead of a chi.Router).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/bya-build/bya/internal/engine"
	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/store"
	"github.com/bya-build/bya/logger"
)

// Server hosts the bya HTTP API described in spec.md §6.
type Server struct {
	Engine *engine.Engine
	Logger logger.Logger

	HostsDir   string
	BuildsRoot string

	// AutoEnlistHosts is forced onto every newly registered host's
	// "enlisted" property, per spec.md §4.5 -- a client-supplied value
	// is never honored.
	AutoEnlistHosts bool

	// RunnerScriptPath is the canonical runner script whose contents
	// and mtime back the "runner" field and "worker_version" of
	// spec.md §4.5/§4.6.
	RunnerScriptPath string

	httpServer *http.Server
}

// Router builds the chi router for the API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		requestIDMiddleware,
		loggerMiddleware(s.Logger),
		middleware.Recoverer,
		headersMiddleware,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/host", func(r chi.Router) {
			r.Get("/", s.listHosts)
			r.Post("/", s.createHost)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.checkIn)
				r.Patch("/", s.updateHost)
				r.Delete("/", s.deleteHost)
			})
		})
		r.Post("/build/{jobName}/{buildNum}/{runName}", s.appendRunLog)
	})

	return r
}

// ListenAndServe starts the HTTP server on addr, blocking until it
// stops; http.ErrServerClosed is reported as a nil error.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// requestIDHeader is set on every response so a caller's support ticket
// can be matched back to a single log line.
const requestIDHeader = "X-Bya-Request-Id"

type requestIDKey struct{}

// requestIDMiddleware stamps each request with a fresh UUID, ahead of
// loggerMiddleware so every log line it emits can carry it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggerMiddleware(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := time.Now()
			id, _ := r.Context().Value(requestIDKey{}).(string)
			defer func() {
				l.Info("bya API:\t%s\t%s\t%s\t%s", id, r.Method, r.URL.Path, time.Since(t))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// writeError maps a store.Error (or any error) to the HTTP status
// spec.md's taxonomy implies and writes a small JSON body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var serr *store.Error
	status := http.StatusInternalServerError
	msg := err.Error()
	if errors.As(err, &serr) {
		status = serr.Status()
		msg = serr.Message
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}

func tokenFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Token "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

// listHosts implements GET /api/v1/host/.
func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	names, err := model.ListHostNames(s.HostsDir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"hosts": names}) //nolint:errcheck
}

// createHost implements POST /api/v1/host/.
func (s *Server) createHost(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, store.WrapError(store.KindValidation, err, "decoding request body"))
		return
	}

	name, _ := body["name"].(string)
	if name == "" {
		s.writeError(w, store.NewError(store.KindValidation, "name is required"))
		return
	}
	delete(body, "name")

	// enlisted is always forced to the server's policy, never a
	// client-supplied value, per spec.md §4.5.
	body["enlisted"] = s.AutoEnlistHosts

	host, err := model.CreateHost(s.HostsDir, name, body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/host/%s/", name))
	w.WriteHeader(http.StatusCreated)
	public, _ := host.PublicMap()
	json.NewEncoder(w).Encode(public) //nolint:errcheck
}

// checkIn implements GET /api/v1/host/<name>/?available_runners=k,
// spec.md §4.5's heartbeat-plus-dispatch handler.
func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !model.HostExists(s.HostsDir, name) {
		s.writeError(w, store.NewError(store.KindNotFound, "no host named %q", name))
		return
	}
	host := model.OpenHost(s.HostsDir, name)

	authenticated := false
	if token := tokenFromRequest(r); token != "" {
		apiKey, err := host.APIKey()
		if err == nil && apiKey != "" && token == apiKey {
			authenticated = true
			host.Ping(time.Now()) //nolint:errcheck
		}
	}

	var assignedRun map[string]any
	if authenticated {
		available, _ := strconv.Atoi(r.URL.Query().Get("available_runners"))
		if available > 0 {
			hostTagsRaw, _ := host.HostTags()
			hostTags := splitHostTags(hostTagsRaw)
			run, err := s.Engine.Dispatch(name, hostTags)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if run != nil {
				all, err := run.All()
				if err != nil {
					s.writeError(w, err)
					return
				}
				desc, err := s.Engine.DescribeRun(run, s.runnerScriptContents())
				if err != nil {
					s.writeError(w, err)
					return
				}
				all["stdin"] = desc.Stdin
				all["args"] = desc.Args
				all["runner"] = desc.Runner
				all["secrets"] = desc.Secrets
				jobFlatName, buildNum, _ := run.ParseRunPath()
				all["name"] = run.Name
				all["build_name"] = jobFlatName
				all["build_num"] = buildNum
				if job := s.Engine.Jobs.Get(jobFlatName); job != nil {
					all["timeout"] = job.Timeout
				}
				assignedRun = all
				dispatchTotal.Inc()
			}
		}
	}

	public, err := host.PublicMap()
	if err != nil {
		s.writeError(w, err)
		return
	}
	public["worker_version"] = s.workerVersion()
	if assignedRun != nil {
		public["runs"] = []map[string]any{assignedRun}
	}

	json.NewEncoder(w).Encode(public) //nolint:errcheck
}

// workerVersion is the mtime of the canonical runner script, per
// spec.md §4.5 step 4.
func (s *Server) workerVersion() string {
	if s.RunnerScriptPath == "" {
		return ""
	}
	info, err := os.Stat(s.RunnerScriptPath)
	if err != nil {
		return ""
	}
	return strconv.FormatInt(info.ModTime().Unix(), 10)
}

// runnerScriptContents reads the canonical runner script fresh on
// every dispatch, per spec.md §9's "invalidate on mtime change"
// guidance -- simplest correct reading is to never cache it at all.
func (s *Server) runnerScriptContents() string {
	if s.RunnerScriptPath == "" {
		return ""
	}
	data, err := os.ReadFile(s.RunnerScriptPath)
	if err != nil {
		s.Logger.Warn("server: reading runner script %s: %v", s.RunnerScriptPath, err)
		return ""
	}
	return string(data)
}

func splitHostTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// updateHost implements PATCH /api/v1/host/<name>/, token-auth
// required; attempting to set "enlisted" is rejected with 403.
func (s *Server) updateHost(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	host, err := s.authenticatedHost(r, name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var overrides map[string]any
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		s.writeError(w, store.WrapError(store.KindValidation, err, "decoding request body"))
		return
	}
	if _, ok := overrides["enlisted"]; ok {
		s.writeError(w, store.NewError(store.KindForbidden, "enlisted cannot be modified via the API"))
		return
	}

	if err := host.Update(overrides); err != nil {
		s.writeError(w, err)
		return
	}
	public, _ := host.PublicMap()
	json.NewEncoder(w).Encode(public) //nolint:errcheck
}

// deleteHost implements DELETE /api/v1/host/<name>/, token-auth required.
func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	host, err := s.authenticatedHost(r, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := host.Remove(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticatedHost loads the named host and verifies the request's
// bearer token matches its api_key, returning a 401 store.Error
// otherwise.
func (s *Server) authenticatedHost(r *http.Request, name string) (*model.Host, error) {
	if !model.HostExists(s.HostsDir, name) {
		return nil, store.NewError(store.KindNotFound, "no host named %q", name)
	}
	host := model.OpenHost(s.HostsDir, name)
	apiKey, err := host.APIKey()
	if err != nil {
		return nil, err
	}
	token := tokenFromRequest(r)
	if token == "" || token != apiKey {
		return nil, store.NewError(store.KindAuth, "invalid or missing token")
	}
	return host, nil
}

// appendRunLog implements POST /api/v1/build/<jobFlatName>/<buildNum>/<runName>,
// spec.md §4.5's per-run token-authenticated log/status endpoint.
func (s *Server) appendRunLog(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "jobName")
	buildNumStr := chi.URLParam(r, "buildNum")
	runName := chi.URLParam(r, "runName")

	buildNum, err := strconv.Atoi(buildNumStr)
	if err != nil {
		s.writeError(w, store.NewError(store.KindValidation, "invalid build number %q", buildNumStr))
		return
	}

	build := model.OpenBuild(s.BuildsRoot, jobName, buildNum)
	run := build.Run(runName)

	apiKey, err := run.APIKey()
	if err != nil {
		s.writeError(w, store.NewError(store.KindNotFound, "no run %q in build %s #%d", runName, jobName, buildNum))
		return
	}
	if token := tokenFromRequest(r); token == "" || token != apiKey {
		s.writeError(w, store.NewError(store.KindAuth, "invalid or missing token"))
		return
	}

	if run.IsTerminal() {
		s.writeError(w, store.NewError(store.KindAuth, "run %s is already terminal", runName))
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, store.WrapError(store.KindValidation, err, "reading request body"))
		return
	}
	if len(data) > 0 {
		if err := run.AppendLog(data); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if status := r.Header.Get("X-BYA-STATUS"); status != "" {
		if err := s.Engine.ReportRunStatus(build, run, status); err != nil {
			s.writeError(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
