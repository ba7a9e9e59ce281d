// Package control exposes a running supervisor over HTTP on a unix socket.
package control

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/supervise"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Controller is the supervisor surface the server exposes.
type Controller interface {
	Snapshot() state.State
	StopService(ctx context.Context, name string) error
	StartService(ctx context.Context, name string) error
}

type ServerOptions struct {
	Registry *prom.Registry
	Journal  *events.Journal
	// Shutdown is called once when a client asks the stack to go down.
	Shutdown func()
}

type Server struct {
	ctl  Controller
	opts ServerOptions
	srv  *http.Server
	ln   net.Listener
	path string
}

func NewServer(ctl Controller, opts ServerOptions) *Server {
	s := &Server{ctl: ctl, opts: opts}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /services/{name}/stop", s.handleStop)
	mux.HandleFunc("POST /services/{name}/start", s.handleStart)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	if s.opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	return mux
}

// Listen binds the unix socket, replacing a stale one left by a dead run.
func (s *Server) Listen(socketPath string) error {
	if _, err := os.Stat(socketPath); err == nil {
		if Reachable(context.Background(), socketPath) {
			return errors.Errorf("another stackctl is serving %s", socketPath)
		}
		_ = os.Remove(socketPath)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrap(err, "listen on control socket")
	}
	s.ln, s.path = ln, socketPath
	return nil
}

// Serve blocks until Close.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("control server not listening")
	}
	log.Debug().Str("socket", s.path).Msg("control server listening")
	if err := s.srv.Serve(s.ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "control server")
	}
	return nil
}

func (s *Server) Close(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if s.path != "" {
		_ = os.Remove(s.path)
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Journal == nil {
		writeJSON(w, http.StatusOK, []events.Envelope{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Journal.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.serviceAction(w, r, s.ctl.StopService)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.serviceAction(w, r, s.ctl.StartService)
}

func (s *Server) serviceAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	name := r.PathValue("name")
	// a stop must reach SIGKILL even if the client hangs up mid-grace
	if err := fn(context.WithoutCancel(r.Context()), name); err != nil {
		status := http.StatusConflict
		if stderrors.Is(err, supervise.ErrUnknownService) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	snap := s.ctl.Snapshot()
	rec, ok := snap.Service(name)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"service": name})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Shutdown == nil {
		writeError(w, http.StatusNotImplemented, errors.New("shutdown not supported"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	go s.opts.Shutdown()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write control response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
