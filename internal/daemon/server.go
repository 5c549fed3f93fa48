package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/g960059/simslot/internal/api"
	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/model"
	"github.com/g960059/simslot/internal/platform"
	"github.com/g960059/simslot/internal/trigger"
)

var logger = loggo.GetLogger("simslot.daemon")

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

type TriggerQueue interface {
	Enqueue(t model.Trigger) error
	Pending() int
}

type StateReader interface {
	Get(ctx context.Context) (model.PersistedSlotState, error)
}

type DecisionLister interface {
	ListDecisions(ctx context.Context, limit int) ([]model.Decision, error)
}

type HealthReporter interface {
	State() platform.HealthState
}

// Deps are the collaborators behind the API. Routes whose dependency is nil
// are not registered.
type Deps struct {
	Queue     TriggerQueue
	State     StateReader
	Decisions DecisionLister
	Health    HealthReporter
	Gatherer  prometheus.Gatherer
}

type Server struct {
	cfg         config.Config
	deps        Deps
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Queue != nil {
		mux.HandleFunc("/v1/triggers/", s.triggerHandler)
	}
	if deps.State != nil {
		mux.HandleFunc("/v1/state", s.stateHandler)
	}
	if deps.Decisions != nil {
		mux.HandleFunc("/v1/decisions", s.decisionsHandler)
	}
	if cfg.MetricsEnabled && deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler exposes the routes for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return errors.Annotate(err, "create socket dir")
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return errors.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return errors.Annotate(err, "remove stale socket")
		}
	} else if !os.IsNotExist(err) {
		s.releaseLock() //nolint:errcheck
		return errors.Annotate(err, "stat socket path")
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return errors.Annotate(err, "listen uds")
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return errors.Annotate(err, "chmod socket")
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Infof("listening on %s", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return errors.Annotate(err, "serve uds")
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []string
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err.Error())
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err.Error())
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err.Error())
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			s.shutdownErr = errors.Errorf("shutdown errors: %s", strings.Join(errs, "; "))
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		BridgeHealth:  string(platform.BridgeHealthOK),
	}
	if s.deps.Health != nil {
		st := s.deps.Health.State()
		resp.BridgeHealth = string(st.Current)
		resp.ConsecutiveFailures = st.ConsecutiveFailures
		if st.Current == platform.BridgeHealthDown {
			resp.Status = "degraded"
		}
	}
	if s.deps.Queue != nil {
		resp.PendingTriggers = s.deps.Queue.Pending()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/triggers/"), "/")
	var trig model.Trigger
	switch name {
	case "slot-status":
		trig = model.TriggerSlotStatusChanged
	case "setup-wizard-finished":
		trig = model.TriggerSetupWizardFinished
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "unknown trigger: "+name)
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.deps.Queue.Enqueue(trig); err != nil {
		if errors.Is(err, trigger.ErrQueueFull) || errors.Is(err, trigger.ErrStopped) {
			s.writeError(w, http.StatusServiceUnavailable, model.ErrQueueUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.TriggerAccepted{
		SchemaVersion:   api.SchemaVersion,
		GeneratedAt:     time.Now().UTC(),
		Trigger:         string(trig),
		PendingTriggers: s.deps.Queue.Pending(),
	})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	st, err := s.deps.State.Get(r.Context())
	if err != nil {
		logger.Errorf("read slot state: %v", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to read slot state")
		return
	}
	s.writeJSON(w, http.StatusOK, api.StateResponse{
		SchemaVersion:         api.SchemaVersion,
		GeneratedAt:           time.Now().UTC(),
		LastRemovablePresence: string(st.LastRemovablePresence),
		PendingSetupAction:    string(st.PendingSetupAction),
	})
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := defaultDecisionLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDecisionLimit {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	rows, err := s.deps.Decisions.ListDecisions(r.Context(), limit)
	if err != nil {
		logger.Errorf("list decisions: %v", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list decisions")
		return
	}
	items := make([]api.DecisionItem, 0, len(rows))
	for _, d := range rows {
		items = append(items, api.ToDecisionItem(d))
	}
	s.writeJSON(w, http.StatusOK, api.DecisionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Decisions:     items,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return errors.Annotate(err, "create lock dir")
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errors.Annotate(err, "open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return errors.Errorf("daemon already running (lock: %s)", lockPath)
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
