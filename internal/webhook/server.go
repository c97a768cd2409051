// Package webhook is the HTTP ingress: scanners POST sightings here and they
// land on the update queue without further processing.
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"sightbot/internal/geo"
	"sightbot/internal/metrics"
	"sightbot/internal/queue"
	"sightbot/internal/sighting"
	logx "sightbot/pkg/logx"
)

type Config struct {
	Listen       string
	Token        string
	MaxBodyBytes int64
	// Metrics mounts the Prometheus handler at MetricsPath (default
	// "/metrics") when true and a *metrics.Metrics is set.
	Metrics     bool
	MetricsPath string
}

// Server owns the ingress HTTP endpoint.
type Server struct {
	cfg     Config
	out     *queue.Queue[sighting.Update]
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	router  *mux.Router
}

func New(cfg Config, out *queue.Queue[sighting.Update], log logx.Logger, m *metrics.Metrics) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, out: out, log: log, metrics: m, now: time.Now}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/test", s.test).Methods(http.MethodGet)
	if s.cfg.Metrics && s.metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.cfg.Token == "" {
		r.HandleFunc("/", s.post).Methods(http.MethodPost)
	} else {
		r.Handle("/{token}", s.requireToken(http.HandlerFunc(s.post))).Methods(http.MethodPost)
	}
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := mux.Vars(r)["token"]
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type envelope struct {
	Type    string         `json:"type"`
	Message map[string]any `json:"message"`
}

// decodeUpdates accepts one envelope or a JSON array of them. Numbers are
// kept as json.Number so large identifiers survive.
func decodeUpdates(body []byte) ([]sighting.Update, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	var envs []envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if body[0] == '[' {
		if err := dec.Decode(&envs); err != nil {
			return nil, err
		}
	} else {
		var e envelope
		if err := dec.Decode(&e); err != nil {
			return nil, err
		}
		envs = []envelope{e}
	}
	out := make([]sighting.Update, 0, len(envs))
	for _, e := range envs {
		out = append(out, sighting.Update{Kind: e.Type, Payload: e.Message})
	}
	return out, nil
}

func (s *Server) post(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	ups, err := decodeUpdates(body)
	if err != nil {
		s.log.Debug("rejecting webhook body", logx.Err(err), logx.String("remote", r.RemoteAddr))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if n, err := s.enqueue(ups); err != nil {
		s.log.Warn("update queue closed", logx.Int("accepted", n), logx.Int("received", len(ups)))
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) enqueue(ups []sighting.Update) (int, error) {
	for i, u := range ups {
		if err := s.out.Push(u); err != nil {
			return i, err
		}
	}
	return len(ups), nil
}

// TestSighting is the synthetic sighting injected by GET /test.
func TestSighting(now time.Time) sighting.Update {
	pos := geo.Position{Lat: -22.931950, Lon: -43.247290}
	return sighting.Update{Kind: sighting.KindPokemon, Payload: map[string]any{
		"encounter_id":   "test-" + uuid.NewString(),
		"pokemon_id":     132,
		"latitude":       pos.Lat,
		"longitude":      pos.Lon,
		"disappear_time": float64(now.Add(102*time.Second).UnixMilli()) / 1000,
	}}
}

func (s *Server) test(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.enqueue([]sighting.Update{TestSighting(s.now())}); err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	_, _ = io.WriteString(w, "Hello")
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "queued": s.out.Len()})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("webhook listening", logx.String("addr", ln.Addr().String()), logx.Bool("token", s.cfg.Token != ""))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
