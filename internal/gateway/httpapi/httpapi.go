// Package httpapi implements the HTTP API gateway for sandboxd.
//
// Security:
//   - API key authentication on every /api/* request except /api/health
//     and /metrics, via constant-time comparison of X-API-Key (the
//     WebSocket stream route takes the key as an api_key query parameter
//     or a Bearer Authorization header instead)
//   - Request body size limited to the configured max upload size
//   - Per-client rate limiting via token bucket
//   - Sample submissions logged with a correlation ID
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxlab/sandboxd/internal/domain"
	"github.com/sandboxlab/sandboxd/internal/observability"
	"github.com/sandboxlab/sandboxd/internal/orchestrator"
	"github.com/sandboxlab/sandboxd/internal/ratelimit"
	"github.com/sandboxlab/sandboxd/internal/resultstore"
)

// ErrorBody is the standard error response shape.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string
	EnableDocs     bool
	APIKey         string
	UploadDir      string
	MaxUploadSize  int64
	RequestTimeout time.Duration

	MetricsPath   string
	HealthChecker *observability.HealthChecker
	Metrics       *observability.MetricsCollector
	Tracer        trace.Tracer
}

// Gateway is the HTTP API gateway sitting in front of the orchestrator
// and result store.
type Gateway struct {
	config  Config
	store   *resultstore.Store
	orch    *orchestrator.Orchestrator
	specs   []domain.VMSpec
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group

	// subs fans out every orchestrator.PhaseEvent to each live /stream
	// connection. orchestrator.Events() is a single shared channel, so the
	// gateway itself — not individual handlers — must own the one
	// goroutine that drains it and redistribute to however many WebSocket
	// clients happen to be connected at once.
	subMu sync.Mutex
	subs  map[chan orchestrator.PhaseEvent]struct{}
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, store *resultstore.Store, orch *orchestrator.Orchestrator, specs []domain.VMSpec, limiter *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 100 << 20
	}
	return &Gateway{
		config:  cfg,
		store:   store,
		orch:    orch,
		specs:   specs,
		limiter: limiter,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxUploadSize)),
		subs:    make(map[chan orchestrator.PhaseEvent]struct{}),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI docs UI.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "sandboxd",
			Version: "v1",
		},
	)
	return g
}

// Start registers every route and blocks serving HTTP until ctx is
// canceled or the server errors.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/api", g.authenticate)

	g.group.Post("/analyze", g.handleAnalyze,
		okapi.DocSummary("Submit a sample for analysis"),
		okapi.DocTags("Analysis"),
		okapi.DocResponse(AnalyzeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/task/{taskId}", g.handleGetTask,
		okapi.DocSummary("Get full task detail including per-VM results"),
		okapi.DocTags("Analysis"),
		okapi.DocPathParam("taskId", "string", "Task ID (UUID)"),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/task/{taskId}/cancel", g.handleCancelTask,
		okapi.DocSummary("Cancel a queued or running task"),
		okapi.DocTags("Analysis"),
		okapi.DocPathParam("taskId", "string", "Task ID (UUID)"),
		okapi.DocResponse(CancelResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/result/{taskId}", g.handleGetResult,
		okapi.DocSummary("Get the aggregated summary and flattened alerts/events for a task"),
		okapi.DocTags("Analysis"),
		okapi.DocPathParam("taskId", "string", "Task ID (UUID)"),
		okapi.DocResponse(ResultResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.okapi.HandleStd("GET", "/api/task/{taskId}/stream", g.handleStream)
	go g.broadcastEvents(ctx)

	g.okapi.Get("/api/health", g.handleHealth,
		okapi.DocSummary("System liveness, configured VM count, and queue depth (per-VM lease occupancy is not reported)"),
		okapi.DocTags("Health"),
	)

	if g.config.Metrics != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// authenticate enforces X-API-Key on every route under this group via
// constant-time comparison, since a timing side-channel on API key
// comparison is a real attack surface for an internet-facing upload
// endpoint.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		key := c.Header("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid or missing X-API-Key")
		}

		clientID := clientIdentity(c)
		if g.limiter != nil {
			if err := g.limiter.Allow(clientID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		return next(c)
	}
}

// subscribe registers a new per-connection channel for phase events,
// buffered so one slow WebSocket write never stalls the broadcast loop
// serving every other connected client.
func (g *Gateway) subscribe() chan orchestrator.PhaseEvent {
	ch := make(chan orchestrator.PhaseEvent, 32)
	g.subMu.Lock()
	g.subs[ch] = struct{}{}
	g.subMu.Unlock()
	return ch
}

func (g *Gateway) unsubscribe(ch chan orchestrator.PhaseEvent) {
	g.subMu.Lock()
	delete(g.subs, ch)
	g.subMu.Unlock()
}

// broadcastEvents is the single consumer of orch.Events(); it exists so
// multiple concurrent /stream connections can each see every event instead
// of racing each other over one shared channel, where Go delivers each
// value to only one receiver.
func (g *Gateway) broadcastEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.orch.Events():
			if !ok {
				return
			}
			g.subMu.Lock()
			for ch := range g.subs {
				select {
				case ch <- ev:
				default:
					g.logger.Debug("dropping phase event for slow stream subscriber", slog.String("vm", ev.VMName))
				}
			}
			g.subMu.Unlock()
		}
	}
}

func clientIdentity(c *okapi.Context) string {
	r := c.Request()
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newCorrelationID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "sample.bin"
	}
	return strings.ReplaceAll(name, "..", "_")
}
