// Package http serves the gateway verbs over HTTP: POST <prefix><verb>
// with the same JSON bodies as the NATS transport. GET is accepted for
// list.
package http

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/gateway"
)

// getOrGenerateRequestID extracts the request ID from headers or generates a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// Gateway is the HTTP transport for a gateway.Dispatcher.
type Gateway struct {
	config gateway.HTTPConfig
	disp   *gateway.Dispatcher
	logger *slog.Logger

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	bytesReceived  atomic.Uint64
	bytesSent      atomic.Uint64
}

// NewGateway creates the HTTP transport. config must already be validated.
func NewGateway(config gateway.HTTPConfig, disp *gateway.Dispatcher, logger *slog.Logger) (*Gateway, error) {
	if disp == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "HTTPGateway", "NewGateway", "dispatcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 64 * 1024
	}
	if !strings.HasSuffix(config.PathPrefix, "/") {
		config.PathPrefix += "/"
	}
	return &Gateway{
		config: config,
		disp:   disp,
		logger: logger.With("component", "http-gateway"),
	}, nil
}

// Pattern returns the mux pattern the gateway serves.
func (g *Gateway) Pattern() string {
	return g.config.PathPrefix
}

// RegisterHTTPHandlers registers the gateway on mux. The metrics server's
// Handle has the same shape.
func (g *Gateway) RegisterHTTPHandlers(handle func(pattern string, handler http.Handler)) {
	handle(g.config.PathPrefix, g)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := getOrGenerateRequestID(r)
	w.Header().Set("X-Request-ID", requestID)
	g.requestsTotal.Add(1)

	if g.config.EnableCORS {
		g.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	verb := strings.TrimPrefix(r.URL.Path, g.config.PathPrefix)
	if r.Method != http.MethodPost && !(r.Method == http.MethodGet && verb == gateway.VerbList) {
		g.writeError(w, http.StatusMethodNotAllowed,
			errors.WrapInvalid(errors.ErrInvalidData, "HTTPGateway", "ServeHTTP",
				fmt.Sprintf("method %s not allowed", r.Method)))
		return
	}

	defer r.Body.Close()

	// Read one byte past the limit to detect oversized bodies
	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxRequestSize+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest,
			errors.WrapInvalid(errors.ErrInvalidData, "HTTPGateway", "ServeHTTP", "read request body"))
		return
	}
	if int64(len(body)) > g.config.MaxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge,
			errors.WrapInvalid(errors.ErrInvalidData, "HTTPGateway", "ServeHTTP",
				fmt.Sprintf("request body exceeds maximum size of %d bytes", g.config.MaxRequestSize)))
		return
	}
	g.bytesReceived.Add(uint64(len(body)))

	data, code := g.disp.Respond(r.Context(), "http", verb, body)
	status := statusForCode(code)
	if status != http.StatusOK {
		g.requestsFailed.Add(1)
		g.logger.Debug("Request failed", "request_id", requestID, "verb", verb, "code", code)
	}
	g.write(w, status, data)
}

// statusForCode maps a reply code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case "ok":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "runtime_rejected":
		return http.StatusConflict
	case "bad_request":
		return http.StatusBadRequest
	case "busy":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// applyCORS applies CORS headers to the response
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range g.config.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, err error) {
	g.requestsFailed.Add(1)
	g.write(w, status, gateway.ErrorData(err))
}

func (g *Gateway) write(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	n, err := w.Write(data)
	if err != nil {
		g.logger.Debug("Write response failed", "error", err)
		return
	}
	g.bytesSent.Add(uint64(n))
}

// Stats is a snapshot of the gateway counters.
type Stats struct {
	RequestsTotal  uint64 `json:"requests_total"`
	RequestsFailed uint64 `json:"requests_failed"`
	BytesReceived  uint64 `json:"bytes_received"`
	BytesSent      uint64 `json:"bytes_sent"`
}

// Stats returns the gateway counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		RequestsTotal:  g.requestsTotal.Load(),
		RequestsFailed: g.requestsFailed.Load(),
		BytesReceived:  g.bytesReceived.Load(),
		BytesSent:      g.bytesSent.Load(),
	}
}

var _ http.Handler = (*Gateway)(nil)
