package server

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/net/websocket"

	"github.com/eltadmin/alice/internal/economy"
)

//go:embed static
var staticFiles embed.FS

// maxSendBody bounds the JSON body of a transfer request.
const maxSendBody = 4 << 10

const defaultHistoryLimit = 100

// Ledger is the part of the economy the HTTP API needs.
type Ledger interface {
	Send(from, to string, amount float64) error
	Snapshot() economy.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// History serves stored transactions. Optional.
type History interface {
	Recent(ctx context.Context, wallet string, limit int) ([]economy.Transaction, error)
}

// Status reports the state of the process serving the API.
type Status interface {
	State() State
	Connections() []ConnectionInfo
}

// HTTPConfig configures an HTTPServer.
type HTTPConfig struct {
	Ledger  Ledger  // required
	History History // nil disables /api/history
	Logins  map[string]string
	Logger  *slog.Logger
}

// HTTPServer serves the dashboard, the WebSocket feed and the JSON API.
// It is a Handler: the Process accepts connections and passes them in
// through an in-memory listener, so the Process keeps ownership of the
// socket and of draining.
type HTTPServer struct {
	ledger  Ledger
	history History
	logins  map[string]string
	logger  *slog.Logger

	statusMu sync.RWMutex
	status   Status

	server    *http.Server
	listener  *connListener
	startOnce sync.Once

	// baseCtx parents every request context. Cancelling it tells
	// long-lived WebSocket handlers, which http.Server.Shutdown does
	// not track, to finish.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewHTTPServer creates the HTTP handler.
func NewHTTPServer(cfg HTTPConfig) *HTTPServer {
	if cfg.Ledger == nil {
		panic("server.HTTPServer: Ledger is required")
	}
	if cfg.Logger == nil {
		panic("server.HTTPServer: Logger is required")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &HTTPServer{
		ledger:     cfg.Ledger,
		history:    cfg.History,
		logins:     cfg.Logins,
		logger:     cfg.Logger,
		listener:   newConnListener(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
		ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
	}
	return s
}

// AttachStatus sets the source for /healthz and /server/connections.
func (s *HTTPServer) AttachStatus(status Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
}

func (s *HTTPServer) currentStatus() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// ServeConn hands conn to the HTTP server.
func (s *HTTPServer) ServeConn(_ context.Context, conn net.Conn) {
	s.startOnce.Do(func() {
		go func() {
			if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", "error", err)
			}
		}()
	})
	s.listener.push(conn)
}

// Drain stops keep-alives, closes idle connections, ends WebSocket
// feeds, and waits for in-flight requests until ctx expires.
func (s *HTTPServer) Drain(ctx context.Context) error {
	s.logger.Info("stopping http server")
	s.cancelBase()
	s.listener.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		s.server.Close()
		return err
	}
	return nil
}

// Handler returns the route table.
func (s *HTTPServer) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/send", s.handleSend)
	api.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	api.HandleFunc("GET /api/history", s.handleHistory)

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", http.FileServerFS(static))
	mux.Handle("GET /ws", websocket.Server{Handler: s.handleWebSocket})
	mux.Handle("/api/", gzhttp.GzipHandler(api))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /server/connections", s.basicAuth(http.HandlerFunc(s.handleConnections)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

// SendResponse reports the outcome of a transfer.
type SendResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SendResponse{Error: "invalid request: " + err.Error()})
		return
	}

	// Ledger rejections are part of the protocol, not HTTP failures.
	if err := s.ledger.Send(req.From, req.To, req.Amount); err != nil {
		writeJSON(w, http.StatusOK, SendResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{OK: true})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.ledger.Snapshot()

	if strings.Contains(r.Header.Get("Accept"), "application/cbor") {
		data, err := cbor.Marshal(snap)
		if err != nil {
			s.logger.Error("encoding snapshot", "error", err)
			http.Error(w, "encoding snapshot", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "transaction history is not enabled", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	txs, err := s.history.Recent(r.Context(), r.URL.Query().Get("wallet"), limit)
	if err != nil {
		s.logger.Error("reading history", "error", err)
		http.Error(w, "reading history", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []economy.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	State       string `json:"state"`
	Connections int    `json:"connections"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.currentStatus()
	if status == nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{State: StateStarting.String()})
		return
	}

	state := status.State()
	code := http.StatusOK
	if state != StateListening {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{State: state.String(), Connections: len(status.Connections())})
}

func (s *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := []ConnectionInfo{}
	if status := s.currentStatus(); status != nil {
		conns = status.Connections()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ResultCode":    0,
		"ResultMessage": "OK",
		"Connections":   conns,
	})
}

// basicAuth admits requests whose credentials match a configured login.
// With no logins configured every request is refused.
func (s *HTTPServer) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			expected, exists := s.logins[user]
			if exists && subtle.ConstantTimeCompare([]byte(expected), []byte(pass)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="alice"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// connListener is a net.Listener fed by the Process acceptor instead of
// a socket.
type connListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newConnListener() *connListener {
	return &connListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *connListener) push(conn net.Conn) {
	select {
	case l.conns <- conn:
	case <-l.closed:
		conn.Close()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero}
}
