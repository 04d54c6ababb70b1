package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"BatchSigner/internal/auth"
	"BatchSigner/internal/batch"
	"BatchSigner/internal/compose"
	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/gas"
	"BatchSigner/internal/observability/metrics"
	"BatchSigner/internal/sender"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Machine is the subset of batch.Machine the API drives.
type Machine interface {
	Prefetch(ctx context.Context, req batch.PrepareRequest) (*batch.SignerContext, error)
	Open(ctx context.Context, req batch.PrepareRequest, existing *batch.SignerContext) (*batch.SignerContext, error)
	Get(fingerprint string) (*batch.SignerContext, error)
	UpdateGas(ctx context.Context, fingerprint string, level txn.GasLevel) (*batch.SignerContext, error)
	SetGasMethod(ctx context.Context, fingerprint string, method batch.GasMethod) (*batch.SignerContext, error)
	Close(fingerprint string) (*batch.SignerContext, error)
	Send(ctx context.Context, req batch.SendRequest) (*batch.SignerContext, *sender.Result, error)
}

var _ Machine = (*batch.Machine)(nil)

// Server 负责暴露批量签名相关的 REST 接口。
type Server struct {
	addr    string
	machine Machine
	auth    *auth.Service
	logger  *zap.Logger
}

// Option 用于定制 Server。
type Option func(*Server)

// WithAuth 为批次接口启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, machine Machine, opts ...Option) *Server {
	s := &Server{addr: addr, machine: machine, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// PrepareBody is the request body of prepare and open.
type PrepareBody struct {
	Intents       []txn.Intent `json:"intents"`
	Security      bool         `json:"security"`
	Origin        string       `json:"origin,omitempty"`
	LegacyKeyring bool         `json:"legacyKeyring,omitempty"`
	GasAccountSig string       `json:"gasAccountSig,omitempty"`
	Prior         *gas.Prior   `json:"prior,omitempty"`
	// Fingerprint names the context the caller already holds, if any.
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (b PrepareBody) request() batch.PrepareRequest {
	return batch.PrepareRequest{
		Intents:       b.Intents,
		Security:      b.Security,
		Origin:        b.Origin,
		LegacyKeyring: b.LegacyKeyring,
		GasAccountSig: b.GasAccountSig,
		Prior:         b.Prior,
	}
}

// GasMethodBody is the request body of the gas method switch.
type GasMethodBody struct {
	Method batch.GasMethod `json:"method"`
}

// SendBody is the request body of send.
type SendBody struct {
	Retry     bool             `json:"retry"`
	RetryType sender.RetryType `json:"retryType,omitempty"`
	PushType  txn.PushType     `json:"pushType,omitempty"`
}

// SendResponse reports the context after a send together with its outcome.
type SendResponse struct {
	Context     *batch.SignerContext `json:"context"`
	Hashes      []string             `json:"hashes"`
	Failed      bool                 `json:"failed"`
	FailedIndex int                  `json:"failedIndex"`
	ErrorText   string               `json:"errorText,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/batches", s.route("prepare", auth.PermBatchWrite, s.handlePrepare))
	mux.Handle("POST /api/v1/batches/open", s.route("open", auth.PermBatchWrite, s.handleOpen))
	mux.Handle("GET /api/v1/batches/{fp}", s.route("get", auth.PermBatchRead, s.handleGet))
	mux.Handle("POST /api/v1/batches/{fp}/gas", s.route("update_gas", auth.PermBatchWrite, s.handleUpdateGas))
	mux.Handle("POST /api/v1/batches/{fp}/gas-method", s.route("gas_method", auth.PermBatchWrite, s.handleGasMethod))
	mux.Handle("POST /api/v1/batches/{fp}/close", s.route("close", auth.PermBatchWrite, s.handleClose))
	mux.Handle("POST /api/v1/batches/{fp}/send", s.route("send", auth.PermBatchSend, s.handleSend))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", zap.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var body PrepareBody
	if !decode(w, r, &body) {
		return
	}
	sc, err := s.machine.Prefetch(r.Context(), body.request())
	s.respond(w, sc, err)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var body PrepareBody
	if !decode(w, r, &body) {
		return
	}
	var existing *batch.SignerContext
	if body.Fingerprint != "" {
		// An expired fingerprint just means the batch is prepared again.
		existing, _ = s.machine.Get(body.Fingerprint)
	}
	sc, err := s.machine.Open(r.Context(), body.request(), existing)
	s.respond(w, sc, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sc, err := s.machine.Get(r.PathValue("fp"))
	s.respond(w, sc, err)
}

func (s *Server) handleUpdateGas(w http.ResponseWriter, r *http.Request) {
	var level txn.GasLevel
	if !decode(w, r, &level) {
		return
	}
	sc, err := s.machine.UpdateGas(r.Context(), r.PathValue("fp"), level)
	s.respond(w, sc, err)
}

func (s *Server) handleGasMethod(w http.ResponseWriter, r *http.Request) {
	var body GasMethodBody
	if !decode(w, r, &body) {
		return
	}
	sc, err := s.machine.SetGasMethod(r.Context(), r.PathValue("fp"), body.Method)
	s.respond(w, sc, err)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	sc, err := s.machine.Close(r.PathValue("fp"))
	s.respond(w, sc, err)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body SendBody
	if !decode(w, r, &body) {
		return
	}
	sc, res, err := s.machine.Send(r.Context(), batch.SendRequest{
		Fingerprint: r.PathValue("fp"),
		Retry:       body.Retry,
		RetryType:   body.RetryType,
		PushType:    body.PushType,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := SendResponse{Context: sc, Hashes: make([]string, 0, len(res.Hashes)), Failed: res.Failed, FailedIndex: res.FailedIndex, ErrorText: res.ErrorText}
	for _, h := range res.Hashes {
		out.Hashes = append(out.Hashes, h.Hex())
	}
	s.logger.Info("批次发送完成",
		zap.String("fingerprint", r.PathValue("fp")),
		zap.String("subject", auth.SubjectName(r.Context())),
		zap.Int("broadcast", len(res.Hashes)),
		zap.Bool("failed", res.Failed),
	)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) respond(w http.ResponseWriter, sc *batch.SignerContext, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	resp := ErrorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
		resp.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("请求处理失败", zap.Error(err), zap.Int("status", status))
	}
	writeJSON(w, status, resp)
}

// statusOf maps error codes onto HTTP statuses.
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, compose.CodeEmptyBatch, gas.CodeUnknownGasLevel:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, batch.CodeContextStale:
		return http.StatusNotFound
	case sender.CodeSendInProgress:
		return http.StatusConflict
	case compose.CodeSimulationFailed:
		return http.StatusUnprocessableEntity
	case xerrors.CodeUpstreamFailure, compose.CodeGasEstimationFailed, gas.CodeMarketDataUnavailable, sender.CodeNonceUnavailable:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// route 组合认证与指标采集，认证失败的请求同样计入指标。
func (s *Server) route(name, permission string, h http.HandlerFunc) http.Handler {
	guarded := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
		AuditEvent:          name,
	})(h)
	return s.instrument(name, guarded.ServeHTTP)
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "请求体解析失败"
		if strings.Contains(err.Error(), "request body too large") {
			msg = "请求体过大"
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: string(xerrors.CodeInvalidArgument), Message: msg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
