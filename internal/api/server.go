package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ExtensionHost/internal/activation"
	"ExtensionHost/internal/auth"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
	"ExtensionHost/internal/observability/metrics"
	"ExtensionHost/internal/storage/mysql"
	"ExtensionHost/pkg/logger"
)

// Activator 是 API 需要的解析器能力。
type Activator interface {
	Activate(ctx context.Context, id string) (*activation.ActivatedExtension, error)
	ActivateByEvent(ctx context.Context, event string) error
	Statuses() []activation.Status
	StatusOf(id string) (activation.Status, error)
}

// EventSubmitter 把事件投递到异步队列。
type EventSubmitter interface {
	Submit(ctx context.Context, event string) error
}

// MessageLister 提供已收集的诊断消息。
type MessageLister interface {
	List(limit int) []messages.Message
	ForExtension(id string) []messages.Message
}

// GraphInspector 提供依赖图的诊断信息。
type GraphInspector interface {
	FindCycles() [][]string
	MissingDependencies() map[string][]string
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	activator       Activator
	events          EventSubmitter
	messages        MessageLister
	history         mysql.ActivationRepository
	graph           GraphInspector
	auth            *auth.Service
	metrics         bool
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithEvents 启用 ?async=true 的事件投递。
func WithEvents(submitter EventSubmitter) Option {
	return func(s *Server) { s.events = submitter }
}

// WithMessages 启用诊断消息查询。
func WithMessages(lister MessageLister) Option {
	return func(s *Server) { s.messages = lister }
}

// WithHistory 启用激活历史查询。
func WithHistory(repo mysql.ActivationRepository) Option {
	return func(s *Server) { s.history = repo }
}

// WithGraph 启用依赖图诊断。
func WithGraph(graph GraphInspector) Option {
	return func(s *Server) { s.graph = graph }
}

// WithAuth 为 /api/v1 下的路由启用认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 在 /metrics 暴露指标。
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, activator Activator, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		activator:       activator,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/extensions", s.handleListExtensions)
	api.HandleFunc("GET /api/v1/extensions/{id}", s.handleExtensionDetail)
	api.HandleFunc("POST /api/v1/extensions/{id}/activate", s.handleActivate)
	api.HandleFunc("POST /api/v1/events/{event}", s.handleEvent)
	api.HandleFunc("GET /api/v1/messages", s.handleMessages)
	api.HandleFunc("GET /api/v1/history", s.handleHistory)
	api.HandleFunc("GET /api/v1/graph", s.handleGraph)

	var protected http.Handler = api
	if s.auth != nil {
		protected = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {auth.PermissionRead},
				http.MethodPost: {auth.PermissionActivate},
			},
		})(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", protected)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return instrument(mux, api)
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	statuses := s.activator.Statuses()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := statuses[:0:0]
		for _, st := range statuses {
			if string(st.State) == state {
				filtered = append(filtered, st)
			}
		}
		statuses = filtered
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleExtensionDetail(w http.ResponseWriter, r *http.Request) {
	status, err := s.activator.StatusOf(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleActivate 按 ID 激活扩展。激活失败时仍返回状态快照，状态码为 422。
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ext, err := s.activator.Activate(callerContext(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.activator.StatusOf(id)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if ext.ActivationFailed {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, status)
}

// handleEvent 触发激活事件。async=true 时投递到队列并立即返回 202。
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	event := strings.TrimSpace(r.PathValue("event"))
	if event == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "激活事件不能为空"))
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if s.events == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置事件队列"))
			return
		}
		if err := s.events.Submit(r.Context(), event); err != nil {
			writeError(w, err)
			return
		}
		metrics.ObserveEvent("async")
		writeJSON(w, http.StatusAccepted, map[string]string{"event": event, "status": "queued"})
		return
	}

	metrics.ObserveEvent("sync")
	if err := s.activator.ActivateByEvent(callerContext(r), event); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event": event, "status": "done"})
}

// callerContext 把认证后的调用者记为激活发起方，例如 api:ops。
func callerContext(r *http.Request) context.Context {
	return activation.WithOrigin(r.Context(), "api:"+auth.CallerName(r.Context()))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeJSON(w, http.StatusOK, []messages.Message{})
		return
	}
	if id := r.URL.Query().Get("extension"); id != "" {
		writeJSON(w, http.StatusOK, nonNil(s.messages.ForExtension(id)))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.messages.List(parseLimit(r, 50))))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置激活历史存储"))
		return
	}
	limit := parseLimit(r, 20)
	var (
		records []mysql.ActivationRecord
		err     error
	)
	if id := r.URL.Query().Get("extension"); id != "" {
		records, err = s.history.ListByExtension(r.Context(), id, limit)
	} else {
		records, err = s.history.ListLatest(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []mysql.ActivationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type graphResponse struct {
	Cycles  [][]string          `json:"cycles"`
	Missing map[string][]string `json:"missing"`
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	if s.graph == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置依赖图"))
		return
	}
	resp := graphResponse{Cycles: s.graph.FindCycles(), Missing: s.graph.MissingDependencies()}
	if resp.Cycles == nil {
		resp.Cycles = [][]string{}
	}
	if resp.Missing == nil {
		resp.Missing = map[string][]string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func nonNil(list []messages.Message) []messages.Message {
	if list == nil {
		return []messages.Message{}
	}
	return list
}

// errorResponse 是所有错误响应的结构。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{Code: string(code), Message: err.Error()})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case activation.CodeUnknownExtension, xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case activation.CodeHostClosed, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder 捕获响应码用于指标。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 按路由模式记录请求指标。/api/v1/ 下的请求取内层路由的模式。
func instrument(outer, api *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		outer.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(routePattern(r, api, outer), r.Method, rec.status, time.Since(start))
	})
}

// routePattern 返回第一个匹配到的路由模式，均未匹配时为 unmatched。
func routePattern(r *http.Request, muxes ...*http.ServeMux) string {
	for _, mux := range muxes {
		if _, pattern := mux.Handler(r); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
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
