package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ExtensionHost/pkg/logger"
)

// 拒绝响应中的错误码，与 API 的 errorResponse 结构一致。
const (
	codeUnauthenticated  = "UNAUTHENTICATED"
	codePermissionDenied = "PERMISSION_DENIED"
)

// MiddlewareConfig 配置扩展 API 的认证中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出所需权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 为审计日志的事件名，为空时使用请求路径。
	AuditEvent string
}

func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms := c.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

// Middleware 校验 bearer token 与方法权限，并把调用者写入请求上下文。
// 认证关闭时请求以 anonymous 身份通过，激活记录仍能标明来源。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				caller := anonymous
				next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), &caller)))
				return
			}

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				s.reject(w, r, status, err, "")
				return
			}
			if err := subject.Authorize(cfg.permissionsFor(r.Method)...); err != nil {
				s.reject(w, r, http.StatusForbidden, err, subject.Name)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("extension_api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name))
		})
	}
}

// reject 写入 JSON 错误并记录审计日志。
func (s *Service) reject(w http.ResponseWriter, r *http.Request, status int, err error, subject string) {
	code := codeUnauthenticated
	if status == http.StatusForbidden {
		code = codePermissionDenied
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": err.Error()})

	s.auditLogger().Warn("extension_api_denied",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("code", code),
		slog.String("subject", subject),
		slog.Any("error", err))
}

func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}

// auditWriter 记录下游写出的状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
