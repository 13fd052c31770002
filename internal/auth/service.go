package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ExtensionHost/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("token mode requires at least one token")
		}
		for i, tc := range cfg.Tokens {
			if strings.TrimSpace(tc.Token) == "" {
				return nil, fmt.Errorf("token #%d has an empty value", i)
			}
			name := tc.Name
			if name == "" {
				name = fmt.Sprintf("token-%d", i)
			}
			svc.tokens = append(svc.tokens, tokenEntry{
				digest: sha256.Sum256([]byte(tc.Token)),
				subject: Subject{
					Name:        name,
					Permissions: append([]string(nil), tc.Permissions...),
					Disabled:    tc.Disabled,
				},
			})
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		caller := anonymous
		return &caller, nil
	}
	token, ok := bearerToken(header)
	if !ok {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *tokenEntry
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			matched = &s.tokens[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject := matched.subject
	subject.Permissions = append([]string(nil), matched.subject.Permissions...)
	subject.permissionsSet = nil
	return &subject, nil
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
