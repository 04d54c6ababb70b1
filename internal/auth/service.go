package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"BatchSigner/pkg/logger"
)

// Service authenticates bearer tokens against a static token catalogue.
type Service struct {
	mode   Mode
	tokens map[string]*Subject
	audit  *zap.Logger
}

// NewService validates the configuration and indexes the tokens by digest.
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, tokens: make(map[string]*Subject), audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", cfg.Mode)
	}

	for i, seed := range cfg.Tokens {
		digest := strings.ToLower(strings.TrimSpace(seed.TokenHash))
		if seed.Token != "" {
			digest = HashToken(seed.Token)
		}
		if digest == "" {
			return nil, fmt.Errorf("第 %d 个令牌缺少 token 或 token_hash", i)
		}
		if _, dup := svc.tokens[digest]; dup {
			return nil, fmt.Errorf("令牌 %s 重复配置", seed.Name)
		}
		subject := &Subject{
			Name:        seed.Name,
			Permissions: append([]string(nil), seed.Permissions...),
			Disabled:    seed.Disabled,
		}
		subject.normalise()
		svc.tokens[digest] = subject
	}
	if len(svc.tokens) == 0 {
		return nil, fmt.Errorf("token 模式下至少需要配置一个令牌")
	}
	return svc, nil
}

// Mode returns the configured mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest resolves the subject of an Authorization header.
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	subject, found := s.tokens[HashToken(token)]
	if !found {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

// HashToken returns the hex SHA-256 digest stored for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
