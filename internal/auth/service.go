package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenEcon-Agent/pkg/logger"
)

const keySaltBytes = 16

// Service 负责 HTTP 接口的身份认证与授权。
type Service struct {
	mode  Mode
	keys  []apiKey
	audit *slog.Logger
}

type apiKey struct {
	salt    []byte
	digest  []byte
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
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if len(cfg.Keys) == 0 {
		return nil, errors.New("api_key mode requires at least one key")
	}
	for i, key := range cfg.Keys {
		name := strings.TrimSpace(key.Name)
		if name == "" {
			name = fmt.Sprintf("key-%d", i+1)
		}
		hashed := strings.TrimSpace(key.Hash)
		if hashed == "" {
			if strings.TrimSpace(key.Key) == "" {
				return nil, fmt.Errorf("key %s: hash or key must be set", name)
			}
			var err error
			if hashed, err = HashKey(key.Key); err != nil {
				return nil, fmt.Errorf("key %s: %w", name, err)
			}
		}
		salt, digest, err := decodeHash(hashed)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", name, err)
		}
		svc.keys = append(svc.keys, apiKey{
			salt:   salt,
			digest: digest,
			subject: Subject{
				Name:        name,
				Permissions: append([]string(nil), key.Permissions...),
				Disabled:    key.Disabled,
			},
		})
	}
	return svc, nil
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	// 逐个比较全部 key，耗时与命中位置无关。
	var matched *apiKey
	for i := range s.keys {
		key := &s.keys[i]
		digest := sha256.Sum256(append(append([]byte(nil), key.salt...), token...))
		if subtle.ConstantTimeCompare(key.digest, digest[:]) == 1 && matched == nil {
			matched = key
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject := matched.subject
	subject.Permissions = append([]string(nil), subject.Permissions...)
	subject.permissionsSet = nil
	subject.normalise()
	return &subject, nil
}

// HashKey 生成带随机盐的 API Key 摘要，格式为 base64(salt):base64(sha256(salt+key))。
func HashKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key cannot be empty")
	}
	salt := make([]byte, keySaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(append([]byte(nil), salt...), key...))
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(digest[:]), nil
}

func decodeHash(hashed string) ([]byte, []byte, error) {
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return nil, nil, errors.New("malformed key hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	digest, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, nil, errors.New("malformed key digest")
	}
	return salt, digest, nil
}
