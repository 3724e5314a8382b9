package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// UIDClaim 是 token 中携带匿名身份的 claim 名
const UIDClaim = "uid"

// Identity 是一个匿名身份及其签名 token
type Identity struct {
	UID       string    `json:"uid"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IdentityService 为每个浏览器会话签发稳定的匿名身份。
// 身份本身没有任何账号信息，token 只用于证明 uid 由本服务签发。
type IdentityService struct {
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
}

// NewIdentityService 创建 IdentityService 实例。
// jwtExpiryHours 定义 token 过期的小时数。
func NewIdentityService(jwtSecretKey string, jwtExpiryHours int) (*IdentityService, error) {
	if jwtSecretKey == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	if jwtExpiryHours <= 0 {
		jwtExpiryHours = 24 * 30 // 默认 30 天
	}
	return &IdentityService{
		jwtSecret: []byte(jwtSecretKey),
		jwtExpiry: time.Duration(jwtExpiryHours) * time.Hour,
		now:       time.Now,
	}, nil
}

// IssueAnonymous 签发一个新的匿名身份
func (s *IdentityService) IssueAnonymous(ctx context.Context) (*Identity, error) {
	identity, err := s.issue(uuid.NewString())
	if err != nil {
		logrus.WithError(err).Error("Failed to sign anonymous identity token")
		return nil, ErrInternalServer
	}
	logrus.WithField("uid", identity.UID).Info("Anonymous identity issued")
	return identity, nil
}

// ResolveOrIssue 已有 token 有效时沿用其 uid 并续期，否则签发新身份
func (s *IdentityService) ResolveOrIssue(ctx context.Context, existingToken string) (*Identity, error) {
	if existingToken != "" {
		uid, err := s.Verify(existingToken)
		if err == nil {
			identity, err := s.issue(uid)
			if err != nil {
				logrus.WithError(err).WithField("uid", uid).Error("Failed to refresh identity token")
				return nil, ErrInternalServer
			}
			return identity, nil
		}
		logrus.WithError(err).Debug("Existing identity token rejected, issuing a new one")
	}
	return s.IssueAnonymous(ctx)
}

// Verify 校验 token 并返回其中的 uid
func (s *IdentityService) Verify(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		// 只接受 HMAC 签名
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	uid, ok := claims[UIDClaim].(string)
	if !ok || uid == "" {
		return "", fmt.Errorf("%w: missing %s claim", ErrInvalidToken, UIDClaim)
	}
	if _, err := uuid.Parse(uid); err != nil {
		return "", fmt.Errorf("%w: malformed uid", ErrInvalidToken)
	}
	return uid, nil
}

// issue 为指定 uid 生成 JWT
func (s *IdentityService) issue(uid string) (*Identity, error) {
	now := s.now()
	expiresAt := now.Add(s.jwtExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		UIDClaim: uid,
		"exp":    expiresAt.Unix(),
		"iat":    now.Unix(),
	})
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Identity{UID: uid, Token: tokenString, ExpiresAt: expiresAt}, nil
}

// IsInvalidToken 判断错误是否为 token 无效
func IsInvalidToken(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}
