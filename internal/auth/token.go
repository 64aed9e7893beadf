package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "sudooom.im.presence/internal/errors"
)

var (
	ErrTokenInvalid = apperrors.ErrUnauthorized.WithMessage("token is invalid")
	ErrTokenExpired = apperrors.ErrUnauthorized.WithMessage("token has expired")
	ErrUserMismatch = apperrors.ErrInvalidIdentifier.WithMessage("token does not belong to this user")
)

const issuer = "playlist-presence"

// Claims JWT 声明
// token 由外部登录服务签发，这里只负责校验
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Service JWT 服务
type Service struct {
	secretKey []byte
	expire    time.Duration
}

// NewService 创建 JWT 服务，secretKey 为空时返回 nil（不校验）
func NewService(secretKey string, expire time.Duration) *Service {
	if secretKey == "" {
		return nil
	}
	if expire <= 0 {
		expire = 24 * time.Hour
	}
	return &Service{
		secretKey: []byte(secretKey),
		expire:    expire,
	}
}

// GenerateToken 签发 token（测试与运维工具使用）
func (s *Service) GenerateToken(userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expire)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Validate 验证 token
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyUser 验证 token 属于 userID
func (s *Service) VerifyUser(tokenString, userID string) error {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return err
	}
	if claims.UserID != userID {
		return ErrUserMismatch
	}
	return nil
}
