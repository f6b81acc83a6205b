package server

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-imsdk/errs"
)

// IssueToken 签发 HS256 登录令牌，sub 为用户 id。
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken 校验令牌签名、有效期与用户归属。
func VerifyToken(secret, userID, token string) *errs.Error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return errs.New(errs.CodeTokenExpired, "token expired")
		}
		return errs.New(errs.CodeTokenInvalid, "token invalid")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != userID {
		return errs.New(errs.CodeTokenInvalid, "token subject mismatch")
	}
	return nil
}
