package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service validates identity-provider tokens and serves profile lookups.
// Tokens are HS256 with the user id in "sub".
type Service struct {
	repo      Directory
	jwtSecret string
}

// Directory is the read side of the users table.
type Directory interface {
	GetProfiles(ctx context.Context, ids []string) (map[string]Profile, error)
	SearchUsers(ctx context.Context, term, excludeID string) ([]Profile, error)
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

const issuer = "linkly"

func NewService(repo Directory, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

// IssueToken signs a token the way the identity provider does. Used by tooling
// such as the load generator.
func (s *Service) IssueToken(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", "", errors.New("token has no subject")
	}
	return claims.Subject, claims.Username, nil
}

func (s *Service) GetProfiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	return s.repo.GetProfiles(ctx, ids)
}

func (s *Service) SearchUsers(ctx context.Context, term, callerID string) ([]Profile, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []Profile{}, nil
	}
	return s.repo.SearchUsers(ctx, term, callerID)
}
