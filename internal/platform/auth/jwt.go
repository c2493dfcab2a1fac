package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"actsync/internal/platform/config"
	"actsync/internal/platform/models"
)

const (
	issuer        = "actsync"
	audienceAPI   = "api"
	audienceState = "oauth_state"
)

type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// StateClaims travel through the provider's authorize redirect as the OAuth state parameter.
type StateClaims struct {
	UserID   string `json:"uid"`
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

type TokenService struct {
	config config.JWTConfig
	now    func() time.Time
}

func NewTokenService(cfg config.JWTConfig) *TokenService {
	return &TokenService{config: cfg, now: time.Now}
}

func (s *TokenService) GenerateAccessToken(userID, email string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{audienceAPI},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Secret))
}

func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims, audienceAPI); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *TokenService) GenerateState(userID string, provider models.Provider) (string, error) {
	now := s.now()
	ttl := s.config.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	claims := StateClaims{
		UserID:   userID,
		Provider: string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audienceState},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Secret))
}

// ParseState validates a state token and checks it was issued for provider.
func (s *TokenService) ParseState(state string, provider models.Provider) (*StateClaims, error) {
	claims := &StateClaims{}
	if err := s.parse(state, claims, audienceState); err != nil {
		return nil, err
	}
	if claims.Provider != string(provider) || claims.UserID == "" {
		return nil, errors.New("state does not match provider")
	}
	return claims, nil
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithAudience(audience), jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}
