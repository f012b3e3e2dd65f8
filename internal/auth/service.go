package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrRefreshInvalid     = errors.New("auth: refresh token invalid")
)

var (
	hashPasswordFn    = bcrypt.GenerateFromPassword
	signTokenFn       = (*Service).signToken
	parseWithClaimsFn = jwt.ParseWithClaims
)

type Service struct {
	secret []byte
	store  Store
}

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func NewService(secret string, store Store) *Service {
	return &Service{
		secret: []byte(secret),
		store:  store,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (Hiker, TokenResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Name == "" || req.Password == "" {
		return Hiker{}, TokenResponse{}, errors.New("email, name, password required")
	}
	hash, err := hashPasswordFn([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Hiker{}, TokenResponse{}, err
	}

	hiker, err := s.store.CreateHiker(ctx, Hiker{
		ID:                uuid.NewString(),
		Email:             email,
		Name:              req.Name,
		PasswordHash:      string(hash),
		EmergencyContacts: req.EmergencyContacts,
	})
	if err != nil {
		return Hiker{}, TokenResponse{}, err
	}

	tokens, err := s.GenerateTokens(ctx, hiker.ID)
	if err != nil {
		return Hiker{}, TokenResponse{}, err
	}
	return hiker, tokens, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (Hiker, TokenResponse, error) {
	hiker, err := s.store.HikerByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, ErrHikerNotFound) {
		return Hiker{}, TokenResponse{}, ErrInvalidCredentials
	}
	if err != nil {
		return Hiker{}, TokenResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hiker.PasswordHash), []byte(req.Password)); err != nil {
		return Hiker{}, TokenResponse{}, ErrInvalidCredentials
	}

	tokens, err := s.GenerateTokens(ctx, hiker.ID)
	if err != nil {
		return Hiker{}, TokenResponse{}, err
	}
	return hiker, tokens, nil
}

func (s *Service) GenerateTokens(ctx context.Context, userID string) (TokenResponse, error) {
	access, err := signTokenFn(s, userID, accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	refresh, err := signTokenFn(s, userID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	if err := s.store.SaveRefreshToken(ctx, refresh, userID, time.Now().Add(refreshTokenTTL)); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}

	userID, expiresAt, err := s.store.LookupRefreshToken(ctx, token)
	if err != nil || userID != claims.UserID || time.Now().After(expiresAt) {
		return "", ErrRefreshInvalid
	}
	return claims.UserID, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (s *Service) Hiker(ctx context.Context, id string) (Hiker, error) {
	return s.store.HikerByID(ctx, id)
}

// EmergencyContacts returns who should hear about anomalies on the hiker's
// sessions.
func (s *Service) EmergencyContacts(ctx context.Context, hikerID string) ([]string, error) {
	h, err := s.store.HikerByID(ctx, hikerID)
	if err != nil {
		return nil, err
	}
	return h.EmergencyContacts, nil
}

func (s *Service) signToken(userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}
