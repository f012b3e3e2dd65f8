package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"hiketrack/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrHikerNotFound = errors.New("auth: hiker not found")
	ErrEmailTaken    = errors.New("auth: email already registered")
	ErrTokenNotFound = errors.New("auth: refresh token not found")
)

type Store interface {
	CreateHiker(ctx context.Context, h Hiker) (Hiker, error)
	HikerByEmail(ctx context.Context, email string) (Hiker, error)
	HikerByID(ctx context.Context, id string) (Hiker, error)
	SaveRefreshToken(ctx context.Context, token, hikerID string, expiresAt time.Time) error
	LookupRefreshToken(ctx context.Context, token string) (string, time.Time, error)
}

type PostgresStore struct {
	db db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{db: q}
}

func (s *PostgresStore) CreateHiker(ctx context.Context, h Hiker) (Hiker, error) {
	if h.EmergencyContacts == nil {
		h.EmergencyContacts = []string{}
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO hikers (id, email, name, password_hash, emergency_contacts)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, h.ID, h.Email, h.Name, h.PasswordHash, h.EmergencyContacts)
	if err := row.Scan(&h.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Hiker{}, ErrEmailTaken
		}
		return Hiker{}, err
	}
	return h, nil
}

func (s *PostgresStore) hiker(ctx context.Context, where string, arg string) (Hiker, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, email, name, password_hash, emergency_contacts, created_at
		FROM hikers WHERE `+where+` = $1
	`, arg)
	var h Hiker
	err := row.Scan(&h.ID, &h.Email, &h.Name, &h.PasswordHash, &h.EmergencyContacts, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Hiker{}, ErrHikerNotFound
	}
	if err != nil {
		return Hiker{}, err
	}
	return h, nil
}

func (s *PostgresStore) HikerByEmail(ctx context.Context, email string) (Hiker, error) {
	return s.hiker(ctx, "email", email)
}

func (s *PostgresStore) HikerByID(ctx context.Context, id string) (Hiker, error) {
	return s.hiker(ctx, "id", id)
}

func (s *PostgresStore) SaveRefreshToken(ctx context.Context, token, hikerID string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, hiker_id, token, expires_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), hikerID, token, expiresAt)
	return err
}

func (s *PostgresStore) LookupRefreshToken(ctx context.Context, token string) (string, time.Time, error) {
	row := s.db.QueryRow(ctx, `
		SELECT hiker_id, expires_at
		FROM refresh_tokens
		WHERE token = $1 AND revoked_at IS NULL
	`, token)
	var hikerID string
	var expiresAt time.Time
	err := row.Scan(&hikerID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, ErrTokenNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return hikerID, expiresAt, nil
}

type refreshToken struct {
	hikerID   string
	expiresAt time.Time
}

// MemoryStore keeps accounts for the process lifetime only.
type MemoryStore struct {
	mu      sync.RWMutex
	hikers  map[string]Hiker
	byEmail map[string]string
	tokens  map[string]refreshToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hikers:  map[string]Hiker{},
		byEmail: map[string]string{},
		tokens:  map[string]refreshToken{},
	}
}

func (m *MemoryStore) CreateHiker(_ context.Context, h Hiker) (Hiker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[h.Email]; ok {
		return Hiker{}, ErrEmailTaken
	}
	h.CreatedAt = time.Now()
	h.EmergencyContacts = append([]string{}, h.EmergencyContacts...)
	m.hikers[h.ID] = h
	m.byEmail[h.Email] = h.ID
	return h, nil
}

func (m *MemoryStore) HikerByEmail(ctx context.Context, email string) (Hiker, error) {
	m.mu.RLock()
	id, ok := m.byEmail[email]
	m.mu.RUnlock()
	if !ok {
		return Hiker{}, ErrHikerNotFound
	}
	return m.HikerByID(ctx, id)
}

func (m *MemoryStore) HikerByID(_ context.Context, id string) (Hiker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hikers[id]
	if !ok {
		return Hiker{}, ErrHikerNotFound
	}
	return h, nil
}

func (m *MemoryStore) SaveRefreshToken(_ context.Context, token, hikerID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = refreshToken{hikerID: hikerID, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) LookupRefreshToken(_ context.Context, token string) (string, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[token]
	if !ok {
		return "", time.Time{}, ErrTokenNotFound
	}
	return t.hikerID, t.expiresAt, nil
}
