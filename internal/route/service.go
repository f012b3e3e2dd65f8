package route

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hiketrack/internal/db"
	"hiketrack/internal/shared/geo"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("route: not found")

type Repository interface {
	Create(ctx context.Context, r Route) (Route, error)
	Get(ctx context.Context, id string) (Route, error)
	List(ctx context.Context) ([]Route, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create parses the WKT and fills in the distance and the elevation gain
// (for LINESTRING Z) unless the caller supplied them.
func (s *Service) Create(ctx context.Context, r Route) (Route, error) {
	path, elevations, err := ParseLineString(r.RouteWKT)
	if err != nil {
		return Route{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TotalDistanceM == 0 {
		r.TotalDistanceM = geo.PathLength(path)
	}
	if r.TotalElevationGainM == 0 {
		r.TotalElevationGainM = elevationGain(elevations)
	}
	created, err := s.repo.Create(ctx, r)
	if err != nil {
		return Route{}, err
	}
	created.Path = path
	return created, nil
}

// Get returns the route with its parsed path.
func (s *Service) Get(ctx context.Context, id string) (Route, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return Route{}, err
	}
	if r.Path, _, err = ParseLineString(r.RouteWKT); err != nil {
		return Route{}, err
	}
	return r, nil
}

func (s *Service) List(ctx context.Context) ([]Route, error) {
	return s.repo.List(ctx)
}

// Path resolves a route id to its polyline.
func (s *Service) Path(ctx context.Context, id string) ([]geo.Coordinate, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Path, nil
}

type PostgresRepository struct {
	db db.Querier
}

func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{db: q}
}

func (p *PostgresRepository) Create(ctx context.Context, r Route) (Route, error) {
	row := p.db.QueryRow(ctx, `
		INSERT INTO gpx_routes (id, name, description, total_distance_m, total_elevation_gain_m, route, uploaded_by)
		VALUES ($1,$2,$3,$4,$5, ST_GeogFromText($6), $7)
		RETURNING created_at
	`, r.ID, r.Name, r.Description, r.TotalDistanceM, r.TotalElevationGainM, r.RouteWKT, r.UploadedBy)
	if err := row.Scan(&r.CreatedAt); err != nil {
		return Route{}, err
	}
	return r, nil
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (Route, error) {
	row := p.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(description,''), total_distance_m, total_elevation_gain_m, ST_AsText(route), COALESCE(uploaded_by,''), created_at
		FROM gpx_routes WHERE id=$1
	`, id)
	var r Route
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.TotalDistanceM, &r.TotalElevationGainM, &r.RouteWKT, &r.UploadedBy, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, err
	}
	return r, nil
}

func (p *PostgresRepository) List(ctx context.Context) ([]Route, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, name, COALESCE(description,''), total_distance_m, total_elevation_gain_m, ST_AsText(route), COALESCE(uploaded_by,''), created_at
		FROM gpx_routes
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.TotalDistanceM, &r.TotalElevationGainM, &r.RouteWKT, &r.UploadedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// MemoryRepository serves deployments without Postgres.
type MemoryRepository struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{routes: map[string]Route{}}
}

func (m *MemoryRepository) Create(_ context.Context, r Route) (Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = time.Now()
	r.Path = nil
	m.routes[r.ID] = r
	return r, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return Route{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) List(_ context.Context) ([]Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
