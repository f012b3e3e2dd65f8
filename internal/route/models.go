package route

import (
	"time"

	"hiketrack/internal/shared/geo"
)

// Route is a planned line a session can be checked against.
type Route struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Description         string           `json:"description"`
	TotalDistanceM      float64          `json:"total_distance_m"`
	TotalElevationGainM float64          `json:"total_elevation_gain_m"`
	RouteWKT            string           `json:"route"`
	Path                []geo.Coordinate `json:"path,omitempty"`
	UploadedBy          string           `json:"uploaded_by"`
	CreatedAt           time.Time        `json:"created_at"`
}
