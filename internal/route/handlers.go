package route

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			Name                string  `json:"name"`
			Description         string  `json:"description"`
			RouteWKT            string  `json:"route"`
			UploadedBy          string  `json:"uploaded_by"`
			TotalDistanceM      float64 `json:"total_distance_m"`
			TotalElevationGainM float64 `json:"total_elevation_gain_m"`
		}
		if err := c.BodyParser(&body); err != nil || body.Name == "" || body.RouteWKT == "" {
			return fiber.NewError(fiber.StatusBadRequest, "name and route required")
		}
		route, err := svc.Create(c.Context(), Route{
			Name:                body.Name,
			Description:         body.Description,
			RouteWKT:            body.RouteWKT,
			UploadedBy:          body.UploadedBy,
			TotalDistanceM:      body.TotalDistanceM,
			TotalElevationGainM: body.TotalElevationGainM,
		})
		if errors.Is(err, ErrInvalidWKT) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(route)
	})

	r.Get("/", func(c *fiber.Ctx) error {
		routes, err := svc.List(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(routes)
	})

	r.Get("/:id", func(c *fiber.Ctx) error {
		route, err := svc.Get(c.Context(), c.Params("id"))
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "route not found")
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(route)
	})
}
