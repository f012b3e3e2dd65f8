package tracking

import (
	"errors"
	"strconv"

	"hiketrack/internal/auth"
	"hiketrack/internal/playback"
	"hiketrack/internal/route"
	"hiketrack/internal/session"
	"hiketrack/internal/track"

	"github.com/gofiber/fiber/v2"
)

// httpError maps service errors onto status codes.
func httpError(err error) error {
	var perr *track.PersistenceError
	switch {
	case errors.As(err, &perr):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, track.ErrSessionNotFound),
		errors.Is(err, session.ErrNoRecoverableSession),
		errors.Is(err, ErrShareNotFound),
		errors.Is(err, ErrNoAnomaly),
		errors.Is(err, route.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, track.ErrInvalidStateTransition),
		errors.Is(err, track.ErrOutOfOrderTimestamp),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, ErrSessionActive),
		errors.Is(err, playback.ErrNotCompleted),
		errors.Is(err, playback.ErrEmptyTrack):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, track.ErrInvalidFix),
		errors.Is(err, ErrUnknownDetector):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

// hikerID prefers the token identity. A body user_id naming someone else is
// refused; without a token (routes mounted with no auth) the body is used.
func hikerID(c *fiber.Ctx, fromBody string) (string, error) {
	authed := auth.UserID(c)
	if authed == "" {
		return fromBody, nil
	}
	if fromBody != "" && fromBody != authed {
		return "", fiber.NewError(fiber.StatusForbidden, "user_id does not match token")
	}
	return authed, nil
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/sessions", authMiddleware, func(c *fiber.Ctx) error {
		var req StartRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		var err error
		if req.UserID, err = hikerID(c, req.UserID); err != nil {
			return err
		}
		if req.UserID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "user_id required")
		}
		summary, err := svc.Start(c.Context(), req)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(summary)
	})

	r.Get("/sessions/recoverable", authMiddleware, func(c *fiber.Ctx) error {
		ids, err := svc.Recoverable(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(fiber.Map{"sessions": ids})
	})

	r.Post("/sessions/:id/points", authMiddleware, func(c *fiber.Ctx) error {
		var req TrackPoint
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		fix, err := svc.Ingest(c.Context(), c.Params("id"), req)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(fix)
	})

	r.Post("/sessions/:id/pause", authMiddleware, func(c *fiber.Ctx) error {
		summary, err := svc.Pause(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(summary)
	})

	r.Post("/sessions/:id/resume", authMiddleware, func(c *fiber.Ctx) error {
		summary, err := svc.Resume(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(summary)
	})

	r.Post("/sessions/:id/stop", authMiddleware, func(c *fiber.Ctx) error {
		trip, err := svc.Stop(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(trip)
	})

	r.Delete("/sessions/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Discard(c.Context(), c.Params("id")); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/sessions/:id/recover", authMiddleware, func(c *fiber.Ctx) error {
		var req StartRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		var err error
		if req.UserID, err = hikerID(c, req.UserID); err != nil {
			return err
		}
		summary, err := svc.Recover(c.Context(), c.Params("id"), req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(summary)
	})

	r.Get("/sessions/:id/summary", func(c *fiber.Ctx) error {
		summary, err := svc.Summary(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(summary)
	})

	r.Get("/sessions/:id/points", func(c *fiber.Ctx) error {
		points, err := svc.Points(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(points)
	})

	r.Get("/sessions/:id/anomalies/:detector", func(c *fiber.Ctx) error {
		ev, err := svc.Anomaly(c.Params("id"), c.Params("detector"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(ev)
	})

	r.Get("/sessions/:id/playback", func(c *fiber.Ctx) error {
		progress := 0.0
		if raw := c.Query("progress"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "progress must be a number")
			}
			progress = v
		}
		frame, err := svc.Seek(c.Context(), c.Params("id"), progress)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(frame)
	})

	r.Post("/sessions/:id/playback/advance", func(c *fiber.Ctx) error {
		var req AdvanceRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		frame, err := svc.Advance(c.Context(), c.Params("id"), req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(frame)
	})

	r.Post("/shares", authMiddleware, func(c *fiber.Ctx) error {
		var req ShareRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		var err error
		if req.UserID, err = hikerID(c, req.UserID); err != nil {
			return err
		}
		if req.UserID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "user_id required")
		}
		share, err := svc.ShareLocation(c.Context(), req)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(share)
	})

	r.Post("/shares/:id/points", authMiddleware, func(c *fiber.Ctx) error {
		var req TrackPoint
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		res, err := svc.SharePoint(c.Params("id"), req)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	})

	r.Get("/shares/:id/anomalies/:detector", func(c *fiber.Ctx) error {
		ev, err := svc.ShareAnomaly(c.Params("id"), c.Params("detector"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(ev)
	})

	r.Delete("/shares/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.StopShare(c.Params("id")); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
