package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	netmail "net/mail"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/emberwatch/emberwatch/internal/escalation"
)

// handleDetection accepts one frame as multipart form data:
// subjectId, frameNumber, timestampSeconds, optional contactEmail and the
// image file.
func (s *Server) handleDetection(c echo.Context) error {
	ev, err := parseDetection(c)
	if err != nil {
		return err
	}

	// The cascade outlives a client that hangs up mid-request so that a
	// reserved ledger key is always either sent or released.
	ctx := context.WithoutCancel(c.Request().Context())

	ev.IsFire, ev.Confidence = s.escalator.Classify(ctx, ev.Image)
	res, err := s.escalator.HandleDetection(ctx, ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func parseDetection(c echo.Context) (escalation.DetectionEvent, error) {
	var ev escalation.DetectionEvent

	ev.SubjectID = strings.TrimSpace(c.FormValue("subjectId"))
	if ev.SubjectID == "" {
		return ev, badRequest("subjectId is required")
	}

	frame, err := strconv.ParseInt(strings.TrimSpace(c.FormValue("frameNumber")), 10, 64)
	if err != nil || frame < 0 {
		return ev, badRequest("frameNumber must be a non-negative integer")
	}
	ev.FrameNumber = frame

	ts, err := strconv.ParseFloat(strings.TrimSpace(c.FormValue("timestampSeconds")), 64)
	if err != nil || ts < 0 {
		return ev, badRequest("timestampSeconds must be a non-negative number")
	}
	ev.TimestampSeconds = ts

	if email := strings.TrimSpace(c.FormValue("contactEmail")); email != "" {
		addr, err := netmail.ParseAddress(email)
		if err != nil {
			return ev, badRequest("contactEmail is not a valid address")
		}
		ev.ContactEmail = addr.Address
	}

	fh, err := c.FormFile("image")
	if err != nil {
		return ev, badRequest("image file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return ev, fmt.Errorf("open uploaded image: %w", err)
	}
	defer f.Close()
	ev.Image, err = io.ReadAll(f)
	if err != nil {
		return ev, fmt.Errorf("read uploaded image: %w", err)
	}
	if len(ev.Image) == 0 {
		return ev, badRequest("image file is empty")
	}
	return ev, nil
}
