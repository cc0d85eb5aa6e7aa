package monitor

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	if s.source == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "no engine attached")
	}
	return c.JSON(s.source.Status())
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	events := s.Recent()
	if n := c.QueryInt("limit"); n > 0 && n < len(events) {
		events = events[len(events)-n:]
	}
	return c.JSON(fiber.Map{"events": events})
}

func (s *Server) handleLatency(c *fiber.Ctx) error {
	if s.latency == nil {
		return fiber.NewError(fiber.StatusNotFound, "latency tracking disabled")
	}
	current := s.latency.Current()
	avg := s.latency.Average()
	return c.JSON(fiber.Map{
		"turns":              s.latency.Turns(),
		"current":            current.FormatLatency(),
		"average":            avg.FormatLatency(),
		"avg_first_audio_ms": avg.FirstAudio.Milliseconds(),
		"avg_total_ms":       avg.TotalLatency.Milliseconds(),
	})
}

// handleEventsWS replays recent events, then streams live ones.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	var backlog []Message
	for _, ev := range s.Recent() {
		msg, err := NewMessage(ev)
		if err != nil {
			continue
		}
		backlog = append(backlog, msg)
	}
	NewClient(s.hub, c, backlog).Run()
}
