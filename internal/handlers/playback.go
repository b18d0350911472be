package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/narration-stream/internal/player"
	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

const (
	MinRate = 0.5
	MaxRate = 3.0
)

var (
	errUnknownAction = errors.New("unknown action")
	errInvalidSeek   = errors.New("seek value must be between 0 and 1")
	errInvalidRate   = errors.New("speed must be between 0.5 and 3.0")
)

// PlaybackHandler exposes session control over HTTP
type PlaybackHandler struct {
	registry *player.Registry
}

// NewPlaybackHandler creates a new playback handler
func NewPlaybackHandler(registry *player.Registry) *PlaybackHandler {
	return &PlaybackHandler{
		registry: registry,
	}
}

type startRequest struct {
	Transcript string  `json:"transcript"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	AutoPlay   *bool   `json:"auto_play"`
}

type controlRequest struct {
	Value float64 `json:"value"`
}

// Create starts playback of a transcript in a new session
func (h *PlaybackHandler) Create(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}

	if strings.TrimSpace(req.Transcript) == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Transcript is required",
			"code":  "ERR_NO_TRANSCRIPT",
		})
	}
	if req.Voice == "" {
		req.Voice = "default"
	}
	if req.Speed == 0 {
		req.Speed = 1
	}
	if req.Speed < MinRate || req.Speed > MaxRate {
		return c.Status(400).JSON(fiber.Map{
			"error": errInvalidRate.Error(),
			"code":  "ERR_INVALID_SPEED",
		})
	}
	autoPlay := true
	if req.AutoPlay != nil {
		autoPlay = *req.AutoPlay
	}

	id, o := h.registry.Create()
	chunks, err := o.Start(req.Transcript, req.Voice, req.Speed, autoPlay)
	if err != nil {
		h.registry.Remove(id)
		if types.KindOf(err) == types.KindChunking {
			return c.Status(400).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_CHUNKING",
			})
		}
		log.Printf("Failed to start session: %v", err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to start playback",
			"code":  "ERR_START_FAILED",
		})
	}

	log.Printf("Session %s created (%d chunks, voice %s)", id, chunks, req.Voice)

	return c.Status(201).JSON(fiber.Map{
		"session_id": id,
		"chunks":     chunks,
		"status":     types.StateLoadingFirstChunk.String(),
		"events":     "/ws/sessions/" + id,
	})
}

// Status returns the playback snapshot of a session
func (h *PlaybackHandler) Status(c *fiber.Ctx) error {
	o, ok := h.registry.Get(c.Params("id"))
	if !ok {
		return sessionNotFound(c)
	}

	st, err := o.Status()
	if err != nil {
		return sessionNotFound(c)
	}
	return c.JSON(st)
}

// Control applies one of pause, resume, seek, speed, skip-forward, skip-backward or stop
func (h *PlaybackHandler) Control(c *fiber.Ctx) error {
	o, ok := h.registry.Get(c.Params("id"))
	if !ok {
		return sessionNotFound(c)
	}

	var req controlRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{
				"error": "Invalid request body",
				"code":  "ERR_INVALID_BODY",
			})
		}
	}

	action := c.Params("action")
	if err := applyAction(o, action, req.Value); err != nil {
		return controlError(c, err)
	}

	return c.JSON(fiber.Map{
		"session_id": c.Params("id"),
		"action":     action,
		"status":     "accepted",
	})
}

// Delete releases a session; cached audio stays on disk
func (h *PlaybackHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Remove(id) {
		return sessionNotFound(c)
	}

	log.Printf("Session %s released", id)
	return c.JSON(fiber.Map{
		"session_id": id,
		"status":     "released",
	})
}

// Audio serves the chunk currently loaded in a session
func (h *PlaybackHandler) Audio(c *fiber.Ctx) error {
	o, ok := h.registry.Get(c.Params("id"))
	if !ok {
		return sessionNotFound(c)
	}

	res, err := o.CurrentResource()
	if err != nil || res == nil {
		return c.Status(404).JSON(fiber.Map{
			"error": "No chunk is loaded",
			"code":  "ERR_NOTHING_LOADED",
		})
	}

	return sendResource(c, res)
}

func sendResource(c *fiber.Ctx, res *types.AudioResource) error {
	c.Set("X-Audio-Key", string(res.Key))
	if res.Duration > 0 {
		c.Set("X-Audio-Duration-Ms", formatMillis(res.Duration.Milliseconds()))
	}

	switch {
	case res.Cached:
		c.Type(res.Format)
		return c.SendFile(res.URI)
	case len(res.Data) > 0:
		c.Type(res.Format)
		return c.Send(res.Data)
	case strings.HasPrefix(res.URI, "http://") || strings.HasPrefix(res.URI, "https://"):
		return c.Redirect(res.URI, fiber.StatusTemporaryRedirect)
	}

	return c.Status(404).JSON(fiber.Map{
		"error": "Audio is no longer available",
		"code":  "ERR_AUDIO_UNAVAILABLE",
	})
}

// applyAction maps a control verb onto the orchestrator
func applyAction(o *player.Orchestrator, action string, value float64) error {
	switch action {
	case "pause":
		return o.Pause()
	case "resume":
		return o.Resume()
	case "seek":
		if value < 0 || value > 1 {
			return errInvalidSeek
		}
		return o.Seek(value)
	case "speed":
		if value < MinRate || value > MaxRate {
			return errInvalidRate
		}
		return o.SetSpeed(value)
	case "skip-forward", "skip_forward":
		return o.SkipForward()
	case "skip-backward", "skip_backward":
		return o.SkipBackward()
	case "stop":
		return o.Stop()
	}
	return errUnknownAction
}

func controlError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errInvalidSeek):
		return c.Status(400).JSON(fiber.Map{"error": err.Error(), "code": "ERR_INVALID_SEEK"})
	case errors.Is(err, errInvalidRate):
		return c.Status(400).JSON(fiber.Map{"error": err.Error(), "code": "ERR_INVALID_SPEED"})
	case errors.Is(err, errUnknownAction):
		return c.Status(400).JSON(fiber.Map{"error": err.Error(), "code": "ERR_UNKNOWN_ACTION"})
	case errors.Is(err, player.ErrClosed):
		return sessionNotFound(c)
	}
	return c.Status(500).JSON(fiber.Map{"error": err.Error(), "code": "ERR_CONTROL_FAILED"})
}

func sessionNotFound(c *fiber.Ctx) error {
	return c.Status(404).JSON(fiber.Map{
		"error": "Session not found",
		"code":  "ERR_SESSION_NOT_FOUND",
	})
}
