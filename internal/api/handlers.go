package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
)

type openRequest struct {
	ParticipantID string `json:"participantId"`
	ListingID     string `json:"listingId"`
}

// GET /v1/conversations?limit=20
func (h *handlers) listConversations(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", h.page)
	if limit <= 0 || limit > h.page {
		limit = h.page
	}
	views, err := h.svc.Conversations.List(c.UserContext(), userID(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversations": views})
}

// POST /v1/conversations {"participantId": "...", "listingId": "..."}
func (h *handlers) openConversation(c *fiber.Ctx) error {
	var req openRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("malformed body")
	}
	conv, created, err := h.svc.Conversations.Open(c.UserContext(), userID(c), req.ParticipantID, req.ListingID)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(conv)
}

// GET /v1/conversations/:id/messages?limit=50&before=2025-01-02T15:04:05Z
func (h *handlers) history(c *fiber.Ctx) error {
	var before time.Time
	if s := c.Query("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return apperr.Validation("before must be an RFC3339 timestamp")
		}
		before = t
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return apperr.Validation("limit must be a positive integer")
		}
		limit = n
	}
	msgs, err := h.svc.Conversations.History(c.UserContext(), c.Params("id"), userID(c), before, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// GET /v1/unread
func (h *handlers) totalUnread(c *fiber.Ctx) error {
	n, err := h.svc.Tracker.GetTotalUnread(c.UserContext(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"count": n})
}

// GET /v1/presence/:user_id
func (h *handlers) presenceOf(c *fiber.Ctx) error {
	uid := c.Params("user_id")
	if uid == "" {
		return apperr.Validation("user_id required")
	}
	out := fiber.Map{"userId": uid, "online": h.presence.IsOnline(uid)}
	if h.lastSeen != nil {
		if at, ok, err := h.lastSeen.LastSeen(c.UserContext(), uid); err == nil && ok {
			out["lastSeen"] = at
		}
	}
	return c.JSON(out)
}
