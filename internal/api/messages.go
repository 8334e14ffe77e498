// ABOUTME: REST handlers for sending, listing conversations, paging history and acknowledging reads
// ABOUTME: Every handler acts as the authenticated user set by auth.Middleware

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/registry"
	"github.com/2389/pairchat/internal/store"
)

// SendRequest is the body of POST /api/messages.
type SendRequest struct {
	RecipientID      string `json:"recipient_id"`
	Body             string `json:"body"`
	IdempotencyToken string `json:"idempotency_token"`
}

// AckRequest is the body of POST /api/conversations/:id/ack.
type AckRequest struct {
	Seq int64 `json:"seq"`
}

// AckResponse reports the unread count left after an ack.
type AckResponse struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	Unread         int64  `json:"unread"`
}

// ThreadResponse is one page of a conversation's history.
type ThreadResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*store.Message `json:"messages"`
	// NextCursor is the seq to pass as after= for the next page.
	NextCursor int64 `json:"next_cursor"`
}

// ConversationsResponse is the chat list.
type ConversationsResponse struct {
	Conversations []registry.Summary `json:"conversations"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	msg, err := s.deps.Conversations.Send(c.Request.Context(), auth.CurrentUser(c), req.RecipientID, req.Body, req.IdempotencyToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleListConversations(c *gin.Context) {
	list, err := s.deps.Conversations.ListConversations(c.Request.Context(), auth.CurrentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []registry.Summary{}
	}
	c.JSON(http.StatusOK, ConversationsResponse{Conversations: list})
}

func (s *Server) handleThread(c *gin.Context) {
	convID := c.Param("id")

	var cursor int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			badRequest(c, "after must be a non-negative integer")
			return
		}
		cursor = v
	}
	var limit int
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	msgs, err := s.deps.Conversations.LoadThread(c.Request.Context(), auth.CurrentUser(c), convID, cursor, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	next := cursor
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Seq
	}
	c.JSON(http.StatusOK, ThreadResponse{ConversationID: convID, Messages: msgs, NextCursor: next})
}

func (s *Server) handleAck(c *gin.Context) {
	var req AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	convID := c.Param("id")

	unread, err := s.deps.Conversations.Ack(c.Request.Context(), auth.CurrentUser(c), convID, req.Seq)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, AckResponse{ConversationID: convID, Seq: req.Seq, Unread: unread})
}
