package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"

	"github.com/imjasonh/pwapush"
	"github.com/imjasonh/pwapush/keys"
	"github.com/imjasonh/pwapush/notify"
	"github.com/imjasonh/pwapush/storage"
	"github.com/imjasonh/pwapush/vapid"
)

const maxRequestBody = 64 << 10

type server struct {
	store      storage.Storage
	dispatcher *notify.Dispatcher
	publicKey  []byte
	// adminToken gates the send and key routes. Empty disables them.
	adminToken string
}

func (s *server) routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		api.GET("/vapid-public-key", s.handlePublicKey)
		api.POST("/subscribe", s.handleSubscribe)
		api.POST("/unsubscribe", s.handleUnsubscribe)
	}

	admin := api.Group("")
	admin.Use(requireAdmin(s.adminToken))
	{
		admin.POST("/send", s.handleSend)
		admin.POST("/test-push", s.handleTestPush)
		admin.POST("/generate-keys", handleGenerateKeys)
	}
}

// requireAdmin checks for "Authorization: Bearer <token>".
func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin routes are disabled"})
			return
		}
		scheme, got, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *server) handlePublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": vapid.ApplicationServerKey(s.publicKey)})
}

type subscribeRequest struct {
	MemberID        string          `json:"member_id"`
	Subscription    json.RawMessage `json:"subscription"`
	ContentEncoding string          `json:"contentEncoding"`
}

func (s *server) handleSubscribe(c *gin.Context) {
	ctx := c.Request.Context()
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading body: " + err.Error()})
		return
	}
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	// A bare PushSubscription.toJSON() body is accepted as well.
	raw := req.Subscription
	if len(raw) == 0 {
		raw = data
	}
	sub, err := pwapush.ParseSubscription(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, created, err := storage.Register(ctx, s.store, req.MemberID, sub, req.ContentEncoding)
	if err != nil {
		clog.FromContext(ctx).Errorf("saving subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"id": record.ID, "message": "Already subscribed"})
		return
	}
	clog.FromContext(ctx).Infof("new subscription %s", record.ID)
	c.JSON(http.StatusCreated, gin.H{"id": record.ID, "message": "Subscribed successfully"})
}

func (s *server) handleUnsubscribe(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.store.DeleteByEndpoint(c.Request.Context(), req.Endpoint)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Unsubscribed successfully"})
}

type sendRequest struct {
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	URL       string         `json:"url"`
	Icon      string         `json:"icon"`
	Tag       string         `json:"tag"`
	TTL       int            `json:"ttl"`
	Urgency   string         `json:"urgency"`
	Data      map[string]any `json:"data"`
	MemberIDs []string       `json:"member_ids"`
}

func (s *server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := notify.Notification{
		Title:   req.Title,
		Body:    req.Body,
		URL:     req.URL,
		Icon:    req.Icon,
		Tag:     req.Tag,
		TTL:     req.TTL,
		Urgency: req.Urgency,
		Data:    req.Data,
	}
	scope := notify.All()
	if req.MemberIDs != nil {
		scope = notify.Members(req.MemberIDs...)
	}
	res, err := s.dispatcher.Send(c.Request.Context(), n, scope)
	respondResult(c, res, err)
}

func (s *server) handleTestPush(c *gin.Context) {
	var req struct {
		MemberID string `json:"member_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.dispatcher.SendTest(c.Request.Context(), req.MemberID)
	respondResult(c, res, err)
}

func respondResult(c *gin.Context, res *notify.Result, err error) {
	if errors.Is(err, notify.ErrConfiguration) {
		c.JSON(http.StatusServiceUnavailable, res.Summary())
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, res.Summary())
		return
	}
	c.JSON(http.StatusOK, res.Summary())
}

func handleGenerateKeys(c *gin.Context) {
	priv, pub, err := keys.GenerateKeyPair()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": pub, "privateKey": priv})
}
