package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/talefront/aegis/internal/detector"
	"github.com/talefront/aegis/internal/protection"
	"github.com/talefront/aegis/pkg/errors"
)

// respondError maps engine errors onto RFC 7807 problem documents.
func respondError(c *gin.Context, err error) {
	p := errors.Problem(err, c.FullPath())
	c.JSON(p.Status, p)
}

type protectRequest struct {
	UserID      string                   `json:"user_id" binding:"required"`
	SessionID   string                   `json:"session_id" binding:"required"`
	IPAddress   string                   `json:"ip_address"`
	DeviceHash  string                   `json:"device_hash"`
	CharacterID string                   `json:"character_id"`
	CreatorID   string                   `json:"creator_id"`
	Action      string                   `json:"action" binding:"required"`
	Metadata    map[string]string        `json:"metadata"`
	Payload     *detector.MessagePayload `json:"payload"`
	Account     *detector.AccountInfo    `json:"account"`
}

func (s *Server) handleProtect(c *gin.Context) {
	var body protectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, errors.ErrValidation.Wrap(err))
		return
	}
	if body.IPAddress == "" {
		body.IPAddress = c.ClientIP()
	}

	req := &detector.Request{
		UserID:      body.UserID,
		SessionID:   body.SessionID,
		IPAddress:   body.IPAddress,
		DeviceHash:  body.DeviceHash,
		CharacterID: body.CharacterID,
		CreatorID:   body.CreatorID,
		Action:      body.Action,
		Metadata:    body.Metadata,
		Payload:     body.Payload,
		Account:     body.Account,
	}

	res, err := s.protector.Protect(c.Request.Context(), req, c.Request.Header)
	if err != nil {
		respondError(c, err)
		return
	}
	setRateLimitHeaders(c, res)
	c.JSON(http.StatusOK, res)
}

func setRateLimitHeaders(c *gin.Context, res *protection.Result) {
	if res.RateLimit == nil {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.RateLimit.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.RateLimit.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.RateLimit.Reset.Unix(), 10))
}

func (s *Server) handleFraudScore(c *gin.Context) {
	score, err := s.scores.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     score.UserID,
		"score":       score.ReportedScore(),
		"risk_level":  score.RiskLevel.String(),
		"action":      score.Action.String(),
		"trend":       score.Trend,
		"components":  score.Components,
		"top_factors": score.TopFactors(3),
		"updated_at":  score.UpdatedAt,
	})
}

func (s *Server) handlePolicyGet(c *gin.Context) {
	p, err := s.policies.Current(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p, "enforcement": s.policies.Execute(p)})
}

type escalateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handlePolicyEscalate(c *gin.Context) {
	var body escalateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, errors.ErrValidation.Wrap(err))
		return
	}
	p, err := s.policies.Escalate(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.PolicyTransitions.WithLabelValues(p.Type.String()).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"policy": p, "enforcement": s.policies.Execute(p)})
}

func (s *Server) handlePolicyRemove(c *gin.Context) {
	if err := s.policies.Remove(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleJobList(c *gin.Context) {
	names := s.jobs.JobNames()
	runs := make(map[string]interface{}, len(names))
	for _, name := range names {
		stats, err := s.jobs.LastStats(name)
		if err != nil {
			continue
		}
		runs[name] = stats
	}
	c.JSON(http.StatusOK, gin.H{"jobs": names, "last_runs": runs})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	stats, err := s.jobs.LastStats(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	if stats == nil {
		c.JSON(http.StatusOK, gin.H{"job": c.Param("name"), "ran": false})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleJobTrigger(c *gin.Context) {
	stats, err := s.jobs.Trigger(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, stats)
}

func listParams(c *gin.Context) (status string, limit int) {
	status = c.Query("status")
	limit = 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return status, limit
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, errors.NewValidation("id", "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleClusterList(c *gin.Context) {
	status, limit := listParams(c)
	clusters, err := s.reviews.ListClusters(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters, "count": len(clusters)})
}

func (s *Server) handleClusterGet(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	cluster, err := s.reviews.FindCluster(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) handleClusterStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body statusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, errors.ErrValidation.Wrap(err))
		return
	}
	cluster, err := s.reviews.UpdateClusterStatus(c.Request.Context(), id, body.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) handleRingList(c *gin.Context) {
	status, limit := listParams(c)
	rings, err := s.reviews.ListRings(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rings": rings, "count": len(rings)})
}

func (s *Server) handleRingGet(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ring, err := s.reviews.FindRing(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ring)
}

func (s *Server) handleRingStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body statusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, errors.ErrValidation.Wrap(err))
		return
	}
	ring, err := s.reviews.UpdateRingStatus(c.Request.Context(), id, body.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ring)
}
