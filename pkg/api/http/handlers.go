package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aescanero/streambroker/pkg/broker"
	"github.com/aescanero/streambroker/pkg/gateway"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBodySize = 1 << 20

// PublishResponse represents a publish response
type PublishResponse struct {
	Topic   string `json:"topic"`
	EntryID string `json:"entry_id"`
}

// CallResponse represents an RPC call response
type CallResponse struct {
	Topic string          `json:"topic"`
	Reply json.RawMessage `json:"reply"`
}

// SendResponse represents a shard send response
type SendResponse struct {
	ShardID int    `json:"shard_id"`
	EntryID string `json:"entry_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	for name, check := range s.cfg.Checks {
		if err := check(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handlePublish appends the request body to a topic
func (s *Server) handlePublish(c *gin.Context) {
	if s.cfg.Publisher == nil {
		s.unavailable(c, "publisher")
		return
	}

	body, ok := s.readJSON(c)
	if !ok {
		return
	}

	topic := c.Param("topic")
	id, err := s.cfg.Publisher.Publish(c.Request.Context(), topic, body)
	if err != nil {
		s.logger.Error("failed to publish", zap.String("topic", topic), zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "PUBLISH_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusAccepted, PublishResponse{Topic: topic, EntryID: id})
}

// handleCall sends the request body as an RPC call and returns the reply
func (s *Server) handleCall(c *gin.Context) {
	if s.cfg.Caller == nil {
		s.unavailable(c, "caller")
		return
	}

	timeout := s.cfg.CallTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{
					Code:    "INVALID_TIMEOUT",
					Message: "timeout must be a positive duration such as 500ms",
				},
			})
			return
		}
		timeout = d
	}

	body, ok := s.readJSON(c)
	if !ok {
		return
	}

	topic := c.Param("topic")
	reply, err := s.cfg.Caller.CallTimeout(c.Request.Context(), topic, body, timeout)
	if err != nil {
		code, status := "CALL_FAILED", http.StatusBadGateway
		if broker.IsTimeout(err) {
			code, status = "CALL_TIMEOUT", http.StatusGatewayTimeout
		}
		s.logger.Warn("call failed", zap.String("topic", topic), zap.Error(err))
		c.JSON(status, ErrorResponse{
			Error: ErrorDetail{
				Code:    code,
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, CallResponse{Topic: topic, Reply: reply})
}

// handleSend relays the request body to the connection of a shard
func (s *Server) handleSend(c *gin.Context) {
	if s.cfg.Sender == nil {
		s.unavailable(c, "sender")
		return
	}

	shardID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_SHARD",
				Message: "shard id must be an integer",
			},
		})
		return
	}

	body, ok := s.readJSON(c)
	if !ok {
		return
	}

	id, err := s.cfg.Sender.Send(c.Request.Context(), shardID, body)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidShard) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{
					Code:    "INVALID_SHARD",
					Message: err.Error(),
				},
			})
			return
		}
		s.logger.Error("failed to send", zap.Int("shard_id", shardID), zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SEND_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusAccepted, SendResponse{ShardID: shardID, EntryID: id})
}

// handleListShards lists shard owners
func (s *Server) handleListShards(c *gin.Context) {
	if s.cfg.Shards == nil {
		s.unavailable(c, "shard registry")
		return
	}

	owners, err := s.cfg.Shards.List(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list shards", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "REGISTRY_ERROR",
				Message: "Failed to retrieve shards",
				Details: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  owners,
		"total": len(owners),
	})
}

// handleWorkers reports the dispatch worker pool status
func (s *Server) handleWorkers(c *gin.Context) {
	if s.cfg.Workers == nil {
		s.unavailable(c, "worker pool")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": s.cfg.Workers.GetStatus(),
	})
}

// readJSON binds the request body as raw JSON
func (s *Server) readJSON(c *gin.Context) (json.RawMessage, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)

	var body json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		s.logger.Debug("invalid request body", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return nil, false
	}
	return body, true
}

func (s *Server) unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: ErrorDetail{
			Code:    "NOT_AVAILABLE",
			Message: what + " is not configured for this role",
		},
	})
}
