package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrShardNotConnected is returned by Send when this process holds no
// connection for the shard.
var ErrShardNotConnected = errors.New("websocket: shard not connected")

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is an inbound event sent by a shard connection
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Registry records which process owns a shard
type Registry interface {
	Claim(ctx context.Context, shardID int, owner string) (bool, error)
	Release(ctx context.Context, shardID int, owner string) error
	TTL() time.Duration
}

// Dispatcher relays inbound events to consumers
type Dispatcher interface {
	PublishDispatch(ctx context.Context, event string, shardID int, data json.RawMessage) (string, error)
}

// Config holds hub configuration
type Config struct {
	Owner      string
	ShardCount int
	Registry   Registry
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

// shardConn is one live shard connection
type shardConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *shardConn) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub holds the shard connections of the gateway process
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[int]*shardConn
}

// NewHub creates a new shard hub
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[int]*shardConn),
	}
}

// Connected returns the number of live shard connections
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleShard accepts the WebSocket connection for one shard. The shard is
// claimed in the registry for as long as the connection lives; every frame
// read from it is relayed to consumers.
func (h *Hub) HandleShard(c *gin.Context) {
	shardID, err := strconv.Atoi(c.Param("id"))
	if err != nil || shardID < 0 || shardID >= h.cfg.ShardCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shard id"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	claimed, err := h.cfg.Registry.Claim(ctx, shardID, h.cfg.Owner)
	if err != nil {
		h.logger.Error("failed to claim shard", zap.Int("shard_id", shardID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim shard"})
		return
	}
	if !claimed {
		c.JSON(http.StatusConflict, gin.H{"error": "shard owned by another gateway"})
		return
	}
	defer h.release(shardID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	sc := &shardConn{conn: conn}
	if !h.add(shardID, sc) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "shard already connected"),
			time.Now().Add(time.Second))
		return
	}
	defer h.remove(shardID, sc)

	h.logger.Info("shard connected",
		zap.Int("shard_id", shardID),
		zap.String("client", c.ClientIP()))

	go h.keepClaim(ctx, shardID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("shard connection lost", zap.Int("shard_id", shardID), zap.Error(err))
			}
			h.logger.Info("shard disconnected", zap.Int("shard_id", shardID))
			return
		}
		h.relay(ctx, shardID, data)
	}
}

// Send writes payload to the connection of shardID. It matches
// gateway.SendHandler so the hub can serve send commands directly.
func (h *Hub) Send(ctx context.Context, shardID int, payload json.RawMessage) error {
	h.mu.RLock()
	sc, ok := h.conns[shardID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrShardNotConnected, shardID)
	}

	if err := sc.write(payload); err != nil {
		return fmt.Errorf("failed to write to shard %d: %w", shardID, err)
	}
	return nil
}

func (h *Hub) relay(ctx context.Context, shardID int, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		h.logger.Warn("dropping malformed frame", zap.Int("shard_id", shardID))
		return
	}
	if len(frame.Data) == 0 {
		frame.Data = json.RawMessage("null")
	}

	if _, err := h.cfg.Dispatcher.PublishDispatch(ctx, frame.Event, shardID, frame.Data); err != nil {
		h.logger.Error("failed to relay frame",
			zap.Int("shard_id", shardID),
			zap.String("topic", frame.Event),
			zap.Error(err))
	}
}

// keepClaim refreshes the shard claim until ctx is done
func (h *Hub) keepClaim(ctx context.Context, shardID int) {
	interval := h.cfg.Registry.TTL() / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := h.cfg.Registry.Claim(ctx, shardID, h.cfg.Owner)
			if err != nil && ctx.Err() == nil {
				h.logger.Warn("failed to refresh shard claim", zap.Int("shard_id", shardID), zap.Error(err))
				continue
			}
			if err == nil && !claimed {
				h.logger.Error("shard claim lost", zap.Int("shard_id", shardID))
			}
		}
	}
}

func (h *Hub) add(shardID int, sc *shardConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[shardID]; exists {
		return false
	}
	h.conns[shardID] = sc
	return true
}

func (h *Hub) remove(shardID int, sc *shardConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[shardID] == sc {
		delete(h.conns, shardID)
	}
}

func (h *Hub) release(shardID int) {
	h.mu.RLock()
	_, stillConnected := h.conns[shardID]
	h.mu.RUnlock()
	if stillConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.cfg.Registry.Release(ctx, shardID, h.cfg.Owner); err != nil {
		h.logger.Warn("failed to release shard", zap.Int("shard_id", shardID), zap.Error(err))
	}
}
