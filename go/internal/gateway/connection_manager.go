package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ConnectionManager tracks websocket connections by room code.
type ConnectionManager struct {
	rooms map[string]map[*Connection]bool
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// Connection is one websocket client bound to a room and player.
type Connection struct {
	ID       string
	PlayerID string
	RoomCode string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	ConnectedAt time.Time

	limiter   *rate.Limiter
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CommandRate     rate.Limit // Sustained client commands per second
	CommandBurst    int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CommandRate:     10,
		CommandBurst:    20,
		CheckOrigin: func(r *http.Request) bool {
			// Origins are enforced by the CORS layer.
			return true
		},
	}
}

type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// Upgrade upgrades the request and registers the connection. Pumps start
// with Connection.Start.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, roomCode, playerID string) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		PlayerID:    playerID,
		RoomCode:    roomCode,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: time.Now(),
		limiter:     rate.NewLimiter(cm.config.CommandRate, cm.config.CommandBurst),
		done:        make(chan struct{}),
	}
	cm.register(c)

	log.Info().
		Str("connection_id", c.ID).
		Str("player_id", playerID).
		Str("room_code", roomCode).
		Msg("WebSocket connection established")
	return c, nil
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.rooms[c.RoomCode] == nil {
		cm.rooms[c.RoomCode] = make(map[*Connection]bool)
	}
	cm.rooms[c.RoomCode][c] = true

	log.Debug().
		Str("connection_id", c.ID).
		Str("room_code", c.RoomCode).
		Int("total_connections", len(cm.rooms[c.RoomCode])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns, ok := cm.rooms[c.RoomCode]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(cm.rooms, c.RoomCode)
	}

	log.Info().
		Str("connection_id", c.ID).
		Str("player_id", c.PlayerID).
		Str("room_code", c.RoomCode).
		Msg("connection unregistered")
}

// Stats reports active connections per room.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{RoomConnections: make(map[string]int, len(cm.rooms))}
	for code, conns := range cm.rooms {
		stats.TotalConnections += len(conns)
		stats.RoomConnections[code] = len(conns)
	}
	stats.ActiveRooms = len(cm.rooms)
	return stats
}

// CloseAll closes every connection, e.g. on shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, conns := range cm.rooms {
		for c := range conns {
			all = append(all, c)
		}
	}
	cm.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}

// Start runs the read and write pumps. onMessage is called from the read
// pump for every client frame; onClose runs once, on its own goroutine, when
// the connection ends.
func (c *Connection) Start(onMessage func([]byte), onClose func()) {
	c.onClose = onClose
	go c.writePump()
	go c.readPump(onMessage)
}

// Allow reports whether the client may issue another command now.
func (c *Connection) Allow() bool { return c.limiter.Allow() }

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close unregisters the connection and stops both pumps. Messages already
// queued are flushed by the write pump first.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.Manager.unregister(c)
		close(c.done)
		if c.onClose != nil {
			// Close can be reached from the goroutines onClose tears down.
			go c.onClose()
		}
	})
}

// SendMessage queues msg. A full buffer means the client is too slow; the
// connection is closed.
func (c *Connection) SendMessage(msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal message")
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- data:
		return true
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("player_id", c.PlayerID).
			Msg("connection send buffer full, closing connection")
		c.Close()
		return false
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
		c.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}
		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// flush writes whatever is still queued without blocking on new messages.
func (c *Connection) flush() {
	for {
		select {
		case message := <-c.Send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Connection) readPump(onMessage func([]byte)) {
	defer c.Close()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}
		onMessage(message)
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
