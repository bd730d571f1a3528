// Package gateway exposes rooms over HTTP and binds websocket clients to
// engine sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/buzzroom/go/internal/audio"
	"github.com/mcdev12/buzzroom/go/internal/engine"
	"github.com/mcdev12/buzzroom/go/internal/events"
	"github.com/mcdev12/buzzroom/go/internal/models"
	"github.com/mcdev12/buzzroom/go/internal/room"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Connection ConnectionConfig
	Engine     engine.Config
	Fader      audio.FaderConfig
}

func DefaultConfig() Config {
	return Config{
		Connection: DefaultConnectionConfig(),
		Engine:     engine.DefaultConfig(),
		Fader:      audio.DefaultFaderConfig(),
	}
}

// Gateway serves the room API and websocket sessions.
type Gateway struct {
	repo      *room.Repository
	clock     clockwork.Clock
	publisher events.Publisher
	modes     []models.GameMode
	cm        *ConnectionManager
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a gateway. modes is the catalog offered to hosts; an empty
// catalog falls back to models.DefaultGameModes.
func New(repo *room.Repository, clock clockwork.Clock, publisher events.Publisher, modes []models.GameMode, cfg Config) *Gateway {
	if len(modes) == 0 {
		modes = models.DefaultGameModes()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		repo:      repo,
		clock:     clock,
		publisher: publisher,
		modes:     modes,
		cm:        NewConnectionManager(cfg.Connection),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms", g.handleCreateRoom)
	mux.HandleFunc("POST /api/rooms/{code}/join", g.handleJoinRoom)
	mux.HandleFunc("GET /api/rooms/{code}", g.handleGetRoom)
	mux.HandleFunc("GET /api/modes", g.handleModes)
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("GET /ws/stats", g.handleStats)
}

// Shutdown ends every session and closes every connection.
func (g *Gateway) Shutdown() {
	g.cancel()
	g.cm.CloseAll()
}

// Connections exposes the connection manager, e.g. for stats.
func (g *Gateway) Connections() *ConnectionManager { return g.cm }

func (g *Gateway) mode(t string) (models.GameMode, bool) {
	for _, m := range g.modes {
		if string(m.Type) == t {
			return m, true
		}
	}
	return models.GameMode{}, false
}

type nameRequest struct {
	Name string `json:"name"`
}

type roomResponse struct {
	Room   *models.Room   `json:"room"`
	Player *models.Player `json:"player,omitempty"`
}

func decodeName(r *http.Request) (string, error) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: %v", errBadMessage, err)
	}
	return req.Name, nil
}

func (g *Gateway) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	name, err := decodeName(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rm, host, err := g.repo.CreateRoom(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomResponse{Room: rm, Player: host})
}

func (g *Gateway) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	name, err := decodeName(r)
	if err != nil {
		writeError(w, err)
		return
	}
	player, err := g.repo.JoinRoom(r.Context(), code, name)
	if err != nil {
		writeError(w, err)
		return
	}
	rm, err := g.repo.Get(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: rm, Player: player})
}

func (g *Gateway) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	rm, err := g.repo.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: rm})
}

func (g *Gateway) handleModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.modes)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.cm.Stats())
}

// handleWebSocket binds a connection to a player already seated in the room.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	playerID := r.URL.Query().Get("player_id")
	if code == "" || playerID == "" {
		writeError(w, fmt.Errorf("%w: code and player_id are required", errBadMessage))
		return
	}

	rm, err := g.repo.Get(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	if rm.Player(playerID) == nil {
		writeError(w, fmt.Errorf("%w: player %s is not in room %s", errBadMessage, playerID, code))
		return
	}

	conn, err := g.cm.Upgrade(w, r, code, playerID)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("room_code", code).Str("player_id", playerID).Msg("failed to upgrade WebSocket connection")
		}
		return
	}
	g.attach(conn)
}
