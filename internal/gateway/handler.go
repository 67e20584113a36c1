package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wheelpot/wheelpot/internal/models"
)

// RoundActions is the slice of coordinator behavior the gateway drives on
// behalf of websocket clients.
type RoundActions interface {
	Join(ctx context.Context, identity models.Identity, balance float64, items []models.StakeItem) (*models.Participant, error)
	Refresh(ctx context.Context) error
	NextRound(ctx context.Context) error
	Round() *models.Round
	Degraded() bool
}

// EventTypeActionResult carries an inline reply to a client action.
const EventTypeActionResult EventType = "ActionResult"

// clientAction is an inbound websocket frame.
type clientAction struct {
	Action       string             `json:"action"`
	StakeBalance float64            `json:"stake_balance,omitempty"`
	StakeItems   []models.StakeItem `json:"stake_items,omitempty"`
}

// actionResult is the reply payload for a client action.
type actionResult struct {
	Action         string  `json:"action"`
	OK             bool    `json:"ok"`
	Error          string  `json:"error,omitempty"`
	ParticipantID  string  `json:"participant_id,omitempty"`
	SequenceNumber int64   `json:"sequence_number,omitempty"`
	TotalWeight    float64 `json:"total_weight,omitempty"`
}

// Handler terminates websocket clients and routes their actions to the
// round coordinator.
type Handler struct {
	connectionManager *ConnectionManager
	actions           RoundActions
	cache             *SnapshotCache
}

func NewHandler(cm *ConnectionManager, actions RoundActions, cache *SnapshotCache) *Handler {
	h := &Handler{
		connectionManager: cm,
		actions:           actions,
		cache:             cache,
	}
	cm.OnMessage(h.handleClientMessage)
	return h
}

// HandleConnection upgrades a client. Identity comes from query
// parameters; in production it comes from the hosting platform's session.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	externalID := r.URL.Query().Get("player_id")
	if externalID == "" {
		http.Error(w, "player_id is required", http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("display_name")
	if displayName == "" {
		displayName = externalID
	}

	identity := models.Identity{
		ExternalID:  externalID,
		DisplayName: displayName,
		AvatarRef:   r.URL.Query().Get("avatar"),
	}

	if _, err := h.connectionManager.UpgradeConnection(w, r, identity); err != nil {
		log.Error().
			Err(err).
			Str("external_id", externalID).
			Msg("failed to upgrade websocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// handleClientMessage routes one inbound frame.
func (h *Handler) handleClientMessage(conn *Connection, data []byte) {
	var action clientAction
	if err := json.Unmarshal(data, &action); err != nil {
		log.Debug().
			Str("connection_id", conn.ID).
			Err(err).
			Msg("dropping malformed client frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := actionResult{Action: action.Action, OK: true}
	if r := h.actions.Round(); r != nil {
		result.SequenceNumber = r.SequenceNumber
	}

	switch action.Action {
	case "join":
		p, err := h.actions.Join(ctx, conn.Identity, action.StakeBalance, action.StakeItems)
		if err != nil {
			result.OK = false
			result.Error = err.Error()
		} else {
			result.ParticipantID = p.ID.String()
			result.TotalWeight = p.TotalWeight()
		}

	case "refresh":
		if err := h.actions.Refresh(ctx); err != nil {
			result.OK = false
			result.Error = err.Error()
		}

	case "ack_winner":
		// Winner display is client-local; acking just confirms receipt so
		// the client can leave the WINNER_SHOWN phase.

	case "new_round":
		if err := h.actions.NextRound(ctx); err != nil {
			result.OK = false
			result.Error = err.Error()
		}

	default:
		result.OK = false
		result.Error = "unknown action: " + action.Action
	}

	h.reply(conn, result)
}

func (h *Handler) reply(conn *Connection, result actionResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal action result")
		return
	}
	roundID := ""
	if r := h.actions.Round(); r != nil {
		roundID = r.ID.String()
	}
	h.connectionManager.SendDirect(conn, &RoundEvent{
		ID:        uuid.New().String(),
		RoundID:   roundID,
		Type:      EventTypeActionResult,
		Timestamp: time.Now(),
		Data:      payload,
	})
}

// HandleState serves the current round snapshot, preferring the cache.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	var round *models.Round
	if h.cache != nil {
		cached, err := h.cache.Load(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("snapshot cache read failed")
		} else {
			round = cached
		}
	}
	if round == nil {
		round = h.actions.Round()
	}
	if round == nil {
		http.Error(w, "no current round", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Round    *models.Round `json:"round"`
		Degraded bool          `json:"degraded"`
	}{Round: round, Degraded: h.actions.Degraded()}); err != nil {
		log.Error().Err(err).Msg("failed to encode state response")
	}
}

// HandleStats serves connection statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

// RegisterRoutes mounts the gateway endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/state", h.HandleState)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}
