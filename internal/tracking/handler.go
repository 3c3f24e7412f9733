package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/totoapp/delivery-core/internal/logger"
	"github.com/totoapp/delivery-core/internal/metrics"
	"github.com/totoapp/delivery-core/internal/model"
	"github.com/totoapp/delivery-core/internal/repository"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay sits behind the gateway that authenticated the actor, so
	// cross-origin checks happen upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// message is a client-to-server frame. Location fields are only read for
// update_location.
type message struct {
	Action     string   `json:"action"`
	DeliveryID string   `json:"delivery_id"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Speed      *float64 `json:"speed,omitempty"`
	Heading    *float64 `json:"heading,omitempty"`
	Accuracy   *float64 `json:"accuracy,omitempty"`
}

// Handler upgrades websocket connections and speaks the tracking protocol.
type Handler struct {
	hub   *Hub
	store repository.Store
}

func NewHandler(hub *Hub, store repository.Store) *Handler {
	return &Handler{hub: hub, store: store}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actorID := r.Header.Get("X-Actor-ID")
	role := model.ActorRole(r.Header.Get("X-Actor-Role"))
	if actorID == "" || (role != model.RoleRequester && role != model.RoleCourier) {
		http.Error(w, "missing actor identity", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", map[string]interface{}{
			"actor_id": actorID,
			"error":    err.Error(),
		})
		return
	}

	client := newClient(h.hub, conn, actorID, role)
	metrics.TrackingConnections.Inc()
	logger.Info("tracking client connected", map[string]interface{}{
		"actor_id": actorID,
		"role":     role,
	})

	go client.writePump()
	go client.readPump(h)
}

func (h *Handler) handleMessage(c *Client, raw []byte) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(errorEvent("invalid message"))
		return
	}
	if msg.DeliveryID == "" {
		c.reply(errorEvent("delivery_id is required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch msg.Action {
	case "join_delivery":
		h.handleJoin(ctx, c, msg.DeliveryID)
	case "leave_delivery":
		h.hub.Leave(c, msg.DeliveryID)
		c.reply(Event{Event: "left", Data: map[string]string{"delivery_id": msg.DeliveryID}})
	case "update_location":
		h.handleUpdateLocation(ctx, c, &msg)
	case "get_tracking_history":
		h.handleHistory(ctx, c, msg.DeliveryID)
	default:
		c.reply(errorEvent("unknown action"))
	}
}

func (h *Handler) handleJoin(ctx context.Context, c *Client, deliveryID string) {
	delivery, err := h.loadForViewer(ctx, c, deliveryID)
	if err != nil {
		c.reply(errorEvent(err.Error()))
		return
	}

	h.hub.Join(c, deliveryID)
	c.reply(Event{Event: "joined", Data: map[string]interface{}{
		"delivery_id": deliveryID,
		"status":      delivery.Status,
	}})
}

func (h *Handler) handleUpdateLocation(ctx context.Context, c *Client, msg *message) {
	if c.role != model.RoleCourier {
		c.reply(errorEvent("only the assigned courier can publish locations"))
		return
	}

	delivery, err := h.store.GetDelivery(ctx, msg.DeliveryID)
	if err != nil {
		c.reply(errorEvent("failed to load delivery"))
		return
	}
	if delivery == nil || delivery.CourierID != c.actorID {
		c.reply(errorEvent("only the assigned courier can publish locations"))
		return
	}
	if model.IsTerminal(delivery.Status) {
		c.reply(errorEvent("delivery is no longer in progress"))
		return
	}

	sample := &model.LocationSample{
		ID:         uuid.New().String(),
		DeliveryID: msg.DeliveryID,
		CourierID:  c.actorID,
		Latitude:   msg.Latitude,
		Longitude:  msg.Longitude,
		Speed:      msg.Speed,
		Heading:    msg.Heading,
		Accuracy:   msg.Accuracy,
		RecordedAt: time.Now(),
	}
	if !sample.Validate() {
		c.reply(errorEvent("location sample out of range"))
		return
	}

	h.hub.Publish(msg.DeliveryID, Event{Event: "location_updated", Data: sample})
	h.hub.PersistSample(sample)
}

func (h *Handler) handleHistory(ctx context.Context, c *Client, deliveryID string) {
	if _, err := h.loadForViewer(ctx, c, deliveryID); err != nil {
		c.reply(errorEvent(err.Error()))
		return
	}

	samples, err := h.store.ListLocationSamples(ctx, deliveryID)
	if err != nil {
		c.reply(errorEvent("failed to load tracking history"))
		return
	}
	c.reply(Event{Event: "tracking_history", Data: map[string]interface{}{
		"delivery_id": deliveryID,
		"samples":     samples,
	}})
}

// loadForViewer fetches the delivery and checks that the client is a party
// to it: its requester or its assigned courier.
func (h *Handler) loadForViewer(ctx context.Context, c *Client, deliveryID string) (*model.Delivery, error) {
	delivery, err := h.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, errDeliveryLoad
	}
	if delivery == nil {
		return nil, errDeliveryNotFound
	}
	if delivery.RequesterID != c.actorID && delivery.CourierID != c.actorID {
		return nil, errNotParty
	}
	return delivery, nil
}

var (
	errDeliveryLoad     = protocolError("failed to load delivery")
	errDeliveryNotFound = protocolError("delivery not found")
	errNotParty         = protocolError("not a party to this delivery")
)

type protocolError string

func (e protocolError) Error() string { return string(e) }

func errorEvent(message string) Event {
	return Event{Event: "error", Data: map[string]string{"message": message}}
}
