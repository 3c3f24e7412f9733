package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/totoapp/delivery-core/internal/logger"
	"github.com/totoapp/delivery-core/internal/metrics"
	"github.com/totoapp/delivery-core/internal/model"
	"github.com/totoapp/delivery-core/internal/repository"
)

// persistTimeout bounds the background write of a location sample.
const persistTimeout = 5 * time.Second

// Event is the envelope sent to subscribers.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func marshalEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// Hub fans location events out to subscribers, one room per delivery.
// Rooms hold no history: a late joiner sees only what is published after it
// joins, and calls get_tracking_history for the rest.
type Hub struct {
	store repository.Store

	mu    sync.Mutex
	rooms map[string]map[*Client]struct{}
}

func NewHub(store repository.Store) *Hub {
	return &Hub{
		store: store,
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Join subscribes the client to the delivery's room.
func (h *Hub) Join(c *Client, deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[deliveryID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[deliveryID] = room
	}
	room[c] = struct{}{}
	c.rooms[deliveryID] = struct{}{}
}

// Leave unsubscribes the client from the delivery's room.
func (h *Hub) Leave(c *Client, deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, deliveryID)
}

func (h *Hub) leaveLocked(c *Client, deliveryID string) {
	if room, ok := h.rooms[deliveryID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, deliveryID)
		}
	}
	delete(c.rooms, deliveryID)
}

// Disconnect removes the client from every room it joined.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(c)
}

func (h *Hub) leaveAllLocked(c *Client) {
	for deliveryID := range c.rooms {
		h.leaveLocked(c, deliveryID)
	}
}

// Publish sends the event to every subscriber of the delivery's room. A
// subscriber whose send buffer is full is dropped from every room it joined
// rather than allowed to stall this one; its channel is closed exactly once
// and all later sends to it are no-ops.
func (h *Hub) Publish(deliveryID string, event Event) {
	payload, err := marshalEvent(event)
	if err != nil {
		logger.Error("failed to encode tracking event", map[string]interface{}{
			"delivery_id": deliveryID,
			"event":       event.Event,
			"error":       err.Error(),
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[deliveryID] {
		if !c.trySend(payload) {
			h.leaveAllLocked(c)
			c.drop()
		}
	}
	metrics.TrackingSamplesPublishedTotal.Inc()
}

// PersistSample writes the sample in the background. Persistence failures
// never affect the fan-out; they are logged and counted.
func (h *Hub) PersistSample(sample *model.LocationSample) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := h.store.AppendLocationSample(ctx, sample); err != nil {
			metrics.TrackingPersistFailuresTotal.Inc()
			logger.Error("failed to persist location sample", map[string]interface{}{
				"delivery_id": sample.DeliveryID,
				"courier_id":  sample.CourierID,
				"error":       err.Error(),
			})
		}
	}()
}
