package management

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/logging"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	eventBuffer  = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Event types sent on the events stream.
const (
	EventProviderSwitched     = "provider_switched"
	EventQuotaWarning         = "quota_warning"
	EventTokenRefreshed       = "token_refreshed"
	EventAuthenticationFailed = "authentication_failed"
)

// Event is one coordinator notification as sent to stream subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHub is an auth.Hook that fans notifications out to stream subscribers.
// Slow subscribers lose events instead of blocking the coordinator.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub returns a hub with no subscribers.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it and closes the channel.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Close ends every subscription. Streams return once their channel is drained.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *EventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("type", ev.Type).Debug("event subscriber is behind, dropping event")
		}
	}
}

// OnProviderSwitched implements auth.Hook.
func (h *EventHub) OnProviderSwitched(_ context.Context, ev auth.ProviderSwitch) {
	h.publish(Event{Type: EventProviderSwitched, Data: ev})
}

// OnQuotaWarning implements auth.Hook.
func (h *EventHub) OnQuotaWarning(_ context.Context, ev auth.QuotaWarning) {
	h.publish(Event{Type: EventQuotaWarning, Data: ev})
}

// OnTokenRefreshed implements auth.Hook.
func (h *EventHub) OnTokenRefreshed(_ context.Context, ev auth.TokenRefreshed) {
	h.publish(Event{Type: EventTokenRefreshed, Data: ev})
}

// OnAuthenticationFailed implements auth.Hook.
func (h *EventHub) OnAuthenticationFailed(_ context.Context, ev auth.AuthenticationFailed) {
	h.publish(Event{Type: EventAuthenticationFailed, Data: ev})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return allowedOrigin(r.Header.Get("Origin"), r.Host) },
}

// StreamEvents upgrades to a WebSocket and writes every coordinator event as JSON
// until the client disconnects.
func (h *Handler) StreamEvents(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("events upgrade failed")
		return
	}
	defer func() { _ = ws.Close() }()

	events, cancel := h.events.Subscribe()
	defer cancel()

	// The read pump only drains control frames and notices the peer going away.
	closed := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, errRead := ws.ReadMessage(); errRead != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if errWrite := ws.WriteJSON(ev); errWrite != nil {
				return
			}
		case <-ticker.C:
			if errPing := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); errPing != nil {
				return
			}
		}
	}
}
