package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"gemini-chat-backend/internal/models"
	"gemini-chat-backend/internal/repository"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client wraps a socket with its own write lock; gorilla allows one
// concurrent writer per connection.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub relays stream events published on Redis to every websocket watching
// the same chat id.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*client
	redisClient *redis.Client
	cancelFuncs map[string]context.CancelFunc
}

func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		connections: make(map[string][]*client),
		redisClient: redisClient,
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatid")
	if chatID == "" {
		rejectChatID(w, models.MsgChatIDRequired)
		return
	}
	if !repository.ValidChatID(chatID) {
		rejectChatID(w, models.MsgChatIDInvalid)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	h.registerConnection(chatID, c)

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(chatID, c)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func rejectChatID(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}

// Close drops every socket and subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for chatID, clients := range h.connections {
		for _, c := range clients {
			c.conn.Close()
		}
		if cancel, ok := h.cancelFuncs[chatID]; ok {
			cancel()
		}
	}
	h.connections = make(map[string][]*client)
	h.cancelFuncs = make(map[string]context.CancelFunc)
}

func (h *Hub) registerConnection(chatID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[chatID] = append(h.connections[chatID], c)

	// Start pub/sub subscription if this is the first connection for this chat
	if len(h.connections[chatID]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[chatID] = cancel
		go h.subscribeToPubSub(ctx, chatID)
	}

	log.Debug().Str("chatid", chatID).Int("watchers", len(h.connections[chatID])).Msg("websocket connected")
}

func (h *Hub) unregisterConnection(chatID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.conn.Close()

	clients := h.connections[chatID]
	for i, existing := range clients {
		if existing == c {
			h.connections[chatID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}

	// If no more connections, cancel pub/sub
	if len(h.connections[chatID]) == 0 {
		delete(h.connections, chatID)
		if cancel, ok := h.cancelFuncs[chatID]; ok {
			cancel()
			delete(h.cancelFuncs, chatID)
		}
	}

	log.Debug().Str("chatid", chatID).Msg("websocket disconnected")
}

func (h *Hub) subscribeToPubSub(ctx context.Context, chatID string) {
	pubsub := h.redisClient.Subscribe(ctx, models.ChatUpdatesChannel(chatID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// A replacement subscriber may already own this chat id.
			if ctx.Err() != nil {
				return
			}
			h.broadcast(chatID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(chatID string, data []byte) {
	h.mu.RLock()
	clients := append([]*client(nil), h.connections[chatID]...)
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			log.Debug().Err(err).Str("chatid", chatID).Msg("websocket write failed")
		}
	}
}

