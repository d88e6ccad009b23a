package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"digitserve/logging"
	"digitserve/ml"
)

// StatusEvent 训练状态变更消息
type StatusEvent struct {
	State     string    `json:"state"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusHub 向所有WebSocket客户端推送训练状态变更
type StatusHub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]chan StatusEvent
	upgrader websocket.Upgrader
	closed   bool
}

func NewStatusHub() *StatusHub {
	return &StatusHub{
		clients: make(map[*websocket.Conn]chan StatusEvent),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterStatusWS 注册状态推送端点
func RegisterStatusWS(mux *http.ServeMux, hub *StatusHub) {
	mux.HandleFunc("GET /api/ws/status", hub.handleWS)
}

// Broadcast 向所有客户端推送一次状态变更
func (h *StatusHub) Broadcast(state ml.TrainingState, message string) {
	event := StatusEvent{
		State:     state.String(),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- event:
		default:
			// 客户端写入过慢，断开连接
			close(send)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Close 关闭所有客户端连接
func (h *StatusHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, send := range h.clients {
		close(send)
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *StatusHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warnw("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan StatusEvent, 16)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = send
	h.mu.Unlock()

	// 读循环只负责探测断开
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()

	for event := range send {
		if err := conn.WriteJSON(event); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *StatusHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.clients[conn]; ok {
		close(send)
		delete(h.clients, conn)
	}
	conn.Close()
}
