package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/studyhub/internal/middleware"
	"github.com/hitoshi/studyhub/internal/session"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPongTimeout  = 60 * time.Second
	eventPingInterval = eventPongTimeout * 9 / 10
)

// EventType はイベントストリームのメッセージ種別。
type EventType string

const (
	// EventSession はセッションのスナップショットが変化したことを表す。
	EventSession EventType = "session"
	// EventConsent はフェデレーションログインの同意画面を開く必要があることを表す。
	EventConsent EventType = "consent"
)

// Event はwebsocketで配信するメッセージ。
type Event struct {
	Type    EventType         `json:"type"`
	Session *session.Snapshot `json:"session,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// eventClient は接続ごとの書き込みを直列化する。
type eventClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *eventClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *eventClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout))
}

// EventHub はセッションイベントと同意画面URLをwebsocketクライアントへ配信する。
// 同意フローのLauncherとしても動作する。
type EventHub struct {
	source   middleware.SnapshotSource
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// NewEventHub はEventHubを生成する。allowedOriginと一致しないOriginからの接続は拒否する。
func NewEventHub(source middleware.SnapshotSource, allowedOrigin string, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
	}
}

// HandleEvents はwebsocketへのアップグレードを行い、切断まで接続を保持する。
// 接続直後に現在のセッションスナップショットを送信する。
// GET /api/session/events
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &eventClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	defer h.remove(client)

	snap := h.source.Snapshot()
	if data, err := json.Marshal(Event{Type: EventSession, Session: &snap}); err == nil {
		if err := client.write(data); err != nil {
			return
		}
	}

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(client, done)

	conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// keepAlive は切断検出のため定期的にpingを送る。
func (h *EventHub) keepAlive(client *eventClient, done <-chan struct{}) {
	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := client.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Run はスナップショットのチャネルが閉じられるかctxがキャンセルされるまで、
// 受信したスナップショットをsessionイベントとして配信する。
func (h *EventHub) Run(ctx context.Context, snapshots <-chan session.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			h.broadcast(Event{Type: EventSession, Session: &snap})
		}
	}
}

// Launch は同意画面のURLをconsentイベントとして配信する。
// 接続中のクライアントがいない場合もエラーにはしない（URLはログにも出力される）。
func (h *EventHub) Launch(_ context.Context, consentURL string) error {
	if n := h.broadcast(Event{Type: EventConsent, URL: consentURL}); n == 0 {
		h.logger.Warn("no event stream client connected for consent prompt")
	}
	return nil
}

// ClientCount は接続中のクライアント数を返す。
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close はすべての接続を閉じる。
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
	}
}

// broadcast は全クライアントへ送信し、送信できたクライアント数を返す。
func (h *EventHub) broadcast(event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	clients := make([]*eventClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if err := client.write(data); err != nil {
			h.remove(client)
			continue
		}
		sent++
	}
	return sent
}

func (h *EventHub) remove(client *eventClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.conn.Close()
}
