package transport

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
)

type wsMessage struct {
	topic   string
	payload []byte
}

type wsClient struct {
	conn   *websocket.Conn
	filter string // Topic prefix; empty matches every topic.
}

// WebSocketPublisher broadcasts binary payloads to connected WebSocket
// clients. A client may subscribe to a topic prefix with ?topic=audio/0.
type WebSocketPublisher struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*wsClient
	clientsMu sync.Mutex
	broadcast chan wsMessage
	server    *http.Server
	listener  net.Listener

	mu     sync.Mutex // Protects closed and sends on broadcast.
	closed bool
	wg     sync.WaitGroup
}

// NewWebSocketPublisher starts a WebSocket server on addr serving upgrades on path.
func NewWebSocketPublisher(addr, path string) (*WebSocketPublisher, error) {
	if path == "" {
		path = "/ws"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	wsp := &WebSocketPublisher{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]*wsClient),
		broadcast: make(chan wsMessage, 256),
		listener:  ln,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, wsp.handleWebSocket)
	wsp.server = &http.Server{Handler: mux}

	wsp.wg.Add(2)
	go func() {
		defer wsp.wg.Done()
		applog.Infof("WebSocketPublisher: Serving on %s%s", ln.Addr(), path)
		if err := wsp.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Errorf("WebSocketPublisher: Server error: %v", err)
		}
	}()
	go func() {
		defer wsp.wg.Done()
		wsp.handleBroadcasts()
	}()
	return wsp, nil
}

// Addr returns the listening address.
func (wsp *WebSocketPublisher) Addr() net.Addr {
	return wsp.listener.Addr()
}

// Clients returns the number of connected clients.
func (wsp *WebSocketPublisher) Clients() int {
	wsp.clientsMu.Lock()
	defer wsp.clientsMu.Unlock()
	return len(wsp.clients)
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (wsp *WebSocketPublisher) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsp.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Warnf("WebSocketPublisher: Upgrade error: %v", err)
		return
	}

	wsp.clientsMu.Lock()
	wsp.clients[conn] = &wsClient{conn: conn, filter: r.URL.Query().Get("topic")}
	n := len(wsp.clients)
	wsp.clientsMu.Unlock()
	applog.Infof("WebSocketPublisher: Client %s connected, total: %d", conn.RemoteAddr(), n)

	// The read loop only detects the disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		wsp.clientsMu.Lock()
		_, ok := wsp.clients[conn]
		delete(wsp.clients, conn)
		n := len(wsp.clients)
		wsp.clientsMu.Unlock()
		if ok {
			conn.Close()
			applog.Infof("WebSocketPublisher: Client disconnected, total: %d", n)
		}
	}()
}

// handleBroadcasts sends messages to matching clients.
func (wsp *WebSocketPublisher) handleBroadcasts() {
	for msg := range wsp.broadcast {
		wsp.clientsMu.Lock()
		for conn, c := range wsp.clients {
			if c.filter != "" && !strings.HasPrefix(msg.topic, c.filter) {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, msg.payload); err != nil {
				applog.Warnf("WebSocketPublisher: Error sending to client: %v", err)
				conn.Close()
				delete(wsp.clients, conn)
			}
		}
		wsp.clientsMu.Unlock()
	}
}

// Publish queues payload for broadcast. It returns ErrUnavailable when the
// queue is full.
func (wsp *WebSocketPublisher) Publish(topic string, payload []byte) error {
	msg := wsMessage{topic: topic, payload: append([]byte(nil), payload...)}

	wsp.mu.Lock()
	defer wsp.mu.Unlock()
	if wsp.closed {
		return ErrClosed
	}
	select {
	case wsp.broadcast <- msg:
		return nil
	default:
		return ErrUnavailable
	}
}

// Close shuts down the server and disconnects every client.
func (wsp *WebSocketPublisher) Close() error {
	wsp.mu.Lock()
	if wsp.closed {
		wsp.mu.Unlock()
		return nil
	}
	wsp.closed = true
	close(wsp.broadcast)
	wsp.mu.Unlock()

	applog.Infof("WebSocketPublisher: Closing server")
	err := wsp.server.Close()

	wsp.clientsMu.Lock()
	for conn := range wsp.clients {
		conn.Close()
	}
	wsp.clients = make(map[*websocket.Conn]*wsClient)
	wsp.clientsMu.Unlock()

	wsp.wg.Wait()
	return err
}

// Ensure WebSocketPublisher satisfies the interface
var _ Publisher = (*WebSocketPublisher)(nil)
