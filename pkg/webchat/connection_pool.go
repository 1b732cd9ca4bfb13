package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the subset of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	done chan struct{}
}

// ConnectionPool fans session frames out to attached websocket clients.
// Each client has its own buffered writer goroutine; a client whose buffer
// fills up is dropped instead of stalling the broadcast.
type ConnectionPool struct {
	sessionID    string
	sendBuffer   int
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[wsConn]*poolClient
	wg      sync.WaitGroup
}

func NewConnectionPool(sessionID string) *ConnectionPool {
	return &ConnectionPool{
		sessionID:    sessionID,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		clients:      map[wsConn]*poolClient{},
	}
}

// Add registers conn. Initial frames are queued before the client becomes
// visible to Broadcast.
func (cp *ConnectionPool) Add(conn wsConn, initial ...[]byte) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.clients[conn]; ok {
		return
	}
	buf := cp.sendBuffer
	if buf < len(initial) {
		buf = len(initial)
	}
	if buf <= 0 {
		buf = 1
	}
	c := &poolClient{conn: conn, send: make(chan []byte, buf), done: make(chan struct{})}
	for _, data := range initial {
		c.send <- data
	}
	cp.clients[conn] = c
	cp.wg.Add(1)
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	defer cp.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "webchat").Str("session_id", cp.sessionID).Msg("ws write failed, dropping connection")
				cp.drop(c.conn)
				return
			}
		}
	}
}

// Remove detaches and closes conn.
func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.drop(conn)
}

func (cp *ConnectionPool) drop(conn wsConn) {
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	if ok {
		delete(cp.clients, conn)
		close(c.done)
	}
	cp.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	var slow []wsConn
	for conn, c := range cp.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	cp.mu.Unlock()
	for _, conn := range slow {
		log.Warn().Str("component", "webchat").Str("session_id", cp.sessionID).Msg("ws send buffer full, dropping connection")
		cp.drop(conn)
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	full := false
	if ok {
		select {
		case c.send <- data:
		default:
			full = true
		}
	}
	cp.mu.Unlock()
	if full {
		cp.drop(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

// CloseAll closes every connection and waits for the writers to exit.
func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	conns := make([]wsConn, 0, len(cp.clients))
	for conn := range cp.clients {
		conns = append(conns, conn)
	}
	cp.mu.Unlock()
	for _, conn := range conns {
		cp.drop(conn)
	}
	cp.wg.Wait()
}
