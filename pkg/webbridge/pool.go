package webbridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	id        string
	conn      wsConn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *poolClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans UI events out to websocket clients. Every connection gets
// its own bounded queue and writer goroutine; a client that cannot keep up is
// dropped instead of stalling the others.
type ConnectionPool struct {
	name         string
	mu           sync.Mutex
	clients      map[wsConn]*poolClient
	sendBuffer   int
	writeTimeout time.Duration
	wg           sync.WaitGroup
}

func NewConnectionPool(name string) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		clients:      map[wsConn]*poolClient{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
	}
}

// Add registers conn and returns the id its log lines carry.
func (cp *ConnectionPool) Add(conn wsConn) string {
	if cp == nil || conn == nil {
		return ""
	}
	c := &poolClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, cp.sendBuffer),
		done: make(chan struct{}),
	}
	cp.mu.Lock()
	if old, ok := cp.clients[conn]; ok {
		old.close()
	}
	cp.clients[conn] = c
	n := len(cp.clients)
	cp.mu.Unlock()

	log.Debug().Str("component", "webbridge").Str("pool", cp.name).Str("conn_id", c.id).Int("clients", n).Msg("ws client added")
	cp.wg.Add(1)
	go cp.writeLoop(c)
	return c.id
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
				log.Warn().Err(err).Str("component", "webbridge").Str("pool", cp.name).Str("conn_id", c.id).Msg("ws write failed, dropping connection")
				cp.drop(c.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.drop(conn)
}

func (cp *ConnectionPool) drop(conn wsConn) {
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	delete(cp.clients, conn)
	cp.mu.Unlock()
	if ok {
		log.Debug().Str("component", "webbridge").Str("pool", cp.name).Str("conn_id", c.id).Msg("ws client removed")
		c.close()
	} else {
		_ = conn.Close()
	}
}

// Broadcast queues data for every connection.
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
		log.Warn().Str("component", "webbridge").Str("pool", cp.name).Msg("ws send buffer full, dropping connection")
		cp.drop(conn)
	}
}

// SendToOne queues data for conn only.
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

// CloseAll closes every connection and waits for the writers to exit.
func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := cp.clients
	cp.clients = map[wsConn]*poolClient{}
	cp.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	cp.wg.Wait()
}
