// Package syncrelay is the websocket relay side of continuous live sync:
// replicas of one logical database connect to /sync/{dbName} and every frame
// a peer sends is broadcast to the other peers of the same database.
package syncrelay

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AuthFunc validates the Authorization header of an incoming sync request.
// Return false to reject the connection with 401.
type AuthFunc func(authorization string) bool

type config struct {
	logger *zap.Logger
	auth   AuthFunc
}

type Option func(*config)

func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// WithAuth installs an Authorization-header validator. Without one, every
// connection is accepted.
func WithAuth(fn AuthFunc) Option { return func(c *config) { c.auth = fn } }

// Relay fans frames out between the peers of each database name.
type Relay struct {
	log  *zap.Logger
	auth AuthFunc

	mu   sync.Mutex
	hubs map[string]*hub
}

func New(opts ...Option) *Relay {
	cfg := &config{logger: zap.NewNop()}
	for _, o := range opts {
		o(cfg)
	}
	return &Relay{
		log:  cfg.logger,
		auth: cfg.auth,
		hubs: make(map[string]*hub),
	}
}

// Handler returns the HTTP surface: /sync/{dbName} upgrades to a websocket.
func (rl *Relay) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware(rl.log))
	r.Get("/sync/{dbName}", rl.handleSync)
	return r
}

func (rl *Relay) handleSync(w http.ResponseWriter, r *http.Request) {
	if rl.auth != nil && !rl.auth(r.Header.Get("Authorization")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	dbName := chi.URLParam(r, "dbName")
	if dbName == "" {
		http.Error(w, "missing database name", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Warn("sync upgrade failed", logutil.Values(zap.Error(err)))
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan frame, 16),
	}
	h := rl.hub(dbName)
	h.add(p)
	rl.log.Info("sync peer connected",
		logutil.Values(zap.String("db", dbName), zap.String("peer", p.id)))

	go p.writeLoop()
	h.readLoop(p)

	h.remove(p)
	conn.Close()
	rl.log.Info("sync peer disconnected",
		logutil.Values(zap.String("db", dbName), zap.String("peer", p.id)))
}

func (rl *Relay) hub(dbName string) *hub {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	h, ok := rl.hubs[dbName]
	if !ok {
		h = &hub{peers: make(map[*peer]struct{})}
		rl.hubs[dbName] = h
	}
	return h
}

type frame struct {
	messageType int
	data        []byte
}

type peer struct {
	id   string
	conn *websocket.Conn
	send chan frame
}

// writeLoop is the only writer on the connection; broadcasts queue on the
// send channel.
func (p *peer) writeLoop() {
	for f := range p.send {
		if err := p.conn.WriteMessage(f.messageType, f.data); err != nil {
			return
		}
	}
}

type hub struct {
	mu    sync.Mutex
	peers map[*peer]struct{}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
	}
	h.mu.Unlock()
}

// readLoop pumps frames from p to every other peer of the hub until the
// connection fails or closes.
func (h *hub) readLoop(p *peer) {
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		h.broadcast(p, frame{messageType: mt, data: data})
	}
}

func (h *hub) broadcast(from *peer, f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- f:
		default:
			// slow consumer; drop the frame rather than stall the hub
		}
	}
}
