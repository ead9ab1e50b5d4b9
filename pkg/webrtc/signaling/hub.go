package signaling

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"p2pcall/internal/app/rooms"
	"p2pcall/internal/metrics"
	"p2pcall/pkg/presence"
	"p2pcall/pkg/webrtc/protocol"
)

const (
	defaultReadLimit   = 64 * 1024
	defaultSendQueue   = 64
	pongWait           = 60 * time.Second
	pingInterval       = 40 * time.Second
	writeTimeout       = 10 * time.Second
	presenceTimeout    = 2 * time.Second
	upgradeReadBuffer  = 4096
	upgradeWriteBuffer = 4096
)

// HubOptions configures a Hub instance.
type HubOptions struct {
	Logger   zerolog.Logger
	Upgrader *websocket.Upgrader
	// Presence, when set, mirrors membership changes. Failures are logged only.
	Presence presence.Store
	Metrics  *metrics.Metrics
	// SendQueue bounds each connection's outbound queue. A client whose queue
	// is full is disconnected.
	SendQueue int
	ReadLimit int64
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated connection ID.
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub terminates websocket connections and relays signaling messages between
// participants of the same room.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	registry *rooms.Registry
	presence presence.Store
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	sendQueue int
	readLimit int64
	wg        sync.WaitGroup
}

var (
	errQueueFull     = errors.New("send queue full")
	errClientClosing = errors.New("client closing")
)

type outbound struct {
	frameType int
	data      []byte
}

type client struct {
	id     string
	conn   *websocket.Conn
	codec  protocol.Codec
	send   chan outbound
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	closeOnce sync.Once
}

// NewHub builds a relay over the given registry.
func NewHub(registry *rooms.Registry, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		Subprotocols:    protocol.Subprotocols,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	if registry == nil {
		registry = rooms.NewRegistry()
	}
	sendQueue := opts.SendQueue
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	return &Hub{
		clients:   make(map[string]*client),
		registry:  registry,
		presence:  opts.Presence,
		metrics:   opts.Metrics,
		upgrader:  upgrader,
		logger:    opts.Logger,
		sendQueue: sendQueue,
		readLimit: readLimit,
	}
}

// Registry exposes the room registry backing this hub.
func (h *Hub) Registry() *rooms.Registry {
	return h.registry
}

// HTTPHandler upgrades HTTP connections and registers them with the Hub.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		if err := h.Accept(conn, ConnOptions{}); err != nil {
			h.logger.Error().Err(err).Msg("accept failed")
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection.
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:     id,
		conn:   conn,
		codec:  protocol.CodecFor(conn.Subprotocol()),
		send:   make(chan outbound, h.sendQueue),
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With().Str("conn_id", id).Logger(),
	}

	h.mu.Lock()
	if _, exists := h.clients[id]; exists {
		h.mu.Unlock()
		cancel()
		return errors.New("duplicate connection id")
	}
	h.clients[id] = c
	h.mu.Unlock()

	h.metrics.Inc(metrics.ConnectionsOpened)
	c.logger.Info().Str("codec", c.codec.Name()).Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump(h)
	}()
	return nil
}

// Close disconnects every client and waits for their pumps to finish.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
	h.wg.Wait()
}

// Rooms lists the live rooms.
func (h *Hub) Rooms() []rooms.Stats {
	return h.registry.Rooms()
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	for _, d := range h.registry.Disconnect(c.id) {
		left := protocol.Membership(protocol.TypeParticipantLeft, d.Room, d.Participant)
		h.deliver(left, d.Remaining, nil)
		if len(d.Remaining) == 0 {
			h.metrics.Inc(metrics.RoomsDeleted)
		}
		h.mirrorRemove(d.Room, d.Participant)
		c.logger.Info().
			Str("room_id", d.Room).
			Str("participant_id", d.Participant).
			Int("remaining", len(d.Remaining)).
			Msg("participant left")
	}

	h.metrics.Inc(metrics.ConnectionsClosed)
	c.logger.Info().Msg("client disconnected")
}

// handleInbound routes one decoded frame. frame is the sender's original
// encoding and is forwarded as-is to recipients using the same codec.
func (h *Hub) handleInbound(c *client, msg protocol.Message, frame []byte) {
	l := c.logger.With().Str("type", string(msg.Type)).Str("room_id", msg.RoomID).Logger()
	l.Debug().Str("from", msg.From).Str("to", msg.To).Msg("inbound")

	if !msg.Type.ClientOriginated() {
		h.metrics.Inc(metrics.MessagesDroppedUnknown)
		l.Warn().Msg("dropping server-only message kind from client")
		return
	}

	if msg.Type == protocol.TypeJoinRoom {
		h.join(c, msg, l)
		return
	}

	participant, ok := h.registry.ParticipantFor(c.id, msg.RoomID)
	if !ok {
		h.metrics.Inc(metrics.MessagesDroppedUnrouted)
		l.Warn().Msg("dropping message for a room this connection has not joined")
		return
	}
	if participant != msg.From {
		h.metrics.Inc(metrics.MessagesDroppedUnrouted)
		l.Warn().Str("from", msg.From).Str("participant_id", participant).Msg("dropping message with mismatched sender")
		return
	}
	h.forward(c, msg, frame, l)
}

func (h *Hub) join(c *client, msg protocol.Message, l zerolog.Logger) {
	res := h.registry.Join(msg.RoomID, msg.From, c.id)
	if res.Conflict != "" {
		h.metrics.Inc(metrics.MessagesDroppedUnrouted)
		l.Warn().Str("from", msg.From).Str("participant_id", res.Conflict).Msg("dropping join under a second participant id")
		return
	}
	if res.Created {
		h.metrics.Inc(metrics.RoomsCreated)
	}
	if !res.Added && res.PreviousConn == "" {
		l.Debug().Str("participant_id", msg.From).Msg("repeated join ignored")
		return
	}
	if res.Added {
		h.mirrorAdd(msg.RoomID, msg.From)
	}

	l.Info().
		Str("participant_id", msg.From).
		Int("size", len(res.Others)+1).
		Bool("moved", res.PreviousConn != "").
		Msg("participant joined")

	joined := protocol.Membership(protocol.TypeParticipantJoined, msg.RoomID, msg.From)
	h.deliver(joined, res.Others, nil)
}

// forward routes an offer, answer or candidate. With a target only that
// participant receives it; otherwise every other member does. The sender
// never gets its own message back.
func (h *Hub) forward(c *client, msg protocol.Message, frame []byte, l zerolog.Logger) {
	var targets []rooms.Member
	if msg.To != "" {
		conn, ok := h.registry.Lookup(msg.RoomID, msg.To)
		if !ok || conn == c.id {
			h.metrics.Inc(metrics.MessagesDroppedUnrouted)
			l.Warn().Str("to", msg.To).Msg("forward target missing")
			return
		}
		targets = []rooms.Member{{Participant: msg.To, Conn: conn}}
	} else {
		for _, m := range h.registry.Members(msg.RoomID) {
			if m.Conn == c.id {
				continue
			}
			targets = append(targets, m)
		}
	}
	h.deliver(msg, targets, map[protocol.Codec][]byte{c.codec: frame})
}

// deliver encodes msg once per codec in use and queues it for each member.
// encoded may carry frames already available for some codecs. It runs
// without any registry lock held.
func (h *Hub) deliver(msg protocol.Message, members []rooms.Member, encoded map[protocol.Codec][]byte) {
	if len(members) == 0 {
		return
	}
	if encoded == nil {
		encoded = make(map[protocol.Codec][]byte, 2)
	}
	for _, m := range members {
		h.mu.RLock()
		target := h.clients[m.Conn]
		h.mu.RUnlock()
		if target == nil {
			continue
		}

		data, ok := encoded[target.codec]
		if !ok {
			var err error
			data, err = target.codec.Marshal(msg)
			if err != nil {
				h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("encode failed")
				return
			}
			encoded[target.codec] = data
		}

		switch err := target.enqueue(outbound{frameType: target.codec.FrameType(), data: data}); err {
		case nil:
			h.metrics.Inc(metrics.MessagesRelayed)
		case errClientClosing:
			target.logger.Debug().Str("type", string(msg.Type)).Msg("dropping message for closing client")
		default:
			h.metrics.Inc(metrics.ClientsKickedSlow)
			target.logger.Warn().Msg("send queue full, disconnecting slow client")
			target.close()
		}
	}
}

func (h *Hub) mirrorAdd(roomID, participant string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.AddPeer(ctx, roomID, participant); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("presence add failed")
	}
}

func (h *Hub) mirrorRemove(roomID, participant string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.RemovePeer(ctx, roomID, participant); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("presence remove failed")
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(h.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) && c.ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		msg, err := protocol.Decode(c.codec, data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				h.metrics.Inc(metrics.MessagesDroppedUnknown)
			} else {
				h.metrics.Inc(metrics.MessagesDroppedMalformed)
			}
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping bad payload")
			continue
		}
		h.handleInbound(c, msg, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(msg.frameType, msg.data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// enqueue never blocks. It fails with errClientClosing once the client is
// shutting down and with errQueueFull when the queue has no room.
func (c *client) enqueue(msg outbound) error {
	if c.ctx.Err() != nil {
		return errClientClosing
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errQueueFull
	}
}

// close cancels the client; the write pump sends a close frame and closes
// the socket, which unblocks the read pump.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		// Unblock a read pump stuck in ReadMessage if the peer never answers
		// the close frame.
		_ = c.conn.SetReadDeadline(time.Now().Add(writeTimeout))
	})
}
