package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"p2pcall/pkg/webrtc/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingQueue  = 64
	closeGrace     = time.Second
)

// ErrSendQueueFull is returned by Send when the outbound queue is saturated.
var ErrSendQueueFull = errors.New("signaling send queue full")

// Transport carries signaling messages to and from the relay.
type Transport interface {
	// Send queues msg without blocking.
	Send(msg protocol.Message) error
	Incoming() <-chan protocol.Message
	// Done is closed once the connection is gone for any reason.
	Done() <-chan struct{}
	Close() error
}

// WSTransport is a Transport over a gorilla websocket connection.
type WSTransport struct {
	conn     *websocket.Conn
	codec    protocol.Codec
	logger   zerolog.Logger
	incoming chan protocol.Message
	outgoing chan protocol.Message
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Dial connects to the relay at url asking for codec's subprotocol. If the
// relay does not agree to it the connection falls back to JSON.
func Dial(ctx context.Context, url string, codec protocol.Codec, logger zerolog.Logger) (*WSTransport, error) {
	if codec == nil {
		codec = protocol.JSON
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: writeWait,
		Subprotocols:     []string{codec.Name()},
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t := &WSTransport{
		conn:     conn,
		codec:    protocol.CodecFor(conn.Subprotocol()),
		logger:   logger.With().Str("component", "transport").Logger(),
		incoming: make(chan protocol.Message, outgoingQueue),
		outgoing: make(chan protocol.Message, outgoingQueue),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.readPump()
	go t.writePump()

	return t, nil
}

// Codec returns the codec in use after subprotocol negotiation.
func (t *WSTransport) Codec() protocol.Codec { return t.codec }

func (t *WSTransport) Incoming() <-chan protocol.Message { return t.incoming }

func (t *WSTransport) Done() <-chan struct{} { return t.done }

func (t *WSTransport) Send(msg protocol.Message) error {
	select {
	case <-t.stop:
		return ErrClosed
	case <-t.done:
		return ErrTransportDisconnected
	default:
	}
	select {
	case t.outgoing <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close sends a close frame and waits briefly for the relay to acknowledge
// it before dropping the connection.
func (t *WSTransport) Close() error {
	t.once.Do(func() {
		close(t.stop)
	})
	select {
	case <-t.done:
	case <-time.After(closeGrace):
		_ = t.conn.Close()
		<-t.done
	}
	return nil
}

func (t *WSTransport) readPump() {
	defer func() {
		_ = t.conn.Close()
		close(t.done)
	}()

	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stop:
			default:
				t.logger.Debug().Err(err).Msg("signaling read ended")
			}
			return
		}
		msg, err := protocol.Decode(t.codec, data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping bad signaling frame")
			continue
		}
		select {
		case t.incoming <- msg:
		case <-t.stop:
			return
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-t.outgoing:
			data, err := t.codec.Marshal(msg)
			if err != nil {
				t.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("encode failed")
				continue
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(t.codec.FrameType(), data); err != nil {
				_ = t.conn.Close()
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.conn.Close()
				return
			}

		case <-t.stop:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-t.done:
			return
		}
	}
}
