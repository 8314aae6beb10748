package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds how long a single publish may block on the
// websocket write path.
const DefaultWriteTimeout = 10 * time.Second

// envelope is the websocket frame carrying one signalling event in either
// direction.
type envelope struct {
	RoomID  string          `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	AgeMS   int64           `json:"age_ms,omitempty"`
}

// WSChannel is a Channel implementation that frames signalling events over
// a single websocket connection to a substrate gateway.
//
// Writes are serialized on one mutex because gorilla/websocket permits at
// most one concurrent writer. Inbound frames are decoded on a dedicated
// read pump and handed to the registered handler in arrival order.
type WSChannel struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	handler func(Event)

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to a substrate gateway and starts the read pump.
// The handler receives every inbound signalling event; it must not be nil.
func DialWS(ctx context.Context, url string, handler func(Event)) (*WSChannel, error) {
	if handler == nil {
		return nil, fmt.Errorf("websocket channel requires an event handler")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signalling gateway: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialWS",
		"url":      url,
	}).Info("Connected to signalling gateway")

	ch := &WSChannel{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		handler:      handler,
		done:         make(chan struct{}),
	}
	go ch.readPump()
	return ch, nil
}

// Publish implements Channel. The content is serialized once here so the
// caller's structures are copied, never aliased, onto the wire.
func (ch *WSChannel) Publish(ctx context.Context, roomID, eventType string, content interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode %s content: %w", eventType, err)
	}

	env := envelope{RoomID: roomID, Type: eventType, Content: raw}

	deadline := time.Now().Add(ch.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if err := ch.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := ch.conn.WriteJSON(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Publish",
			"room_id":    roomID,
			"event_type": eventType,
			"error":      err.Error(),
		}).Error("Failed to publish signalling event")
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Publish",
		"room_id":    roomID,
		"event_type": eventType,
	}).Debug("Published signalling event")
	return nil
}

// Close tears down the connection and stops the read pump.
func (ch *WSChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.done)
		err = ch.conn.Close()
	})
	return err
}

// readPump decodes inbound envelopes and dispatches them until the
// connection fails or the channel is closed.
func (ch *WSChannel) readPump() {
	for {
		var env envelope
		if err := ch.conn.ReadJSON(&env); err != nil {
			select {
			case <-ch.done:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err.Error(),
				}).Debug("Signalling read pump stopped")
			}
			return
		}

		ch.handler(Event{
			RoomID:  env.RoomID,
			Type:    env.Type,
			Content: env.Content,
			AgeMS:   env.AgeMS,
		})
	}
}
