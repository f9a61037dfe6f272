package signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketOpener opens signer windows as WebSocket connections. Messages
// read from the connection are delivered with the origin of the dialed URL.
type WebSocketOpener struct {
	Dialer *websocket.Dialer
	// Header is sent with the handshake.
	Header http.Header
	Logger logrus.FieldLogger
}

// Open dials req.URL.
func (o *WebSocketOpener) Open(ctx context.Context, req WindowRequest, deliver func(MessageEvent)) (Window, error) {
	origin, err := OriginOf(req.URL)
	if err != nil {
		return nil, err
	}

	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, v := range o.Header {
		header[k] = v
	}

	conn, resp, err := dialer.DialContext(ctx, req.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open signer window %s: %w", req.Name, err)
	}

	log := o.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	w := &wsWindow{
		conn:   conn,
		origin: origin,
		done:   make(chan struct{}),
		log:    log.WithFields(logrus.Fields{"window": req.Name, "url": req.URL}),
	}
	go w.readLoop(deliver)
	return w, nil
}

type wsWindow struct {
	conn   *websocket.Conn
	origin string
	log    logrus.FieldLogger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (w *wsWindow) readLoop(deliver func(MessageEvent)) {
	defer close(w.done)
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				w.log.WithError(err).Debug("signer connection closed")
			}
			return
		}
		deliver(MessageEvent{Origin: w.origin, Data: data})
	}
}

func (w *wsWindow) PostMessage(data []byte) error {
	if w.Closed() {
		return errors.New("window is closed")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWindow) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Close sends a close frame, closes the connection and waits for the reader.
func (w *wsWindow) Close() error {
	var err error
	w.once.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	<-w.done
	return err
}
