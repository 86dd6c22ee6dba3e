package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// batchIdleWindow is how long an open batch survives without another
	// batched send before it auto-closes.
	batchIdleWindow = 100 * time.Millisecond

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	// ackTimeout bounds control-frame acknowledgements (begin/end batch)
	// that run outside a caller-supplied context.
	ackTimeout = 10 * time.Second
)

// ErrNotConnected is returned for sends attempted without a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// SendOptions controls batching behaviour for one send.
type SendOptions struct {
	// Batch opens a batch if none is open and keeps the idle window alive.
	Batch bool
	// EndBatch closes the open batch immediately after this send instead
	// of waiting for the idle window.
	EndBatch bool
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// Socket wraps a single logical WebSocket connection to one namespace. All
// sends are acknowledged; batching wraps payload sends with begin-batch and
// end-batch markers without merging payload bodies. Server pushes are
// re-emitted verbatim to listeners registered with On.
type Socket struct {
	url       string
	handshake Handshake

	mu       sync.Mutex // conn, pending, pingStop
	conn     *websocket.Conn
	pending  map[string]chan ackResult
	pingStop context.CancelFunc

	writeMu sync.Mutex // serialises all conn writes

	listenerMu   sync.Mutex
	listeners    map[string][]func(json.RawMessage)
	errListeners []func(error)

	batchMu    sync.Mutex
	inBatch    bool
	batchTimer *time.Timer
}

// NewSocket builds a socket for the endpoint resolved from origin, path and
// namespace. The handshake is sent as the first frame on every Connect.
func NewSocket(origin, path, namespace string, handshake Handshake) *Socket {
	return &Socket{
		url:       ResolveEndpoint(origin, path, namespace),
		handshake: handshake,
		pending:   make(map[string]chan ackResult),
		listeners: make(map[string][]func(json.RawMessage)),
	}
}

// URL returns the resolved connection endpoint.
func (s *Socket) URL() string {
	return s.url
}

// On registers fn for a server-pushed event. Listeners run synchronously on
// the read loop, in registration order.
func (s *Socket) On(event string, fn func(json.RawMessage)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners[event] = append(s.listeners[event], fn)
}

// OnError registers fn for transport-level failures. A failure is reported
// both here and as a rejected acknowledgement for any in-flight send.
func (s *Socket) OnError(fn func(error)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.errListeners = append(s.errListeners, fn)
}

// Connect dials the endpoint, sends the handshake frame, and starts the
// read and ping loops. Calling Connect on a connected socket is a no-op.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", s.url, err)
		s.emitError(err)
		return err
	}

	// The connection isn't shared yet, so no write mutex is needed for
	// the handshake frame.
	if err := conn.WriteJSON(Envelope{Event: EventHandshake, Data: mustMarshal(s.handshake)}); err != nil {
		conn.Close()
		err = fmt.Errorf("handshake: %w", err)
		s.emitError(err)
		return err
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.pingStop = pingCancel
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.pingLoop(pingCtx, conn)
	return nil
}

// Disconnect tears the connection down, rejects every in-flight
// acknowledgement, and resets batch state. Safe to call at any time.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.pingStop != nil {
		s.pingStop()
		s.pingStop = nil
	}
	s.mu.Unlock()

	s.resetBatch()
	s.failPending(ErrNotConnected)
	if conn != nil {
		conn.Close()
	}
}

func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Socket) InBatch() bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return s.inBatch
}

// Send transmits one acknowledged payload message. With opts.Batch it opens
// a batch (begin-batch marker, acknowledged) if none is open; while a batch
// is open each send resets the idle auto-close window. opts.EndBatch closes
// the batch immediately after the payload instead. Returns the server's ack
// value.
func (s *Socket) Send(ctx context.Context, event string, data any, opts SendOptions) (json.RawMessage, error) {
	if opts.Batch {
		if err := s.beginBatch(ctx); err != nil {
			return nil, err
		}
	}

	ack, err := s.sendAcked(ctx, event, data)
	if err != nil {
		return nil, err
	}

	if opts.EndBatch {
		if err := s.EndBatch(); err != nil {
			return ack, err
		}
	} else {
		s.touchBatch()
	}
	return ack, nil
}

// EndBatch explicitly closes the open batch. Idempotent: a no-op without an
// open batch.
func (s *Socket) EndBatch() error {
	s.batchMu.Lock()
	if !s.inBatch {
		s.batchMu.Unlock()
		return nil
	}
	s.inBatch = false
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	s.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if _, err := s.sendAcked(ctx, EventEndBatch, struct{}{}); err != nil {
		return err
	}
	return nil
}

// beginBatch opens a batch if none is open. The batch lock is held across
// the begin-batch acknowledgement so concurrent batched sends cannot open
// two batches.
func (s *Socket) beginBatch(ctx context.Context) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if s.inBatch {
		return nil
	}
	if _, err := s.sendAcked(ctx, EventBeginBatch, struct{}{}); err != nil {
		return err
	}
	s.inBatch = true
	return nil
}

// touchBatch restarts the idle auto-close window if a batch is open.
func (s *Socket) touchBatch() {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if !s.inBatch {
		return
	}
	if s.batchTimer != nil {
		s.batchTimer.Stop()
	}
	s.batchTimer = time.AfterFunc(batchIdleWindow, func() {
		if err := s.EndBatch(); err != nil {
			log.Printf("transport: batch auto-close: %v", err)
		}
	})
}

func (s *Socket) resetBatch() {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.inBatch = false
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
}

// sendAcked writes one envelope and waits for the server to echo its id.
func (s *Socket) sendAcked(ctx context.Context, event string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan ackResult, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(Envelope{ID: id, Event: event, Data: payload})
	s.writeMu.Unlock()
	if err != nil {
		s.unregister(id)
		err = fmt.Errorf("send %s: %w", event, err)
		s.emitError(err)
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.unregister(id)
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			s.emitError(res.err)
			return nil, res.err
		}
		return res.data, nil
	}
}

func (s *Socket) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// failPending rejects every in-flight acknowledgement with err.
func (s *Socket) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan ackResult)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stillCurrent := s.conn == conn
			if stillCurrent {
				s.conn = nil
				if s.pingStop != nil {
					s.pingStop()
					s.pingStop = nil
				}
			}
			s.mu.Unlock()
			conn.Close()
			s.resetBatch()
			if stillCurrent {
				// Deliberate Disconnect already failed the pending set;
				// this path is an unexpected drop.
				err = fmt.Errorf("transport: connection lost: %w", err)
				s.failPending(err)
				s.emitError(err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("transport: bad frame: %v", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Socket) dispatch(env Envelope) {
	if env.Event == EventAck {
		s.mu.Lock()
		ch, ok := s.pending[env.ID]
		if ok {
			delete(s.pending, env.ID)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		res := ackResult{data: env.Data}
		if env.Error != "" {
			res.err = fmt.Errorf("transport: server error: %s", env.Error)
		}
		ch <- res
		return
	}

	s.listenerMu.Lock()
	fns := append(([]func(json.RawMessage))(nil), s.listeners[env.Event]...)
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(env.Data)
	}
}

func (s *Socket) emitError(err error) {
	s.listenerMu.Lock()
	fns := append(([]func(error))(nil), s.errListeners...)
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// pingLoop keeps the connection alive. It exits when the context is
// cancelled or the connection is replaced.
func (s *Socket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != conn {
				return
			}
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Handshake structs contain only plain fields; this cannot fail.
		panic(err)
	}
	return data
}
