package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// Options configures Initialize. UserID and Token form the credential pair
// that identifies the underlying connection.
type Options struct {
	UserID    string
	Token     string
	Origin    string
	Path      string
	Namespace string

	PageURL        string
	ViewportWidth  int
	ViewportHeight int
}

// ServerMessage is a server-pushed control command, discriminated by Kind.
type ServerMessage struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is the lifecycle-managing façade over zero or one Socket. It
// guarantees at most one live transport per credential pair: initializing
// with the same pair reuses the connection, a different pair tears the old
// transport down and dials a new one. Business operations are best-effort:
// with no transport initialized they report false without error.
type Client struct {
	mu     sync.Mutex
	socket *Socket
	userID string
	token  string

	listenerMu sync.Mutex
	pushFns    map[string][]func(json.RawMessage)
	errFns     []func(error)
}

func NewClient() *Client {
	return &Client{pushFns: make(map[string][]func(json.RawMessage))}
}

// OnPush registers a listener for a server-pushed event (set-flow-session,
// set-checklist-session, server-message). Listeners survive credential
// rotation: they are re-attached to every new socket.
func (c *Client) OnPush(event string, fn func(json.RawMessage)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.pushFns[event] = append(c.pushFns[event], fn)
}

// OnError registers a listener for transport-level failures.
func (c *Client) OnError(fn func(error)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.errFns = append(c.errFns, fn)
}

// Initialize establishes the transport for the given credential pair. Same
// pair with a live socket: reuse, no reconnect. Different pair: the old
// transport is disconnected first, then a new one is dialed with the
// client-context handshake.
func (c *Client) Initialize(ctx context.Context, opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.socket != nil {
		if c.userID == opts.UserID && c.token == opts.Token && c.socket.IsConnected() {
			return nil
		}
		c.socket.Disconnect()
		c.socket = nil
	}

	sock := NewSocket(opts.Origin, opts.Path, opts.Namespace, Handshake{
		Token:          opts.Token,
		ExternalUserID: opts.UserID,
		ClientContext: ClientContext{
			PageURL:        opts.PageURL,
			ViewportWidth:  opts.ViewportWidth,
			ViewportHeight: opts.ViewportHeight,
		},
	})
	c.attachListeners(sock)

	if err := sock.Connect(ctx); err != nil {
		return err
	}

	c.socket = sock
	c.userID = opts.UserID
	c.token = opts.Token
	return nil
}

// attachListeners re-attaches the registered push and error listeners to a
// freshly built socket.
func (c *Client) attachListeners(sock *Socket) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for event, fns := range c.pushFns {
		for _, fn := range fns {
			sock.On(event, fn)
		}
	}
	for _, fn := range c.errFns {
		sock.OnError(fn)
	}
}

// Disconnect tears down the current transport if any.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		c.socket.Disconnect()
		c.socket = nil
	}
}

// IsConnected reports whether a live transport exists.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil && c.socket.IsConnected()
}

// current returns the active socket, or nil when none is initialized.
func (c *Client) current() *Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}

// send is the shared business-operation path. Absence of a transport is a
// normal "not sent" outcome, not an error.
func (c *Client) send(ctx context.Context, event string, params any, opts SendOptions) (bool, error) {
	sock := c.current()
	if sock == nil {
		return false, nil
	}
	if _, err := sock.Send(ctx, event, params, opts); err != nil {
		return false, err
	}
	return true, nil
}

// UpsertUserParams identifies a user and the attributes to merge.
type UpsertUserParams struct {
	UserID     string         `json:"userId"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// TrackEventParams reports one analytics event against a session.
type TrackEventParams struct {
	EventName  string         `json:"eventName"`
	SessionID  string         `json:"sessionId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type StartFlowParams struct {
	ContentID string `json:"contentId"`
	VersionID string `json:"versionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type EndFlowParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type GoToStepParams struct {
	SessionID string `json:"sessionId"`
	StepCvid  string `json:"stepCvid"`
}

type AnswerQuestionParams struct {
	SessionID    string `json:"sessionId"`
	QuestionCvid string `json:"questionCvid"`
	Answer       any    `json:"answer"`
}

type ChecklistTaskParams struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
}

type ChecklistVisibilityParams struct {
	SessionID string `json:"sessionId"`
}

type TooltipTargetMissingParams struct {
	SessionID string `json:"sessionId"`
	StepCvid  string `json:"stepCvid"`
}

func (c *Client) UpsertUser(ctx context.Context, params UpsertUserParams) (bool, error) {
	return c.send(ctx, EventUpsertUser, params, SendOptions{})
}

// TrackEvent reports an analytics event. Callers emitting bursts pass
// opts.Batch so the server can group the burst between batch markers.
func (c *Client) TrackEvent(ctx context.Context, params TrackEventParams, opts SendOptions) (bool, error) {
	return c.send(ctx, EventTrackEvent, params, opts)
}

func (c *Client) StartFlow(ctx context.Context, params StartFlowParams) (bool, error) {
	return c.send(ctx, EventStartFlow, params, SendOptions{})
}

func (c *Client) EndFlow(ctx context.Context, params EndFlowParams) (bool, error) {
	return c.send(ctx, EventEndFlow, params, SendOptions{})
}

func (c *Client) GoToStep(ctx context.Context, params GoToStepParams) (bool, error) {
	return c.send(ctx, EventGoToStep, params, SendOptions{})
}

func (c *Client) AnswerQuestion(ctx context.Context, params AnswerQuestionParams) (bool, error) {
	return c.send(ctx, EventAnswerQuestion, params, SendOptions{})
}

func (c *Client) ClickChecklistTask(ctx context.Context, params ChecklistTaskParams) (bool, error) {
	return c.send(ctx, EventClickChecklistTask, params, SendOptions{})
}

func (c *Client) HideChecklist(ctx context.Context, params ChecklistVisibilityParams) (bool, error) {
	return c.send(ctx, EventHideChecklist, params, SendOptions{})
}

func (c *Client) ShowChecklist(ctx context.Context, params ChecklistVisibilityParams) (bool, error) {
	return c.send(ctx, EventShowChecklist, params, SendOptions{})
}

// UpdateClientContext reports the current page, viewport, and host
// telemetry. The payload shape is owned by the caller.
func (c *Client) UpdateClientContext(ctx context.Context, payload any) (bool, error) {
	return c.send(ctx, EventUpdateClientContext, payload, SendOptions{})
}

func (c *Client) ReportTooltipTargetMissing(ctx context.Context, params TooltipTargetMissingParams) (bool, error) {
	return c.send(ctx, EventReportTooltipTargetMissing, params, SendOptions{})
}

// EndBatch closes any open batch on the current transport.
func (c *Client) EndBatch() error {
	sock := c.current()
	if sock == nil {
		return nil
	}
	return sock.EndBatch()
}
