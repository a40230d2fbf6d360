// Package gateway exposes a headset reached through a remote edge agent as an
// [audio.DeviceManager] and [audio.Hardware].
//
// The edge agent (a phone or desktop companion that owns the actual
// Bluetooth link) dials the gateway over WebSocket and announces itself with
// a hello message listing its devices and capabilities. From then on the
// link carries JSON control messages in text frames and audio in binary
// frames. Only one agent is attached at a time; a new connection replaces
// the previous one.
//
//	gw := gateway.New(gateway.WithToken(token), gateway.WithCodec(gateway.CodecOpus))
//	mux.Handle("/gateway", gw)
//	router := routing.New(gw)
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrNotConnected is returned when no edge agent is attached.
var ErrNotConnected = errors.New("gateway: no headset agent connected")

// ErrBusy is returned when a stream of the requested direction is already open.
var ErrBusy = errors.New("gateway: stream already open")

const (
	defaultRequestTimeout = 5 * time.Second
	defaultWriteLead      = 200 * time.Millisecond
	maxMessageBytes       = 1 << 20
)

var (
	_ audio.DeviceManager = (*Gateway)(nil)
	_ audio.Hardware      = (*Gateway)(nil)
	_ http.Handler        = (*Gateway)(nil)
)

// Option configures a [Gateway].
type Option func(*Gateway)

// WithToken requires agents to present token as a bearer credential or a
// token query parameter. An empty token disables the check.
func WithToken(token string) Option {
	return func(g *Gateway) { g.token = token }
}

// WithCodec sets the audio framing negotiated for new streams.
func WithCodec(c Codec) Option {
	return func(g *Gateway) { g.codec = c }
}

// WithWriteLead bounds how far output may run ahead of real time before
// Write starts blocking.
func WithWriteLead(d time.Duration) Option {
	return func(g *Gateway) { g.writeLead = d }
}

// WithRequestTimeout bounds how long a control request waits for the agent.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.requestTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// Gateway is the server side of the headset link. It is safe for concurrent use.
type Gateway struct {
	token          string
	codec          Codec
	writeLead      time.Duration
	requestTimeout time.Duration
	log            *slog.Logger

	mu      sync.Mutex
	agent   *agent
	subs    map[int]chan audio.DeviceEvent
	nextSub int
}

// New creates a Gateway with no agent attached.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		codec:          CodecPCM,
		writeLead:      defaultWriteLead,
		requestTimeout: defaultRequestTimeout,
		log:            slog.Default(),
		subs:           make(map[int]chan audio.DeviceEvent),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Connected reports whether an edge agent is attached.
func (g *Gateway) Connected() bool {
	return g.current() != nil
}

// AgentName returns the name the attached agent announced, or "".
func (g *Gateway) AgentName() string {
	if a := g.current(); a != nil {
		return a.name
	}
	return ""
}

// Close disconnects the attached agent, if any.
func (g *Gateway) Close() error {
	if a := g.current(); a != nil {
		return a.conn.Close(websocket.StatusGoingAway, "gateway shutting down")
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and runs the agent session
// until the connection ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Warn("gateway: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	ctx := r.Context()

	hctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	hello, err := readHello(hctx, conn)
	cancel()
	if err != nil {
		g.log.Warn("gateway: handshake failed", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}

	a := newAgent(g, conn, hello)
	if prev := g.attach(a); prev != nil {
		g.log.Info("gateway: agent replaced", "previous", prev.name, "agent", a.name)
		prev.conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	g.log.Info("gateway: agent connected", "agent", a.name, "devices", len(hello.Devices), "remote", r.RemoteAddr)
	g.publish(audio.EventDevicesChanged)

	err = a.readLoop(ctx)
	if g.detach(a) {
		g.publish(audio.EventDevicesChanged)
	}
	a.shutdown()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		g.log.Info("gateway: agent disconnected", "agent", a.name)
	} else {
		g.log.Warn("gateway: agent connection lost", "agent", a.name, "err", err)
	}
	conn.CloseNow()
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(g.token)) == 1
}

func readHello(ctx context.Context, conn *websocket.Conn) (message, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return message{}, err
	}
	if typ != websocket.MessageText {
		return message{}, errors.New("gateway: first frame must be a text hello")
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, fmt.Errorf("gateway: decode hello: %w", err)
	}
	if m.Type != msgHello {
		return message{}, fmt.Errorf("gateway: first message is %q, want hello", m.Type)
	}
	return m, nil
}

func (g *Gateway) current() *agent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.agent
}

func (g *Gateway) attach(a *agent) *agent {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.agent
	g.agent = a
	return prev
}

// detach clears a if it is still the attached agent.
func (g *Gateway) detach(a *agent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.agent != a {
		return false
	}
	g.agent = nil
	return true
}

// ─── DeviceManager ────────────────────────────────────────────────────────────

// ListDevices implements [audio.DeviceManager]. Without an agent the device
// set is empty.
func (g *Gateway) ListDevices(_ context.Context) ([]audio.Device, error) {
	a := g.current()
	if a == nil {
		return nil, nil
	}
	devices, _ := a.snapshot()
	return devices, nil
}

// ActiveDevice implements [audio.DeviceManager].
func (g *Gateway) ActiveDevice(_ context.Context) (*audio.Device, error) {
	a := g.current()
	if a == nil {
		return nil, nil
	}
	_, active := a.snapshot()
	return active, nil
}

// RequestActiveDevice implements [audio.DeviceManager]. The agent answers
// with immediate acceptance and confirms the switch with a later active
// message.
func (g *Gateway) RequestActiveDevice(ctx context.Context, id string) (bool, error) {
	a := g.current()
	if a == nil {
		return false, ErrNotConnected
	}
	reply, err := a.call(ctx, message{Type: msgRoute, Device: id})
	if err != nil {
		return false, fmt.Errorf("gateway: route to %q: %w", id, err)
	}
	if reply.Error != "" {
		return false, fmt.Errorf("gateway: route to %q: agent error: %s", id, reply.Error)
	}
	return reply.Accepted, nil
}

// ClearActiveDevice implements [audio.DeviceManager].
func (g *Gateway) ClearActiveDevice(ctx context.Context) error {
	a := g.current()
	if a == nil {
		return ErrNotConnected
	}
	a.setActive("")
	if err := a.send(ctx, message{Type: msgClear}); err != nil {
		return fmt.Errorf("gateway: clear route: %w", err)
	}
	return nil
}

// Subscribe implements [audio.DeviceManager].
func (g *Gateway) Subscribe() (<-chan audio.DeviceEvent, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextSub
	g.nextSub++
	ch := make(chan audio.DeviceEvent, 1)
	g.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if c, ok := g.subs[id]; ok {
				delete(g.subs, id)
				close(c)
			}
		})
	}
}

// publish sends the current picture to every subscriber, replacing any
// event a slow subscriber has not consumed yet.
func (g *Gateway) publish(t audio.EventType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev := audio.DeviceEvent{Type: t}
	if g.agent != nil {
		ev.Devices, ev.Active = g.agent.snapshot()
	}
	for _, ch := range g.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// ─── agent ────────────────────────────────────────────────────────────────────

// agent is one attached edge-agent connection.
type agent struct {
	g    *Gateway
	conn *websocket.Conn
	name string

	effects  map[audio.Effect]bool
	channels int

	mu      sync.Mutex
	devices []audio.Device
	active  *audio.Device
	pending map[string]chan message
	input   *inputStream
	output  *outputStream

	done     chan struct{}
	doneOnce sync.Once
}

func newAgent(g *Gateway, conn *websocket.Conn, hello message) *agent {
	a := &agent{
		g:        g,
		conn:     conn,
		name:     hello.Agent,
		effects:  make(map[audio.Effect]bool),
		channels: max(hello.Channels, 1),
		devices:  toDevices(hello.Devices),
		pending:  make(map[string]chan message),
		done:     make(chan struct{}),
	}
	if a.name == "" {
		a.name = "agent"
	}
	for _, name := range hello.Effects {
		if e, ok := parseEffect(name); ok {
			a.effects[e] = true
		}
	}
	a.active = a.lookup(hello.Active)
	return a
}

func (a *agent) snapshot() ([]audio.Device, *audio.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var active *audio.Device
	if a.active != nil {
		d := *a.active
		active = &d
	}
	return slices.Clone(a.devices), active
}

// lookup resolves id against the device set. Callers hold a.mu or own a.
func (a *agent) lookup(id string) *audio.Device {
	if id == "" {
		return nil
	}
	for _, d := range a.devices {
		if d.ID == id {
			return &d
		}
	}
	return &audio.Device{ID: id}
}

func (a *agent) setActive(id string) {
	a.mu.Lock()
	a.active = a.lookup(id)
	a.mu.Unlock()
}

func (a *agent) readLoop(ctx context.Context) error {
	for {
		typ, data, err := a.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			a.mu.Lock()
			in := a.input
			a.mu.Unlock()
			if in != nil {
				in.feed(data)
			}
			continue
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			a.g.log.Debug("gateway: dropping malformed message", "agent", a.name, "err", err)
			continue
		}
		a.handle(m)
	}
}

func (a *agent) handle(m message) {
	switch m.Type {
	case msgDevices:
		a.mu.Lock()
		a.devices = toDevices(m.Devices)
		if a.active != nil {
			a.active = a.lookup(a.active.ID)
		}
		if m.Active != "" {
			a.active = a.lookup(m.Active)
		}
		a.mu.Unlock()
		a.g.publish(audio.EventDevicesChanged)
	case msgActive:
		a.setActive(m.Active)
		a.g.publish(audio.EventActiveChanged)
	case msgResult:
		a.mu.Lock()
		ch, ok := a.pending[m.ID]
		delete(a.pending, m.ID)
		a.mu.Unlock()
		if ok {
			ch <- m
		}
	default:
		a.g.log.Debug("gateway: ignoring message", "agent", a.name, "type", m.Type)
	}
}

// send writes one control message.
func (a *agent) send(ctx context.Context, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.g.requestTimeout)
	defer cancel()
	return a.conn.Write(ctx, websocket.MessageText, data)
}

// call sends a request and waits for the matching result.
func (a *agent) call(ctx context.Context, m message) (message, error) {
	m.ID = uuid.NewString()
	ch := make(chan message, 1)
	a.mu.Lock()
	a.pending[m.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, m.ID)
		a.mu.Unlock()
	}()

	if err := a.send(ctx, m); err != nil {
		return message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.g.requestTimeout)
	defer cancel()
	select {
	case reply := <-ch:
		return reply, nil
	case <-a.done:
		return message{}, ErrNotConnected
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

// shutdown ends the agent's streams and wakes pending calls.
func (a *agent) shutdown() {
	a.doneOnce.Do(func() { close(a.done) })
	a.mu.Lock()
	in, out := a.input, a.output
	a.input, a.output = nil, nil
	a.mu.Unlock()
	if in != nil {
		in.markClosed()
	}
	if out != nil {
		out.markClosed()
	}
}
