package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/bus"
	. "github.com/openclaw/openclaw/internal/logging"
)

// MethodHandler serves one protocol method.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Config configures the WebSocket server.
type Config struct {
	Bind     string // loopback | tailnet | auto
	Port     int
	Token    string
	AuthMode string // password | tailscale-identity | password-or-tailscale
	// FunnelExposed forces password auth: a public endpoint without a
	// password is never acceptable.
	FunnelExposed bool
}

// Server is the gateway control-plane endpoint: one WebSocket per peer.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	methods map[string]MethodHandler
	clients map[*client]bool

	nodes *NodeBridge

	addr       string
	httpServer *http.Server
	busSubs    []bus.SubscriptionID
}

// Addr returns the bound listen address (host:port), valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// client is one connected peer.
type client struct {
	conn   *websocket.Conn
	send   chan Frame
	topics map[string]bool
	mu     sync.Mutex
	closed bool
	nodeID string // set when the peer registered as a device node
}

// NewServer creates the gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.FunnelExposed && cfg.Token == "" {
		return nil, fmt.Errorf("gateway exposed via funnel requires a password")
	}
	s := &Server{
		cfg:     cfg,
		methods: make(map[string]MethodHandler),
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.nodes = newNodeBridge(s)
	return s, nil
}

// RegisterMethod installs a method handler.
func (s *Server) RegisterMethod(name string, h MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = h
}

// Nodes returns the node RPC bridge.
func (s *Server) Nodes() *NodeBridge {
	return s.nodes
}

// Start binds the listener and begins serving. Bus events are re-broadcast
// to subscribed peers.
func (s *Server) Start(ctx context.Context) error {
	addr, err := s.bindAddr()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/extension", s.handleWS)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen failed: %w", err)
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{Handler: mux}

	for _, topic := range []string{
		bus.TopicChat, bus.TopicExecStarted, bus.TopicExecFinished, bus.TopicExecDenied,
		bus.TopicCronAdded, bus.TopicCronRemoved, bus.TopicCronUpdated,
		bus.TopicCronStarted, bus.TopicCronFinished,
		bus.TopicSessionUpdated, bus.TopicCompaction, bus.TopicVoiceWake,
	} {
		topic := topic
		id := bus.SubscribeEvent(topic, func(ev bus.Event) {
			s.fanout(topic, ev.Data)
		})
		s.busSubs = append(s.busSubs, id)
	}

	L_info("gateway: listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			L_error("gateway: serve failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop closes the server and all peer connections.
func (s *Server) Stop() {
	for _, id := range s.busSubs {
		bus.UnsubscribeEvent(id)
	}
	s.busSubs = nil

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*client]bool)
	s.mu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) bindAddr() (string, error) {
	switch s.cfg.Bind {
	case BindLoopback, "":
		return fmt.Sprintf("127.0.0.1:%d", s.cfg.Port), nil
	case BindTailnet, BindAuto:
		// Tailnet binds all interfaces; the tailscale ACL is the perimeter.
		return fmt.Sprintf("0.0.0.0:%d", s.cfg.Port), nil
	default:
		return "", fmt.Errorf("unknown bind mode %q", s.cfg.Bind)
	}
}

// authorize validates one connection attempt.
func (s *Server) authorize(r *http.Request) error {
	token := r.URL.Query().Get("token")
	tailscaleID := r.Header.Get("Tailscale-User-Login")

	mode := s.cfg.AuthMode
	if mode == "" {
		mode = AuthPassword
	}
	if s.cfg.FunnelExposed {
		mode = AuthPassword
	}

	tokenOK := s.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1

	switch mode {
	case AuthPassword:
		if !tokenOK {
			return fmt.Errorf("invalid gateway token")
		}
	case AuthTailscaleIdentity:
		if tailscaleID == "" {
			return fmt.Errorf("tailscale identity required")
		}
	case AuthPasswordOrTailscale:
		if !tokenOK && tailscaleID == "" {
			return fmt.Errorf("gateway token or tailscale identity required")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", mode)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		L_warn("gateway: connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("gateway: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan Frame, 64),
		topics: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	L_info("gateway: peer connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	s.readLoop(c)
}

func (c *client) writeLoop() {
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// enqueue drops the frame when the peer's send buffer is full rather than
// blocking the broadcaster. Safe against a concurrently closing peer.
func (c *client) enqueue(frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		if c.nodeID != "" {
			s.nodes.detach(c.nodeID)
		}
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		c.conn.Close()
		L_info("gateway: peer disconnected")
	}()

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *client, frame Frame) {
	// Responses to node.invoke round trips route back to the waiting caller.
	if frame.Method == "" && frame.ID != "" && (frame.Result != nil || frame.Error != nil) {
		s.nodes.resolve(frame)
		return
	}

	if frame.Method == "" {
		c.enqueue(Frame{ID: frame.ID, Error: &FrameError{Code: CodeInvalidRequest, Message: "missing method"}})
		return
	}

	switch frame.Method {
	case "subscribe":
		s.handleSubscribe(c, frame)
		return
	case "node.register":
		s.handleNodeRegister(c, frame)
		return
	}

	s.mu.RLock()
	handler := s.methods[frame.Method]
	s.mu.RUnlock()
	if handler == nil {
		c.enqueue(Frame{ID: frame.ID, Error: &FrameError{Code: CodeInvalidRequest, Message: "unknown method " + frame.Method}})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		result, err := handler(ctx, frame.Params)
		if err != nil {
			c.enqueue(Frame{ID: frame.ID, Error: &FrameError{Code: errorCode(err), Message: err.Error()}})
			return
		}
		c.enqueue(Frame{ID: frame.ID, Result: mustJSON(result)})
	}()
}

func (s *Server) handleSubscribe(c *client, frame Frame) {
	var params SubscribeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.enqueue(Frame{ID: frame.ID, Error: &FrameError{Code: CodeInvalidRequest, Message: "bad subscribe params"}})
		return
	}

	c.mu.Lock()
	for _, t := range params.Topics {
		c.topics[t] = true
	}
	c.mu.Unlock()

	c.enqueue(Frame{ID: frame.ID, Result: mustJSON(map[string]any{"subscribed": params.Topics})})

	// Replay each topic's retained tail so late joiners catch up.
	for _, t := range params.Topics {
		for _, ev := range bus.Replay(t) {
			c.enqueue(Frame{Event: ev.Topic, Params: mustJSON(ev.Data)})
		}
	}
}

func (s *Server) handleNodeRegister(c *client, frame Frame) {
	var desc NodeDescriptor
	if err := json.Unmarshal(frame.Params, &desc); err != nil || desc.NodeID == "" {
		c.enqueue(Frame{ID: frame.ID, Error: &FrameError{Code: CodeInvalidRequest, Message: "bad node descriptor"}})
		return
	}
	c.nodeID = desc.NodeID
	s.nodes.attach(desc, c)
	c.enqueue(Frame{ID: frame.ID, Result: mustJSON(map[string]any{"ok": true})})
}

// Broadcast publishes an event onto the bus. The server's own bus
// subscription fans it out to subscribed peers, and the bus retains it for
// replay to late joiners.
func (s *Server) Broadcast(topic string, data any) {
	bus.PublishEventWithSource(topic, data, "gateway")
}

// fanout enqueues one bus event to every peer subscribed to its topic.
func (s *Server) fanout(topic string, data any) {
	frame := Frame{Event: topic, Params: mustJSON(data)}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.mu.Lock()
		subscribed := c.topics[topic]
		c.mu.Unlock()
		if subscribed {
			c.enqueue(frame)
		}
	}
}

// request sends a server-initiated request to a peer and returns the frame id.
func (s *Server) request(c *client, method string, params any) string {
	id := uuid.New().String()
	c.enqueue(Frame{ID: id, Method: method, Params: mustJSON(params)})
	return id
}

func errorCode(err error) string {
	if fe, ok := err.(*FrameError); ok {
		return fe.Code
	}
	return CodeInternal
}

// Error implements error for FrameError so handlers can return coded errors.
func (e *FrameError) Error() string {
	return e.Code + ": " + e.Message
}
