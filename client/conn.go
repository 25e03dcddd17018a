package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/petal-labs/livepipe/protocol"
)

const (
	// DefaultReconnectDelay is the fixed wait before every reconnect.
	DefaultReconnectDelay = 2000 * time.Millisecond

	// DefaultPingInterval is how often a keepalive probe is sent while open.
	DefaultPingInterval = 30 * time.Second
)

// ConnState is the lifecycle state of a Controller.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Open
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Socket is one open viewer connection.
type Socket interface {
	// Read blocks for the next text message.
	Read() ([]byte, error)
	WriteText(msg string) error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context) (Socket, error)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Dialer Dialer

	// OnFrame receives every well-formed frame, in arrival order.
	OnFrame func(protocol.Frame)

	// OnConnectionChange is called with true when a socket opens and false
	// when it closes.
	OnConnectionChange func(connected bool)

	Clock          Clock
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Logger         *slog.Logger
}

// Controller keeps one viewer socket open, reconnecting after a fixed delay
// whenever it closes unless Close was called.
type Controller struct {
	dialer   Dialer
	onFrame  func(protocol.Frame)
	onChange func(bool)
	clock    Clock
	delay    time.Duration
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       ConnState
	socket      Socket
	intentional bool
	reconnect   Timer
	ping        Timer
	dials       int
	wg          sync.WaitGroup
}

// NewController creates a Controller. Call Start to connect.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnFrame == nil {
		cfg.OnFrame = func(protocol.Frame) {}
	}
	if cfg.OnConnectionChange == nil {
		cfg.OnConnectionChange = func(bool) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		dialer:   cfg.Dialer,
		onFrame:  cfg.OnFrame,
		onChange: cfg.OnConnectionChange,
		clock:    cfg.Clock,
		delay:    cfg.ReconnectDelay,
		interval: cfg.PingInterval,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the first connection attempt.
func (c *Controller) Start() {
	c.connect()
}

// State returns the current lifecycle state.
func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dials reports how many connection attempts have been made.
func (c *Controller) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *Controller) connect() {
	c.mu.Lock()
	if c.intentional || c.state == Connecting || c.state == Open {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.state = Connecting
	c.dials++
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		sock, err := c.dialer.Dial(c.ctx)
		if err != nil {
			c.logger.Warn("viewer connection failed", "error", err)
			c.closed(nil)
			return
		}

		c.mu.Lock()
		if c.intentional {
			c.mu.Unlock()
			_ = sock.Close()
			c.closed(nil)
			return
		}
		c.socket = sock
		c.state = Open
		c.ping = c.clock.AfterFunc(c.interval, func() { c.sendPing(sock) })
		c.mu.Unlock()

		c.logger.Info("viewer connected")
		c.onChange(true)
		c.readLoop(sock)
	}()
}

func (c *Controller) readLoop(sock Socket) {
	for {
		data, err := sock.Read()
		if err != nil {
			c.closed(sock)
			return
		}
		if string(data) == protocol.Pong {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.onFrame(f)
	}
}

// sendPing probes sock and schedules the next probe while it stays current.
func (c *Controller) sendPing(sock Socket) {
	c.mu.Lock()
	if c.socket != sock || c.state != Open {
		c.mu.Unlock()
		return
	}
	c.ping = c.clock.AfterFunc(c.interval, func() { c.sendPing(sock) })
	c.mu.Unlock()

	if err := sock.WriteText(protocol.Ping); err != nil {
		c.logger.Debug("keepalive probe failed", "error", err)
	}
}

// closed handles the end of sock (nil for a failed dial) and schedules a
// reconnect unless the close was intentional.
func (c *Controller) closed(sock Socket) {
	c.mu.Lock()
	if sock != nil && c.socket != sock {
		c.mu.Unlock()
		return
	}
	wasOpen := sock != nil
	c.socket = nil
	if c.ping != nil {
		c.ping.Stop()
		c.ping = nil
	}
	c.state = Disconnected
	if !c.intentional {
		c.reconnect = c.clock.AfterFunc(c.delay, c.connect)
		c.logger.Info("viewer disconnected, reconnecting", "delay", c.delay)
	}
	c.mu.Unlock()

	if wasOpen {
		_ = sock.Close()
		c.onChange(false)
	}
}

// Close tears the connection down for good: no reconnect is scheduled and
// pending timers are cancelled.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return nil
	}
	c.intentional = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.ping != nil {
		c.ping.Stop()
		c.ping = nil
	}
	sock := c.socket
	if sock != nil {
		c.state = Closing
	}
	c.mu.Unlock()

	c.cancel()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	return err
}

// WebsocketDialer dials a livepipe /ws endpoint.
type WebsocketDialer struct {
	// URL is the websocket URL, e.g. ws://localhost:3000/ws.
	URL string
	// Origin defaults to the http(s) form of URL's host.
	Origin string
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context) (Socket, error) {
	origin := d.Origin
	if origin == "" {
		u, err := url.Parse(d.URL)
		if err != nil {
			return nil, fmt.Errorf("client: parse websocket url: %w", err)
		}
		scheme := "http"
		if strings.EqualFold(u.Scheme, "wss") {
			scheme = "https"
		}
		origin = scheme + "://" + u.Host
	}
	cfg, err := websocket.NewConfig(d.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("client: websocket config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", d.URL, err)
	}
	return &wsSocket{ws: ws}, nil
}

type wsSocket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) Read() ([]byte, error) {
	var msg string
	if err := websocket.Message.Receive(s.ws, &msg); err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

func (s *wsSocket) WriteText(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return websocket.Message.Send(s.ws, msg)
}

func (s *wsSocket) Close() error {
	err := s.ws.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
