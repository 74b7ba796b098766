package nativeapi

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errDisconnectRequested = errors.New("device requested disconnect")

// Conn implements Client over TCP.
type Conn struct {
	opts   Options
	logger *slog.Logger

	handlerMu      sync.RWMutex
	onConnected    func()
	onDisconnected func()
	onInitialized  func()
	onError        func(error)
	onDeviceInfo   func(DeviceInfo)
	onNewEntity    func(Entity)
	onService      func(Service)
	onState        func(StateEvent)

	// lifecycleMu guards the fields below.
	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	netConn     net.Conn
	frames      frameHelper

	writeMu    sync.Mutex
	unanswered atomic.Int32
	pingFailed atomic.Bool
}

var _ Client = (*Conn)(nil)

// New creates a connection to one device. Nothing is dialed until Connect.
func New(opts Options, logger *slog.Logger) *Conn {
	opts.setDefaults()
	return &Conn{
		opts:   opts,
		logger: logger.With("component", "nativeapi", "host", opts.Host),
	}
}

func (c *Conn) addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// Connect starts the connection goroutine. Failures are reported through
// OnError; with Reconnect set, the connection is retried with backoff.
func (c *Conn) Connect(ctx context.Context) error {
	if c.opts.Password != "" && c.opts.EncryptionKey != "" {
		return errors.New("password and encryption key are mutually exclusive")
	}
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.running = true
	go c.run(runCtx)
	return nil
}

// Disconnect sends a best-effort disconnect request and stops the
// connection goroutine. It does not wait for the goroutine to exit.
func (c *Conn) Disconnect() error {
	c.lifecycleMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.lifecycleMu.Unlock()
	if cancel == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), 500*time.Millisecond)
	if err := c.send(ctx, msgDisconnectRequest, nil); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debug("disconnect request failed", "err", err)
	}
	done()
	cancel()
	return nil
}

func (c *Conn) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInterval
	bo.MaxInterval = 6 * c.opts.ReconnectInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (c *Conn) run(ctx context.Context) {
	defer func() {
		c.lifecycleMu.Lock()
		c.running = false
		c.lifecycleMu.Unlock()
	}()

	bo := c.newBackOff()
	for {
		reached, err := c.session(ctx)
		if ctx.Err() != nil {
			if reached {
				c.emitDisconnected()
			}
			return
		}
		if err != nil {
			c.emitError(err)
		}
		if reached {
			c.emitDisconnected()
			bo.Reset()
		}
		if !c.opts.Reconnect {
			return
		}

		wait := bo.NextBackOff()
		c.logger.Debug("reconnecting", "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection attempt. reached reports whether the
// connected event was emitted.
func (c *Conn) session(ctx context.Context) (reached bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	nc, err := c.dial(dialCtx)
	cancel()
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	defer func() {
		c.lifecycleMu.Lock()
		c.netConn = nil
		c.frames = nil
		c.lifecycleMu.Unlock()
		nc.Close()
	}()

	c.unanswered.Store(0)
	c.pingFailed.Store(false)

	nc.SetDeadline(time.Now().Add(c.opts.DialTimeout))
	r := bufio.NewReader(nc)
	var fh frameHelper
	if c.opts.EncryptionKey != "" {
		psk, err := base64.StdEncoding.DecodeString(c.opts.EncryptionKey)
		if err != nil || len(psk) != 32 {
			return false, fmt.Errorf("%w: encryption key must be 32 bytes base64", ErrHandshake)
		}
		fh, err = noiseHandshake(r, nc, psk, rand.Reader)
		if err != nil {
			return false, err
		}
	} else {
		fh = &plainFrames{r: r, w: nc}
	}

	c.lifecycleMu.Lock()
	c.netConn = nc
	c.frames = fh
	c.lifecycleMu.Unlock()

	if err := c.login(fh); err != nil {
		return false, err
	}
	nc.SetDeadline(time.Time{})

	c.logger.Info("connected")
	c.emitConnected()

	if err := c.write(msgDeviceInfoRequest, nil); err != nil {
		return true, err
	}
	if err := c.write(msgListEntitiesRequest, nil); err != nil {
		return true, err
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, nc)

	for {
		typ, payload, err := fh.readMessage()
		if err != nil {
			if c.pingFailed.Load() {
				return true, ErrPingTimeout
			}
			return true, err
		}
		c.unanswered.Store(0)
		if err := c.handleMessage(typ, payload); err != nil {
			return true, err
		}
	}
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	if c.opts.Dial != nil {
		return c.opts.Dial(ctx, "tcp", c.addr())
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", c.addr())
}

// login performs the hello and connect exchange.
func (c *Conn) login(fh frameHelper) error {
	hello := message(nil).
		str(1, c.opts.ClientInfo).
		uint(2, apiVersionMajor).
		uint(3, apiVersionMinor)
	if err := c.write(msgHelloRequest, hello); err != nil {
		return err
	}
	payload, err := c.expect(fh, msgHelloResponse)
	if err != nil {
		return err
	}
	resp, err := helloResponseSchema.decode(payload)
	if err != nil {
		return fmt.Errorf("hello response: %w", err)
	}
	c.logger.Debug("hello",
		"server", resp["serverInfo"],
		"name", resp["name"],
		"api", fmt.Sprintf("%d.%d", resp["apiVersionMajor"], resp["apiVersionMinor"]))

	if err := c.write(msgConnectRequest, message(nil).str(1, c.opts.Password)); err != nil {
		return err
	}
	payload, err = c.expect(fh, msgConnectResponse)
	if err != nil {
		return err
	}
	cr, err := connectResponseSchema.decode(payload)
	if err != nil {
		return fmt.Errorf("connect response: %w", err)
	}
	if cr["invalidPassword"] == true {
		return ErrInvalidPassword
	}
	return nil
}

// expect reads until a message of type want arrives, answering pings.
func (c *Conn) expect(fh frameHelper, want uint32) ([]byte, error) {
	for {
		typ, payload, err := fh.readMessage()
		if err != nil {
			return nil, err
		}
		switch typ {
		case want:
			return payload, nil
		case msgPingRequest:
			if err := c.write(msgPingResponse, nil); err != nil {
				return nil, err
			}
		case msgDisconnectRequest:
			c.write(msgDisconnectResponse, nil)
			return nil, errDisconnectRequested
		default:
			c.logger.Debug("unexpected message during login", "type", typ)
		}
	}
}

func (c *Conn) handleMessage(typ uint32, payload []byte) error {
	switch typ {
	case msgDeviceInfoResponse:
		info, err := deviceInfoSchema.decode(payload)
		if err != nil {
			c.emitError(fmt.Errorf("device info: %w", err))
			return nil
		}
		c.emitDeviceInfo(DeviceInfo(info))
	case msgListEntitiesDone:
		c.emitInitialized()
	case msgListEntitiesServices:
		svc, err := decodeService(payload)
		if err != nil {
			c.emitError(fmt.Errorf("service: %w", err))
			return nil
		}
		c.emitService(svc)
	case msgPingRequest:
		return c.write(msgPingResponse, nil)
	case msgPingResponse:
	case msgGetTimeRequest:
		return c.write(msgGetTimeResponse, message(nil).fixed32(1, uint32(time.Now().Unix())))
	case msgDisconnectRequest:
		c.write(msgDisconnectResponse, nil)
		return errDisconnectRequested
	case msgDisconnectResponse:
		return errDisconnectRequested
	default:
		if p, ok := platformsByList[typ]; ok {
			ent, err := decodeEntity(p, payload)
			if err != nil {
				c.emitError(&EntityError{Type: p.typ, Err: err})
				return nil
			}
			c.emitNewEntity(ent)
			return nil
		}
		if p, ok := platformsByState[typ]; ok {
			ev, err := decodeState(p, payload)
			if err != nil {
				c.emitError(&EntityError{Type: p.typ, Err: err})
				return nil
			}
			c.emitState(ev)
			return nil
		}
		c.emitError(&UnknownMessage{Type: typ, Fields: rawFields(payload)})
	}
	return nil
}

func (c *Conn) pingLoop(ctx context.Context, nc net.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if int(c.unanswered.Add(1)) > c.opts.PingAttempts {
			c.logger.Warn("device stopped answering pings", "attempts", c.opts.PingAttempts)
			c.pingFailed.Store(true)
			nc.Close()
			return
		}
		if err := c.write(msgPingRequest, nil); err != nil {
			c.logger.Debug("ping failed", "err", err)
		}
	}
}

func (c *Conn) write(typ uint32, payload []byte) error {
	c.lifecycleMu.Lock()
	fh := c.frames
	c.lifecycleMu.Unlock()
	if fh == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fh.writeMessage(typ, payload)
}

// send writes one message, bounded by the context deadline.
func (c *Conn) send(ctx context.Context, typ uint32, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lifecycleMu.Lock()
	fh, nc := c.frames, c.netConn
	c.lifecycleMu.Unlock()
	if fh == nil || nc == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetWriteDeadline(deadline)
		defer nc.SetWriteDeadline(time.Time{})
	}
	if err := fh.writeMessage(typ, payload); err != nil {
		return fmt.Errorf("send message %d: %w", typ, err)
	}
	return nil
}

// --- Event callbacks ---

func (c *Conn) OnConnected(handler func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onConnected = handler
}

func (c *Conn) OnDisconnected(handler func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnected = handler
}

func (c *Conn) OnInitialized(handler func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onInitialized = handler
}

func (c *Conn) OnError(handler func(error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onError = handler
}

func (c *Conn) OnDeviceInfo(handler func(DeviceInfo)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDeviceInfo = handler
}

func (c *Conn) OnNewEntity(handler func(Entity)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onNewEntity = handler
}

func (c *Conn) OnService(handler func(Service)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onService = handler
}

func (c *Conn) OnState(handler func(StateEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onState = handler
}

func (c *Conn) emitConnected() {
	c.handlerMu.RLock()
	h := c.onConnected
	c.handlerMu.RUnlock()
	if h != nil {
		h()
	}
}

func (c *Conn) emitDisconnected() {
	c.handlerMu.RLock()
	h := c.onDisconnected
	c.handlerMu.RUnlock()
	if h != nil {
		h()
	}
}

func (c *Conn) emitInitialized() {
	c.handlerMu.RLock()
	h := c.onInitialized
	c.handlerMu.RUnlock()
	if h != nil {
		h()
	}
}

func (c *Conn) emitError(err error) {
	c.handlerMu.RLock()
	h := c.onError
	c.handlerMu.RUnlock()
	if h != nil {
		h(err)
		return
	}
	c.logger.Warn("connection error", "err", err)
}

func (c *Conn) emitDeviceInfo(info DeviceInfo) {
	c.handlerMu.RLock()
	h := c.onDeviceInfo
	c.handlerMu.RUnlock()
	if h != nil {
		h(info)
	}
}

func (c *Conn) emitNewEntity(ent Entity) {
	c.handlerMu.RLock()
	h := c.onNewEntity
	c.handlerMu.RUnlock()
	if h != nil {
		h(ent)
	}
}

func (c *Conn) emitService(svc Service) {
	c.handlerMu.RLock()
	h := c.onService
	c.handlerMu.RUnlock()
	if h != nil {
		h(svc)
	}
}

func (c *Conn) emitState(ev StateEvent) {
	c.handlerMu.RLock()
	h := c.onState
	c.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

