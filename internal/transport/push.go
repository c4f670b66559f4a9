package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/chat"
	"github.com/matheus3301/taskchat/internal/status"
)

const (
	defaultReadLimit    = 1 << 20
	defaultPingInterval = 30 * time.Second
)

// LinkConfig controls the push connection.
type LinkConfig struct {
	URL string
	// Attempts bounds the redials after a failed or dropped connection.
	Attempts     int
	Delay        time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// Link owns the single push connection. There is at most one connection
// per credential: a credential change tears the current one down, and a
// missing credential leaves the link disconnected.
type Link struct {
	cfg     LinkConfig
	creds   TokenSource
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
}

// NewLink creates a push link. Call Run to start it.
func NewLink(cfg LinkConfig, creds TokenSource, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Link {
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Second
	}
	if cfg.Attempts < 0 {
		cfg.Attempts = 0
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Link{cfg: cfg, creds: creds, bus: b, machine: m, logger: logger}
}

// State returns the current connection state.
func (l *Link) State() status.State {
	return l.machine.Current()
}

// Run keeps a session alive for the current credential until ctx is
// canceled. Exhausted retries leave the link disconnected until the
// credential changes; they are not an error.
func (l *Link) Run(ctx context.Context) error {
	changes, unsub := l.bus.Subscribe("credential.", 4)
	defer unsub()

	var (
		wg     sync.WaitGroup
		cancel context.CancelFunc
	)
	start := func() {
		token, ok := l.creds.Token()
		if !ok {
			l.logger.Info("no credential, push link idle")
			return
		}
		var sessCtx context.Context
		sessCtx, cancel = context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.session(sessCtx, token)
		}()
	}
	stop := func() {
		if cancel != nil {
			cancel()
			cancel = nil
		}
		wg.Wait()
	}

	start()
	for {
		select {
		case <-ctx.Done():
			stop()
			return nil
		case <-changes:
			l.logger.Info("credential changed, restarting push link")
			stop()
			start()
		}
	}
}

func (l *Link) session(ctx context.Context, token string) {
	defer l.setState(status.Disconnected)

	for {
		l.setState(status.Connecting)
		conn, err := l.dialWithRetry(ctx, token)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("push link gave up", zap.Error(err))
			}
			return
		}
		l.setState(status.Connected)
		l.logger.Info("push link connected")

		err = l.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("push link dropped", zap.Error(err))
	}
}

func (l *Link) dialWithRetry(ctx context.Context, token string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, err := l.dial(ctx, token)
		if err != nil {
			if chat.IsAuth(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.cfg.Delay), uint64(l.cfg.Attempts)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("push dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Link) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(dialCtx, l.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &chat.AuthError{Reason: fmt.Sprintf("push handshake rejected: %d", resp.StatusCode)}
		}
		return nil, &chat.NetworkError{Op: "push dial", Err: err}
	}
	conn.SetReadLimit(l.cfg.ReadLimit)
	return conn, nil
}

// readLoop publishes every decoded frame until the connection fails.
func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.heartbeat(loopCtx, conn)

	for {
		_, data, err := conn.Read(loopCtx)
		if err != nil {
			return err
		}
		evt, err := DecodeEvent(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				l.logger.Debug("ignoring push event", zap.Error(err))
			} else {
				l.logger.Warn("malformed push frame", zap.Error(err))
			}
			continue
		}
		l.bus.Publish(bus.Event{Kind: BusKind(evt), Payload: evt})
	}
}

func (l *Link) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, l.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				l.logger.Warn("push heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (l *Link) setState(to status.State) {
	if l.machine.Current() == to {
		return
	}
	if err := l.machine.Transition(to); err != nil {
		l.logger.Debug("connection state", zap.Error(err))
	}
}
