// Package natsbridge serves protocol request lines over NATS request/reply.
// Every message on the subject is one request; the reply is one response line.
package natsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/protocol"
)

const DefaultRequestTimeout = 30 * time.Second

// Config controls the subscription.
type Config struct {
	Subject        string
	QueueGroup     string
	RequestTimeout time.Duration
}

// Bridge answers protocol requests received on a NATS subject. All requests
// share one protocol session, so a caller initializes once per bridge.
type Bridge struct {
	nc     *nats.Conn
	cfg    Config
	sess   *protocol.Session
	logger *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
	ctx context.Context
}

// Connect dials a NATS server with reconnect handling.
func Connect(url, name string) (*nats.Conn, error) {
	logger := log.WithComponent("natsbridge")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return nc, nil
}

func New(nc *nats.Conn, srv *protocol.Server, cfg Config) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Bridge{
		nc:     nc,
		cfg:    cfg,
		sess:   srv.NewSession(),
		logger: log.WithComponent("natsbridge"),
	}
}

// Start subscribes to the subject. Requests are handled with contexts derived
// from ctx until Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Subject == "" {
		return errors.New("natsbridge: subject is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("natsbridge: already started")
	}
	b.ctx = ctx

	var (
		sub *nats.Subscription
		err error
	)
	if b.cfg.QueueGroup != "" {
		sub, err = b.nc.QueueSubscribe(b.cfg.Subject, b.cfg.QueueGroup, b.handle)
	} else {
		sub, err = b.nc.Subscribe(b.cfg.Subject, b.handle)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.cfg.Subject, err)
	}
	b.sub = sub
	b.logger.Info("subscribed", "subject", b.cfg.Subject, "queue_group", b.cfg.QueueGroup)
	return nil
}

// Stop drains the subscription so in-flight requests still get replies.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	b.logger.Info("unsubscribed", "subject", b.cfg.Subject)
	return nil
}

// Session exposes the shared protocol session.
func (b *Bridge) Session() *protocol.Session {
	return b.sess
}

func (b *Bridge) handle(msg *nats.Msg) {
	b.mu.Lock()
	parent := b.ctx
	b.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, b.cfg.RequestTimeout)
	defer cancel()

	resp := b.sess.Handle(ctx, msg.Data)
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		b.logger.Error("failed to encode response", "error", err)
		return
	}
	if msg.Reply == "" {
		b.logger.Debug("dropping response to message without reply subject", "subject", msg.Subject)
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("failed to respond", "error", err)
	}
}
