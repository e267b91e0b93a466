package postgres

import (
	"context"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Laisky/docingest/library/log"
)

// listenConn is the subset of *pgx.Conn the listener needs.
type listenConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener holds a dedicated connection subscribed to one NOTIFY channel and
// reconnects with exponential backoff when the connection drops.
type Listener struct {
	channel    string
	connect    func(ctx context.Context) (listenConn, error)
	logger     logSDK.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener constructs a listener for channel on the database at dsn.
func NewListener(dsn, channel string, logger logSDK.Logger) (*Listener, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	return newListener(channel, func(ctx context.Context) (listenConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, errors.Wrap(err, "connect listener")
		}
		return conn, nil
	}, logger)
}

func newListener(channel string, connect func(ctx context.Context) (listenConn, error), logger logSDK.Logger) (*Listener, error) {
	if channel == "" {
		return nil, errors.New("notify channel is empty")
	}
	if logger == nil {
		logger = log.Logger.Named("pg_listener")
	}
	return &Listener{
		channel:    channel,
		connect:    connect,
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}, nil
}

// Run delivers notification payloads to onNotify until ctx is cancelled.
// onReconnect, if set, is called after every successful reconnection, since
// notifications sent while disconnected are lost.
func (l *Listener) Run(ctx context.Context, onNotify func(payload string), onReconnect func()) error {
	if onNotify == nil {
		return errors.New("notification handler is nil")
	}

	backoff := l.minBackoff
	connected := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := l.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("listen failed, retrying",
				zap.Error(err), zap.String("channel", l.channel), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, l.maxBackoff)
			continue
		}

		backoff = l.minBackoff
		if connected && onReconnect != nil {
			onReconnect()
		}
		connected = true
		l.logger.Info("listening", zap.String("channel", l.channel))

		err = l.receive(ctx, conn, onNotify)
		if closeErr := conn.Close(context.Background()); closeErr != nil {
			l.logger.Debug("close listener connection", zap.Error(closeErr))
		}
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("listener disconnected", zap.Error(err), zap.String("channel", l.channel))
	}
}

// subscribe opens a connection and issues LISTEN on it.
func (l *Listener) subscribe(ctx context.Context) (listenConn, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, errors.Wrapf(err, "listen %s", l.channel)
	}
	return conn, nil
}

// receive blocks on notifications until the connection or ctx fails.
func (l *Listener) receive(ctx context.Context, conn listenConn, onNotify func(payload string)) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait for notification")
		}
		if notification.Channel != l.channel {
			continue
		}
		onNotify(notification.Payload)
	}
}
