package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeConn replays queued notifications, then fails or blocks.
type fakeConn struct {
	mu       sync.Mutex
	execs    []string
	queue    []*pgconn.Notification
	dropWhen bool
	closed   bool
}

// Exec records the statement.
func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.CommandTag{}, nil
}

// WaitForNotification pops the queue; when empty it drops or waits for ctx.
func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		n := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return n, nil
	}
	drop := c.dropWhen
	c.mu.Unlock()

	if drop {
		return nil, errors.New("conn closed")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// Close marks the connection closed.
func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// TestListenerDeliversAndReconnects verifies payload delivery, retry after connect errors and reconnect callbacks.
func TestListenerDeliversAndReconnects(t *testing.T) {
	first := &fakeConn{
		queue: []*pgconn.Notification{
			{Channel: "datasource_insert", Payload: "a"},
			{Channel: "other", Payload: "ignored"},
			{Channel: "datasource_insert", Payload: "b"},
		},
		dropWhen: true,
	}
	second := &fakeConn{queue: []*pgconn.Notification{{Channel: "datasource_insert", Payload: "c"}}}

	var (
		mu       sync.Mutex
		attempts int
	)
	connect := func(context.Context) (listenConn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		switch attempts {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("connection refused")
		default:
			return second, nil
		}
	}

	l, err := newListener("datasource_insert", connect, nil)
	require.NoError(t, err)
	l.minBackoff = time.Millisecond
	l.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payloads := make(chan string, 8)
	reconnects := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(p string) { payloads <- p }, func() { reconnects <- struct{}{} })
	}()

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-payloads:
			require.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for payload %q", want)
		}
	}
	require.Len(t, reconnects, 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	require.Equal(t, []string{`LISTEN "datasource_insert"`}, first.execs)
	require.True(t, first.closed)
	require.True(t, second.closed)
}

// TestNewListenerValidates verifies required arguments are checked.
func TestNewListenerValidates(t *testing.T) {
	_, err := NewListener("", "datasource_insert", nil)
	require.Error(t, err)

	_, err = newListener("", func(context.Context) (listenConn, error) { return nil, nil }, nil)
	require.Error(t, err)
}
