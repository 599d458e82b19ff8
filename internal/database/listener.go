package database

import (
	"context"
	"log/slog"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChangeListener relays NOTIFY chains_changed from other writers to the
// store's watchers.
type ChangeListener struct {
	databaseURL string
	onChange    func()

	baseBackoff    time.Duration
	maxBackoff     time.Duration
	reconnectCount int

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewChangeListener(databaseURL string, onChange func()) *ChangeListener {
	return &ChangeListener{
		databaseURL: databaseURL,
		onChange:    onChange,
		baseBackoff: time.Second,
		maxBackoff:  60 * time.Second,
		done:        make(chan struct{}),
	}
}

// Start 启动 LISTEN 循环（带指数退避重连）
func (l *ChangeListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go func() {
		defer close(l.done)
		l.run(ctx)
	}()
}

func (l *ChangeListener) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
	})
}

// calculateBackoff 计算指数退避时间，抖动 ±25%
func (l *ChangeListener) calculateBackoff() time.Duration {
	exponential := float64(l.baseBackoff) * math.Pow(2, float64(l.reconnectCount))
	if exponential > float64(l.maxBackoff) {
		exponential = float64(l.maxBackoff)
	}
	jitter := 1.0 + (mrand.Float64()*0.5 - 0.25)
	return time.Duration(exponential * jitter)
}

func (l *ChangeListener) run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}

		backoff := l.calculateBackoff()
		l.reconnectCount++
		slog.Warn("chain_listener_reconnect",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
			slog.Int("attempt", l.reconnectCount),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (l *ChangeListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return err
	}
	l.reconnectCount = 0
	slog.Info("chain_listener_started", slog.String("channel", ChangeChannel))

	// 断线期间可能漏掉通知，重连后先刷新一次
	l.onChange()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		slog.Debug("chain_change_notified", slog.String("table", n.Payload))
		l.onChange()
	}
}
