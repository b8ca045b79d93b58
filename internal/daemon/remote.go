package daemon

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/config"
	"github.com/matheus3301/offsync/internal/remote"
	"github.com/matheus3301/offsync/internal/remote/httpstore"
	"github.com/matheus3301/offsync/internal/remote/pgstore"
)

const reconnectDelay = 30 * time.Second

// OpenRemote builds the remote store selected by cfg.URL. An empty URL
// returns a nil store. The returned close func is never nil.
func OpenRemote(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger) (remote.Store, func(), error) {
	noop := func() {}
	if cfg.URL == "" {
		return nil, noop, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, noop, fmt.Errorf("remote url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		c, err := httpstore.New(cfg.URL, cfg.Timeout.Duration, nil)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case "postgres", "postgresql":
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout.Duration)
		defer cancel()
		s, err := pgstore.Open(dialCtx, cfg.URL, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("remote url: unsupported scheme %q", u.Scheme)
	}
}

// Remote is the receiver of a (re)connected store.
type Remote interface {
	SetRemote(remote.Store)
}

// RemoteLink keeps the engine pointed at the configured remote store. A
// store that cannot be opened is retried in the background; the engine
// keeps queueing offline meanwhile.
type RemoteLink struct {
	logger *zap.Logger
	retry  time.Duration

	mu     sync.Mutex
	cfg    config.RemoteConfig
	target Remote
	closer func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRemoteLink(cfg config.RemoteConfig, logger *zap.Logger) *RemoteLink {
	return &RemoteLink{
		cfg:    cfg,
		logger: logger,
		retry:  reconnectDelay,
		closer: func() {},
	}
}

// Attach starts connecting and hands the store to target once open.
func (l *RemoteLink) Attach(ctx context.Context, target Remote) {
	l.mu.Lock()
	l.target = target
	cfg := l.cfg
	l.mu.Unlock()
	l.connect(ctx, cfg)
}

// Reconfigure switches to a new remote when cfg differs from the current one.
func (l *RemoteLink) Reconfigure(ctx context.Context, cfg config.RemoteConfig) {
	l.mu.Lock()
	same := l.cfg == cfg
	l.cfg = cfg
	l.mu.Unlock()
	if same {
		return
	}
	l.logger.Info("remote configuration changed", zap.String("url", redact(cfg.URL)))
	l.connect(ctx, cfg)
}

// Close stops reconnect attempts and releases the current store.
func (l *RemoteLink) Close() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closer()
	l.closer = func() {}
}

func (l *RemoteLink) connect(ctx context.Context, cfg config.RemoteConfig) {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	if !needsDial(cfg.URL) {
		l.tryOpen(loopCtx, cfg)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for !l.tryOpen(loopCtx, cfg) {
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(l.retry):
			}
		}
	}()
}

// tryOpen opens cfg and swaps it in. Reports whether no retry is needed.
func (l *RemoteLink) tryOpen(ctx context.Context, cfg config.RemoteConfig) bool {
	rs, closer, err := OpenRemote(ctx, cfg, l.logger)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		l.logger.Warn("remote store unavailable, will retry",
			zap.String("url", redact(cfg.URL)), zap.Duration("retry_in", l.retry), zap.Error(err))
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		closer()
		return true
	}
	old := l.closer
	l.closer = closer
	if l.target != nil {
		l.target.SetRemote(rs)
	}
	old()
	if rs != nil {
		l.logger.Info("remote store attached", zap.String("url", redact(cfg.URL)))
	}
	return true
}

func needsDial(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql")
}

// redact drops credentials from a URL before logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
