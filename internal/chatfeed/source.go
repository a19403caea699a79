package chatfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chorus/internal/reliability"
)

// Message is one live chat line from a streaming platform.
type Message struct {
	Platform  string `json:"platform,omitempty"`
	Author    string `json:"author"`
	Text      string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Source yields chat messages into out until ctx is done or the source gives
// up.
type Source interface {
	Run(ctx context.Context, out chan<- Message) error
}

var ErrFeedExhausted = errors.New("chat feed retries exhausted")

// WSSource reads JSON chat messages from a websocket feed and reconnects
// with capped exponential backoff when the feed drops.
type WSSource struct {
	URL        string
	Dialer     *websocket.Dialer
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	Logger     *slog.Logger
}

func (s *WSSource) Run(ctx context.Context, out chan<- Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chatfeed", "feed", s.URL)
	base, limit := s.RetryBase, s.RetryCap
	if base <= 0 {
		base = time.Second
	}
	if limit <= 0 {
		limit = time.Minute
	}
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}

	failures := 0
	for {
		connected, err := s.stream(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		} else {
			failures++
		}
		if maxRetries > 0 && failures > maxRetries {
			return fmt.Errorf("%w after %d attempts: %v", ErrFeedExhausted, failures, err)
		}
		logger.Warn("chat feed disconnected", "error", err, "attempt", failures)
		if err := reliability.Wait(ctx, failures, base, limit); err != nil {
			return nil
		}
	}
}

// stream reads one feed connection to its end. connected reports whether the
// dial succeeded.
func (s *WSSource) stream(ctx context.Context, out chan<- Message) (bool, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, res, err := dialer.DialContext(ctx, s.URL, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("read feed: %w", err)
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
