package chatfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chorus/internal/protocol"
)

const handshakeTimeout = 10 * time.Second

var ErrNoHandshake = errors.New("server did not send connection-established")

// Stats counts what happened to forwarded chat lines.
type Stats struct {
	Sent      uint64
	Completed uint64
	Busy      uint64
	Failed    uint64
}

// Bridge joins the server as an ordinary client and turns every chat message
// from Source into a text turn. A group owner invites the bridge's client uid
// so the turns land in the group's conversation. Busy rejections are counted
// and the line is dropped.
type Bridge struct {
	ServerURL string
	Source    Source
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
	// Format renders a chat message as turn input. Defaults to
	// "author: message".
	Format func(Message) string
	// OnReady is called with the bridge's client uid once connected.
	OnReady func(uid string)

	sent, completed, busy, failed atomic.Uint64
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Sent:      b.sent.Load(),
		Completed: b.completed.Load(),
		Busy:      b.busy.Load(),
		Failed:    b.failed.Load(),
	}
}

func (b *Bridge) Run(ctx context.Context) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chatfeed_bridge")
	format := b.Format
	if format == nil {
		format = FormatLine
	}
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, res, err := dialer.DialContext(ctx, b.ServerURL, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer conn.Close()

	uid, err := awaitHandshake(conn)
	if err != nil {
		return err
	}
	logger = logger.With("client_uid", uid)
	logger.Info("chat feed bridge connected")
	if b.OnReady != nil {
		b.OnReady(uid)
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	msgs := make(chan Message, 16)
	g.Go(func() error {
		return b.Source.Run(gctx, msgs)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-msgs:
				err := conn.WriteJSON(protocol.TextInput{Type: protocol.TypeTextInput, Text: format(msg)})
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("forward chat line: %w", err)
				}
				b.sent.Add(1)
			}
		}
	})
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("server connection lost: %w", err)
			}
			b.observe(logger, data)
		}
	})
	err = g.Wait()
	st := b.Stats()
	logger.Info("chat feed bridge stopped", "sent", st.Sent, "completed", st.Completed, "busy", st.Busy, "failed", st.Failed)
	return err
}

func (b *Bridge) observe(logger *slog.Logger, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeError:
		var ev protocol.ErrorEvent
		if protocol.Decode(data, &ev) != nil {
			return
		}
		if ev.Code == "busy" {
			b.busy.Add(1)
			logger.Debug("chat line skipped, conversation busy")
			return
		}
		b.failed.Add(1)
		logger.Warn("chat line rejected", "code", ev.Code, "message", ev.Message)
	case protocol.TypeTaskStatus:
		var st protocol.TaskStatus
		if protocol.Decode(data, &st) != nil {
			return
		}
		switch st.State {
		case "completed":
			b.completed.Add(1)
		case "failed":
			b.failed.Add(1)
		}
	}
}

func awaitHandshake(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoHandshake, err)
		}
		var hello protocol.ConnectionEstablished
		if protocol.Decode(data, &hello) != nil || hello.Type != protocol.TypeConnectionEstablished {
			continue
		}
		if hello.ClientUID == "" {
			return "", ErrNoHandshake
		}
		return hello.ClientUID, nil
	}
}

// FormatLine renders "author: message", or the bare message when the author
// is unknown.
func FormatLine(m Message) string {
	if m.Author == "" {
		return m.Text
	}
	return m.Author + ": " + m.Text
}
