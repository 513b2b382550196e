package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/securelog"
	"nhooyr.io/websocket"
)

const signalWriteTimeout = 5 * time.Second

var errSignalsClosed = errors.New("signal connection closed")

// WSSignals receives change signals over the server's /ws endpoint.
type WSSignals struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	subs   map[message.Target]map[chan struct{}]struct{}
}

type signalFrame struct {
	Type   string         `json:"type"`
	Target message.Target `json:"target"`
}

type serverFrame struct {
	Type    string          `json:"type"`
	Target  *message.Target `json:"target,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// DialSignals connects to serverURL's websocket endpoint with token.
func DialSignals(ctx context.Context, serverURL, token string) (*WSSignals, error) {
	wsURL := strings.Replace(strings.TrimRight(serverURL, "/"), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = wsURL + "/ws?token=" + url.QueryEscape(token)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket dial: %v", message.ErrUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &WSSignals{
		conn:   conn,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[message.Target]map[chan struct{}]struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Done is closed when the connection is lost or closed.
func (s *WSSignals) Done() <-chan struct{} {
	return s.done
}

func (s *WSSignals) Subscribe(ctx context.Context, target message.Target) (<-chan struct{}, func(), error) {
	if err := target.Validate(); err != nil {
		return nil, nil, err
	}
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, errSignalsClosed
	}
	set := s.subs[target]
	first := len(set) == 0
	if set == nil {
		set = make(map[chan struct{}]struct{})
		s.subs[target] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	if first {
		if err := s.write(ctx, signalFrame{Type: "subscribe", Target: target}); err != nil {
			s.remove(target, ch)
			return nil, nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if s.remove(target, ch) {
				_ = s.write(context.Background(), signalFrame{Type: "unsubscribe", Target: target})
			}
		})
	}
	return ch, release, nil
}

// remove drops ch and reports whether it was the target's last subscriber.
func (s *WSSignals) remove(target message.Target, ch chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[target]
	if _, ok := set[ch]; !ok {
		return false
	}
	delete(set, ch)
	if len(set) > 0 {
		return false
	}
	delete(s.subs, target)
	return !s.closed
}

func (s *WSSignals) write(ctx context.Context, frame signalFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, signalWriteTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: websocket write: %v", message.ErrUnavailable, err)
	}
	return nil
}

func (s *WSSignals) readLoop() {
	defer close(s.done)
	defer s.markClosed()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "target.changed":
			if frame.Target != nil {
				s.signal(*frame.Target)
			}
		case "error":
			fields := securelog.Fields{"code": frame.Code}
			if frame.Target != nil {
				fields["target"] = frame.Target.Key()
			}
			securelog.Warn("signal_error", fields)
		}
	}
}

func (s *WSSignals) signal(target message.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[target] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *WSSignals) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *WSSignals) Close() {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.cancel()
		s.writeMu.Lock()
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
		s.writeMu.Unlock()
	})
}
