// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/tombee/harness/internal/log"
	"github.com/tombee/harness/internal/ports"
)

// DefaultAuthTag is the reserved tag that triggers registered auth handlers
// instead of only being stored.
const DefaultAuthTag = "auth/request"

// DefaultEventExpiry is how long received events stay queryable.
const DefaultEventExpiry = 2 * time.Minute

// WaitPollInterval is the scan interval used by WaitForEvents.
const WaitPollInterval = 500 * time.Millisecond

const (
	maxStoredEvents = 10000
	sweepInterval   = 30 * time.Second
	stopAckWait     = 5 * time.Second
	joinWait        = 5 * time.Second
	maxLineBytes    = 1 << 20
)

// ErrAlreadyStarted is returned by Start on a running listener.
var ErrAlreadyStarted = errors.New("events: listener already started")

// AuthHandler reacts to an auth event from a specific source. Handlers run
// synchronously on the receive goroutine; panics are caught and logged.
type AuthHandler func(data map[string]any)

// WeakAuthHandler wraps a method-style callback so the registry holds only a
// weak reference to target. Once target is garbage collected the handler
// silently becomes a no-op, so registering a callback never keeps an
// otherwise-unreferenced daemon alive for the rest of the session.
func WeakAuthHandler[T any](target *T, fn func(*T, map[string]any)) AuthHandler {
	ref := weak.Make(target)
	return func(data map[string]any) {
		if t := ref.Value(); t != nil {
			fn(t, data)
		}
	}
}

// message is one decoded wire frame.
type message struct {
	sentinel bool
	sourceID string
	tag      string
	data     map[string]any
}

// Listener consumes the event bus for a test session. Daemons connect to
// Addr and push newline-delimited JSON frames; the listener retains decoded
// events in a bounded store and answers queries from test goroutines.
//
// The receive loop and a periodic expiry sweep each run on their own
// goroutine between Start and Stop. The store is bounded: at capacity the
// oldest event is evicted on append, and the sweep drops expired events.
type Listener struct {
	// Logger receives listener logs; nil discards.
	Logger *slog.Logger

	// AuthTag overrides DefaultAuthTag when set before Start.
	AuthTag string

	// EventExpiry overrides DefaultEventExpiry when set before Start.
	EventExpiry time.Duration

	addr string

	mu     sync.Mutex
	events []Event

	auth  sync.Map // source id -> AuthHandler
	conns sync.Map // *net.Conn set, closed on Stop

	ln           net.Listener
	recv         chan message
	stopCh       chan struct{}
	sentinelSeen chan struct{}
	sentinelOnce sync.Once
	acceptDone   chan struct{}
	consumerDone chan struct{}
	sweeperDone  chan struct{}
	running      atomic.Bool
}

// NewListener allocates a listener bound to an unused localhost port. The
// address is fixed at construction so daemon configs can embed it before the
// listener is started.
func NewListener(logger *slog.Logger) (*Listener, error) {
	port, err := ports.Unused()
	if err != nil {
		return nil, fmt.Errorf("allocating event listener port: %w", err)
	}
	return &Listener{
		Logger: logger,
		addr:   fmt.Sprintf("127.0.0.1:%d", port),
	}, nil
}

// Addr returns the listener's bus address in host:port form.
func (l *Listener) Addr() string { return l.addr }

// Start binds the bus address and launches the receive and sweep goroutines.
func (l *Listener) Start() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if l.AuthTag == "" {
		l.AuthTag = DefaultAuthTag
	}
	if l.EventExpiry <= 0 {
		l.EventExpiry = DefaultEventExpiry
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		l.running.Store(false)
		return fmt.Errorf("binding event listener to %s: %w", l.addr, err)
	}
	l.ln = ln
	l.recv = make(chan message)
	l.stopCh = make(chan struct{})
	l.sentinelSeen = make(chan struct{})
	l.sentinelOnce = sync.Once{}
	l.acceptDone = make(chan struct{})
	l.consumerDone = make(chan struct{})
	l.sweeperDone = make(chan struct{})

	go l.acceptLoop()
	go l.consume()
	go l.sweep()

	log.Or(l.Logger).Debug("event listener started", "addr", l.addr)
	return nil
}

// Stop shuts the listener down in two phases: a shutdown sentinel is pushed
// through the same channel as ordinary events, so it is processed only after
// everything sent before it, then the sockets are closed and the goroutines
// joined with bounded waits. Stop never hangs; a goroutine that fails to
// stop promptly is logged and abandoned.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	logger := log.Or(l.Logger)

	if err := sendSentinel(l.addr); err != nil {
		logger.Debug("could not deliver shutdown sentinel", "error", err)
	} else {
		select {
		case <-l.sentinelSeen:
		case <-time.After(stopAckWait):
			logger.Warn("shutdown sentinel not acknowledged", "addr", l.addr)
		}
	}

	close(l.stopCh)
	l.ln.Close()
	l.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})

	for name, done := range map[string]chan struct{}{
		"accept":   l.acceptDone,
		"consumer": l.consumerDone,
		"sweeper":  l.sweeperDone,
	} {
		select {
		case <-done:
		case <-time.After(joinWait):
			logger.Warn("listener goroutine did not stop promptly", "goroutine", name)
		}
	}
	logger.Debug("event listener stopped", "addr", l.addr)
}

func (l *Listener) acceptLoop() {
	defer close(l.acceptDone)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
			default:
				if !errors.Is(err, net.ErrClosed) {
					log.Or(l.Logger).Warn("event listener accept failed", "error", err)
				}
			}
			return
		}
		l.conns.Store(conn, struct{}{})
		go l.readConn(conn)
	}
}

// readConn decodes frames from one sender connection. A malformed frame
// drops the connection, not the listener: it is logged, the connection
// closed, and the accept loop keeps serving new senders.
func (l *Listener) readConn(conn net.Conn) {
	defer func() {
		conn.Close()
		l.conns.Delete(conn)
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := decodeFrame(line)
		if err != nil {
			log.Or(l.Logger).Warn("dropping malformed event frame", "error", err, "remote", conn.RemoteAddr())
			return
		}
		select {
		case l.recv <- msg:
		case <-l.stopCh:
			return
		}
		if msg.sentinel {
			return
		}
	}
}

func decodeFrame(line []byte) (message, error) {
	if bytes.Equal(line, []byte("null")) {
		return message{sentinel: true}, nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return message{}, fmt.Errorf("decoding frame: %w", err)
	}
	if len(parts) != 3 {
		return message{}, fmt.Errorf("frame has %d elements, want 3", len(parts))
	}
	var msg message
	if err := json.Unmarshal(parts[0], &msg.sourceID); err != nil {
		return message{}, fmt.Errorf("decoding source id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &msg.tag); err != nil {
		return message{}, fmt.Errorf("decoding tag: %w", err)
	}
	if err := json.Unmarshal(parts[2], &msg.data); err != nil {
		return message{}, fmt.Errorf("decoding data: %w", err)
	}
	return msg, nil
}

// consume is the single owner of the event store's append side. It exits on
// the shutdown sentinel, so every event sent before the sentinel on the same
// connection is stored first.
func (l *Listener) consume() {
	defer close(l.consumerDone)
	for {
		select {
		case <-l.stopCh:
			return
		case msg := <-l.recv:
			if msg.sentinel {
				l.sentinelOnce.Do(func() { close(l.sentinelSeen) })
				return
			}
			l.store(msg)
		}
	}
}

func (l *Listener) store(msg message) {
	logger := log.Or(l.Logger)

	stamp := time.Now()
	if raw, ok := msg.data[StampKey].(string); ok {
		if parsed, err := time.Parse(StampLayout, raw); err == nil {
			stamp = parsed
		}
	}
	ev := Event{
		SourceID:      msg.sourceID,
		Tag:           msg.tag,
		Stamp:         stamp,
		Data:          splitData(msg.data),
		FullData:      msg.data,
		ExpireSeconds: int(l.EventExpiry / time.Second),
	}

	l.mu.Lock()
	if len(l.events) >= maxStoredEvents {
		copy(l.events, l.events[1:])
		l.events[len(l.events)-1] = ev
	} else {
		l.events = append(l.events, ev)
	}
	l.mu.Unlock()

	logger.Debug("event received", log.TagKey, ev.Tag, log.DaemonIDKey, ev.SourceID)

	if msg.tag == l.AuthTag {
		if h, ok := l.auth.Load(msg.sourceID); ok {
			l.invokeAuthHandler(msg.sourceID, h.(AuthHandler), ev.FullData)
		}
	}
}

func (l *Listener) invokeAuthHandler(sourceID string, h AuthHandler, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Or(l.Logger).Error("auth event handler panicked", log.DaemonIDKey, sourceID, "panic", r)
		}
	}()
	h(data)
}

func (l *Listener) sweep() {
	defer close(l.sweeperDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.pruneExpired()
		}
	}
}

func (l *Listener) pruneExpired() {
	now := time.Now()
	l.mu.Lock()
	kept := l.events[:0]
	for _, ev := range l.events {
		if !ev.expiredAt(now) {
			kept = append(kept, ev)
		}
	}
	dropped := len(l.events) - len(kept)
	l.events = kept
	l.mu.Unlock()
	if dropped > 0 {
		log.Or(l.Logger).Debug("expired events pruned", "count", dropped)
	}
}

func (l *Listener) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Events returns every retained, non-expired event stamped at or after
// afterTime, regardless of source or tag.
func (l *Listener) Events(afterTime time.Time) []Event {
	now := time.Now()
	var out []Event
	for _, ev := range l.snapshot() {
		if ev.expiredAt(now) || ev.Stamp.Before(afterTime) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// GetEvents returns the retained, non-expired events stamped at or after
// afterTime that match any of the given patterns.
func (l *Listener) GetEvents(patterns []Pattern, afterTime time.Time) []Event {
	now := time.Now()
	var matched []Event
	for _, ev := range l.snapshot() {
		if ev.expiredAt(now) || ev.Stamp.Before(afterTime) {
			continue
		}
		for _, p := range patterns {
			if p.Match(ev.SourceID, ev.Tag) {
				matched = append(matched, ev)
				break
			}
		}
	}
	return matched
}

// WaitForEvents blocks until every pattern has matched at least one event
// stamped at or after afterTime, or until timeout (or ctx) runs out. Already
// satisfied patterns leave the working set, so repeated scans only cover
// what is still missing. The result names the patterns that never matched.
func (l *Listener) WaitForEvents(ctx context.Context, patterns []Pattern, timeout time.Duration, afterTime time.Time) MatchedEvents {
	pending := make(map[Pattern]struct{}, len(patterns))
	for _, p := range patterns {
		pending[p] = struct{}{}
	}

	var result MatchedEvents
	deadline := time.Now().Add(timeout)
	for len(pending) > 0 {
		for p := range pending {
			found := l.GetEvents([]Pattern{p}, afterTime)
			if len(found) > 0 {
				result.Matches = append(result.Matches, found[0])
				delete(pending, p)
			}
		}
		if len(pending) == 0 {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		wait := WaitPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	for p := range pending {
		result.Missed = append(result.Missed, p)
	}
	return result
}

// RegisterAuthEventHandler installs a callback fired synchronously when an
// auth-tagged event from sourceID arrives. Use WeakAuthHandler when the
// callback targets an object the listener must not keep alive.
func (l *Listener) RegisterAuthEventHandler(sourceID string, h AuthHandler) {
	l.auth.Store(sourceID, h)
}

// UnregisterAuthEventHandler removes the callback for sourceID, if any.
func (l *Listener) UnregisterAuthEventHandler(sourceID string) {
	l.auth.Delete(sourceID)
}
