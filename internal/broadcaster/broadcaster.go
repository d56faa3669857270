// Package broadcaster implements the Error Broadcaster: publish-subscribe
// fan-out of GameError events to filtered subscriptions. Grounded on the
// teacher's AgentHub (internal/websocket/agent_hub.go) -- a registry
// channel plus a broadcast channel drained by a single event loop -- but
// generalized from "broadcast bytes to every agent" to "deliver filtered
// events on a worker pool", per the fan-out-on-a-worker-pool requirement a
// single-threaded hub loop can't satisfy under load.
package broadcaster

import (
	"sync"

	"github.com/rs/zerolog"
)

// ErrorType classifies a GameError.
type ErrorType string

const (
	ErrorTypeCommand ErrorType = "COMMAND"
	ErrorTypeSystem  ErrorType = "SYSTEM"
	ErrorTypeGeneral ErrorType = "GENERAL"
)

// GameError is one published event.
type GameError struct {
	ID        string
	Timestamp int64
	MatchID   string // empty for global errors
	PlayerID  string // empty for match-wide errors
	Type      ErrorType
	Source    string
	Message   string
	Details   map[string]any
}

// subscription is one listener's filter plus delivery channel.
type subscription struct {
	id       uint64
	matchID  string // empty = all matches
	playerID string // empty = all players within matchID
	ch       chan GameError
}

func (s *subscription) matches(e GameError) bool {
	if s.matchID != "" {
		if e.MatchID != "" && e.MatchID != s.matchID {
			return false
		}
	}
	if s.playerID != "" {
		if e.PlayerID != "" && e.PlayerID != s.playerID {
			return false
		}
	}
	return true
}

// Subscription is the caller-facing handle; Events delivers matching
// GameErrors, Unsubscribe stops delivery and releases the channel.
type Subscription struct {
	Events <-chan GameError
	cancel func()
}

// Unsubscribe stops delivery to this subscription.
func (s *Subscription) Unsubscribe() { s.cancel() }

// Broadcaster fans GameError publications out to subscribers on a bounded
// pool of lanes, so one slow or panicking listener never blocks delivery to
// the rest. Every subscription is pinned to exactly one lane for its whole
// lifetime (hashed from its id), and each lane is drained by exactly one
// goroutine -- so events enqueued for the same subscriber in publish order
// are always delivered in that order, while unrelated subscribers on other
// lanes make progress independently.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64

	lanes []chan job
	wg    sync.WaitGroup
	log   zerolog.Logger
}

type job struct {
	sub *subscription
	err GameError
}

// New builds a Broadcaster with workers lanes, each drained by its own
// goroutine.
func New(workers int, log zerolog.Logger) *Broadcaster {
	if workers < 1 {
		workers = 1
	}
	b := &Broadcaster{
		subs:  make(map[uint64]*subscription),
		lanes: make([]chan job, workers),
		log:   log,
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan job, 64)
		b.wg.Add(1)
		go b.worker(b.lanes[i])
	}
	return b
}

func (b *Broadcaster) worker(lane chan job) {
	defer b.wg.Done()
	for j := range lane {
		b.deliver(j)
	}
}

// lane returns the lane a subscription's events are always routed through.
func (b *Broadcaster) lane(subID uint64) chan job {
	return b.lanes[subID%uint64(len(b.lanes))]
}

func (b *Broadcaster) deliver(j job) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("match_id", j.err.MatchID).Msg("broadcaster: listener panicked, isolated")
		}
	}()
	select {
	case j.sub.ch <- j.err:
	default:
		// Listener's buffer is full; at-most-once semantics mean we drop
		// rather than block the worker or the other subscribers.
		b.log.Warn().Uint64("subscription_id", j.sub.id).Msg("broadcaster: dropping event, listener buffer full")
	}
}

// Subscribe delivers every published error regardless of match or player.
func (b *Broadcaster) Subscribe(bufferSize int) *Subscription {
	return b.subscribe("", "", bufferSize)
}

// SubscribeToMatch delivers errors for matchID, plus global errors (no
// match id attached).
func (b *Broadcaster) SubscribeToMatch(matchID string, bufferSize int) *Subscription {
	return b.subscribe(matchID, "", bufferSize)
}

// SubscribeToPlayer delivers errors for (matchID, playerID), plus
// match-wide errors within matchID (no player id attached).
func (b *Broadcaster) SubscribeToPlayer(matchID, playerID string, bufferSize int) *Subscription {
	return b.subscribe(matchID, playerID, bufferSize)
}

func (b *Broadcaster) subscribe(matchID, playerID string, bufferSize int) *Subscription {
	if bufferSize < 1 {
		bufferSize = 16
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, matchID: matchID, playerID: playerID, ch: make(chan GameError, bufferSize)}
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{
		Events: sub.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		},
	}
}

// Publish enqueues e for asynchronous, at-most-once delivery to every
// matching subscription. A subscriber always sits on one lane, so events a
// single caller publishes back-to-back reach that subscriber in the order
// Publish was called; order between different subscribers is unspecified.
func (b *Broadcaster) Publish(e GameError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.matches(e) {
			lane := b.lane(sub.id)
			select {
			case lane <- job{sub: sub, err: e}:
			default:
				b.log.Warn().Uint64("subscription_id", sub.id).Msg("broadcaster: dropping event, lane full")
			}
		}
	}
}

// Stop drains every lane. No further Publish calls may be made afterward.
func (b *Broadcaster) Stop() {
	for _, lane := range b.lanes {
		close(lane)
	}
	b.wg.Wait()
}
