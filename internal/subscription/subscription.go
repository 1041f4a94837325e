// Package subscription implements component C7 (the Subscription Loop) and
// the relay-publish transport C5/C6 use to emit translated events, grounded
// on the teacher's nostr/relay.go RelayPool and Publisher.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"
)

// SinceLookback is how far back the subscription filter reaches on
// (re)connect, tolerating transient relay reconnects without replaying
// history (spec §4.7).
const SinceLookback = 3 * time.Minute

// Kinds the subscription filter watches: Metadata, TextNote, ContactList,
// EventDeletion, Repost, Reaction.
var Kinds = []int{0, 1, 3, 5, 6, 7}

// EventHandler processes one inbound NET-N event.
type EventHandler func(ctx context.Context, event *nostr.Event)

const (
	cbCooldown         = 5 * time.Minute
	eventConcurrency   = 20
	reconnectDelay     = 5 * time.Second
)

var cbThreshold = 3

// SetCircuitBreakerThreshold overrides the default of 3 consecutive publish
// failures required before a relay's circuit opens. Call once at startup.
func SetCircuitBreakerThreshold(n int) {
	if n > 0 {
		cbThreshold = n
	}
}

type relayCircuit struct {
	mu            sync.Mutex
	failCount     int
	openedAt      time.Time
	open          bool
	permanentOpen bool
}

func (cb *relayCircuit) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.permanentOpen {
		return true
	}
	if !cb.open {
		return false
	}
	if time.Since(cb.openedAt) >= cbCooldown {
		cb.open = false
		cb.failCount = 0
		return false
	}
	return true
}

func (cb *relayCircuit) openForPoW() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = true
	cb.permanentOpen = true
	cb.openedAt = time.Now()
	cb.failCount = cbThreshold
}

func (cb *relayCircuit) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount++
	if !cb.open && cb.failCount >= cbThreshold {
		cb.open = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

func (cb *relayCircuit) recordSuccess() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	was := cb.open || cb.failCount > 0
	cb.open = false
	cb.failCount = 0
	return was
}

func (cb *relayCircuit) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.permanentOpen = false
	cb.failCount = 0
}

// RelayStatus reports a relay's circuit-breaker state, surfaced by
// cmd/bridgectl's relay subcommands.
type RelayStatus struct {
	URL               string
	CircuitOpen       bool
	FailCount         int
	CooldownRemaining int
}

func (cb *relayCircuit) status(url string) RelayStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	open := cb.permanentOpen || (cb.open && time.Since(cb.openedAt) < cbCooldown)
	var remaining int
	if open && !cb.permanentOpen {
		if r := cbCooldown - time.Since(cb.openedAt); r > 0 {
			remaining = int(r.Seconds())
		}
	}
	return RelayStatus{URL: url, CircuitOpen: open, FailCount: cb.failCount, CooldownRemaining: remaining}
}

// ─── Subscriber (C7) ────────────────────────────────────────────────────────

// Subscriber runs the main-relay subscription loop described in spec §4.7.
type Subscriber struct {
	mu        sync.RWMutex
	relays    []string
	handler   EventHandler
	sem       chan struct{}
	restartCh chan struct{}
}

// NewSubscriber builds a Subscriber over mainRelays, invoking handler for
// every matching event.
func NewSubscriber(mainRelays []string, handler EventHandler) *Subscriber {
	return &Subscriber{
		relays:    append([]string{}, mainRelays...),
		handler:   handler,
		sem:       make(chan struct{}, eventConcurrency),
		restartCh: make(chan struct{}, 1),
	}
}

// AddRelay adds a relay and triggers an immediate resubscribe.
func (s *Subscriber) AddRelay(url string) bool {
	s.mu.Lock()
	for _, r := range s.relays {
		if r == url {
			s.mu.Unlock()
			return false
		}
	}
	s.relays = append(s.relays, url)
	s.mu.Unlock()
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
	return true
}

// RemoveRelay removes a relay and triggers an immediate resubscribe.
func (s *Subscriber) RemoveRelay(url string) bool {
	s.mu.Lock()
	for i, r := range s.relays {
		if r == url {
			s.relays = append(s.relays[:i], s.relays[i+1:]...)
			s.mu.Unlock()
			select {
			case s.restartCh <- struct{}{}:
			default:
			}
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Relays returns a copy of the current relay list.
func (s *Subscriber) Relays() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.relays...)
}

// Run blocks, consuming the subscription stream until ctx is cancelled, per
// spec §4.7's "stream is consumed until shutdown".
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.RLock()
	empty := len(s.relays) == 0
	s.mu.RUnlock()
	if empty {
		slog.Warn("no main relays configured; subscription loop is disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	pool := nostr.NewSimplePool(ctx)
	since := nostr.Now() - nostr.Timestamp(SinceLookback.Seconds())

	for {
		s.mu.RLock()
		relays := append([]string{}, s.relays...)
		s.mu.RUnlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		slog.Info("starting subscription loop", "relays", relays, "since", since)

		filters := nostr.Filters{{Kinds: Kinds, Since: &since}}

		subCtx, subCancel := context.WithCancel(ctx)
		immediateRestart := make(chan struct{}, 1)

		go func() {
			select {
			case <-s.restartCh:
				select {
				case immediateRestart <- struct{}{}:
				default:
				}
				subCancel()
			case <-subCtx.Done():
			}
		}()

		for ev := range pool.SubMany(subCtx, relays, filters) {
			if ev.Event == nil {
				continue
			}
			event := ev.Event
			select {
			case s.sem <- struct{}{}:
				go func() {
					defer func() { <-s.sem }()
					defer func() {
						if r := recover(); r != nil {
							slog.Error("panic in subscription handler", "panic", r)
						}
					}()
					s.handler(ctx, event)
				}()
			default:
				slog.Warn("subscription event dropped: handler backlog full", "id", event.ID)
			}
		}
		subCancel()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case <-immediateRestart:
			slog.Info("relay list changed, resubscribing", "relays", s.Relays())
			since = nostr.Now() - nostr.Timestamp(SinceLookback.Seconds())
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
			slog.Info("reconnecting subscription loop")
			since = nostr.Now() - nostr.Timestamp(SinceLookback.Seconds())
		}
	}
}

// ─── Publisher (relay write transport used by C5/C6) ───────────────────────

// Publisher publishes NET-N events to write relays with per-relay circuit
// breakers, grounded on the teacher's nostr/relay.go Publisher.
type Publisher struct {
	mu       sync.RWMutex
	relays   []string
	circuits map[string]*relayCircuit
	pool     *nostr.SimplePool
	poolOnce sync.Once
	limiter  *rate.Limiter
}

const (
	publishRateLimit = rate.Limit(2)
	publishRateBurst = 5
)

// NewPublisher builds a Publisher over the given write relays.
func NewPublisher(writeRelays []string) *Publisher {
	circuits := make(map[string]*relayCircuit, len(writeRelays))
	for _, r := range writeRelays {
		circuits[r] = &relayCircuit{}
	}
	return &Publisher{
		relays:   append([]string{}, writeRelays...),
		circuits: circuits,
		limiter:  rate.NewLimiter(publishRateLimit, publishRateBurst),
	}
}

// AddRelay adds a relay to the write list.
func (p *Publisher) AddRelay(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.relays {
		if r == url {
			return false
		}
	}
	p.relays = append(p.relays, url)
	p.circuits[url] = &relayCircuit{}
	return true
}

// RemoveRelay removes a relay from the write list.
func (p *Publisher) RemoveRelay(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.relays {
		if r == url {
			p.relays = append(p.relays[:i], p.relays[i+1:]...)
			delete(p.circuits, url)
			return true
		}
	}
	return false
}

// Relays returns a copy of the write relay list.
func (p *Publisher) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string{}, p.relays...)
}

// RelayStatuses reports the circuit-breaker state of every write relay.
func (p *Publisher) RelayStatuses() []RelayStatus {
	p.mu.RLock()
	relays := append([]string{}, p.relays...)
	circuits := make(map[string]*relayCircuit, len(p.circuits))
	for k, v := range p.circuits {
		circuits[k] = v
	}
	p.mu.RUnlock()

	statuses := make([]RelayStatus, 0, len(relays))
	for _, url := range relays {
		if cb, ok := circuits[url]; ok {
			statuses = append(statuses, cb.status(url))
		} else {
			statuses = append(statuses, RelayStatus{URL: url})
		}
	}
	return statuses
}

// ResetCircuit clears circuit-breaker state for one relay.
func (p *Publisher) ResetCircuit(url string) {
	p.mu.RLock()
	cb := p.circuits[url]
	p.mu.RUnlock()
	if cb != nil {
		cb.reset()
		slog.Info("relay circuit breaker reset", "relay", url)
	}
}

func (p *Publisher) getCircuit(url string) *relayCircuit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.circuits[url]; ok {
		return cb
	}
	cb := &relayCircuit{}
	p.circuits[url] = cb
	return cb
}

func (p *Publisher) getPool() *nostr.SimplePool {
	p.poolOnce.Do(func() {
		p.pool = nostr.NewSimplePool(context.Background())
	})
	return p.pool
}

// Publish sends event to every write relay whose circuit is closed.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event) error {
	p.mu.RLock()
	allRelays := append([]string{}, p.relays...)
	p.mu.RUnlock()

	if len(allRelays) == 0 {
		slog.Warn("no write relays configured; event not published", "id", event.ID, "kind", event.Kind)
		return nil
	}

	active := make([]string, 0, len(allRelays))
	for _, url := range allRelays {
		if p.getCircuit(url).isOpen() {
			slog.Debug("skipping relay with open circuit", "relay", url, "id", event.ID)
		} else {
			active = append(active, url)
		}
	}
	if len(active) == 0 {
		return fmt.Errorf("all %d relays have open circuits", len(allRelays))
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("outbound rate limit wait: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-publishCtx.Done():
		}
	}()

	var published, failed int
	for result := range p.getPool().PublishMany(publishCtx, active, *event) {
		cb := p.getCircuit(result.RelayURL)
		switch {
		case result.Error == nil:
			if cb.recordSuccess() {
				slog.Info("relay recovered", "relay", result.RelayURL)
			}
			published++
		case isPowRequired(result.Error):
			cb.openForPoW()
			slog.Warn("relay requires proof-of-work; disabling until manually reset", "relay", result.RelayURL, "error", result.Error)
			failed++
		case isPolicyRejection(result.Error):
			cb.recordSuccess()
			slog.Debug("relay rejected event by policy", "relay", result.RelayURL, "id", event.ID, "error", result.Error)
			failed++
		default:
			if cb.recordFailure() {
				slog.Warn("relay circuit opened; will retry later", "relay", result.RelayURL, "error", result.Error)
			}
			failed++
		}
	}

	if published == 0 && failed > 0 {
		return fmt.Errorf("failed to publish to all %d active relays", failed)
	}
	return nil
}

func isPowRequired(err error) bool {
	return err != nil && strings.Contains(err.Error(), "pow:")
}

func isPolicyRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "msg: blocked:") || strings.Contains(msg, "msg: invalid:")
}
