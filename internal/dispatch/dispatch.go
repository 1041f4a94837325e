// Package dispatch implements component C8, the Delivery Dispatcher:
// HTTP-signature signing, retry/drop classification, bounded fan-out
// concurrency, and a dedicated serializing deletion queue (spec §4.8).
package dispatch

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/momobridge/bridge/internal/activitypub"
	"github.com/momobridge/bridge/internal/metrics"
)

// FanoutConcurrency bounds how many inboxes are dialed in parallel for a
// single activity's follower fan-out, mirroring the teacher's federationConcurrency.
const FanoutConcurrency = 10

// MaxRetries bounds how many times a queued delivery is retried before being
// dropped, per spec §4.8's "bounded retry with exponential backoff".
const MaxRetries = 5

const (
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 5 * time.Minute
)

// deletionQueueCap bounds the dedicated deletion queue; a full queue drops
// the newest deletion rather than blocking the caller indefinitely.
const deletionQueueCap = 1024

// Dispatcher implements internal/translate.ApDeliverer. A single process-wide
// RSA keypair signs on behalf of every facade actor, per DESIGN.md's
// resolution of "the sender's derived key" (C3 only derives NET-N keys).
type Dispatcher struct {
	privateKey *rsa.PrivateKey
	limiter    *rate.Limiter

	deletionQueue chan deletionJob
	wg            sync.WaitGroup
}

type deletionJob struct {
	ctx             context.Context
	followerInboxes []string
	activity        map[string]interface{}
	senderActorURL  string
}

// New builds a Dispatcher and starts its single-worker deletion queue.
func New(privateKey *rsa.PrivateKey, limiter *rate.Limiter) *Dispatcher {
	d := &Dispatcher{
		privateKey:    privateKey,
		limiter:       limiter,
		deletionQueue: make(chan deletionJob, deletionQueueCap),
	}
	d.wg.Add(1)
	go d.runDeletionQueue()
	return d
}

// Close drains and stops the deletion queue worker.
func (d *Dispatcher) Close() {
	close(d.deletionQueue)
	d.wg.Wait()
}

func (d *Dispatcher) runDeletionQueue() {
	defer d.wg.Done()
	for job := range d.deletionQueue {
		metrics.DeletionQueueDepth.Set(float64(len(d.deletionQueue)))
		for _, inbox := range job.followerInboxes {
			if err := d.deliverWithRetry(job.ctx, inbox, job.activity, job.senderActorURL); err != nil {
				slog.Warn("dispatch: deletion delivery exhausted retries", "inbox", inbox, "error", err)
			}
		}
	}
}

// DeliverToInbox signs and POSTs a single activity to one inbox, retrying
// per spec §4.8's classification.
func (d *Dispatcher) DeliverToInbox(ctx context.Context, inbox string, activity map[string]interface{}, senderActorURL string) error {
	return d.deliverWithRetry(ctx, inbox, activity, senderActorURL)
}

// DeliverToFollowers fans an activity out to every inbox concurrently,
// bounded by FanoutConcurrency, grounded on the teacher's
// Federator.Federate semaphore pattern.
func (d *Dispatcher) DeliverToFollowers(ctx context.Context, followerInboxes []string, activity map[string]interface{}, senderActorURL string) error {
	sem := make(chan struct{}, FanoutConcurrency)
	var wg sync.WaitGroup

	for _, inbox := range followerInboxes {
		sem <- struct{}{}
		wg.Add(1)
		go func(inbox string) {
			defer func() { <-sem; wg.Done() }()
			if err := d.deliverWithRetry(ctx, inbox, activity, senderActorURL); err != nil {
				slog.Warn("dispatch: fan-out delivery exhausted retries", "inbox", inbox, "error", err)
			}
		}(inbox)
	}
	wg.Wait()
	return nil // a per-inbox failure never fails the whole fan-out.
}

// EnqueueDeletion hands a Delete activity's fan-out to the dedicated
// serializing queue, so it cannot race ahead of the Create it targets.
func (d *Dispatcher) EnqueueDeletion(ctx context.Context, followerInboxes []string, activity map[string]interface{}, senderActorURL string) {
	job := deletionJob{ctx: ctx, followerInboxes: followerInboxes, activity: activity, senderActorURL: senderActorURL}
	select {
	case d.deletionQueue <- job:
		metrics.DeletionQueueDepth.Set(float64(len(d.deletionQueue)))
	default:
		id, _ := activity["id"].(string)
		if id == "" {
			id = uuid.NewString()
		}
		slog.Warn("dispatch: deletion queue full, dropping deletion", "id", id)
		metrics.DeletionDropped.Inc()
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, inbox string, activity map[string]interface{}, senderActorURL string) error {
	keyID := senderActorURL + "#main-key"
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		status, err := activitypub.DeliverActivity(ctx, inbox, activity, keyID, d.privateKey)
		lastErr = err

		switch classify(status, err) {
		case actionSuccess:
			metrics.DeliverySuccess.Inc()
			return nil
		case actionDrop:
			metrics.DeliveryDropped.Inc()
			return err
		case actionRetry:
			metrics.DeliveryRetried.Inc()
			if attempt == MaxRetries {
				return lastErr
			}
			if !sleepOrDone(ctx, backoff(attempt)) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type action int

const (
	actionSuccess action = iota
	actionDrop
	actionRetry
)

// classify implements spec §4.8: 4xx other than 408/429 drop, 5xx/408/429/
// network errors retry.
func classify(status int, err error) action {
	if status == 0 {
		return actionRetry // transport failure: DNS, dial, TLS, timeout, EOF.
	}
	switch {
	case status >= 200 && status < 300:
		return actionSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return actionRetry
	case status >= 500:
		return actionRetry
	case status >= 400:
		return actionDrop
	default:
		return actionRetry
	}
}

// backoff implements exponential backoff (baseRetryDelay doubled per attempt,
// capped at maxRetryDelay) plus a random jitter of up to a quarter of that
// delay.
func backoff(attempt int) time.Duration {
	d := time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(attempt)))
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
