// bridge runs the NET-N/NET-A federation bridge as a single binary: the
// HTTP surface (spec §6), the relay subscription loop (C7), and the
// deadlock watchdog (spec §5, §9), joined by an errgroup so that any one
// failing brings the whole process down together.
//
// Usage:
//
//	export DOMAIN=bridge.example
//	export HTTPS_DOMAIN=bridge.example
//	export USER_ID_PREFIX=https://bridge.example/users/
//	export NOTE_ID_PREFIX=https://bridge.example/notes/
//	export BIND_ADDRESS=:8080
//	export SECRET_KEY=... (>= 10 bytes)
//	export MAIN_RELAYS=wss://relay.example
//	export INBOX_RELAYS=
//	export OUTBOX_RELAYS=
//	export METADATA_RELAYS=wss://purplepag.es
//	export AP_RELAYS=
//	export BOT_NSEC=nsec1...
//	./bridge
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/momobridge/bridge/internal/activitypub"
	"github.com/momobridge/bridge/internal/config"
	"github.com/momobridge/bridge/internal/dispatch"
	"github.com/momobridge/bridge/internal/followgraph"
	"github.com/momobridge/bridge/internal/keys"
	"github.com/momobridge/bridge/internal/resolver"
	"github.com/momobridge/bridge/internal/server"
	"github.com/momobridge/bridge/internal/store"
	"github.com/momobridge/bridge/internal/subscription"
	"github.com/momobridge/bridge/internal/translate"
)

// deliveryRate bounds outbound deliveries per second across all inboxes,
// independent of dispatch.FanoutConcurrency's parallelism cap.
const deliveryRate = rate.Limit(20)

// botMetadataCreatedAt mirrors the original's fixed historical timestamp for
// the bot's one-time startup kind-0 publish, so republishing never produces
// a "newer" profile event that would shadow a user-edited one.
const botMetadataCreatedAt = nostr.Timestamp(1700000000)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if err := run(); err != nil {
		slog.Error("bridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.Info("starting bridge")

	cfg, err := config.Load(os.Getenv("BRIDGE_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "domain", cfg.Domain, "database", cfg.DatabaseURL, "bot_npub", cfg.BotNpub)
	activitypub.UserAgent = cfg.UserAgent("1.0.0")

	// ─── Database ───────────────────────────────────────────────────────────
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// ─── Keys (C3) ──────────────────────────────────────────────────────────
	deriver, err := keys.New(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("init key deriver: %w", err)
	}
	rsaKeys, err := keys.LoadOrGenerateRSAKeyPair(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		return fmt.Errorf("load/generate RSA key pair: %w", err)
	}
	slog.Info("RSA key pair ready")

	// ─── Resolver (C2) ──────────────────────────────────────────────────────
	res := resolver.New(cfg.UserIDPrefix, deriver, db)

	// ─── Relay transport (write side of C5/C6, query side of C5, C7) ───────
	subscription.SetCircuitBreakerThreshold(cfg.RelayCircuitThreshold)
	publisher := subscription.NewPublisher(cfg.MainRelays)
	querier := subscription.NewQuerier(cfg.MainRelays, cfg.MetadataRelays)

	// ─── Dispatcher (C8) ────────────────────────────────────────────────────
	limiter := rate.NewLimiter(deliveryRate, cfg.FederationConcurrency)
	dispatcher := dispatch.New(rsaKeys.Private, limiter)
	defer dispatcher.Close()

	localDomain := "https://" + cfg.HTTPSDomain
	serviceActorURL := localDomain + "/actor"

	// ─── Follow graph (C4) / Translator (C5+C6) circular wiring ────────────
	// followgraph.New needs a Publisher before translate.New can exist (it
	// needs the graph); translate.Translator implements Publisher on a
	// pointer receiver, so a zero-value Translator is handed to the graph
	// now and overwritten in place once New has built the real one.
	var translator translate.Translator
	graph, err := followgraph.New(cfg.FollowGraphSnapshotPath, &translator)
	if err != nil {
		return fmt.Errorf("load follow-graph snapshot: %w", err)
	}

	translateCfg := translate.Config{
		LocalDomain:     localDomain,
		HTTPSDomain:     cfg.HTTPSDomain,
		UserIDPrefix:    cfg.UserIDPrefix,
		NoteIDPrefix:    cfg.NoteIDPrefix,
		ReverseDNSLabel: reverseDNSLabel(cfg.Domain),
		BotPubkey:       cfg.BotPubKey,
		ServiceActorURL: serviceActorURL,
	}
	translator = *translate.New(translateCfg, db, graph, deriver, publisher, dispatcher, querier, res)

	// ─── Graceful shutdown ──────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := publishBotMetadata(ctx, publisher, cfg.BotPrivKey); err != nil {
		slog.Warn("failed to publish bot metadata event", "error", err)
	}

	subscriber := subscription.NewSubscriber(cfg.MainRelays, translator.HandleOutbound)

	httpServer := server.New(server.Config{
		LocalDomain:  localDomain,
		HTTPSDomain:  cfg.HTTPSDomain,
		UserIDPrefix: cfg.UserIDPrefix,
		NoteIDPrefix: cfg.NoteIDPrefix,
		ServiceActor: serviceActorURL,
	}, &translator)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return subscriber.Run(gctx) })
	g.Go(func() error { return httpServer.Start(gctx, cfg.BindAddress) })
	g.Go(func() error { return runDeadlockWatchdog(gctx, cfg.DeadlockWatchdogPeriod) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("bridge stopped")
	return nil
}

// publishBotMetadata publishes the bridge's own kind-0 event once at
// startup, under a fixed historical timestamp so a relay never treats it as
// an update overriding a real profile (original_source's main.rs does this
// unconditionally before opening the subscription).
func publishBotMetadata(ctx context.Context, publisher *subscription.Publisher, botPrivkey string) error {
	metadata := `{"name":"bridge bot","about":"NET-N/NET-A federation bridge"}`
	event := &nostr.Event{Kind: 0, Content: metadata, CreatedAt: botMetadataCreatedAt}
	if err := event.Sign(botPrivkey); err != nil {
		return fmt.Errorf("sign bot metadata: %w", err)
	}
	return publisher.Publish(ctx, event)
}

// reverseDNSLabel reverses DOMAIN's dot-separated labels, e.g.
// "bridge.example" -> "example.bridge", for the label-namespace tags
// spec §4.5.1 step 10 and §3 name.
func reverseDNSLabel(domain string) string {
	host := domain
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// runDeadlockWatchdog is the idiomatic-Go substitute for the original's
// parking_lot::deadlock::check_deadlock() sweep: Go's runtime exposes no
// lock-cycle graph to inspect, so this instead verifies the scheduler is
// still servicing new goroutines promptly. A missed heartbeat means the
// process is wedged badly enough that nothing will drain it; spec §5/§9's
// "aborts on detection" contract is honored with os.Exit rather than a
// returned error, since a wedged scheduler may never reach the errgroup.
func runDeadlockWatchdog(ctx context.Context, period time.Duration) error {
	const heartbeatTimeout = 30 * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pong := make(chan struct{}, 1)
			go func() { pong <- struct{}{} }()
			select {
			case <-pong:
			case <-time.After(heartbeatTimeout):
				slog.Error("deadlock watchdog: scheduler unresponsive for", "timeout", heartbeatTimeout)
				os.Exit(1)
			}
		}
	}
}
