package serve

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emberwatch/emberwatch/internal/api"
	"github.com/emberwatch/emberwatch/internal/buildinfo"
	"github.com/emberwatch/emberwatch/internal/classifier"
	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/conversation"
	"github.com/emberwatch/emberwatch/internal/escalation"
	"github.com/emberwatch/emberwatch/internal/events"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/ledger"
	"github.com/emberwatch/emberwatch/internal/llm"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
	"github.com/emberwatch/emberwatch/internal/mqtt"
	"github.com/emberwatch/emberwatch/internal/notification"
	"github.com/emberwatch/emberwatch/internal/observability"
	"github.com/emberwatch/emberwatch/internal/storage"
	"github.com/emberwatch/emberwatch/internal/voice"
)

// app holds every long-lived component of the serve command.
type app struct {
	settings *conf.Settings
	log      logger.Logger

	metrics     *observability.Metrics
	client      *httpclient.Client
	ledgerStore ledger.Store
	janitor     *ledger.Janitor
	store       storage.Store
	bus         *events.EventBus
	sessions    *conversation.Manager
	replies     *conversation.ReplyHandler
	coordinator *escalation.Coordinator
	poller      *mail.Poller
	inboxSeen   *mail.Dedup

	closers []io.Closer
	wg      sync.WaitGroup
}

// assemble builds the component graph. Optional capabilities that are not
// configured stay out of the graph entirely.
func assemble(ctx context.Context, settings *conf.Settings, log logger.Logger) (_ *app, err error) {
	a := &app{settings: settings, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.metrics, err = observability.NewMetrics(); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	a.client = httpclient.New(nil)

	if a.ledgerStore, err = ledger.OpenStore(&settings.Ledger, log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledgerStore)
	if a.janitor, err = ledger.NewJanitor(a.ledgerStore, settings.Ledger.PurgeSchedule, log); err != nil {
		return nil, fmt.Errorf("invalid ledger purge schedule: %w", err)
	}
	notifications := ledger.New(a.ledgerStore, log)

	if a.store, err = storage.New(&settings.Storage, settings.Server.PublicURL, a.client, log); err != nil {
		return nil, err
	}
	if c, ok := a.store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	cls, err := classifier.New(&settings.Classifier, a.client, log)
	if err != nil {
		return nil, err
	}

	deps := escalation.Deps{
		Ledger:              notifications,
		Store:               a.store,
		Classifier:          cls,
		Metrics:             a.metrics.Escalation,
		NotificationMetrics: a.metrics.Notification,
	}

	mailer, err := newMailer(settings, a.client, log)
	if err != nil {
		return nil, err
	}
	if mailer != nil {
		deps.Mailer = mailer
	}

	provider, err := llm.New(llm.ConfigFrom(&settings.LLM), a.client, log)
	if err != nil {
		return nil, err
	}
	var chatter llm.Chatter
	if provider != nil {
		deps.Analyzer = provider
		chatter = provider
	}

	a.sessions = conversation.NewManager(conversation.Config{
		InactivityTimeout: settings.Conversation.InactivityTimeout,
		MaxHistory:        settings.Conversation.MaxHistory,
		ChatTimeout:       settings.Escalation.Timeouts.Chat,
	}, chatter, a.metrics.Conversation, log)
	deps.Sessions = a.sessions

	if settings.Voice.Enabled {
		caller, err := voice.NewTwilioCaller(voice.ConfigFrom(&settings.Voice, settings.Server.PublicURL), a.client.HTTPClient(), log)
		if err != nil {
			return nil, err
		}
		deps.Caller = caller
	}

	if err := a.buildEventBus(ctx); err != nil {
		return nil, err
	}
	deps.Events = a.bus

	if a.coordinator, err = escalation.New(escalation.ConfigFrom(&settings.Escalation), deps, log); err != nil {
		return nil, err
	}

	replyCfg := conversation.ReplyHandlerConfig{
		Contacts: notifications,
		Images:   a.store,
		Timeouts: conversation.ReplyTimeouts{
			Storage:  settings.Escalation.Timeouts.Storage,
			Analysis: settings.Escalation.Timeouts.Analysis,
			Email:    settings.Escalation.Timeouts.Email,
		},
		Metrics: a.metrics.Conversation,
	}
	if provider != nil {
		replyCfg.Analyzer = provider
	}
	if mailer != nil {
		replyCfg.Mailer = mailer
	}
	a.replies = conversation.NewReplyHandler(replyCfg, log)
	a.inboxSeen = mail.NewDedup(0)

	if settings.Email.IMAP.Enabled {
		dial, err := mail.NewIMAPDialer(mail.IMAPConfigFrom(&settings.Email.IMAP))
		if err != nil {
			return nil, err
		}
		a.poller = mail.NewPoller(dial, a.replies, mail.PollerConfig{
			Interval: settings.Email.IMAP.PollInterval,
			Seen:     a.inboxSeen,
		}, log)
	}

	return a, nil
}

func newMailer(settings *conf.Settings, client *httpclient.Client, log logger.Logger) (*mail.Mailer, error) {
	sender, err := mail.NewSender(&settings.Email, client, log)
	if err != nil || sender == nil {
		return nil, err
	}
	return mail.NewMailer(sender, log)
}

// buildEventBus registers one breaker-guarded consumer per enabled publish
// target. A bus without consumers rejects every event.
func (a *app) buildEventBus(ctx context.Context) error {
	q := a.settings.Escalation.EventQueue
	a.bus = events.New(events.Config{BufferSize: q.Size, Workers: q.Workers}, a.log)
	a.bus.OnDrop = func(events.AlertEvent) { a.metrics.Escalation.EventsDropped.Inc() }

	breakerCfg := notification.DefaultCircuitBreakerConfig()
	if b := a.settings.Escalation.Breaker; b.MaxFailures > 0 {
		breakerCfg.MaxFailures = b.MaxFailures
	}
	register := func(pub notification.Publisher) error {
		breaker := notification.NewCircuitBreaker(breakerCfg, pub.Name(), a.metrics.Notification, a.log)
		return a.bus.RegisterConsumer(notification.NewAlertPublisher(pub, breaker, a.log))
	}

	if m := a.settings.Publish.MQTT; m.Enabled {
		client, err := mqtt.NewClient(mqtt.Config{
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			Topic:    m.Topic,
			Retain:   m.Retain,
		}, a.log)
		if err != nil {
			return err
		}
		// paho keeps retrying in the background, so a broker that is down at
		// startup is not fatal.
		if err := client.Connect(ctx); err != nil {
			a.log.Warn("mqtt broker unreachable, will retry", logger.Error(err))
		}
		a.closers = append(a.closers, client)
		if err := register(client); err != nil {
			return err
		}
	}

	if n := a.settings.Publish.NATS; n.Enabled {
		pub, err := notification.NewNATSPublisher(notification.NATSConfig{
			URL:     n.URL,
			Subject: n.Subject,
			Name:    "emberwatch",
		}, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub)
		if err := register(pub); err != nil {
			return err
		}
	}
	return nil
}

// serverOptions registers every route whose dependency exists.
func (a *app) serverOptions(build *buildinfo.Context) []api.ServerOption {
	opts := []api.ServerOption{
		api.WithEscalator(a.coordinator),
		api.WithDialogue(a.sessions),
		api.WithReplyHandler(a.replies),
		api.WithInboundDedup(a.inboxSeen),
		api.WithMetrics(a.metrics),
		api.WithVersion(build.GetVersion()),
	}
	if local, ok := a.store.(*storage.LocalStore); ok {
		opts = append(opts, api.WithImageDir(local.Root()))
	}
	return opts
}

// start launches the background loops. They stop when ctx is canceled.
func (a *app) start(ctx context.Context) {
	a.janitor.Start()
	a.wg.Go(func() { a.sessions.Run(ctx) })
	if a.poller != nil {
		a.wg.Go(func() { a.poller.Run(ctx) })
	}
}

// close stops the workers and releases connections in reverse order of
// creation.
func (a *app) close() {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	a.wg.Wait()
	if a.bus != nil {
		if err := a.bus.Shutdown(10 * time.Second); err != nil {
			a.log.Warn("event bus shutdown incomplete", logger.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close failed", logger.Error(err))
		}
	}
	if a.client != nil {
		a.client.Close()
	}
}
