package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/Martian-dev/newsletter-threader/internal/auth"
	"github.com/Martian-dev/newsletter-threader/internal/config"
	"github.com/Martian-dev/newsletter-threader/internal/eventstore/sqlite"
	"github.com/Martian-dev/newsletter-threader/internal/llm"
	"github.com/Martian-dev/newsletter-threader/internal/mail"
	"github.com/Martian-dev/newsletter-threader/internal/monitor"
	natsjs "github.com/Martian-dev/newsletter-threader/internal/nats"
	"github.com/Martian-dev/newsletter-threader/internal/providers/gmail"
	"github.com/Martian-dev/newsletter-threader/internal/providers/outlook"
	"github.com/Martian-dev/newsletter-threader/internal/providers/x"
	"github.com/Martian-dev/newsletter-threader/internal/search"
	"github.com/Martian-dev/newsletter-threader/internal/session"
	"github.com/Martian-dev/newsletter-threader/internal/social"
	"github.com/Martian-dev/newsletter-threader/internal/thread"
)

// service holds everything the run command wires together.
type service struct {
	mail       mail.Provider
	sessions   *session.Manager
	classifier *llm.Classifier
	writer     *llm.ThreadWriter
	threads    *thread.Publisher
	replies    *thread.Publisher
	sink       monitor.EventSink
	journal    *sqlite.Store
	operators  *auth.OperatorService
	bus        *natsjs.Publisher
	dispatcher *monitor.OutboxDispatcher
}

func buildService(ctx context.Context, cfg *config.Config, log *zap.Logger) (*service, error) {
	svc := &service{sink: monitor.NopSink{}}

	provider, err := newMailProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc.mail = provider
	svc.sessions = newSessions(cfg, log)

	gen, err := llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Temperature)
	if err != nil {
		return nil, err
	}
	svc.classifier = llm.NewClassifier(gen, log)

	var searcher llm.Searcher
	if cfg.Search.Enabled {
		searcher = search.NewDuckDuckGo(log)
	}
	svc.writer = llm.NewThreadWriter(gen, searcher, llm.WriterConfig{
		MaxLen:        cfg.Platform.MaxPostLength,
		SearchResults: cfg.Search.MaxResults,
		SearchTimeout: cfg.Search.Timeout.Std(),
	}, log)

	svc.threads = thread.NewPublisher(svc.sessions, thread.Config{
		MinDelay:      cfg.Publish.MinDelay.Std(),
		MaxDelay:      cfg.Publish.MaxDelay.Std(),
		CooldownEvery: cfg.Publish.CooldownEvery,
		Cooldown:      cfg.Publish.Cooldown.Std(),
		Continuation:  cfg.Publish.Continuation,
		Closing:       cfg.Publish.Closing,
		MaxLen:        cfg.Platform.MaxPostLength,
		CallTimeout:   cfg.Platform.CallTimeout.Std(),
	}, log)
	// The mention loop waits its own reply jitter.
	svc.replies = thread.NewPublisher(svc.sessions, thread.Config{
		MaxLen:      cfg.Platform.MaxPostLength,
		CallTimeout: cfg.Platform.CallTimeout.Std(),
	}, log)

	if cfg.Journal.Path != "" {
		store, err := openJournal(cfg)
		if err != nil {
			return nil, err
		}
		svc.journal = store
		svc.sink = store
		svc.operators = auth.NewOperatorService(store.DB)

		if cfg.Journal.NatsURL != "" {
			bus, err := natsjs.NewPublisher(cfg.Journal.NatsURL, cfg.Journal.SubjectPrefix)
			if err != nil {
				svc.Close()
				return nil, err
			}
			svc.bus = bus
			if err := bus.EnsureStream(ctx); err != nil {
				svc.Close()
				return nil, fmt.Errorf("ensure NATS stream: %w", err)
			}
			svc.dispatcher = monitor.NewOutboxDispatcher(store, bus, log)
		}
	}
	return svc, nil
}

func (s *service) Close() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

func openJournal(cfg *config.Config) (*sqlite.Store, error) {
	return sqlite.Open(cfg.Journal.Driver, cfg.Journal.Path, cfg.Journal.SubjectPrefix)
}

func newSessions(cfg *config.Config, log *zap.Logger) *session.Manager {
	identity := social.Identity{
		Username:     cfg.Platform.Username,
		ClientID:     cfg.Platform.ClientID,
		ClientSecret: cfg.Platform.ClientSecret,
		RefreshToken: cfg.Platform.RefreshToken,
	}
	return session.NewManager(x.NewAuthenticator(cfg.Platform.BaseURL, log), identity, session.Config{
		Cooldown: cfg.Session.Cooldown.Std(),
		Timeout:  cfg.Platform.CallTimeout.Std() * 2,
	}, log)
}

// newMailProvider uses the token broker when configured, else the local
// Gmail credential files.
func newMailProvider(ctx context.Context, cfg *config.Config) (mail.Provider, error) {
	var broker *auth.BrokerClient
	if cfg.Mail.BrokerURL != "" {
		broker = auth.NewBrokerClient(cfg.Mail.BrokerURL)
	}

	switch cfg.Mail.Provider {
	case "gmail":
		if broker != nil {
			ts := broker.TokenSource(ctx, cfg.Mail.UserJWT, auth.ProviderGoogle)
			return gmail.New(ctx, cfg.Mail.User, option.WithTokenSource(ts))
		}
		ts, err := gmail.TokenSourceFromFiles(ctx, cfg.Mail.CredentialsFile, cfg.Mail.TokenFile)
		if err != nil {
			return nil, err
		}
		return gmail.New(ctx, cfg.Mail.User, option.WithTokenSource(ts))

	case "outlook":
		if broker == nil {
			return nil, fmt.Errorf("outlook requires mail.broker_url")
		}
		return outlook.New(broker.TokenSource(ctx, cfg.Mail.UserJWT, auth.ProviderMicrosoft), cfg.Mail.User)
	}
	return nil, fmt.Errorf("unsupported mail provider %q", cfg.Mail.Provider)
}

func mentionConfig(cfg *config.Config) monitor.MentionConfig {
	kinds := make([]social.NotificationKind, 0, len(cfg.Mentions.Kinds))
	for _, k := range cfg.Mentions.Kinds {
		kinds = append(kinds, social.NotificationKind(k))
	}
	return monitor.MentionConfig{
		Interval:      cfg.Mentions.Interval.Std(),
		ErrorBackoff:  cfg.Mentions.ErrorBackoff.Std(),
		Kinds:         kinds,
		FollowersOnly: cfg.Mentions.FollowersOnly,
		ReplyMinDelay: cfg.Mentions.ReplyMinDelay.Std(),
		ReplyMaxDelay: cfg.Mentions.ReplyMaxDelay.Std(),
		CallTimeout:   cfg.Platform.CallTimeout.Std(),
	}
}
