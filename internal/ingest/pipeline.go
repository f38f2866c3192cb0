// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package ingest runs the in-process intake bus between the gateway
// surface and the aggregation layer. Messages flow through a router
// with panic recovery and retry; malformed payloads are dropped, not
// retried.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/mbeckett/guildpulse/internal/metrics"
	"github.com/mbeckett/guildpulse/internal/models"
)

// ActivitySink receives decoded activity events.
type ActivitySink interface {
	Ingest(event models.ActivityEvent)
}

// MemberStore persists member lifecycle changes.
type MemberStore interface {
	RecordJoin(ctx context.Context, m models.Member) error
	RecordDeparture(ctx context.Context, guildID, userID int64, when time.Time) error
	UpdateNames(ctx context.Context, guildID, userID int64, username, nickname string) error
	TouchLastSeen(ctx context.Context, guildID, userID int64, when time.Time) error
}

// Config holds intake bus settings.
type Config struct {
	// QueueSize buffers published messages per subscriber.
	QueueSize int

	// RetryCount bounds handler retries for storage failures.
	RetryCount int

	// RetryInterval is the initial backoff between handler retries.
	RetryInterval time.Duration

	// CloseTimeout bounds the wait for in-flight handlers on shutdown.
	CloseTimeout time.Duration
}

// DefaultConfig returns production intake settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		RetryCount:    3,
		RetryInterval: 100 * time.Millisecond,
		CloseTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.RetryCount <= 0 {
		c.RetryCount = def.RetryCount
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	return c
}

// Pipeline owns the pub/sub channel and its handler router.
type Pipeline struct {
	pubsub  *gochannel.GoChannel
	router  *message.Router
	sink    ActivitySink
	members MemberStore
	log     zerolog.Logger
}

// NewPipeline wires the intake bus: one handler merging activity events
// into the buffer, one applying member lifecycle changes.
func NewPipeline(cfg Config, sink ActivitySink, members MemberStore, log zerolog.Logger) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	componentLog := log.With().Str("component", "ingest").Logger()
	wmLogger := newLoggerAdapter(componentLog)

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.QueueSize),
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create intake router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryCount,
		InitialInterval: cfg.RetryInterval,
		Multiplier:      2.0,
		Logger:          wmLogger,
	}
	router.AddMiddleware(retry.Middleware)

	p := &Pipeline{
		pubsub:  pubsub,
		router:  router,
		sink:    sink,
		members: members,
		log:     componentLog,
	}

	router.AddConsumerHandler("activity_counter", TopicActivity, pubsub, p.handleActivity)
	router.AddConsumerHandler("member_tracker", TopicMembers, pubsub, p.handleMember)

	return p, nil
}

// PublishActivity pushes one activity event onto the bus.
func (p *Pipeline) PublishActivity(event models.ActivityEvent) error {
	msg, err := encodeMessage(event)
	if err != nil {
		return err
	}
	if err := p.pubsub.Publish(TopicActivity, msg); err != nil {
		return fmt.Errorf("publish activity event: %w", err)
	}
	metrics.IngestPublished.WithLabelValues(TopicActivity).Inc()
	return nil
}

// PublishMember pushes one member lifecycle event onto the bus.
func (p *Pipeline) PublishMember(event MemberEvent) error {
	msg, err := encodeMessage(event)
	if err != nil {
		return err
	}
	if err := p.pubsub.Publish(TopicMembers, msg); err != nil {
		return fmt.Errorf("publish member event: %w", err)
	}
	metrics.IngestPublished.WithLabelValues(TopicMembers).Inc()
	return nil
}

// handleActivity merges one activity message into the buffer. Malformed
// payloads are acked and dropped so they cannot wedge the topic.
func (p *Pipeline) handleActivity(msg *message.Message) error {
	event, err := decodeActivity(msg)
	if err == nil {
		err = event.Validate()
	}
	if err != nil {
		metrics.IngestMessages.WithLabelValues(TopicActivity, "dropped").Inc()
		p.log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Dropping malformed activity event")
		return nil
	}

	p.sink.Ingest(event)
	metrics.IngestMessages.WithLabelValues(TopicActivity, "ok").Inc()
	return nil
}

// handleMember applies one member lifecycle message. Storage errors are
// returned so the retry middleware re-runs the handler.
func (p *Pipeline) handleMember(msg *message.Message) error {
	event, err := decodeMember(msg)
	if err == nil {
		err = event.Validate()
	}
	if err != nil {
		metrics.IngestMessages.WithLabelValues(TopicMembers, "dropped").Inc()
		p.log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Dropping malformed member event")
		return nil
	}

	ctx := msg.Context()
	switch event.Type {
	case MemberJoined:
		err = p.members.RecordJoin(ctx, models.Member{
			GuildID:  event.GuildID,
			UserID:   event.UserID,
			Username: event.Username,
			Nickname: event.Nickname,
			JoinDate: event.Timestamp,
			IsActive: true,
		})
	case MemberLeft:
		err = p.members.RecordDeparture(ctx, event.GuildID, event.UserID, event.Timestamp)
	case MemberUpdated:
		err = p.members.UpdateNames(ctx, event.GuildID, event.UserID, event.Username, event.Nickname)
	case MemberPresence:
		err = p.members.TouchLastSeen(ctx, event.GuildID, event.UserID, event.Timestamp)
	}
	if err != nil {
		metrics.IngestMessages.WithLabelValues(TopicMembers, "error").Inc()
		return fmt.Errorf("apply member event %s: %w", event.Type, err)
	}

	metrics.IngestMessages.WithLabelValues(TopicMembers, "ok").Inc()
	return nil
}

// Run starts the router and blocks until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.router.Run(ctx)
}

// Running returns a channel that closes once the router is consuming.
func (p *Pipeline) Running() <-chan struct{} {
	return p.router.Running()
}

// Close stops the router and the pub/sub channel, waiting for in-flight
// handlers up to the configured close timeout.
func (p *Pipeline) Close() error {
	if err := p.router.Close(); err != nil {
		return fmt.Errorf("close intake router: %w", err)
	}
	if err := p.pubsub.Close(); err != nil {
		return fmt.Errorf("close intake channel: %w", err)
	}
	return nil
}
