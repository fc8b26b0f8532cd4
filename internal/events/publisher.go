// Package events hands final transcripts and annotations to Kafka for the
// downstream session store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/metrics"
)

const (
	EventTypeTranscriptFinal = "session.transcript.final"
	EventTypeAnnotation      = "session.transcript.annotation"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes records to one topic per record kind. Without brokers it
// only logs.
type Publisher struct {
	writerTranscript messageWriter
	writerAnnotation messageWriter
	principal        string
	topicTranscript  string
	topicAnnotation  string
	enabled          bool
	metrics          *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicTranscript string
	TopicAnnotation string
	Principal       string
	Enabled         bool
}

// New creates a publisher. A nil or disabled config yields log-only mode.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicTranscript: cfg.TopicTranscript,
			topicAnnotation: cfg.TopicAnnotation,
			metrics:         m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicAnnotation", cfg.TopicAnnotation).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTranscript: newWriter(cfg.Brokers, cfg.TopicTranscript, transport),
		writerAnnotation: newWriter(cfg.Brokers, cfg.TopicAnnotation, transport),
		principal:        cfg.Principal,
		topicTranscript:  cfg.TopicTranscript,
		topicAnnotation:  cfg.TopicAnnotation,
		enabled:          true,
		metrics:          m,
	}
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// PublishTranscript publishes a final transcript keyed by session group, so
// one group's records stay ordered within a partition.
func (p *Publisher) PublishTranscript(ctx context.Context, rec models.TranscriptRecord) error {
	if rec.EventType == "" {
		rec.EventType = EventTypeTranscriptFinal
	}
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, rec.EventType, rec.SessionGroupKey, rec)
}

// PublishAnnotation publishes one annotation keyed by session group.
func (p *Publisher) PublishAnnotation(ctx context.Context, rec models.AnnotationRecord) error {
	if rec.EventType == "" {
		rec.EventType = EventTypeAnnotation
	}
	return p.publish(ctx, p.writerAnnotation, p.topicAnnotation, rec.EventType, rec.SessionGroupKey, rec)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscript != nil {
		if e := p.writerTranscript.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcript writer")
			err = e
		}
	}
	if p.writerAnnotation != nil {
		if e := p.writerAnnotation.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing annotation writer")
			err = e
		}
	}
	return err
}
