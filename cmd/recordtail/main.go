// recordtail prints the transcript and annotation records the relay
// publishes to Kafka.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"live-transcript-relay/internal/events"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicTranscript := flag.String("topic-transcript", "session.transcript.final", "Final transcript topic")
	topicAnnotation := flag.String("topic-annotation", "session.transcript.annotation", "Annotation topic")
	group := flag.String("group", "", "Only show records for this session group")
	since := flag.Duration("since", time.Hour, "How far back to start reading (ignored with -consumer-group)")
	consumerGroup := flag.String("consumer-group", "", "Kafka consumer group; empty reads every partition directly")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerList := strings.Split(*brokers, ",")
	var wg sync.WaitGroup
	for _, topic := range []string{*topicTranscript, *topicAnnotation} {
		var partitions []int
		if *consumerGroup == "" {
			var err error
			partitions, err = topicPartitions(ctx, brokerList, topic)
			if err != nil {
				logger.Fatal().Err(err).Str("topic", topic).Msg("Failed to list partitions")
			}
		}
		for _, rc := range readerConfigs(brokerList, topic, *consumerGroup, partitions) {
			reader := kafka.NewReader(rc)
			if rc.GroupID == "" {
				if err := reader.SetOffsetAt(ctx, time.Now().Add(-*since)); err != nil {
					logger.Warn().Err(err).Str("topic", topic).Int("partition", rc.Partition).
						Msg("Could not seek, reading from current offset")
				}
			}
			wg.Add(1)
			go func(topic string) {
				defer wg.Done()
				consume(ctx, logger, reader, topic, *group)
			}(topic)
		}
	}
	wg.Wait()
}

// readerConfigs returns one group reader when consumerGroup is set and
// otherwise one reader per partition.
func readerConfigs(brokers []string, topic, consumerGroup string, partitions []int) []kafka.ReaderConfig {
	if consumerGroup != "" {
		return []kafka.ReaderConfig{{
			Brokers:     brokers,
			GroupID:     consumerGroup,
			Topic:       topic,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		}}
	}
	configs := make([]kafka.ReaderConfig, 0, len(partitions))
	for _, p := range partitions {
		configs = append(configs, kafka.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: p,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
	}
	return configs
}

// topicPartitions lists the partition ids of topic. Records are keyed by
// session group, so any partition may hold a given group.
func topicPartitions(ctx context.Context, brokers []string, topic string) ([]int, error) {
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func consume(ctx context.Context, logger zerolog.Logger, reader *kafka.Reader, topic, group string) {
	defer reader.Close()
	logger.Info().Str("topic", topic).Msg("Consuming")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error().Err(err).Str("topic", topic).Msg("Kafka read error")
			time.Sleep(time.Second)
			continue
		}

		rec, err := events.Decode(msg)
		if err != nil {
			logger.Warn().Err(err).Str("topic", topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
				Msg("Skipping undecodable record")
			continue
		}
		if group != "" && rec.SessionGroupKey() != group {
			continue
		}

		switch {
		case rec.Transcript != nil:
			logger.Info().
				Str("group", rec.Transcript.SessionGroupKey).
				Str("segmentId", rec.Transcript.Transcript.SegmentID).
				Float64("confidence", rec.Transcript.Transcript.Confidence).
				Msg(rec.Transcript.Transcript.Text)
		case rec.Annotation != nil:
			logger.Info().
				Str("group", rec.Annotation.SessionGroupKey).
				Str("segmentId", rec.Annotation.Annotation.SegmentID).
				Str("matched", rec.Annotation.Annotation.MatchedText).
				Msg("annotation " + rec.Annotation.Annotation.Label)
		}
	}
}
