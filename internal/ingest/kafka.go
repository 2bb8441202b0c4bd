package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mbd888/siterisk/internal/temporal"
)

// KafkaConfig selects the brokers, consumer group and topics.
type KafkaConfig struct {
	Brokers           []string
	Group             string
	EventsTopic       string
	MeasurementsTopic string
}

// KafkaConsumer reads inputs from a consumer group. Offsets are marked only
// after the engine has stored the input, so a crash replays from the last
// stored message.
type KafkaConsumer struct {
	group   sarama.ConsumerGroup
	handler *claimHandler
	logger  *slog.Logger
}

// NewKafkaConsumer joins the consumer group.
func NewKafkaConsumer(cfg KafkaConfig, ing temporal.Ingester, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ingest: no kafka brokers configured")
	}
	sc := sarama.NewConfig()
	sc.ClientID = "siterisk"
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	if err != nil {
		return nil, fmt.Errorf("ingest: create consumer group: %w", err)
	}
	return &KafkaConsumer{
		group:   group,
		handler: newClaimHandler(cfg, ing),
		logger:  logger,
	}, nil
}

// Run consumes until ctx is done. Consume returns at every rebalance, so it
// is called in a loop.
func (k *KafkaConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range k.group.Errors() {
			k.logger.Warn("kafka consumer error", "error", err)
		}
	}()

	topics := k.handler.topicList()
	k.logger.Info("kafka consumer started", "topics", topics)
	for {
		if err := k.group.Consume(ctx, topics, k.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("ingest: kafka consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (k *KafkaConsumer) Close() error {
	return k.group.Close()
}

type claimHandler struct {
	topics map[string]Kind
	sink   *sink
}

func newClaimHandler(cfg KafkaConfig, ing temporal.Ingester) *claimHandler {
	topics := make(map[string]Kind, 2)
	if cfg.EventsTopic != "" {
		topics[cfg.EventsTopic] = KindEvent
	}
	if cfg.MeasurementsTopic != "" {
		topics[cfg.MeasurementsTopic] = KindMeasurement
	}
	return &claimHandler{topics: topics, sink: newSink(ing, "kafka")}
}

func (h *claimHandler) topicList() []string {
	out := make([]string, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim ingests one partition in order. A message that fails
// transiently ends the claim with its offset unmarked.
func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	kind, ok := h.topics[claim.Topic()]
	if !ok {
		return fmt.Errorf("ingest: unexpected topic %s", claim.Topic())
	}
	ctx := sess.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.sink.apply(ctx, kind, msg.Value); err != nil {
				return err
			}
			sess.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}
