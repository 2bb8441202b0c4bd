package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/temporal"
)

const topicRoot = "site"

// MQTTConfig selects the broker and subscription.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string // filter, e.g. site/+/+/+
	QoS      byte
}

// MQTTSubscriber turns sensor gateway readings into measurements.
type MQTTSubscriber struct {
	client mqtt.Client
	cfg    MQTTConfig
	sink   *sink
	logger *slog.Logger
	base   context.Context
}

// reading is the payload a gateway publishes for one sample.
type reading struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit"`
}

// NewMQTTSubscriber creates a subscriber; Start connects it.
func NewMQTTSubscriber(cfg MQTTConfig, ing temporal.Ingester, logger *slog.Logger) *MQTTSubscriber {
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	s := &MQTTSubscriber{
		cfg:    cfg,
		sink:   newSink(ing, "mqtt"),
		logger: logger,
		base:   context.Background(),
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOnConnectHandler(s.subscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects and subscribes; readings are ingested under ctx.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	s.base = ctx
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("ingest: connect mqtt %s: %w", s.cfg.Broker, token.Error())
	}
	return nil
}

// Stop disconnects, waiting briefly for in-flight work.
func (s *MQTTSubscriber) Stop() {
	s.client.Disconnect(250)
}

// subscribe runs on every (re)connect.
func (s *MQTTSubscriber) subscribe(c mqtt.Client) {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "error", token.Error())
		return
	}
	s.logger.Info("mqtt subscribed", "topic", s.cfg.Topic, "qos", s.cfg.QoS)
}

func (s *MQTTSubscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	m, err := decodeReading(msg.Topic(), msg.Payload())
	if err != nil {
		_ = s.sink.reject(s.base, KindMeasurement, err)
		return
	}
	if err := s.sink.measurement(s.base, m); err != nil {
		s.logger.Error("mqtt reading not stored", "topic", msg.Topic(), "id", m.ID, "error", err)
	}
}

// ParseTopic splits site/<structure>/<level>/<sensor>.
func ParseTopic(topic string) (site.Ref, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != topicRoot {
		return site.Ref{}, "", fmt.Errorf("%w: topic %q is not %s/<structure>/<level>/<sensor>", ErrMalformed, topic, topicRoot)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return site.Ref{}, "", fmt.Errorf("%w: empty segment in topic %q", ErrMalformed, topic)
		}
	}
	return site.Ref{Structure: parts[1], Level: parts[2]}, parts[3], nil
}

// decodeReading builds a measurement from a topic and payload. Readings
// without an id get one derived from topic and timestamp so that a QoS 1
// redelivery maps onto the same stored input.
func decodeReading(topic string, payload []byte) (*temporal.Measurement, error) {
	loc, sensor, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}
	var r reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Value == nil {
		return nil, fmt.Errorf("%w: reading has no value", ErrMalformed)
	}
	if r.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: reading has no timestamp", ErrMalformed)
	}
	id := r.ID
	if id == "" {
		id = fmt.Sprintf("mqtt-%s-%s-%s-%d", loc.Structure, loc.Level, sensor, r.Timestamp.UnixMilli())
	}
	return &temporal.Measurement{
		ID:         id,
		Timestamp:  r.Timestamp,
		Location:   loc,
		SensorType: sensor,
		Value:      *r.Value,
		Unit:       r.Unit,
	}, nil
}
