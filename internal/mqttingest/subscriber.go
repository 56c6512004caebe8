// Package mqttingest feeds telemetry published over MQTT into the ingestion pipeline.
//
// Meters publish raw sensor lines to <prefix>/<meter_id>/<sensor_id>/data.
// A meter that is not configured yet is told so on <prefix>/<meter_id>/status.
package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"meterhub/server/internal/ingest"
	"meterhub/server/internal/model"
)

const (
	subscribeQoS   = 1
	publishTimeout = 5 * time.Second
	ingestTimeout  = 2 * time.Second
)

// Ingester is the part of the pipeline the subscriber drives.
type Ingester interface {
	Ingest(ctx context.Context, u ingest.Upload) (ingest.Outcome, error)
}

// Options configure the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Logger      *slog.Logger
}

// Subscriber is a paho client subscribed to meter data topics.
type Subscriber struct {
	opts     Options
	ingester Ingester
	logger   *slog.Logger

	mu      sync.Mutex
	client  mqtt.Client
	baseCtx context.Context

	publish func(topic string, payload []byte) error
}

// New constructs a subscriber. Start must be called to connect.
func New(opts Options, ingester Ingester) *Subscriber {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts.TopicPrefix = strings.Trim(opts.TopicPrefix, "/")

	s := &Subscriber{
		opts:     opts,
		ingester: ingester,
		logger:   logger,
		baseCtx:  context.Background(),
	}
	s.publish = s.publishToBroker
	return s
}

// SubscriptionTopic is the wildcard filter covering every meter data topic.
func (s *Subscriber) SubscriptionTopic() string {
	return s.opts.TopicPrefix + "/+/+/data"
}

// StatusTopic is where control messages for meterID are published.
func (s *Subscriber) StatusTopic(meterID string) string {
	return fmt.Sprintf("%s/%s/status", s.opts.TopicPrefix, meterID)
}

// Start connects to the broker. The subscription is (re)established on every connect.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.opts.Broker == "" {
		return errors.New("mqtt broker address is required")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(c mqtt.Client) {
		topic := s.SubscriptionTopic()
		s.logger.Info("mqtt connected, subscribing", "topic", topic)
		if token := c.Subscribe(topic, subscribeQoS, s.onMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "topic", topic, "error", token.Error())
		}
	}

	client := mqtt.NewClient(opts)

	s.mu.Lock()
	s.client = client
	s.baseCtx = ctx
	s.mu.Unlock()

	// With connect retry enabled the token completes once the first attempt is made.
	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	s.logger.Info("mqtt subscriber started", "broker", s.opts.Broker, "client_id", s.opts.ClientID)
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(500)
		s.logger.Info("mqtt subscriber stopped")
	}
}

// IsConnected reports whether the broker connection is up.
func (s *Subscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// ParseTopic extracts meter and sensor ids from <prefix>/<meter_id>/<sensor_id>/data.
func ParseTopic(prefix, topic string) (meterID, sensorID string, ok bool) {
	prefix = strings.Trim(prefix, "/")
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "data" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *Subscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.handle(s.baseContext(), m.Topic(), m.Payload())
}

func (s *Subscriber) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) {
	meterID, sensorID, ok := ParseTopic(s.opts.TopicPrefix, topic)
	if !ok {
		s.logger.Warn("mqtt message on unexpected topic", "topic", topic)
		return
	}

	ingestCtx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	data := string(payload)
	out, err := s.ingester.Ingest(ingestCtx, ingest.Upload{MeterID: meterID, SensorID: sensorID, Data: &data})
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			s.logger.Warn("mqtt upload rejected", "topic", topic, "error", err)
			return
		}
		s.logger.Error("mqtt upload failed", "topic", topic, "error", err)
		return
	}

	if out.Status == ingest.ConfigRequired {
		s.notifyConfigRequired(meterID)
	}
}

func (s *Subscriber) notifyConfigRequired(meterID string) {
	body, err := json.Marshal(map[string]string{"status": ingest.ConfigRequired.String()})
	if err != nil {
		s.logger.Error("encode status message", "error", err)
		return
	}

	topic := s.StatusTopic(meterID)
	if err := s.publish(topic, body); err != nil {
		s.logger.Warn("publish config_required failed", "topic", topic, "error", err)
	}
}

func (s *Subscriber) publishToBroker(topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return errors.New("mqtt client not started")
	}

	token := client.Publish(topic, subscribeQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}
