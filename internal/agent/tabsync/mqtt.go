package tabsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	types "github.com/sebas/agentphone/api/types/v1"
)

const (
	mqttQoS         = 1
	mqttWaitTimeout = 5 * time.Second
	mqttMaxRetries  = 5
)

// MQTTOptions configures the MQTT broadcaster.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// MQTTBroadcaster publishes broadcasts to an MQTT topic.
type MQTTBroadcaster struct {
	client mqtt.Client
	topic  string
}

// NewMQTTBroadcaster connects to the broker, retrying with backoff.
func NewMQTTBroadcaster(ctx context.Context, opts MQTTOptions) (*MQTTBroadcaster, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "agentphone"
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8]))
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetCleanSession(true)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[TabSync] MQTT connection lost", "broker", opts.Broker, "error", err)
	})
	co.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("[TabSync] MQTT connected", "broker", opts.Broker)
	})

	b := &MQTTBroadcaster{client: mqtt.NewClient(co), topic: opts.Topic}

	var err error
	for i := 0; i < mqttMaxRetries; i++ {
		token := b.client.Connect()
		if token.WaitTimeout(mqttWaitTimeout) && token.Error() == nil {
			return b, nil
		}
		err = token.Error()
		if err == nil {
			err = fmt.Errorf("connect timeout")
		}
		backoff := time.Duration(1<<i) * 200 * time.Millisecond
		slog.Warn("[TabSync] MQTT connect failed", "broker", opts.Broker, "attempt", i+1, "retry_in", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
}

func (b *MQTTBroadcaster) Broadcast(_ context.Context, msg types.Broadcast) error {
	payload, err := encodeBroadcast(msg)
	if err != nil {
		return err
	}
	token := b.client.Publish(b.topic, mqttQoS, false, payload)
	if !token.WaitTimeout(mqttWaitTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", b.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", b.topic, err)
	}
	return nil
}

func (b *MQTTBroadcaster) Subscribe(ctx context.Context, fn func(types.Broadcast)) error {
	handler := func(_ mqtt.Client, m mqtt.Message) {
		if ctx.Err() != nil {
			return
		}
		msg, err := decodeBroadcast(m.Payload())
		if err != nil {
			slog.Warn("[TabSync] Ignoring malformed MQTT broadcast", "topic", m.Topic(), "error", err)
			return
		}
		fn(msg)
	}
	if token := b.client.Subscribe(b.topic, mqttQoS, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", b.topic, token.Error())
	}
	go func() {
		<-ctx.Done()
		if b.client.IsConnected() {
			b.client.Unsubscribe(b.topic).WaitTimeout(mqttWaitTimeout)
		}
	}()
	return nil
}

func (b *MQTTBroadcaster) Close() error {
	b.client.Disconnect(250)
	return nil
}
