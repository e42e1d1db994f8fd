package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	prefix string
	qos    byte
}

// NewRealPublisher creates a publisher connected to the given broker.
// The broker marks the daemon offline through the last will.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	availability := AvailabilityTopic(opts.TopicPrefix)

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availability, Offline, 1, true).
		SetOnConnectHandler(func(c paho.Client) {
			c.Publish(availability, 1, true, Online)
			log.Info().Str("broker", opts.Broker).Msg("Connected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &RealPublisher{
		client: client,
		prefix: opts.TopicPrefix,
		qos:    opts.QoS,
	}, nil
}

// PublishStatus sends a retained status snapshot.
func (p *RealPublisher) PublishStatus(s Status) error {
	payload, err := FormatStatus(s)
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}

	token := p.client.Publish(StatusTopic(p.prefix, s.TimerID), p.qos, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// IsConnected reports whether the client currently has a broker connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close marks the daemon offline and disconnects from the broker.
func (p *RealPublisher) Close() error {
	token := p.client.Publish(AvailabilityTopic(p.prefix), 1, true, Offline)
	token.WaitTimeout(time.Second)
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
