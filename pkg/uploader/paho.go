package uploader

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hcp-ignite/agent/pkg/log"
)

// Publisher abstracts the MQTT client: a publish returns the broker
// message id (mid ≤ 0 signals a broker failure) and acks arrive later
// through the registered handler.
type Publisher interface {
	Publish(topic string, payload []byte) (int, error)
	IsConnected() bool
	Disconnect()
}

// AckHandler receives broker acknowledgments by message id
type AckHandler func(mid int)

// PahoPublisher adapts the eclipse paho client. QoS 1 publishes complete
// asynchronously; the token resolving maps to the broker ack.
type PahoPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	onAck   AckHandler
}

// NewPahoPublisher connects a paho client against the broker URL
func NewPahoPublisher(brokerURL, clientID, username, password string, onAck AckHandler) (*PahoPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithComponent("mqtt").Warn().Err(err).Msg("broker connection lost")
	})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(15*time.Second) || tok.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", brokerURL, tok.Error())
	}
	return &PahoPublisher{client: client, qos: 1, timeout: 10 * time.Second, onAck: onAck}, nil
}

// Publish sends one payload and returns the broker message id. The ack
// handler fires asynchronously when the broker acknowledges.
func (p *PahoPublisher) Publish(topic string, payload []byte) (int, error) {
	if !p.client.IsConnected() {
		return 0, fmt.Errorf("not connected")
	}
	tok := p.client.Publish(topic, p.qos, false, payload)
	pubTok, ok := tok.(*mqtt.PublishToken)
	if !ok {
		return 0, fmt.Errorf("unexpected token type from publish")
	}
	mid := int(pubTok.MessageID())
	if mid <= 0 {
		return mid, nil
	}
	go func() {
		if tok.WaitTimeout(p.timeout) && tok.Error() == nil && p.onAck != nil {
			p.onAck(mid)
		}
	}()
	return mid, nil
}

// IsConnected reports broker connectivity
func (p *PahoPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Disconnect closes the broker connection
func (p *PahoPublisher) Disconnect() {
	p.client.Disconnect(250)
}
