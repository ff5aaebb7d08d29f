// Package mqtt publishes events to an MQTT broker, one message per event on
// <prefix>/<process>/<type>.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/guardian/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesceMs   = 250
)

// Options configures the broker connection.
type Options struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Sink publishes events to MQTT.
type Sink struct {
	client pahomqtt.Client
	pub    publisher
	prefix string
	qos    byte
}

// New connects to the broker and returns a ready sink.
func New(o Options) (*Sink, error) {
	if o.Broker == "" {
		return nil, errors.New("empty MQTT broker URL")
	}
	if o.ClientID == "" {
		o.ClientID = "guardian"
	}
	if o.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", o.QoS)
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", o.Broker, err)
	}
	return &Sink{client: client, pub: client, prefix: prefixOrDefault(o.TopicPrefix), qos: o.QoS}, nil
}

func prefixOrDefault(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "guardian/events"
	}
	return p
}

// Topic returns the topic an event is published on.
func (s *Sink) Topic(e history.Event) string {
	return s.prefix + "/" + e.Process + "/" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := s.pub.Publish(s.Topic(e), s.qos, false, payload)
	timeout := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}
