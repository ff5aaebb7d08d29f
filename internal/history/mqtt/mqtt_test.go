package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/guardian/internal/history"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return fakeToken{err: f.err}
}

func TestSendPublishesJSON(t *testing.T) {
	fp := &fakePublisher{}
	s := &Sink{pub: fp, prefix: prefixOrDefault("/site-a/guardian/"), qos: 1}
	e := history.NewEvent(history.EventProcessCrash, "api", history.SeverityCritical, "crashed")
	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fp.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fp.msgs))
	}
	m := fp.msgs[0]
	if m.topic != "site-a/guardian/api/process_crash" || m.qos != 1 {
		t.Fatalf("unexpected topic/qos: %s %d", m.topic, m.qos)
	}
	var got history.Event
	if err := json.Unmarshal(m.payload, &got); err != nil || got.ID != e.ID {
		t.Fatalf("payload mismatch: %v %+v", err, got)
	}
}

func TestSendPropagatesTokenError(t *testing.T) {
	s := &Sink{pub: &fakePublisher{err: errors.New("not connected")}, prefix: prefixOrDefault("")}
	if err := s.Send(context.Background(), history.NewEvent(history.EventProcessStop, "x", history.SeverityInfo, "")); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestDefaultPrefix(t *testing.T) {
	if got := prefixOrDefault(""); got != "guardian/events" {
		t.Fatalf("prefix = %q", got)
	}
}

func TestNewRequiresBroker(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty broker")
	}
}

// Requires a broker at 127.0.0.1:1883.
func TestBrokerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("no MQTT broker on 127.0.0.1:1883")
	}
	_ = conn.Close()

	s, err := New(Options{Broker: "tcp://127.0.0.1:1883", ClientID: "guardian-test", QoS: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.Send(context.Background(), history.NewEvent(history.EventGuardianStartup, "guardian", history.SeverityInfo, "up")); err != nil {
		t.Fatalf("send: %v", err)
	}
}
