package swout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
)

type published struct {
	topic   string
	payload []byte
	retain  bool
}

type fakePublisher struct {
	messages chan published
}

func (fp *fakePublisher) Publish(topic string, payload []byte, retain bool) error {
	fp.messages <- published{topic, payload, retain}
	return nil
}

func newTestMqttCommands(t *testing.T) (*MqttCommands, *Registry, *fakePublisher) {
	t.Helper()

	r, _ := newTestRegistry(t)
	fp := &fakePublisher{messages: make(chan published, 16)}
	mc := NewMqttCommands(r, fp, "home/")
	mc.logger = log.New(io.Discard)
	r.AddListener(mc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mc.Run(ctx)

	return mc, r, fp
}

func nextMessage(t *testing.T, fp *fakePublisher) published {
	t.Helper()

	select {
	case msg := <-fp.messages:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no state message published")
	}
	return published{}
}

func TestMqttSubscribeTopic(t *testing.T) {
	mc, _, _ := newTestMqttCommands(t)

	if got := mc.MqttSubscribeTopic(); got != "home/outputs/+/set" {
		t.Errorf("got topic %s", got)
	}
}

func TestMqttCommandSwitchesOutput(t *testing.T) {
	mc, r, fp := newTestMqttCommands(t)

	o, err := r.Create(context.Background(), "Heater", 7)
	assertNoError(t, err)
	nextMessage(t, fp)

	mc.MqttHandle(&paho.Publish{Topic: "home/outputs/1/set", Payload: []byte("ON")})

	got, _ := r.Get(o.Id)
	assertStatus(t, got.Status, StatusEnabled)

	msg := nextMessage(t, fp)
	if msg.topic != "home/outputs/1/state" || !msg.retain {
		t.Errorf("got message %+v", msg)
	}
	state := Output{}
	assertNoError(t, json.Unmarshal(msg.payload, &state))
	assertStatus(t, state.Status, StatusEnabled)

	mc.MqttHandle(&paho.Publish{Topic: "home/outputs/1/set", Payload: []byte("disable")})
	got, _ = r.Get(o.Id)
	assertStatus(t, got.Status, StatusDisabled)
}

func TestMqttCommandIgnoresBadInput(t *testing.T) {
	mc, r, _ := newTestMqttCommands(t)

	o, err := r.Create(context.Background(), "Heater", 7)
	assertNoError(t, err)

	mc.MqttHandle(&paho.Publish{Topic: "home/outputs/1/set", Payload: []byte("maybe")})
	mc.MqttHandle(&paho.Publish{Topic: "home/outputs/x/set", Payload: []byte("on")})
	mc.MqttHandle(&paho.Publish{Topic: "home/outputs/99/set", Payload: []byte("on")})

	got, _ := r.Get(o.Id)
	assertStatus(t, got.Status, StatusDisabled)
}

func TestMqttDeletedOutputClearsState(t *testing.T) {
	_, r, fp := newTestMqttCommands(t)

	o, err := r.Create(context.Background(), "Heater", 7)
	assertNoError(t, err)
	nextMessage(t, fp)

	assertNoError(t, r.Delete(context.Background(), o.Id))

	msg := nextMessage(t, fp)
	if msg.topic != "home/outputs/1/state" || len(msg.payload) != 0 || !msg.retain {
		t.Errorf("got message %+v", msg)
	}
}

func TestParseSwitchPayload(t *testing.T) {
	for _, payload := range []string{"on", "Enable", " true", "1"} {
		on, err := parseSwitchPayload([]byte(payload))
		if err != nil || !on {
			t.Errorf("payload %q: got %v, %v", payload, on, err)
		}
	}
	for _, payload := range []string{"off", "DISABLE", "false", "0"} {
		on, err := parseSwitchPayload([]byte(payload))
		if err != nil || on {
			t.Errorf("payload %q: got %v, %v", payload, on, err)
		}
	}

	_, err := parseSwitchPayload([]byte("toggle"))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("got %v", err)
	}
}
