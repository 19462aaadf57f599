package swout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/swout/mqtt"
)

const mqttCommandTimeoutSeconds = 10
const mqttStateBuffer = 64

type stateMessage struct {
	topic   string
	payload []byte
}

// MqttCommands switches outputs on <prefix>/outputs/<id>/set and publishes
// every output change, retained, on <prefix>/outputs/<id>/state.
type MqttCommands struct {
	registry  *Registry
	publisher mqtt.Publisher
	prefix    string
	logger    *log.Logger

	states chan stateMessage
}

func NewMqttCommands(registry *Registry, publisher mqtt.Publisher, prefix string) *MqttCommands {
	return &MqttCommands{
		registry:  registry,
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "/"),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttCommands",
			Level:  log.GetLevel(),
		}),
		states: make(chan stateMessage, mqttStateBuffer),
	}
}

func (mc *MqttCommands) stateTopic(id uint64) string {
	return fmt.Sprintf("%s/outputs/%d/state", mc.prefix, id)
}

func (mc *MqttCommands) MqttSubscribeTopic() string {
	return mc.prefix + "/outputs/+/set"
}

func parseSwitchPayload(payload []byte) (on bool, err error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "enable", "true", "1":
		return true, nil
	case "off", "disable", "false", "0":
		return false, nil
	}
	return false, errors.Wrapf(ErrInvalidArgument, "unknown switch payload %q", payload)
}

func (mc *MqttCommands) outputId(topic string) (uint64, error) {
	levels := strings.Split(topic, "/")
	if len(levels) < 3 {
		return 0, errors.Wrapf(ErrInvalidArgument, "unexpected topic %s", topic)
	}
	id, err := strconv.ParseUint(levels[len(levels)-2], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "invalid output id in topic %s", topic)
	}
	return id, nil
}

func (mc *MqttCommands) MqttHandle(pub *paho.Publish) {
	id, err := mc.outputId(pub.Topic)
	if err != nil {
		mc.logger.Warn("ignoring mqtt command", "topic", pub.Topic, "err", err)
		return
	}
	on, err := parseSwitchPayload(pub.Payload)
	if err != nil {
		mc.logger.Warn("ignoring mqtt command", "topic", pub.Topic, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mqttCommandTimeoutSeconds*time.Second)
	defer cancel()

	if on {
		_, err = mc.registry.Enable(ctx, id)
	} else {
		_, err = mc.registry.Disable(ctx, id)
	}
	if err != nil {
		mc.logger.Error("mqtt command failed", "id", id, "on", on, "err", err)
		return
	}
	mc.logger.Debug("mqtt command done", "id", id, "on", on)
}

// OutputChanged queues the new state for publishing. A deleted output gets an
// empty retained message, which clears its state topic.
func (mc *MqttCommands) OutputChanged(output Output, deleted bool) {
	msg := stateMessage{topic: mc.stateTopic(output.Id)}
	if !deleted {
		payload, err := json.Marshal(output)
		if err != nil {
			mc.logger.Error("failed to marshal output state", "id", output.Id, "err", err)
			return
		}
		msg.payload = payload
	}

	select {
	case mc.states <- msg:
	default:
		mc.logger.Warn("state queue full, dropping state message", "id", output.Id)
	}
}

// PublishAll queues the current state of every output.
func (mc *MqttCommands) PublishAll() {
	for _, o := range mc.registry.List() {
		mc.OutputChanged(o, false)
	}
}

// Run publishes queued state messages until ctx is done. Publishing happens
// here so that no broker round trip runs while an output operation is in
// progress.
func (mc *MqttCommands) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-mc.states:
			if err := mc.publisher.Publish(msg.topic, msg.payload, true); err != nil {
				mc.logger.Error("failed to publish output state", "topic", msg.topic, "err", err)
			}
		}
	}
}
