package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hubertat/swout/mqtt"
)

const clientID = "mq-swout-client" // Change this to something random if using a public test server

var (
	broker = flag.String("broker", "mqtt://127.0.0.1:1883", "mqtt broker url")
	prefix = flag.String("prefix", "swout", "swout topic prefix")
	output = flag.Uint64("id", 1, "output id")
	set    = flag.String("set", "", "command to send: on / off (empty only watches state)")
	wait   = flag.Duration("wait", 10*time.Second, "how long to watch state messages")
)

type stateWatcher struct {
	topic string
}

func (sw *stateWatcher) MqttSubscribeTopic() string {
	return sw.topic
}

func (sw *stateWatcher) MqttHandle(pub *paho.Publish) {
	log.Info("output state", "topic", pub.Topic, "payload", string(pub.Payload), "retain", pub.Retain)
}

func main() {
	flag.Parse()
	log.SetLevel(log.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mc, err := mqtt.NewMqttClient(*broker, clientID)
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return
	}

	watcher := &stateWatcher{topic: fmt.Sprintf("%s/outputs/%d/state", *prefix, *output)}
	err = mc.Connect(ctx, []mqtt.MqttHandler{watcher})
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}
	defer mc.Disconnect(context.Background())
	log.Info("mqtt client connected")

	if len(*set) > 0 {
		topic := fmt.Sprintf("%s/outputs/%d/set", *prefix, *output)
		if err = mc.Publish(topic, []byte(*set), false); err != nil {
			log.Error("failed to send command", "topic", topic, "error", err)
			return
		}
		log.Info("command sent", "topic", topic, "payload", *set)
	}

	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}
}
