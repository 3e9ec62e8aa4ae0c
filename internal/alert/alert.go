// Package alert publishes pre-formed alerts to an MQTT broker for an
// external rules engine or dashboard to consume. It performs no rule
// evaluation of its own; what counts as alert-worthy is decided entirely
// by the caller.
package alert

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Alert is a single threshold or status notification.
type Alert struct {
	ModuleID  string    `json:"module_id"`
	SensorID  string    `json:"sensor_id,omitempty"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher holds one MQTT connection used only to publish alerts.
type Publisher struct {
	client mqtt.Client
	topic  string
}

// Connect opens a connection to brokerURL and returns a Publisher that
// publishes to topic.
func Connect(brokerURL, clientID, topic string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[alert] MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker at %s: %w", brokerURL, token.Error())
	}

	log.Printf("[alert] connected to MQTT broker at %s, publishing to %s", brokerURL, topic)
	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends a best-effort QoS 0 message; alerting is not on the
// durability path.
func (p *Publisher) Publish(a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
