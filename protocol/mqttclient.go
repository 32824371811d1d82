// Package protocol implements the RPC-over-MQTT runtime: the Command
// Invoker, the Command Executor, and the cloud-event/serializer glue that
// sits between them and the application.
package protocol

import "github.com/iot-operations-sdk/go/mqtt"

// MqttClient is the narrow collaborator surface the invoker and executor
// depend on. The concrete *mqtt.Client satisfies it directly; tests
// substitute a fake.
type MqttClient interface {
	ClientID() string
	Publish(topic string, payload []byte, opts ...mqtt.PublishOption) mqtt.Token
	Subscribe(topic string, qos mqtt.QoS, handler mqtt.MessageHandler, opts ...mqtt.SubscribeOption) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	CreateFilteredReceiver(filter string) *mqtt.Receiver
}

var _ MqttClient = (*mqtt.Client)(nil)
