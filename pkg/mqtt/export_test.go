package mqtt

import paho "github.com/eclipse/paho.mqtt.golang"

// SetClientFactory replaces the paho client constructor.
func SetClientFactory(s *MqttService, factory func(opts *paho.ClientOptions) MQTTClient) {
	s.newClient = factory
}
