package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Routing keys used on the jobs and events exchanges
const (
	RoutingJobRun      = "job.run"
	RoutingEscalation  = "ops.escalation"
	routingJobPrefix   = "job."
	eventsBindingAll   = "#"
	eventsQueueSuffix  = ".audit"
	exchangeKindDirect = "direct"
	exchangeKindTopic  = "topic"
)

// JobEventKey is the routing key of a status change event, e.g. "job.completed"
func JobEventKey(status string) string {
	return routingJobPrefix + status
}

func (c *client) DeclareExchange(name, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected("declaring exchange"); err != nil {
		return err
	}

	err := c.channel.ExchangeDeclare(name, kind, true, false, false, false, nil)
	if err != nil {
		log.Error().Err(err).Str("exchange", name).Msg("Failed to declare exchange")
	} else {
		log.Info().Str("exchange", name).Str("type", kind).Msg("Declared exchange")
	}
	return err
}

func (c *client) DeclareQueue(name string) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected("declaring queue"); err != nil {
		return amqp.Queue{}, err
	}

	queue, err := c.channel.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("Failed to declare queue")
	} else {
		log.Info().Str("queue", name).Int("messages", queue.Messages).Msg("Declared queue")
	}
	return queue, err
}

func (c *client) BindQueue(queueName, exchangeName, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected("binding queue"); err != nil {
		return err
	}

	err := c.channel.QueueBind(queueName, routingKey, exchangeName, false, nil)
	if err != nil {
		log.Error().
			Err(err).
			Str("queue", queueName).
			Str("exchange", exchangeName).
			Str("routingKey", routingKey).
			Msg("Failed to bind queue")
	} else {
		log.Info().
			Str("queue", queueName).
			Str("exchange", exchangeName).
			Str("routingKey", routingKey).
			Msg("Bound queue to exchange")
	}
	return err
}

// SetupTopology declares the direct jobs exchange with its work queue, and the topic
// events exchange with a durable audit queue receiving every event
func (c *client) SetupTopology() error {
	if err := c.DeclareExchange(c.config.ExchangeName, exchangeKindDirect); err != nil {
		return err
	}
	if _, err := c.DeclareQueue(c.config.QueueName); err != nil {
		return err
	}
	if err := c.BindQueue(c.config.QueueName, c.config.ExchangeName, RoutingJobRun); err != nil {
		return err
	}

	if err := c.DeclareExchange(c.config.EventsExchange, exchangeKindTopic); err != nil {
		return err
	}
	audit := c.config.EventsExchange + eventsQueueSuffix
	if _, err := c.DeclareQueue(audit); err != nil {
		return err
	}
	return c.BindQueue(audit, c.config.EventsExchange, eventsBindingAll)
}
