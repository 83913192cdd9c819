// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/wam/lib/block/types"
	"github.com/tarancss/wam/lib/msg"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// New instantiates a new amqp broker.
func New(uri string, log *zap.Logger) (msg.Notifier, error) {
	r := Amqp{log: log}
	var err error

	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}
	r.ch = nil
	log.Info("connected to message broker", zap.String("uri", uri))

	return &r, err
}

// Setup obtains an amqp channel and declares the message broker exchange:
//
// - wa ("wallet activity"): the monitor publishes alerts for watched wallets to this exchange
func (r *Amqp) Setup(x interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	return channel.ExchangeDeclare("wa", "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("error closing amqp channel", zap.Error(err))
		}
		r.ch = nil
	}
	return r.conn.Close()
}

// SendAlert publishes a transaction alert to the "wa" exchange.
func (r *Amqp) SendAlert(net string, t types.Trans) (err error) {
	// marshal to JSON
	var jsonDoc []byte
	if jsonDoc, err = json.Marshal(t); err != nil {
		return
	}
	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return
		}
	}
	// build body
	pub := amqp.Publishing{
		Headers:     amqp.Table{"x-alert-name": net + "." + t.Signature},
		Body:        jsonDoc,
		ContentType: "application/json",
	}
	// publish
	if err = r.ch.Publish("wa", net+".trans."+t.Signature, false, false, pub); err != nil {
		r.log.Error("error sending alert to message broker", zap.String("net", net), zap.Error(err))
	}
	return
}

// GetAlerts consumes alerts from the "wa" exchange pushing them to the
// returned channel. The message is only acknowledged once the consumer
// unlocks the mutex.
func (r *Amqp) GetAlerts(net string, mut *sync.Mutex) (<-chan types.Trans, <-chan error, error) {
	var err error
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return nil, nil, err
		}
	}
	// declare queue and bind it to the exchange
	if _, err = r.ch.QueueDeclare("wa"+net, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	if err = r.ch.QueueBind("wa"+net, net+".*.*", "wa", false, nil); err != nil {
		return nil, nil, err
	}
	msgs, errCons := r.ch.Consume("wa"+net, "monitor-"+net, false, false, false, false, nil)
	if errCons != nil {
		return nil, nil, errCons
	}
	alerts := make(chan types.Trans)
	errors := make(chan error)
	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			tx := new(types.Trans)
			if err := json.Unmarshal(m.Body, tx); err != nil {
				errors <- err
				continue
			}
			alerts <- *tx
			mut.Lock() // wait for the consumer to finish processing the alert
			m.Ack(false)
		}
	}()
	return alerts, errors, nil
}
