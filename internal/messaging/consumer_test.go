package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"restaurant-payments/internal/logger"
)

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return nil
}

func newTestConsumer() *Consumer {
	return &Consumer{
		logger:    logger.New("messaging-test"),
		queueName: "test_queue",
	}
}

func TestProcessMessage_AckOnSuccess(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newTestConsumer()

	c.processMessage(context.Background(), amqp091.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{}`),
		DeliveryTag:  1,
	}, func(ctx context.Context, body []byte) error {
		return nil
	})

	if !ack.acked {
		t.Errorf("expected the message to be acked")
	}
	if ack.nacked {
		t.Errorf("successful message must not be nacked")
	}
}

func TestProcessMessage_TransientErrorRequeues(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newTestConsumer()

	c.processMessage(context.Background(), amqp091.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{}`),
		DeliveryTag:  2,
	}, func(ctx context.Context, body []byte) error {
		return errors.New("downstream unavailable")
	})

	if !ack.nacked || !ack.requeue {
		t.Errorf("nacked = %v requeue = %v, want nack with requeue for a transient failure", ack.nacked, ack.requeue)
	}
}

func TestProcessMessage_UnprocessableIsDropped(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newTestConsumer()

	c.processMessage(context.Background(), amqp091.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{not json`),
		DeliveryTag:  3,
	}, func(ctx context.Context, body []byte) error {
		return fmt.Errorf("bad body: %w", ErrUnprocessable)
	})

	if !ack.nacked {
		t.Fatalf("expected the message to be nacked")
	}
	if ack.requeue {
		t.Errorf("unprocessable message must not be requeued")
	}
}
