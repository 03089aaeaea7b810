// Package kafka implements the kafka-input transform: a source that reads
// records from Kafka topics and turns them into rows.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
)

// ErrEnough ends a read cleanly. The record that produced it is still
// marked as consumed.
var ErrEnough = errors.New("kafka: enough records")

// Handler receives one consumed record.
type Handler func(*sarama.ConsumerMessage) error

// Adapter is the contract every consumer driver implements.
type Adapter interface {
	Configure(Config) error
	Run(context.Context, Handler) error
	Close() error
}
