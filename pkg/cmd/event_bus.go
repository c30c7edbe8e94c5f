// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/zapdesk/flowengine/pkg/channels/gochannel"
	"github.com/zapdesk/flowengine/pkg/channels/kafka"
	"github.com/zapdesk/flowengine/pkg/eventbus"
)

// NewEventBus creates an event bus instance for the given provider. The
// in-memory channel is the default; kafka requires a broker list.
func NewEventBus(provider string, kafkaBrokers string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		brokers := strings.Split(kafkaBrokers, ",")

		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, "flowengine")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "", "memory":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
