// internal/core/events/bus.go
package events

/*
 * Side effects that leave the process go out as watermill messages.
 *
 * The orchestrator holds the case row locked while actions run. External
 * action triggers and notification mails are therefore published rather
 * than performed inline: publishing is quick, never touches the database
 * and commits nothing that a rollback would have to undo.
 *
 * Two drivers are supported:
 *   gochannel   in-process, for development and tests
 *   kafka       watermill-kafka over sarama, for production
 */

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics.
const (
	TopicActions       = "stagecondition.actions"
	TopicNotifications = "stagecondition.notifications"
)

// Drivers.
const (
	DriverGoChannel = "gochannel"
	DriverKafka     = "kafka"
)

// Metadata keys set on every published message.
const (
	MetaTenantID = "tenant_id"
	MetaCaseID   = "case_id"
	MetaKind     = "kind"
)

// Config selects the message broker.
type Config struct {
	Driver        string
	Brokers       []string
	ConsumerGroup string
}

// Bus is a connected publisher and subscriber pair.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Open connects to the broker named by cfg.Driver.
func Open(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(logger)

	switch cfg.Driver {
	case "", DriverGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlog)
		return &Bus{Publisher: ch, Subscriber: ch}, nil
	case DriverKafka:
		return openKafka(cfg, wlog)
	default:
		return nil, fmt.Errorf("unsupported events driver: %s (expected gochannel or kafka)", cfg.Driver)
	}
}

func openKafka(cfg Config, wlog watermill.LoggerAdapter) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka events driver requires at least one broker")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "stagecondition"
	}

	subConfig := kafka.DefaultSaramaSubscriberConfig()
	subConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	sub, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subConfig,
			ConsumerGroup:         group,
			OTELEnabled:           true,
		},
		wlog,
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka subscriber: %w", err)
	}

	pubConfig := sarama.NewConfig()
	pubConfig.Producer.Return.Successes = true
	pub, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: pubConfig,
			OTELEnabled:           true,
		},
		wlog,
	)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	return &Bus{Publisher: pub, Subscriber: sub}, nil
}

// Close closes the publisher, then the subscriber.
func (b *Bus) Close() error {
	err := b.Publisher.Close()
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		err = errors.Join(err, b.Subscriber.Close())
	}
	return err
}
