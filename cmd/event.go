package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/frahmantamala/lms-backend/internal/core/events"
	"github.com/frahmantamala/lms-backend/internal/payment"
	"github.com/frahmantamala/lms-backend/pkg/logger"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish sample lifecycle events to check the notification pipeline`,
}

var publishEventCmd = &cobra.Command{
	Use:       "publish [event-type]",
	Short:     "Publish a sample lifecycle event",
	Long:      `Publish a sample event to Kafka when enabled, otherwise to the in-process handlers`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: events.AllEventTypes,
	Run: func(cmd *cobra.Command, args []string) {
		if err := publishSampleEvent(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var (
	sampleOrderID      string
	sampleEnrollmentID string
	sampleStatus       string
)

func sampleEvent(eventType string) (events.Event, error) {
	switch eventType {
	case events.EventTypePaymentStatusChanged:
		return events.NewPaymentStatusChangedEvent("sample-payment", sampleOrderID, "sample-transaction", sampleEnrollmentID, string(payment.StatusPending), sampleStatus, "cli"), nil
	case events.EventTypeEnrollmentActivated:
		return events.NewEnrollmentActivatedEvent(sampleEnrollmentID, "sample-student", "sample-course", "sample-payment"), nil
	case events.EventTypeEnrollmentCancelled:
		return events.NewEnrollmentCancelledEvent(sampleEnrollmentID, "sample-student", "sample-course", "sample-payment"), nil
	}
	return nil, fmt.Errorf("unknown event type %q, expected one of %v", eventType, events.AllEventTypes)
}

func publishSampleEvent(eventType string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.LoggerWrapper()

	event, err := sampleEvent(eventType)
	if err != nil {
		return err
	}

	bus := events.NewEventBus(log)
	if config.Kafka.Enabled {
		producer, err := events.NewKafkaProducer(config.Kafka.Brokers)
		if err != nil {
			return err
		}
		forwarder := events.NewKafkaForwarder(producer, config.Kafka.Topic, log)
		defer forwarder.Close()
		forwarder.Register(bus)
	} else {
		payment.NewEventHandler(log).RegisterEventHandlers(bus)
	}

	log.Info("publishing sample event", "event_type", eventType, "event_id", event.EventID())
	if err := bus.PublishSync(context.Background(), event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	log.Info("sample event published")
	return nil
}

func init() {
	publishEventCmd.Flags().StringVar(&sampleOrderID, "order-id", "ORD-SAMPLE", "Order id carried by payment events")
	publishEventCmd.Flags().StringVar(&sampleEnrollmentID, "enrollment-id", "sample-enrollment", "Enrollment id carried by the event")
	publishEventCmd.Flags().StringVar(&sampleStatus, "status", string(payment.StatusSettlement), "New payment status for payment events")

	eventCmd.AddCommand(publishEventCmd)

	rootCmd.AddCommand(eventCmd)
}
