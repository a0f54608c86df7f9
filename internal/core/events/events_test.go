package events_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/lms-backend/internal/core/events"
)

func TestEvents(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Events Suite")
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

var _ = Describe("EventBus", func() {
	var bus *events.EventBus

	BeforeEach(func() {
		bus = events.NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	It("delivers published events to subscribers", func() {
		received := make(chan string, 1)
		bus.Subscribe(events.EventTypeEnrollmentActivated, func(ctx context.Context, e events.Event) error {
			received <- e.EventID()
			return nil
		})

		event := events.NewEnrollmentActivatedEvent("enr-1", "student-1", "course-1", "pay-1")
		Expect(bus.Publish(context.Background(), event)).To(Succeed())
		Eventually(received).Should(Receive(Equal(event.EventID())))
	})

	It("surfaces handler errors on synchronous publish", func() {
		bus.Subscribe(events.EventTypeEnrollmentCancelled, func(ctx context.Context, e events.Event) error {
			return errors.New("mailer down")
		})

		err := bus.PublishSync(context.Background(), events.NewEnrollmentCancelledEvent("enr-1", "student-1", "course-1", "pay-1"))
		Expect(err).To(MatchError(ContainSubstring("mailer down")))
	})

	It("waits for running handlers on close and refuses later events", func() {
		started := make(chan struct{})
		release := make(chan struct{})
		calls := 0
		bus.Subscribe(events.EventTypeEnrollmentActivated, func(ctx context.Context, e events.Event) error {
			calls++
			close(started)
			<-release
			return nil
		})

		event := events.NewEnrollmentActivatedEvent("enr-1", "student-1", "course-1", "pay-1")
		Expect(bus.Publish(context.Background(), event)).To(Succeed())
		Eventually(started).Should(BeClosed())

		short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		Expect(bus.Close(short)).To(MatchError(context.DeadlineExceeded))

		close(release)
		Expect(bus.Close(context.Background())).To(Succeed())

		Expect(bus.Publish(context.Background(), event)).To(MatchError(events.ErrBusClosed))
		Expect(calls).To(Equal(1))
	})

	It("finishes a forwarded send before the producer is closed", func() {
		producer := mocks.NewSyncProducer(GinkgoT(), nil)
		producer.ExpectSendMessageAndSucceed()

		forwarder := events.NewKafkaForwarder(producer, "lms.payment-events", slog.New(slog.NewTextHandler(io.Discard, nil)))
		forwarder.Register(bus)

		Expect(bus.Publish(context.Background(), events.NewEnrollmentActivatedEvent("enr-1", "s", "c", "p"))).To(Succeed())
		Expect(bus.Close(context.Background())).To(Succeed())
		Expect(forwarder.Close()).To(Succeed())
	})

	It("ignores events nobody listens to", func() {
		Expect(bus.PublishSync(context.Background(), events.NewEnrollmentActivatedEvent("enr-1", "s", "c", "p"))).To(Succeed())
	})
})

var _ = Describe("KafkaForwarder", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	It("publishes the event so a consumer can rebuild it", func() {
		event := events.NewPaymentStatusChangedEvent("pay-1", "ORD-1", "trx-1", "enr-1", "pending", "settlement", "webhook")

		producer := mocks.NewSyncProducer(GinkgoT(), nil)
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(body []byte) error {
			decoded, err := events.DecodeEvent(body)
			if err != nil {
				return err
			}
			changed, ok := decoded.(*events.PaymentStatusChangedEvent)
			if !ok {
				return errors.New("decoded to the wrong event type")
			}
			if changed.EventID() != event.EventID() || changed.OrderID != "ORD-1" || changed.Status != "settlement" || changed.PreviousStatus != "pending" {
				return errors.New("decoded event does not match")
			}
			return nil
		})

		forwarder := events.NewKafkaForwarder(producer, "lms.payment-events", logger)
		Expect(forwarder.Handle(context.Background(), event)).To(Succeed())
		Expect(forwarder.Close()).To(Succeed())
	})

	It("reports a failed send", func() {
		producer := mocks.NewSyncProducer(GinkgoT(), nil)
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

		forwarder := events.NewKafkaForwarder(producer, "lms.payment-events", logger)
		err := forwarder.Handle(context.Background(), events.NewEnrollmentActivatedEvent("enr-1", "s", "c", "p"))
		Expect(err).To(MatchError(sarama.ErrOutOfBrokers))
		Expect(forwarder.Close()).To(Succeed())
	})
})

var _ = Describe("DecodeEvent", func() {
	It("rejects bodies without an id or type", func() {
		_, err := events.DecodeEvent([]byte(`{"payload":{}}`))
		Expect(err).To(HaveOccurred())

		_, err = events.DecodeEvent([]byte(`not json`))
		Expect(err).To(HaveOccurred())
	})

	It("keeps unknown event types as base events", func() {
		event, err := events.DecodeEvent([]byte(`{"id":"e-1","type":"course.published","payload":{"course_id":"c-1"}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(event.EventType()).To(Equal("course.published"))
		Expect(event.Payload()).To(HaveKeyWithValue("course_id", "c-1"))
	})
})

var _ = Describe("KafkaConsumer", func() {
	It("replays messages onto the bus and marks them, skipping poison messages", func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		bus := events.NewEventBus(logger)

		var (
			mu       sync.Mutex
			students []string
		)
		bus.Subscribe(events.EventTypeEnrollmentActivated, func(ctx context.Context, e events.Event) error {
			changed := e.(*events.EnrollmentChangedEvent)
			mu.Lock()
			defer mu.Unlock()
			students = append(students, changed.StudentID)
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		session := &fakeSession{ctx: ctx}
		claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
		claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`garbage`)}
		claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"id":"e-1","type":"enrollment.activated","payload":{"student_id":"student-1"}}`)}
		close(claim.messages)

		consumer := events.NewKafkaConsumer(nil, "lms.payment-events", bus, logger)
		Expect(consumer.ConsumeClaim(session, claim)).To(Succeed())

		Expect(students).To(ConsistOf("student-1"))
		Expect(session.marked).To(Equal([]int64{1, 2}))
	})
})
