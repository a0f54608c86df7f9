package redis_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/frahmantamala/lms-backend/internal/payment/redis"
)

func TestIdempotencyStore(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Idempotency Store Suite")
}

var (
	container *tcredis.RedisContainer
	client    *goredis.Client
)

var _ = BeforeSuite(func() {
	ctx := context.Background()

	var err error
	container, err = tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		Skip("redis container unavailable: " + err.Error())
	}

	endpoint, err := container.Endpoint(ctx, "")
	Expect(err).NotTo(HaveOccurred())

	client = goredis.NewClient(&goredis.Options{Addr: endpoint})
	Expect(client.Ping(ctx).Err()).To(Succeed())
})

var _ = AfterSuite(func() {
	if client != nil {
		_ = client.Close()
	}
	if container != nil {
		Expect(testcontainers.TerminateContainer(container)).To(Succeed())
	}
})

var _ = Describe("IdempotencyStore", func() {
	var (
		ctx   context.Context
		store *redis.IdempotencyStore
		key   string
	)

	BeforeEach(func() {
		ctx = context.Background()
		Expect(client.FlushAll(ctx).Err()).To(Succeed())
		store = redis.NewIdempotencyStore(client, time.Minute, time.Hour)
		key = "student-1:key-1"
	})

	It("grants the key to one caller at a time", func() {
		cached, acquired, err := store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(cached).To(BeNil())
		Expect(acquired).To(BeTrue())

		_, acquired, err = store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(acquired).To(BeFalse())
	})

	It("returns the stored result after completion", func() {
		_, _, err := store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Complete(ctx, key, []byte(`{"order_id":"ORD-1"}`))).To(Succeed())

		cached, acquired, err := store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(acquired).To(BeFalse())
		Expect(string(cached)).To(Equal(`{"order_id":"ORD-1"}`))

		Expect(client.Exists(ctx, "idem:lock:"+key).Val()).To(BeZero())
	})

	It("forgets a stored result on discard", func() {
		_, _, err := store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Complete(ctx, key, []byte("{truncated"))).To(Succeed())

		Expect(store.Discard(ctx, key)).To(Succeed())

		cached, acquired, err := store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(cached).To(BeNil())
		Expect(acquired).To(BeTrue())
	})

	It("frees the key on release", func() {
		_, _, err := store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Release(ctx, key)).To(Succeed())

		_, acquired, err := store.Acquire(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(acquired).To(BeTrue())
	})
})
