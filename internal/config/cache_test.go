package config_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/internal/config"
)

var _ = Describe("OrgCache", func() {
	var logger *logrus.Logger

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
	})

	Context("without Redis", func() {
		It("stores and retrieves per-org config", func() {
			cache := config.NewOrgCache(time.Hour, 2, nil, logger)
			cfg := &config.OrgConfig{OrgID: "org1"}

			Expect(cache.Put(context.Background(), "org1", cfg)).To(Succeed())
			Expect(cache.Get("org1")).To(Equal(cfg))
			Expect(cache.Get("missing")).To(BeNil())
		})

		It("evicts the least recently used entry once full", func() {
			cache := config.NewOrgCache(time.Hour, 2, nil, logger)
			ctx := context.Background()

			Expect(cache.Put(ctx, "org1", &config.OrgConfig{OrgID: "org1"})).To(Succeed())
			Expect(cache.Put(ctx, "org2", &config.OrgConfig{OrgID: "org2"})).To(Succeed())
			cache.Get("org1") // org1 now most recently used
			Expect(cache.Put(ctx, "org3", &config.OrgConfig{OrgID: "org3"})).To(Succeed())

			Expect(cache.Get("org2")).To(BeNil())
			Expect(cache.Get("org1")).NotTo(BeNil())
			Expect(cache.Get("org3")).NotTo(BeNil())
			Expect(cache.Len()).To(Equal(2))
		})

		It("expires entries past the TTL", func() {
			cache := config.NewOrgCache(10*time.Millisecond, 10, nil, logger)
			Expect(cache.Put(context.Background(), "org1", &config.OrgConfig{OrgID: "org1"})).To(Succeed())
			time.Sleep(20 * time.Millisecond)
			Expect(cache.Get("org1")).To(BeNil())
		})
	})

	Context("with Redis-backed invalidation", func() {
		var (
			mr     *miniredis.Miniredis
			client *redis.Client
		)

		BeforeEach(func() {
			var err error
			mr, err = miniredis.Run()
			Expect(err).NotTo(HaveOccurred())
			client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		})

		AfterEach(func() {
			client.Close()
			mr.Close()
		})

		It("propagates a Put's invalidation to a peer cache", func() {
			writer := config.NewOrgCache(time.Hour, 10, client, logger)
			reader := config.NewOrgCache(time.Hour, 10, client, logger)
			defer writer.Close()
			defer reader.Close()

			Expect(reader.Put(context.Background(), "org1", &config.OrgConfig{OrgID: "org1"})).To(Succeed())
			Expect(reader.Get("org1")).NotTo(BeNil())

			Expect(writer.Put(context.Background(), "org1", &config.OrgConfig{OrgID: "org1", ExtractionStride: 9})).To(Succeed())

			Eventually(func() *config.OrgConfig {
				return reader.Get("org1")
			}, time.Second, 5*time.Millisecond).Should(BeNil())
		})
	})
})
