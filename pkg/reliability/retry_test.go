package reliability_test

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/pkg/reliability"
)

var _ = Describe("Retry Mechanism", func() {
	var (
		logger *logrus.Logger
		ctx    context.Context
	)

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		ctx = context.Background()
	})

	Describe("RetryConfig presets", func() {
		It("DefaultRetryConfig matches the transient-store-error policy", func() {
			config := reliability.DefaultRetryConfig()
			Expect(config.MaxAttempts).To(Equal(3))
			Expect(config.InitialDelay).To(Equal(100 * time.Millisecond))
			Expect(config.BackoffMultiplier).To(Equal(2.0))
			Expect(config.Jitter).To(BeTrue())
		})

		It("DatabaseRetryConfig is tuned for the store", func() {
			config := reliability.DatabaseRetryConfig()
			Expect(config.MaxAttempts).To(Equal(5))
			Expect(config.InitialDelay).To(Equal(250 * time.Millisecond))
		})
	})

	Describe("IsRetryableError", func() {
		It("identifies retryable infrastructure error messages", func() {
			for _, msg := range []string{
				"connection refused",
				"Connection Reset by peer",
				"TIMEOUT: connection timeout exceeded",
				"deadlock detected",
				"serialization failure occurred",
			} {
				Expect(reliability.IsRetryableError(errors.New(msg))).To(BeTrue())
			}
		})

		It("does not retry validation/schema errors", func() {
			for _, msg := range []string{
				"syntax error in SQL",
				"table does not exist",
				"permission denied",
				"constraint violation",
			} {
				Expect(reliability.IsRetryableError(errors.New(msg))).To(BeFalse())
			}
		})

		It("never retries context cancellation", func() {
			Expect(reliability.IsRetryableError(context.Canceled)).To(BeFalse())
		})

		It("returns false for nil", func() {
			Expect(reliability.IsRetryableError(nil)).To(BeFalse())
		})

		It("respects an explicit WrapRetryableError override", func() {
			base := errors.New("base error")
			Expect(reliability.IsRetryableError(reliability.WrapRetryableError(base, true, "x"))).To(BeTrue())
			Expect(reliability.IsRetryableError(reliability.WrapRetryableError(base, false, "x"))).To(BeFalse())
			Expect(reliability.WrapRetryableError(nil, true, "x")).To(BeNil())
		})
	})

	Describe("Retrier", func() {
		var retrier *reliability.Retrier

		BeforeEach(func() {
			retrier = reliability.NewRetrier(reliability.RetryConfig{
				MaxAttempts:       3,
				InitialDelay:      10 * time.Millisecond,
				MaxDelay:          100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				Jitter:            false,
			}, logger)
		})

		It("executes once on success", func() {
			calls := 0
			result, err := retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
				calls++
				return "success", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("success"))
			Expect(calls).To(Equal(1))
		})

		It("retries retryable errors until success", func() {
			calls := 0
			result, err := retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
				calls++
				if attempt < 3 {
					return "", errors.New("connection refused")
				}
				return "success after retries", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("success after retries"))
			Expect(calls).To(Equal(3))
		})

		It("fails after max attempts", func() {
			calls := 0
			_, err := retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
				calls++
				return "", errors.New("connection timeout")
			})
			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(3))
			Expect(err.Error()).To(ContainSubstring("operation failed after 3 attempts"))
		})

		It("fails immediately on a non-retryable error", func() {
			calls := 0
			_, err := retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
				calls++
				return nil, errors.New("syntax error in SQL")
			})
			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(1))
			Expect(err.Error()).To(ContainSubstring("non-retryable error"))
		})

		It("stops retrying when the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			calls := 0
			go func() {
				time.Sleep(5 * time.Millisecond)
				cancel()
			}()
			_, err := retrier.ExecuteWithType(cctx, func(ctx context.Context, attempt int) (any, error) {
				calls++
				return nil, errors.New("connection refused")
			})
			Expect(err).To(HaveOccurred())
		})
	})
})
