package postgres_test

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/store/postgres"
	"github.com/reflexio/reflexio/pkg/types"
)

func TestPostgresStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Postgres Store Suite")
}

// substringMatcher treats the expectation as a whitespace-normalized
// substring of the actual query, since our statements are multi-line.
type substringMatcher struct{}

func (substringMatcher) Match(expectedSQL, actualSQL string) error {
	norm := func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}
	if !strings.Contains(norm(actualSQL), norm(expectedSQL)) {
		return errors.Newf(errors.ErrorTypeInternal, "query %q does not contain %q", norm(actualSQL), norm(expectedSQL))
	}
	return nil
}

func newMockStore() (*postgres.Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(substringMatcher{}))
	Expect(err).NotTo(HaveOccurred())
	sqlxDB := sqlx.NewDb(db, "pgx")
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return postgres.New(sqlxDB, logger), mock, func() { db.Close() }
}

var _ = Describe("Store", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("SaveRequest", func() {
		It("rejects an empty request_id before touching the database", func() {
			s, _, closeDB := newMockStore()
			defer closeDB()
			err := s.SaveRequest(ctx, &types.Request{})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("inserts with an upsert-safe ON CONFLICT clause", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()
			mock.ExpectExec("INSERT INTO requests").
				WithArgs("r1", "u1", int64(100), "web", "v1", "").
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := s.SaveRequest(ctx, &types.Request{RequestID: "r1", UserID: "u1", CreatedAt: 100, Source: "web", AgentVersion: "v1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("wraps a driver error as a database AppError", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()
			mock.ExpectExec("INSERT INTO requests").WillReturnError(errors.New(errors.ErrorTypeInternal, "boom"))

			err := s.SaveRequest(ctx, &types.Request{RequestID: "r1"})
			Expect(errors.Is(err, errors.ErrorTypeDatabase)).To(BeTrue())
		})
	})

	Describe("GetProfile", func() {
		It("returns a not_found AppError when no row matches", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()
			mock.ExpectQuery("SELECT profile_id").
				WithArgs("missing").
				WillReturnRows(sqlmock.NewRows([]string{
					"profile_id", "user_id", "profile_content", "generated_from_request_id", "last_modified_timestamp",
					"expiration_timestamp", "source", "status", "embedding", "custom_features",
				}))

			_, err := s.GetProfile(ctx, "missing")
			Expect(errors.Is(err, errors.ErrorTypeNotFound)).To(BeTrue())
		})

		It("decodes embedding and custom_features JSON columns", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()
			rows := sqlmock.NewRows([]string{
				"profile_id", "user_id", "profile_content", "generated_from_request_id", "last_modified_timestamp",
				"expiration_timestamp", "source", "status", "embedding", "custom_features",
			}).AddRow("p1", "u1", "likes dark mode", "r1", int64(100), nil, "profile_service", "CURRENT",
				[]byte(`[0.1,0.2]`), []byte(`{"locale":"en"}`))
			mock.ExpectQuery("SELECT profile_id").WithArgs("p1").WillReturnRows(rows)

			p, err := s.GetProfile(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Embedding).To(Equal([]float64{0.1, 0.2}))
			Expect(p.CustomFeatures["locale"]).To(Equal("en"))
			Expect(p.Status).To(Equal(types.StatusCurrent))
		})
	})

	Describe("Search", func() {
		It("requires a non-empty query embedding", func() {
			s, _, closeDB := newMockStore()
			defer closeDB()
			_, err := s.Search(ctx, "profile", store.SearchQuery{})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("rejects an unknown entity without issuing a query", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()
			_, err := s.Search(ctx, "bogus", store.SearchQuery{QueryEmbedding: []float64{1, 0}})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("issues a pgvector cosine-distance query for profiles", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()
			rows := sqlmock.NewRows([]string{"id", "similarity"}).AddRow("p1", 0.92)
			mock.ExpectQuery("FROM user_profiles").WillReturnRows(rows)

			results, err := s.Search(ctx, "profile", store.SearchQuery{QueryEmbedding: []float64{1, 0}, Threshold: 0.5, TopK: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].ID).To(Equal("p1"))
			Expect(results[0].Similarity).To(BeNumerically("~", 0.92))
		})
	})

	Describe("OperationState", func() {
		It("selects for update, applies the mutator, and upserts the result", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT payload FROM operation_state").
				WithArgs("svc::org1::lock").
				WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(`{"holder":"req1"}`))
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operation_state")).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			var seenPrior map[string]interface{}
			prior, err := s.UpsertOperationState(ctx, "svc::org1::lock", "org1", func(p map[string]interface{}) map[string]interface{} {
				seenPrior = p
				return map[string]interface{}{"holder": "req2"}
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(prior).To(Equal(map[string]interface{}{"holder": "req1"}))
			Expect(seenPrior).To(Equal(map[string]interface{}{"holder": "req1"}))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("returns a nil prior value when the key has never been written", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT payload FROM operation_state").
				WillReturnRows(sqlmock.NewRows([]string{"payload"}))
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operation_state")).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			prior, err := s.UpsertOperationState(ctx, "svc::org1::lock", "org1", func(p map[string]interface{}) map[string]interface{} {
				return map[string]interface{}{"holder": "req1"}
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(prior).To(BeNil())
		})

		It("deletes only when the predicate accepts the current payload", func() {
			s, mock, closeDB := newMockStore()
			defer closeDB()

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT payload FROM operation_state").
				WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(`{"holder":"req2"}`))
			mock.ExpectRollback()

			deleted, err := s.DeleteOperationStateIf(ctx, "svc::org1::lock", func(current map[string]interface{}) bool {
				return current["holder"] == "req1"
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
