// Package postgres is the pgx/sqlx-backed Store implementation used in
// production deployments, built around a PostgreSQL vector database
// backend generalized from a single pattern table to the full Reflexio
// schema.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Store is a sqlx-backed implementation of store.Store against PostgreSQL
// (pgx/v5 stdlib driver, registered as "pgx" by the caller wiring *sql.DB).
type Store struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

func New(db *sqlx.DB, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{db: db, logger: logger}
}

var _ store.Store = (*Store)(nil)

func dbErr(cause error, op string) error {
	if cause == nil {
		return nil
	}
	return errors.Wrapf(cause, errors.ErrorTypeDatabase, "%s failed", op)
}

// --- Requests / Interactions ---

func (s *Store) SaveRequest(ctx context.Context, req *types.Request) error {
	if req.RequestID == "" {
		return errors.New(errors.ErrorTypeValidation, "request_id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (request_id, user_id, created_at, source, agent_version, request_group)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING`,
		req.RequestID, req.UserID, req.CreatedAt, req.Source, req.AgentVersion, req.RequestGroup)
	return dbErr(err, "save_request")
}

func (s *Store) SaveInteractions(ctx context.Context, interactions []*types.Interaction) error {
	if len(interactions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr(err, "save_interactions begin")
	}
	defer tx.Rollback()

	for _, it := range interactions {
		if it.InteractionID == "" {
			return errors.New(errors.ErrorTypeValidation, "interaction_id cannot be empty")
		}
		toolsJSON, err := json.Marshal(it.ToolsUsed)
		if err != nil {
			return dbErr(err, "save_interactions marshal tools_used")
		}
		embJSON, err := json.Marshal(it.Embedding)
		if err != nil {
			return dbErr(err, "save_interactions marshal embedding")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO interactions
				(interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_url, embedding)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (interaction_id) DO NOTHING`,
			it.InteractionID, it.UserID, it.RequestID, it.CreatedAt, it.Role, it.Content,
			it.ShadowContent, toolsJSON, it.ImageURL, embJSON)
		if err != nil {
			return dbErr(err, "save_interactions insert")
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr(err, "save_interactions commit")
	}
	return nil
}

func (s *Store) ListRequestsForUser(ctx context.Context, userID string, limit int) ([]*types.Request, error) {
	var rows []struct {
		RequestID    string `db:"request_id"`
		UserID       string `db:"user_id"`
		CreatedAt    int64  `db:"created_at"`
		Source       string `db:"source"`
		AgentVersion string `db:"agent_version"`
		RequestGroup string `db:"request_group"`
	}
	query := `SELECT request_id, user_id, created_at, source, agent_version, request_group
		FROM requests WHERE user_id = $1 ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, dbErr(err, "list_requests_for_user")
	}
	out := make([]*types.Request, len(rows))
	for i, r := range rows {
		out[i] = &types.Request{
			RequestID:    r.RequestID,
			UserID:       r.UserID,
			CreatedAt:    r.CreatedAt,
			Source:       r.Source,
			AgentVersion: r.AgentVersion,
			RequestGroup: r.RequestGroup,
		}
	}
	return out, nil
}

func (s *Store) GetInteractions(ctx context.Context, requestID string) ([]*types.Interaction, error) {
	var rows []interactionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_url, embedding
		FROM interactions WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, dbErr(err, "get_interactions")
	}
	return toInteractions(rows)
}

func (s *Store) GetInteractionsForUser(ctx context.Context, userID string, afterInteractionID string, limit int) ([]*types.Interaction, error) {
	var rows []interactionRow
	var err error
	switch {
	case afterInteractionID != "":
		err = s.db.SelectContext(ctx, &rows, `
			SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_url, embedding
			FROM interactions
			WHERE user_id = $1 AND created_at > (SELECT created_at FROM interactions WHERE interaction_id = $2)
			ORDER BY created_at ASC`, userID, afterInteractionID)
	case limit > 0:
		err = s.db.SelectContext(ctx, &rows, `
			SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_url, embedding
			FROM (
				SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_url, embedding
				FROM interactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
			) recent ORDER BY created_at ASC`, userID, limit)
	default:
		err = s.db.SelectContext(ctx, &rows, `
			SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_url, embedding
			FROM interactions WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	}
	if err != nil {
		return nil, dbErr(err, "get_interactions_for_user")
	}
	return toInteractions(rows)
}

func (s *Store) CountInteractionsSince(ctx context.Context, userID string, afterInteractionID string) (int, error) {
	var count int
	var err error
	if afterInteractionID == "" {
		err = s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM interactions WHERE user_id = $1`, userID)
	} else {
		err = s.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM interactions
			WHERE user_id = $1 AND created_at > (SELECT created_at FROM interactions WHERE interaction_id = $2)`,
			userID, afterInteractionID)
	}
	if err != nil {
		return 0, dbErr(err, "count_interactions_since")
	}
	return count, nil
}

func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr(err, "delete_request begin")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM interactions WHERE request_id = $1`, requestID); err != nil {
		return dbErr(err, "delete_request interactions")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id = $1`, requestID); err != nil {
		return dbErr(err, "delete_request request")
	}
	return dbErr(tx.Commit(), "delete_request commit")
}

func (s *Store) DeleteRequestGroup(ctx context.Context, requestGroup string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr(err, "delete_request_group begin")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM interactions WHERE request_id IN (SELECT request_id FROM requests WHERE request_group = $1)`,
		requestGroup); err != nil {
		return dbErr(err, "delete_request_group interactions")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE request_group = $1`, requestGroup); err != nil {
		return dbErr(err, "delete_request_group requests")
	}
	return dbErr(tx.Commit(), "delete_request_group commit")
}

type interactionRow struct {
	InteractionID string          `db:"interaction_id"`
	UserID        string          `db:"user_id"`
	RequestID     string          `db:"request_id"`
	CreatedAt     int64           `db:"created_at"`
	Role          string          `db:"role"`
	Content       string          `db:"content"`
	ShadowContent *string         `db:"shadow_content"`
	ToolsUsed     json.RawMessage `db:"tools_used"`
	ImageURL      *string         `db:"image_url"`
	Embedding     json.RawMessage `db:"embedding"`
}

func toInteractions(rows []interactionRow) ([]*types.Interaction, error) {
	out := make([]*types.Interaction, 0, len(rows))
	for _, r := range rows {
		it := &types.Interaction{
			InteractionID: r.InteractionID,
			UserID:        r.UserID,
			RequestID:     r.RequestID,
			CreatedAt:     r.CreatedAt,
			Role:          types.Role(r.Role),
			Content:       r.Content,
			ShadowContent: r.ShadowContent,
			ImageURL:      r.ImageURL,
		}
		if len(r.ToolsUsed) > 0 {
			if err := json.Unmarshal(r.ToolsUsed, &it.ToolsUsed); err != nil {
				return nil, dbErr(err, "unmarshal tools_used")
			}
		}
		if len(r.Embedding) > 0 {
			if err := json.Unmarshal(r.Embedding, &it.Embedding); err != nil {
				return nil, dbErr(err, "unmarshal embedding")
			}
		}
		out = append(out, it)
	}
	return out, nil
}

// --- Profiles ---

func (s *Store) InsertProfile(ctx context.Context, p *types.UserProfile) error {
	if p.ProfileID == "" {
		return errors.New(errors.ErrorTypeValidation, "profile_id cannot be empty")
	}
	customJSON, err := json.Marshal(p.CustomFeatures)
	if err != nil {
		return dbErr(err, "insert_profile marshal custom_features")
	}
	embJSON, err := json.Marshal(p.Embedding)
	if err != nil {
		return dbErr(err, "insert_profile marshal embedding")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles
			(profile_id, user_id, profile_content, generated_from_request_id, last_modified_timestamp,
			 expiration_timestamp, source, status, embedding, custom_features)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ProfileID, p.UserID, p.ProfileContent, p.GeneratedFromRequestID, p.LastModifiedTimestamp,
		p.ExpirationTimestamp, p.Source, p.Status, embJSON, customJSON)
	return dbErr(err, "insert_profile")
}

func (s *Store) GetProfile(ctx context.Context, profileID string) (*types.UserProfile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, `
		SELECT profile_id, user_id, profile_content, generated_from_request_id, last_modified_timestamp,
		       expiration_timestamp, source, status, embedding, custom_features
		FROM user_profiles WHERE profile_id = $1`, profileID)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "profile %s not found", profileID)
	}
	if err != nil {
		return nil, dbErr(err, "get_profile")
	}
	return row.toProfile()
}

func (s *Store) ListProfiles(ctx context.Context, userID string, status types.LifecycleStatus) ([]*types.UserProfile, error) {
	var rows []profileRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT profile_id, user_id, profile_content, generated_from_request_id, last_modified_timestamp,
		       expiration_timestamp, source, status, embedding, custom_features
		FROM user_profiles WHERE user_id = $1 AND status = $2 ORDER BY profile_id ASC`, userID, status)
	if err != nil {
		return nil, dbErr(err, "list_profiles")
	}
	out := make([]*types.UserProfile, 0, len(rows))
	for _, r := range rows {
		p, err := r.toProfile()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) SetProfileStatus(ctx context.Context, profileID string, status types.LifecycleStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_profiles SET status = $1
		WHERE profile_id = $2`, status, profileID)
	if err != nil {
		return dbErr(err, "set_profile_status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "profile %s not found", profileID)
	}
	return nil
}

func (s *Store) SetProfileStatusForUser(ctx context.Context, userID string, from, to types.LifecycleStatus) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE user_profiles SET status = $1 WHERE user_id = $2 AND status = $3 RETURNING profile_id`,
		to, userID, from)
	if err != nil {
		return nil, dbErr(err, "set_profile_status_for_user")
	}
	return ids, nil
}

func (s *Store) DeleteProfiles(ctx context.Context, profileIDs []string) error {
	if len(profileIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM user_profiles WHERE profile_id IN (?)`, profileIDs)
	if err != nil {
		return dbErr(err, "delete_profiles build query")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return dbErr(err, "delete_profiles")
}

func (s *Store) AppendProfileChangeLog(ctx context.Context, log *types.ProfileChangeLog) error {
	addedJSON, _ := json.Marshal(log.Added)
	removedJSON, _ := json.Marshal(log.Removed)
	mentionedJSON, _ := json.Marshal(log.Mentioned)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_change_logs (change_log_id, user_id, request_id, added, removed, mentioned, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		log.ChangeLogID, log.UserID, log.RequestID, addedJSON, removedJSON, mentionedJSON, log.CreatedAt)
	return dbErr(err, "append_profile_change_log")
}

func (s *Store) DistinctProfileUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT user_id FROM user_profiles ORDER BY user_id ASC`)
	if err != nil {
		return nil, dbErr(err, "distinct_profile_user_ids")
	}
	return ids, nil
}

type profileRow struct {
	ProfileID              string          `db:"profile_id"`
	UserID                 string          `db:"user_id"`
	ProfileContent         string          `db:"profile_content"`
	GeneratedFromRequestID string          `db:"generated_from_request_id"`
	LastModifiedTimestamp  int64           `db:"last_modified_timestamp"`
	ExpirationTimestamp    *int64          `db:"expiration_timestamp"`
	Source                 string          `db:"source"`
	Status                 string          `db:"status"`
	Embedding              json.RawMessage `db:"embedding"`
	CustomFeatures         json.RawMessage `db:"custom_features"`
}

func (r profileRow) toProfile() (*types.UserProfile, error) {
	p := &types.UserProfile{
		ProfileID:              r.ProfileID,
		UserID:                 r.UserID,
		ProfileContent:         r.ProfileContent,
		GeneratedFromRequestID: r.GeneratedFromRequestID,
		LastModifiedTimestamp:  r.LastModifiedTimestamp,
		ExpirationTimestamp:    r.ExpirationTimestamp,
		Source:                 r.Source,
		Status:                 types.LifecycleStatus(r.Status),
	}
	if len(r.Embedding) > 0 {
		if err := json.Unmarshal(r.Embedding, &p.Embedding); err != nil {
			return nil, dbErr(err, "unmarshal profile embedding")
		}
	}
	if len(r.CustomFeatures) > 0 {
		if err := json.Unmarshal(r.CustomFeatures, &p.CustomFeatures); err != nil {
			return nil, dbErr(err, "unmarshal custom_features")
		}
	}
	return p, nil
}

// --- Raw feedback ---

func (s *Store) InsertRawFeedback(ctx context.Context, f *types.RawFeedback) error {
	if f.RawFeedbackID == "" {
		return errors.New(errors.ErrorTypeValidation, "raw_feedback_id cannot be empty")
	}
	embJSON, _ := json.Marshal(f.Embedding)
	blockingJSON, _ := json.Marshal(f.BlockingIssue)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_feedback
			(raw_feedback_id, agent_version, request_id, feedback_name, created_at, feedback_content,
			 do_action, do_not_action, when_condition, blocking_issue, indexed_content, status, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		f.RawFeedbackID, f.AgentVersion, f.RequestID, f.FeedbackName, f.CreatedAt, f.FeedbackContent,
		f.DoAction, f.DoNotAction, f.WhenCondition, blockingJSON, f.IndexedContent, f.Status, embJSON)
	return dbErr(err, "insert_raw_feedback")
}

func (s *Store) ListRawFeedback(ctx context.Context, agentVersion, feedbackName string, status types.LifecycleStatus) ([]*types.RawFeedback, error) {
	var rows []rawFeedbackRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT raw_feedback_id, agent_version, request_id, feedback_name, created_at, feedback_content,
		       do_action, do_not_action, when_condition, blocking_issue, indexed_content, status, embedding
		FROM raw_feedback WHERE agent_version = $1 AND feedback_name = $2 AND status = $3
		ORDER BY raw_feedback_id ASC`, agentVersion, feedbackName, status)
	if err != nil {
		return nil, dbErr(err, "list_raw_feedback")
	}
	out := make([]*types.RawFeedback, 0, len(rows))
	for _, r := range rows {
		f, err := r.toRawFeedback()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) SetRawFeedbackStatusForOrg(ctx context.Context, agentVersion, feedbackName string, from, to types.LifecycleStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_feedback SET status = $1
		WHERE agent_version = $2 AND feedback_name = $3 AND status = $4`,
		to, agentVersion, feedbackName, from)
	return dbErr(err, "set_raw_feedback_status_for_org")
}

func (s *Store) SetRawFeedbackStatusByIDs(ctx context.Context, ids []string, to types.LifecycleStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE raw_feedback SET status = ? WHERE raw_feedback_id IN (?)`, to, ids)
	if err != nil {
		return dbErr(err, "set_raw_feedback_status_by_ids build query")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return dbErr(err, "set_raw_feedback_status_by_ids")
}

func (s *Store) DeleteRawFeedbackByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM raw_feedback WHERE raw_feedback_id IN (?)`, ids)
	if err != nil {
		return dbErr(err, "delete_raw_feedback build query")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return dbErr(err, "delete_raw_feedback")
}

func (s *Store) DistinctFeedbackScopes(ctx context.Context) ([]store.FeedbackScope, error) {
	var rows []struct {
		AgentVersion string `db:"agent_version"`
		FeedbackName string `db:"feedback_name"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT agent_version, feedback_name FROM raw_feedback
		ORDER BY agent_version ASC, feedback_name ASC`)
	if err != nil {
		return nil, dbErr(err, "distinct_feedback_scopes")
	}
	out := make([]store.FeedbackScope, len(rows))
	for i, r := range rows {
		out[i] = store.FeedbackScope{AgentVersion: r.AgentVersion, FeedbackName: r.FeedbackName}
	}
	return out, nil
}

type rawFeedbackRow struct {
	RawFeedbackID   string          `db:"raw_feedback_id"`
	AgentVersion    string          `db:"agent_version"`
	RequestID       string          `db:"request_id"`
	FeedbackName    string          `db:"feedback_name"`
	CreatedAt       int64           `db:"created_at"`
	FeedbackContent string          `db:"feedback_content"`
	DoAction        string          `db:"do_action"`
	DoNotAction     string          `db:"do_not_action"`
	WhenCondition   string          `db:"when_condition"`
	BlockingIssue   json.RawMessage `db:"blocking_issue"`
	IndexedContent  string          `db:"indexed_content"`
	Status          string          `db:"status"`
	Embedding       json.RawMessage `db:"embedding"`
}

func (r rawFeedbackRow) toRawFeedback() (*types.RawFeedback, error) {
	f := &types.RawFeedback{
		RawFeedbackID:   r.RawFeedbackID,
		AgentVersion:    r.AgentVersion,
		RequestID:       r.RequestID,
		FeedbackName:    r.FeedbackName,
		CreatedAt:       r.CreatedAt,
		FeedbackContent: r.FeedbackContent,
		DoAction:        r.DoAction,
		DoNotAction:     r.DoNotAction,
		WhenCondition:   r.WhenCondition,
		IndexedContent:  r.IndexedContent,
		Status:          types.LifecycleStatus(r.Status),
	}
	if len(r.BlockingIssue) > 0 && string(r.BlockingIssue) != "null" {
		if err := json.Unmarshal(r.BlockingIssue, &f.BlockingIssue); err != nil {
			return nil, dbErr(err, "unmarshal blocking_issue")
		}
	}
	if len(r.Embedding) > 0 {
		if err := json.Unmarshal(r.Embedding, &f.Embedding); err != nil {
			return nil, dbErr(err, "unmarshal raw feedback embedding")
		}
	}
	return f, nil
}

// --- Aggregated feedback ---

func (s *Store) UpsertAggregatedFeedback(ctx context.Context, f *types.AggregatedFeedback) error {
	if f.FeedbackID == "" {
		return errors.New(errors.ErrorTypeValidation, "feedback_id cannot be empty")
	}
	embJSON, _ := json.Marshal(f.Embedding)
	blockingJSON, _ := json.Marshal(f.BlockingIssue)
	metaJSON, _ := json.Marshal(f.FeedbackMetadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregated_feedback
			(feedback_id, feedback_name, agent_version, feedback_content, do_action, do_not_action,
			 when_condition, blocking_issue, feedback_status, feedback_metadata, embedding, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (feedback_id) DO UPDATE SET
			feedback_content = EXCLUDED.feedback_content,
			do_action = EXCLUDED.do_action,
			do_not_action = EXCLUDED.do_not_action,
			when_condition = EXCLUDED.when_condition,
			blocking_issue = EXCLUDED.blocking_issue,
			feedback_status = EXCLUDED.feedback_status,
			feedback_metadata = EXCLUDED.feedback_metadata,
			embedding = EXCLUDED.embedding,
			status = EXCLUDED.status`,
		f.FeedbackID, f.FeedbackName, f.AgentVersion, f.FeedbackContent, f.DoAction, f.DoNotAction,
		f.WhenCondition, blockingJSON, f.FeedbackStatus, metaJSON, embJSON, f.Status)
	return dbErr(err, "upsert_aggregated_feedback")
}

func (s *Store) GetAggregatedFeedbacksByIDs(ctx context.Context, ids []string) ([]*types.AggregatedFeedback, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT feedback_id, feedback_name, agent_version, feedback_content, do_action, do_not_action,
		       when_condition, blocking_issue, feedback_status, feedback_metadata, embedding, status
		FROM aggregated_feedback WHERE feedback_id IN (?)`, ids)
	if err != nil {
		return nil, dbErr(err, "get_aggregated_feedbacks_by_ids build query")
	}
	var rows []aggregatedFeedbackRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, dbErr(err, "get_aggregated_feedbacks_by_ids")
	}
	return toAggregatedFeedbacks(rows)
}

func (s *Store) ListAggregatedFeedback(ctx context.Context, agentVersion, feedbackName string, status types.LifecycleStatus) ([]*types.AggregatedFeedback, error) {
	var rows []aggregatedFeedbackRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT feedback_id, feedback_name, agent_version, feedback_content, do_action, do_not_action,
		       when_condition, blocking_issue, feedback_status, feedback_metadata, embedding, status
		FROM aggregated_feedback WHERE agent_version = $1 AND feedback_name = $2 AND status = $3`,
		agentVersion, feedbackName, status)
	if err != nil {
		return nil, dbErr(err, "list_aggregated_feedback")
	}
	return toAggregatedFeedbacks(rows)
}

func (s *Store) SetAggregatedFeedbackStatusForOrg(ctx context.Context, agentVersion, feedbackName string, from, to types.LifecycleStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE aggregated_feedback SET status = $1
		WHERE agent_version = $2 AND feedback_name = $3 AND status = $4`,
		to, agentVersion, feedbackName, from)
	return dbErr(err, "set_aggregated_feedback_status_for_org")
}

func (s *Store) ArchiveAggregatedFeedbackByIDs(ctx context.Context, ids []string) error {
	return s.setAggregatedFeedbackStatusByIDs(ctx, ids, types.StatusArchived)
}

func (s *Store) RestoreAggregatedFeedbackByIDs(ctx context.Context, ids []string) error {
	return s.setAggregatedFeedbackStatusByIDs(ctx, ids, types.StatusCurrent)
}

func (s *Store) setAggregatedFeedbackStatusByIDs(ctx context.Context, ids []string, status types.LifecycleStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE aggregated_feedback SET status = ? WHERE feedback_id IN (?)`, status, ids)
	if err != nil {
		return dbErr(err, "set_aggregated_feedback_status build query")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return dbErr(err, "set_aggregated_feedback_status")
}

func (s *Store) DeleteAggregatedFeedbackByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM aggregated_feedback WHERE feedback_id IN (?)`, ids)
	if err != nil {
		return dbErr(err, "delete_aggregated_feedback build query")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return dbErr(err, "delete_aggregated_feedback")
}

type aggregatedFeedbackRow struct {
	FeedbackID       string          `db:"feedback_id"`
	FeedbackName     string          `db:"feedback_name"`
	AgentVersion     string          `db:"agent_version"`
	FeedbackContent  string          `db:"feedback_content"`
	DoAction         string          `db:"do_action"`
	DoNotAction      string          `db:"do_not_action"`
	WhenCondition    string          `db:"when_condition"`
	BlockingIssue    json.RawMessage `db:"blocking_issue"`
	FeedbackStatus   string          `db:"feedback_status"`
	FeedbackMetadata json.RawMessage `db:"feedback_metadata"`
	Embedding        json.RawMessage `db:"embedding"`
	Status           string          `db:"status"`
}

func toAggregatedFeedbacks(rows []aggregatedFeedbackRow) ([]*types.AggregatedFeedback, error) {
	out := make([]*types.AggregatedFeedback, 0, len(rows))
	for _, r := range rows {
		f := &types.AggregatedFeedback{
			FeedbackID:      r.FeedbackID,
			FeedbackName:    r.FeedbackName,
			AgentVersion:    r.AgentVersion,
			FeedbackContent: r.FeedbackContent,
			DoAction:        r.DoAction,
			DoNotAction:     r.DoNotAction,
			WhenCondition:   r.WhenCondition,
			FeedbackStatus:  types.ApprovalStatus(r.FeedbackStatus),
			Status:          types.LifecycleStatus(r.Status),
		}
		if len(r.BlockingIssue) > 0 && string(r.BlockingIssue) != "null" {
			if err := json.Unmarshal(r.BlockingIssue, &f.BlockingIssue); err != nil {
				return nil, dbErr(err, "unmarshal blocking_issue")
			}
		}
		if len(r.FeedbackMetadata) > 0 {
			if err := json.Unmarshal(r.FeedbackMetadata, &f.FeedbackMetadata); err != nil {
				return nil, dbErr(err, "unmarshal feedback_metadata")
			}
		}
		if len(r.Embedding) > 0 {
			if err := json.Unmarshal(r.Embedding, &f.Embedding); err != nil {
				return nil, dbErr(err, "unmarshal aggregated feedback embedding")
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// --- Evaluation ---

func (s *Store) InsertEvaluationResult(ctx context.Context, r *types.EvaluationResult) error {
	embJSON, _ := json.Marshal(r.Embedding)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_results
			(result_id, request_id, agent_version, evaluation_name, is_success, failure_type, failure_reason,
			 agent_prompt_update, regular_vs_shadow, created_at, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ResultID, r.RequestID, r.AgentVersion, r.EvaluationName, r.IsSuccess, r.FailureType, r.FailureReason,
		r.AgentPromptUpdate, r.RegularVsShadow, r.CreatedAt, embJSON)
	return dbErr(err, "insert_evaluation_result")
}

func (s *Store) ListEvaluationResults(ctx context.Context, requestID string) ([]*types.EvaluationResult, error) {
	var rows []evaluationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT result_id, request_id, agent_version, evaluation_name, is_success, failure_type, failure_reason,
		       agent_prompt_update, regular_vs_shadow, created_at, embedding
		FROM evaluation_results WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, dbErr(err, "list_evaluation_results")
	}
	out := make([]*types.EvaluationResult, 0, len(rows))
	for _, r := range rows {
		e := &types.EvaluationResult{
			ResultID:          r.ResultID,
			RequestID:         r.RequestID,
			AgentVersion:      r.AgentVersion,
			EvaluationName:    r.EvaluationName,
			IsSuccess:         r.IsSuccess,
			FailureType:       r.FailureType,
			FailureReason:     r.FailureReason,
			AgentPromptUpdate: r.AgentPromptUpdate,
			CreatedAt:         r.CreatedAt,
		}
		if r.RegularVsShadow != nil {
			c := types.Comparison(*r.RegularVsShadow)
			e.RegularVsShadow = &c
		}
		if len(r.Embedding) > 0 {
			if err := json.Unmarshal(r.Embedding, &e.Embedding); err != nil {
				return nil, dbErr(err, "unmarshal evaluation embedding")
			}
		}
		out = append(out, e)
	}
	return out, nil
}

type evaluationRow struct {
	ResultID          string          `db:"result_id"`
	RequestID         string          `db:"request_id"`
	AgentVersion      string          `db:"agent_version"`
	EvaluationName    string          `db:"evaluation_name"`
	IsSuccess         bool            `db:"is_success"`
	FailureType       *string         `db:"failure_type"`
	FailureReason     *string         `db:"failure_reason"`
	AgentPromptUpdate *string         `db:"agent_prompt_update"`
	RegularVsShadow   *string         `db:"regular_vs_shadow"`
	CreatedAt         int64           `db:"created_at"`
	Embedding         json.RawMessage `db:"embedding"`
}

// --- Search ---
//
// Search relies on pgvector's <=> cosine-distance operator against the
// embedding column of the requested entity's table. Only the three
// entities the core actually queries across (§6) are supported.
func (s *Store) Search(ctx context.Context, entity string, q store.SearchQuery) ([]store.SearchResult, error) {
	if len(q.QueryEmbedding) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "search requires a query embedding")
	}
	embJSON, err := json.Marshal(q.QueryEmbedding)
	if err != nil {
		return nil, dbErr(err, "search marshal query embedding")
	}

	var query string
	var args []interface{}
	switch entity {
	case "profile":
		query = `
			SELECT profile_id AS id, 1 - (embedding <=> $1) AS similarity
			FROM user_profiles
			WHERE ($2 = '' OR user_id = $2) AND ($3 = '' OR status = $3)
			  AND 1 - (embedding <=> $1) >= $4
			ORDER BY embedding <=> $1 ASC LIMIT $5`
		args = []interface{}{embJSON, q.UserID, string(q.Status), q.Threshold, topKOrDefault(q.TopK)}
	case "raw_feedback":
		query = `
			SELECT raw_feedback_id AS id, 1 - (embedding <=> $1) AS similarity
			FROM raw_feedback
			WHERE ($2 = '' OR agent_version = $2) AND ($3 = '' OR feedback_name = $3)
			  AND 1 - (embedding <=> $1) >= $4
			ORDER BY embedding <=> $1 ASC LIMIT $5`
		args = []interface{}{embJSON, q.AgentVersion, q.FeedbackName, q.Threshold, topKOrDefault(q.TopK)}
	case "aggregated_feedback":
		query = `
			SELECT feedback_id AS id, 1 - (embedding <=> $1) AS similarity
			FROM aggregated_feedback
			WHERE ($2 = '' OR agent_version = $2)
			  AND 1 - (embedding <=> $1) >= $3
			ORDER BY embedding <=> $1 ASC LIMIT $4`
		args = []interface{}{embJSON, q.AgentVersion, q.Threshold, topKOrDefault(q.TopK)}
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown search entity %q", entity)
	}

	var rows []struct {
		ID         string  `db:"id"`
		Similarity float64 `db:"similarity"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, dbErr(err, "search")
	}
	out := make([]store.SearchResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.SearchResult{ID: r.ID, Similarity: r.Similarity})
	}
	return out, nil
}

func topKOrDefault(topK int) int {
	if topK <= 0 {
		return 50
	}
	return topK
}

// --- OperationState ---

func (s *Store) UpsertOperationState(ctx context.Context, key, orgID string, mutate func(prior map[string]interface{}) map[string]interface{}) (map[string]interface{}, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, dbErr(err, "upsert_operation_state begin")
	}
	defer tx.Rollback()

	var priorJSON sql.NullString
	err = tx.GetContext(ctx, &priorJSON, `
		SELECT payload FROM operation_state WHERE key = $1 FOR UPDATE`, key)
	if err != nil && err != sql.ErrNoRows {
		return nil, dbErr(err, "upsert_operation_state select for update")
	}
	exists := err == nil

	var prior map[string]interface{}
	if priorJSON.Valid {
		if err := json.Unmarshal([]byte(priorJSON.String), &prior); err != nil {
			return nil, dbErr(err, "upsert_operation_state unmarshal prior")
		}
	}

	next := mutate(prior)
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, dbErr(err, "upsert_operation_state marshal next")
	}

	conflict := `ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
	if !exists {
		// FOR UPDATE locks nothing when the row is absent, so another
		// first writer may create it meanwhile; DO NOTHING detects that.
		conflict = `ON CONFLICT (key) DO NOTHING`
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO operation_state (key, org_id, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		`+conflict, key, orgID, nextJSON)
	if err != nil {
		return nil, dbErr(err, "upsert_operation_state write")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost the race to create the row: start over and read it under lock
		_ = tx.Rollback()
		return s.UpsertOperationState(ctx, key, orgID, mutate)
	}

	if err := tx.Commit(); err != nil {
		return nil, dbErr(err, "upsert_operation_state commit")
	}
	return prior, nil
}

func (s *Store) GetOperationState(ctx context.Context, key string) (map[string]interface{}, error) {
	var payload sql.NullString
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM operation_state WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get_operation_state")
	}
	if !payload.Valid {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(payload.String), &out); err != nil {
		return nil, dbErr(err, "get_operation_state unmarshal")
	}
	return out, nil
}

func (s *Store) DeleteOperationStateIf(ctx context.Context, key string, predicate func(current map[string]interface{}) bool) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, dbErr(err, "delete_operation_state_if begin")
	}
	defer tx.Rollback()

	var payload sql.NullString
	err = tx.GetContext(ctx, &payload, `SELECT payload FROM operation_state WHERE key = $1 FOR UPDATE`, key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dbErr(err, "delete_operation_state_if select")
	}

	var current map[string]interface{}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &current); err != nil {
			return false, dbErr(err, "delete_operation_state_if unmarshal")
		}
	}
	if predicate != nil && !predicate(current) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operation_state WHERE key = $1`, key); err != nil {
		return false, dbErr(err, "delete_operation_state_if delete")
	}
	if err := tx.Commit(); err != nil {
		return false, dbErr(err, "delete_operation_state_if commit")
	}
	return true, nil
}
