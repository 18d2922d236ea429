package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/zephix/governance/internal/core/db"
	"github.com/zephix/governance/internal/types"
)

// SQLStore implements Store over sqlx with named dotsql queries.
type SQLStore struct {
	db      *sqlx.DB
	queries *db.Queries
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open, migrated connection.
func NewSQLStore(conn *sqlx.DB) (*SQLStore, error) {
	queries, err := db.LoadQueries(conn)
	if err != nil {
		return nil, err
	}
	return &SQLStore{
		db:      conn,
		queries: queries,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ruleRow scans definitions as text; drivers disagree on whether TEXT and
// JSONB arrive as string or []byte.
type ruleRow struct {
	ID         string    `db:"rule_id"`
	RuleSetID  string    `db:"rule_set_id"`
	Code       string    `db:"code"`
	Version    int       `db:"version"`
	IsActive   bool      `db:"is_active"`
	Definition string    `db:"definition"`
	CreatedBy  string    `db:"created_by"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r ruleRow) rule() types.Rule {
	return types.Rule{
		ID:         types.RuleID(r.ID),
		RuleSetID:  types.RuleSetID(r.RuleSetID),
		Code:       r.Code,
		Version:    r.Version,
		IsActive:   r.IsActive,
		Definition: json.RawMessage(r.Definition),
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
	}
}

func rulesFromRows(rows []ruleRow) []types.Rule {
	out := make([]types.Rule, len(rows))
	for i, r := range rows {
		out[i] = r.rule()
	}
	return out
}

type evaluationRow struct {
	ID                 string    `db:"evaluation_id"`
	OrganizationID     string    `db:"organization_id"`
	WorkspaceID        string    `db:"workspace_id"`
	EntityType         string    `db:"entity_type"`
	EntityID           string    `db:"entity_id"`
	TransitionType     string    `db:"transition_type"`
	FromValue          string    `db:"from_value"`
	ToValue            string    `db:"to_value"`
	RuleSetID          string    `db:"rule_set_id"`
	RuleID             string    `db:"rule_id"`
	RuleVersion        int       `db:"rule_version"`
	EnforcementMode    string    `db:"enforcement_mode"`
	Decision           string    `db:"decision"`
	Reasons            string    `db:"reasons"`
	InputHash          string    `db:"input_hash"`
	InputSnapshot      string    `db:"input_snapshot"`
	ActorUserID        string    `db:"actor_user_id"`
	ActorPlatformRole  string    `db:"actor_platform_role"`
	ActorWorkspaceRole string    `db:"actor_workspace_role"`
	RequestID          string    `db:"request_id"`
	CreatedAt          time.Time `db:"created_at"`
}

func (r evaluationRow) record() (types.EvaluationRecord, error) {
	rec := types.EvaluationRecord{
		ID:              types.EvaluationID(r.ID),
		OrganizationID:  r.OrganizationID,
		WorkspaceID:     r.WorkspaceID,
		EntityType:      r.EntityType,
		EntityID:        r.EntityID,
		TransitionType:  r.TransitionType,
		FromValue:       r.FromValue,
		ToValue:         r.ToValue,
		RuleSetID:       types.RuleSetID(r.RuleSetID),
		RuleID:          types.RuleID(r.RuleID),
		RuleVersion:     r.RuleVersion,
		EnforcementMode: types.EnforcementMode(r.EnforcementMode),
		Decision:        types.Outcome(r.Decision),
		InputHash:       r.InputHash,
		Actor: types.Actor{
			UserID:        r.ActorUserID,
			PlatformRole:  r.ActorPlatformRole,
			WorkspaceRole: r.ActorWorkspaceRole,
		},
		RequestID: r.RequestID,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.InputSnapshot != "" {
		rec.InputSnapshot = json.RawMessage(r.InputSnapshot)
	}
	if err := json.Unmarshal([]byte(r.Reasons), &rec.Reasons); err != nil {
		return rec, fmt.Errorf("decode reasons for evaluation %s: %w", r.ID, err)
	}
	return rec, nil
}

// View runs fn inside a read-only transaction.
func (s *SQLStore) View(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.db.BeginTxx(ctx, db.ReadTxOptions(s.db.DriverName()))
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(sqlReader{q: s.queries.WithTx(tx)}); err != nil {
		return err
	}
	return tx.Commit()
}

// update runs fn inside a read-write transaction.
func (s *SQLStore) update(ctx context.Context, fn func(q *db.Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// Reader methods outside View run against the pool.

func (s *SQLStore) ActiveRuleSets(ctx context.Context, scope types.Scope, scopeID, entityType string) ([]types.RuleSet, error) {
	return sqlReader{q: s.queries}.ActiveRuleSets(ctx, scope, scopeID, entityType)
}

func (s *SQLStore) ResolveActiveRule(ctx context.Context, ruleSetID types.RuleSetID, code string) (*types.Rule, error) {
	return sqlReader{q: s.queries}.ResolveActiveRule(ctx, ruleSetID, code)
}

func (s *SQLStore) ActiveRules(ctx context.Context, ruleSetID types.RuleSetID) ([]types.Rule, error) {
	return sqlReader{q: s.queries}.ActiveRules(ctx, ruleSetID)
}

type sqlReader struct {
	q *db.Queries
}

func (r sqlReader) ActiveRuleSets(ctx context.Context, scope types.Scope, scopeID, entityType string) ([]types.RuleSet, error) {
	var sets []types.RuleSet
	if err := r.q.Select(ctx, "list-active-rule-sets", &sets, string(scope), entityType, true, scopeID); err != nil {
		return nil, fmt.Errorf("list active rule sets: %w", err)
	}
	return sets, nil
}

func (r sqlReader) ResolveActiveRule(ctx context.Context, ruleSetID types.RuleSetID, code string) (*types.Rule, error) {
	var row ruleRow
	err := r.q.Get(ctx, "resolve-active-rule", &row, string(ruleSetID), code, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotConfigured, code)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve active rule %s: %w", code, err)
	}
	rule := row.rule()
	return &rule, nil
}

func (r sqlReader) ActiveRules(ctx context.Context, ruleSetID types.RuleSetID) ([]types.Rule, error) {
	var rows []ruleRow
	if err := r.q.Select(ctx, "list-active-rules", &rows, string(ruleSetID), true); err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return rulesFromRows(rows), nil
}

// CreateRuleSet inserts rs, assigning ID and timestamps when unset.
func (s *SQLStore) CreateRuleSet(ctx context.Context, rs *types.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	if rs.ID == "" {
		rs.ID = types.NewRuleSetID()
	}
	now := s.now()
	rs.CreatedAt, rs.UpdatedAt = now, now

	_, err := s.queries.Exec(ctx, "insert-rule-set",
		string(rs.ID), string(rs.Scope), rs.OrganizationID, rs.WorkspaceID, rs.EntityType,
		rs.Name, rs.Description, string(rs.EnforcementMode), rs.IsActive, rs.CreatedBy,
		rs.CreatedAt, rs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule set: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRuleSet(ctx context.Context, id types.RuleSetID) (*types.RuleSet, error) {
	return getRuleSet(ctx, s.queries, id)
}

func getRuleSet(ctx context.Context, q *db.Queries, id types.RuleSetID) (*types.RuleSet, error) {
	var rs types.RuleSet
	err := q.Get(ctx, "get-rule-set", &rs, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleSetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule set: %w", err)
	}
	return &rs, nil
}

func (s *SQLStore) ListRuleSets(ctx context.Context) ([]types.RuleSet, error) {
	var sets []types.RuleSet
	if err := s.queries.Select(ctx, "list-rule-sets", &sets); err != nil {
		return nil, fmt.Errorf("list rule sets: %w", err)
	}
	return sets, nil
}

// SetEnforcementMode changes the mode of an active set.
func (s *SQLStore) SetEnforcementMode(ctx context.Context, id types.RuleSetID, mode types.EnforcementMode) (*types.RuleSet, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown enforcement mode %q", types.ErrInvalidRuleSet, mode)
	}

	var updated *types.RuleSet
	err := s.update(ctx, func(q *db.Queries) error {
		rs, err := activeRuleSet(ctx, q, id)
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := q.Exec(ctx, "update-rule-set-mode", string(mode), now, string(id), true); err != nil {
			return fmt.Errorf("update enforcement mode: %w", err)
		}
		rs.EnforcementMode = mode
		rs.UpdatedAt = now
		updated = rs
		return nil
	})
	return updated, err
}

// DeactivateRuleSet retires a set. Rows are never deleted.
func (s *SQLStore) DeactivateRuleSet(ctx context.Context, id types.RuleSetID) (*types.RuleSet, error) {
	var updated *types.RuleSet
	err := s.update(ctx, func(q *db.Queries) error {
		rs, err := activeRuleSet(ctx, q, id)
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := q.Exec(ctx, "deactivate-rule-set", false, now, string(id), true); err != nil {
			return fmt.Errorf("deactivate rule set: %w", err)
		}
		rs.IsActive = false
		rs.UpdatedAt = now
		updated = rs
		return nil
	})
	return updated, err
}

func activeRuleSet(ctx context.Context, q *db.Queries, id types.RuleSetID) (*types.RuleSet, error) {
	rs, err := getRuleSet(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if !rs.IsActive {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleSetInactive, id)
	}
	return rs, nil
}

// InsertRule stores the next version of rule.Code.
func (s *SQLStore) InsertRule(ctx context.Context, rule *types.Rule) error {
	return s.update(ctx, func(q *db.Queries) error {
		if _, err := activeRuleSet(ctx, q, rule.RuleSetID); err != nil {
			return err
		}

		var current int
		if err := q.Get(ctx, "max-rule-version", &current, string(rule.RuleSetID), rule.Code); err != nil {
			return fmt.Errorf("read latest version: %w", err)
		}

		if rule.ID == "" {
			rule.ID = types.NewRuleID()
		}
		rule.Version = current + 1
		rule.CreatedAt = s.now()

		_, err := q.Exec(ctx, "insert-rule",
			string(rule.ID), string(rule.RuleSetID), rule.Code, rule.Version, rule.IsActive,
			string(rule.Definition), rule.CreatedBy, rule.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s v%d", types.ErrVersionConflict, rule.Code, rule.Version)
		}
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) GetRule(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	return getRule(ctx, s.queries, id)
}

func getRule(ctx context.Context, q *db.Queries, id types.RuleID) (*types.Rule, error) {
	var row ruleRow
	err := q.Get(ctx, "get-rule", &row, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	rule := row.rule()
	return &rule, nil
}

func (s *SQLStore) ListRuleVersions(ctx context.Context, ruleSetID types.RuleSetID, code string) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.queries.Select(ctx, "list-rule-versions", &rows, string(ruleSetID), code); err != nil {
		return nil, fmt.Errorf("list rule versions: %w", err)
	}
	return rulesFromRows(rows), nil
}

func (s *SQLStore) GetPointer(ctx context.Context, ruleSetID types.RuleSetID, code string) (*types.ActivePointer, error) {
	return getPointer(ctx, s.queries, ruleSetID, code)
}

func getPointer(ctx context.Context, q *db.Queries, ruleSetID types.RuleSetID, code string) (*types.ActivePointer, error) {
	var p types.ActivePointer
	err := q.Get(ctx, "get-pointer", &p, string(ruleSetID), code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotConfigured, code)
	}
	if err != nil {
		return nil, fmt.Errorf("get pointer: %w", err)
	}
	return &p, nil
}

// pointerTarget loads ruleID and checks it may back the (ruleSetID, code)
// pointer of an active set.
func pointerTarget(ctx context.Context, q *db.Queries, ruleSetID types.RuleSetID, code string, ruleID types.RuleID) (*types.Rule, error) {
	if _, err := activeRuleSet(ctx, q, ruleSetID); err != nil {
		return nil, err
	}
	rule, err := getRule(ctx, q, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.RuleSetID != ruleSetID || rule.Code != code {
		return nil, fmt.Errorf("%w: %s is %s/%s, pointer is %s/%s",
			types.ErrPointerMismatch, ruleID, rule.RuleSetID, rule.Code, ruleSetID, code)
	}
	return rule, nil
}

func (s *SQLStore) CreatePointer(ctx context.Context, ruleSetID types.RuleSetID, code string, ruleID types.RuleID, updatedBy string) (*types.ActivePointer, error) {
	var p *types.ActivePointer
	err := s.update(ctx, func(q *db.Queries) error {
		rule, err := pointerTarget(ctx, q, ruleSetID, code, ruleID)
		if err != nil {
			return err
		}
		p = &types.ActivePointer{
			RuleSetID: ruleSetID,
			Code:      code,
			RuleID:    rule.ID,
			Version:   rule.Version,
			UpdatedBy: updatedBy,
			UpdatedAt: s.now(),
		}
		_, err = q.Exec(ctx, "insert-pointer",
			string(p.RuleSetID), p.Code, string(p.RuleID), p.Version, p.UpdatedBy, p.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pointer for %s already exists", types.ErrConcurrentPointerConflict, code)
		}
		if err != nil {
			return fmt.Errorf("insert pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SwapPointer is a compare-and-swap on active_rule_id.
func (s *SQLStore) SwapPointer(ctx context.Context, ruleSetID types.RuleSetID, code string, expected, next types.RuleID, updatedBy string) (*types.ActivePointer, error) {
	var p *types.ActivePointer
	err := s.update(ctx, func(q *db.Queries) error {
		rule, err := pointerTarget(ctx, q, ruleSetID, code, next)
		if err != nil {
			return err
		}
		now := s.now()
		res, err := q.Exec(ctx, "swap-pointer",
			string(rule.ID), rule.Version, updatedBy, now,
			string(ruleSetID), code, string(expected))
		if err != nil {
			return fmt.Errorf("swap pointer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("swap pointer: %w", err)
		}
		if n == 0 {
			if _, err := getPointer(ctx, q, ruleSetID, code); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s no longer points at %s", types.ErrConcurrentPointerConflict, code, expected)
		}
		p = &types.ActivePointer{
			RuleSetID: ruleSetID,
			Code:      code,
			RuleID:    rule.ID,
			Version:   rule.Version,
			UpdatedBy: updatedBy,
			UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AppendEvaluation inserts one immutable record.
func (s *SQLStore) AppendEvaluation(ctx context.Context, rec *types.EvaluationRecord) error {
	if rec.ID == "" {
		rec.ID = types.NewEvaluationID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	reasons := rec.Reasons
	if reasons == nil {
		reasons = []types.Reason{}
	}
	encoded, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("%w: encode reasons: %v", types.ErrAuditPersistence, err)
	}

	_, err = s.queries.Exec(ctx, "insert-evaluation",
		string(rec.ID), rec.OrganizationID, rec.WorkspaceID, rec.EntityType, rec.EntityID,
		rec.TransitionType, rec.FromValue, rec.ToValue, string(rec.RuleSetID), string(rec.RuleID), rec.RuleVersion,
		string(rec.EnforcementMode), string(rec.Decision), string(encoded), rec.InputHash, string(rec.InputSnapshot),
		rec.Actor.UserID, rec.Actor.PlatformRole, rec.Actor.WorkspaceRole, rec.RequestID, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAuditPersistence, err)
	}
	return nil
}

// ListEvaluations answers compliance queries, newest first.
func (s *SQLStore) ListEvaluations(ctx context.Context, filter types.EvaluationFilter) ([]types.EvaluationRecord, error) {
	f := normalizeFilter(filter)

	var rows []evaluationRow
	err := s.queries.Select(ctx, "list-evaluations", &rows,
		f.OrganizationID, f.OrganizationID,
		f.WorkspaceID, f.WorkspaceID,
		f.EntityType, f.EntityType,
		f.EntityID, f.EntityID,
		string(f.Decision), string(f.Decision),
		f.Since, f.Until,
		f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	out := make([]types.EvaluationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// isUniqueViolation recognises duplicate-key errors from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}
