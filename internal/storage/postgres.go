package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	query := `
		SELECT id, chat_id, current_stage, markers, last_seen_at, created_at
		FROM users
		WHERE id = $1`

	user := &models.User{}
	var currentStage sql.NullString
	var markers []byte

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.ChatID,
		&currentStage,
		&markers,
		&user.LastSeenAt,
		&user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}

	if currentStage.Valid {
		stage := models.Stage(currentStage.String)
		user.CurrentStage = &stage
	}
	if err := json.Unmarshal(markers, &user.Markers); err != nil {
		return nil, fmt.Errorf("error decoding user markers: %w", err)
	}

	return user, nil
}

func (s *PostgresStorage) SaveUser(ctx context.Context, user *models.User) error {
	markers, err := json.Marshal(markersOrEmpty(user.Markers))
	if err != nil {
		return fmt.Errorf("error encoding user markers: %w", err)
	}

	query := `
		INSERT INTO users (id, chat_id, current_stage, markers, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET chat_id = EXCLUDED.chat_id,
		    current_stage = EXCLUDED.current_stage,
		    markers = EXCLUDED.markers,
		    last_seen_at = EXCLUDED.last_seen_at`

	_, err = s.db.ExecContext(ctx, query,
		user.ID,
		user.ChatID,
		stageOrNull(user.CurrentStage),
		markers,
		user.LastSeenAt,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving user: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListUsers(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT id, chat_id, current_stage, markers, last_seen_at, created_at
		FROM users
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		var currentStage sql.NullString
		var markers []byte
		if err := rows.Scan(&user.ID, &user.ChatID, &currentStage, &markers, &user.LastSeenAt, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		if currentStage.Valid {
			stage := models.Stage(currentStage.String)
			user.CurrentStage = &stage
		}
		if err := json.Unmarshal(markers, &user.Markers); err != nil {
			return nil, fmt.Errorf("error decoding user markers: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStorage) UpdateUserMarkers(ctx context.Context, userID int64, markers map[string]string) error {
	patch, err := json.Marshal(markersOrEmpty(markers))
	if err != nil {
		return fmt.Errorf("error encoding markers: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET markers = markers || $1 WHERE id = $2`, patch, userID)
	if err != nil {
		return fmt.Errorf("error updating markers: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStorage) TouchUser(ctx context.Context, userID int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("error touching user: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStorage) GetSession(ctx context.Context, userID int64) (*models.Session, error) {
	query := `
		SELECT user_id, chat_id, messages, data, active, updated_at
		FROM sessions
		WHERE user_id = $1`

	session := &models.Session{}
	var messages, data []byte

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&session.UserID,
		&session.ChatID,
		&messages,
		&data,
		&session.Active,
		&session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying session: %w", err)
	}

	if err := json.Unmarshal(messages, &session.Messages); err != nil {
		return nil, fmt.Errorf("error decoding session messages: %w", err)
	}
	if err := json.Unmarshal(data, &session.Data); err != nil {
		return nil, fmt.Errorf("error decoding session data: %w", err)
	}
	return session, nil
}

func (s *PostgresStorage) SaveSession(ctx context.Context, session *models.Session) error {
	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("error encoding session messages: %w", err)
	}
	data, err := json.Marshal(markersOrEmpty(session.Data))
	if err != nil {
		return fmt.Errorf("error encoding session data: %w", err)
	}

	query := `
		INSERT INTO sessions (user_id, chat_id, messages, data, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET chat_id = EXCLUDED.chat_id,
		    messages = EXCLUDED.messages,
		    data = EXCLUDED.data,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		session.UserID, session.ChatID, messages, data, session.Active, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListIdleSessions(ctx context.Context, before time.Time) ([]*models.Session, error) {
	query := `
		SELECT user_id, chat_id, messages, data, active, updated_at
		FROM sessions
		WHERE active AND updated_at < $1
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("error querying idle sessions: %w", err)
	}
	defer rows.Close()

	var idle []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var messages, data []byte
		if err := rows.Scan(&session.UserID, &session.ChatID, &messages, &data, &session.Active, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		if err := json.Unmarshal(messages, &session.Messages); err != nil {
			return nil, fmt.Errorf("error decoding session messages: %w", err)
		}
		if err := json.Unmarshal(data, &session.Data); err != nil {
			return nil, fmt.Errorf("error decoding session data: %w", err)
		}
		idle = append(idle, session)
	}
	return idle, rows.Err()
}

// CreateTrigger inserts a trigger after verifying no open trigger of the
// same kind exists for the user. The check and insert run in one
// transaction so concurrent detector sweeps cannot double-insert.
func (s *PostgresStorage) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var openID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM triggers
		 WHERE user_id = $1 AND kind = $2 AND state = 'pending'
		 LIMIT 1
		 FOR UPDATE`, trigger.UserID, trigger.Kind).Scan(&openID)
	if err == nil {
		return ErrDuplicateOpenTrigger
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("error checking open triggers: %w", err)
	}

	state := trigger.State
	if state == "" {
		state = models.TriggerPending
	}
	createdAt := trigger.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO triggers (id, user_id, kind, state, scheduled_at, sent_text, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		trigger.ID, trigger.UserID, trigger.Kind, state,
		trigger.ScheduledAt, trigger.SentText, trigger.Error, createdAt)
	if err != nil {
		// Two creators can both pass the SELECT when no pending row exists
		// yet; the partial unique index idx_triggers_one_open catches the
		// loser here.
		if isUniqueViolation(err) {
			return ErrDuplicateOpenTrigger
		}
		return fmt.Errorf("error inserting trigger: %w", err)
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *PostgresStorage) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	query := `
		SELECT id, user_id, kind, state, scheduled_at, sent_text, error, created_at, executed_at
		FROM triggers
		WHERE id = $1`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("error querying trigger: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanTrigger(rows)
}

func (s *PostgresStorage) HasOpenTrigger(ctx context.Context, userID int64, kind models.TriggerKind) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM triggers
			WHERE user_id = $1 AND kind = $2 AND state = 'pending'
		)`, userID, kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking open triggers: %w", err)
	}
	return exists, nil
}

func (s *PostgresStorage) ListDueTriggers(ctx context.Context, now time.Time) ([]*models.Trigger, error) {
	query := `
		SELECT id, user_id, kind, state, scheduled_at, sent_text, error, created_at, executed_at
		FROM triggers
		WHERE state = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("error querying due triggers: %w", err)
	}
	defer rows.Close()

	var due []*models.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, t)
	}
	return due, rows.Err()
}

func (s *PostgresStorage) MarkTriggerExecuted(ctx context.Context, id string, sentText string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE triggers
		 SET state = 'executed', sent_text = $1, executed_at = $2
		 WHERE id = $3 AND state = 'pending'`,
		sentText, at, id)
	if err != nil {
		return fmt.Errorf("error marking trigger executed: %w", err)
	}
	return s.checkMarked(ctx, result, id)
}

func (s *PostgresStorage) MarkTriggerFailed(ctx context.Context, id string, reason string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE triggers
		 SET state = 'failed', error = $1, executed_at = $2
		 WHERE id = $3 AND state = 'pending'`,
		reason, at, id)
	if err != nil {
		return fmt.Errorf("error marking trigger failed: %w", err)
	}
	return s.checkMarked(ctx, result, id)
}

// checkMarked distinguishes a missing trigger from one already terminal
// when a conditional state update touched no rows.
func (s *PostgresStorage) checkMarked(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM triggers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("error checking trigger: %w", err)
	}
	if exists {
		return ErrTriggerFinal
	}
	return ErrNotFound
}

func (s *PostgresStorage) CountExecutedSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM triggers
		 WHERE user_id = $1 AND state = 'executed' AND executed_at >= $2`,
		userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting executed triggers: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) LastExecutedTrigger(ctx context.Context, userID int64, kind models.TriggerKind) (*models.Trigger, error) {
	query := `
		SELECT id, user_id, kind, state, scheduled_at, sent_text, error, created_at, executed_at
		FROM triggers
		WHERE user_id = $1 AND kind = $2 AND state = 'executed'
		ORDER BY executed_at DESC
		LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, userID, kind)
	if err != nil {
		return nil, fmt.Errorf("error querying last executed trigger: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanTrigger(rows)
}

// AddStageTransition appends the transition and updates the user's current
// stage in the same transaction, keeping the two in sync.
func (s *PostgresStorage) AddStageTransition(ctx context.Context, transition *models.StageTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := transition.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stage_transitions (id, user_id, stage, previous_stage, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		transition.ID, transition.UserID, transition.Stage,
		stageOrNull(transition.PreviousStage), createdAt)
	if err != nil {
		return fmt.Errorf("error inserting stage transition: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET current_stage = $1 WHERE id = $2`,
		string(transition.Stage), transition.UserID)
	if err != nil {
		return fmt.Errorf("error updating user stage: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStorage) ListTransitionsSince(ctx context.Context, since time.Time) ([]*models.StageTransition, error) {
	query := `
		SELECT id, user_id, stage, previous_stage, created_at
		FROM stage_transitions
		WHERE created_at >= $1
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("error querying transitions: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

func (s *PostgresStorage) ListUserTransitions(ctx context.Context, userID int64, limit int) ([]*models.StageTransition, error) {
	query := `
		SELECT id, user_id, stage, previous_stage, created_at
		FROM stage_transitions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying user transitions: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

func (s *PostgresStorage) GetPolicy(ctx context.Context) (models.EngagementPolicy, error) {
	var policy models.EngagementPolicy
	var kinds pq.StringArray

	err := s.db.QueryRowContext(ctx,
		`SELECT max_per_day, window_start_min, window_end_min, timezone, enabled_kinds
		 FROM engagement_policy WHERE id = 1`).Scan(
		&policy.MaxPerDay,
		&policy.WindowStartMin,
		&policy.WindowEndMin,
		&policy.Timezone,
		&kinds,
	)
	if err != nil {
		return models.EngagementPolicy{}, fmt.Errorf("error querying policy: %w", err)
	}

	policy.EnabledKinds = make([]models.TriggerKind, 0, len(kinds))
	for _, k := range kinds {
		policy.EnabledKinds = append(policy.EnabledKinds, models.TriggerKind(k))
	}
	return policy, nil
}

func (s *PostgresStorage) SavePolicy(ctx context.Context, policy models.EngagementPolicy) error {
	kinds := make(pq.StringArray, 0, len(policy.EnabledKinds))
	for _, k := range policy.EnabledKinds {
		kinds = append(kinds, string(k))
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE engagement_policy
		 SET max_per_day = $1, window_start_min = $2, window_end_min = $3,
		     timezone = $4, enabled_kinds = $5
		 WHERE id = 1`,
		policy.MaxPerDay, policy.WindowStartMin, policy.WindowEndMin,
		policy.Timezone, kinds)
	if err != nil {
		return fmt.Errorf("error saving policy: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func scanTrigger(rows *sql.Rows) (*models.Trigger, error) {
	t := &models.Trigger{}
	var executedAt sql.NullTime
	err := rows.Scan(
		&t.ID, &t.UserID, &t.Kind, &t.State,
		&t.ScheduledAt, &t.SentText, &t.Error, &t.CreatedAt, &executedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("error scanning trigger: %w", err)
	}
	if executedAt.Valid {
		at := executedAt.Time
		t.ExecutedAt = &at
	}
	return t, nil
}

func scanTransitions(rows *sql.Rows) ([]*models.StageTransition, error) {
	var transitions []*models.StageTransition
	for rows.Next() {
		t := &models.StageTransition{}
		var previous sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Stage, &previous, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning transition: %w", err)
		}
		if previous.Valid {
			stage := models.Stage(previous.String)
			t.PreviousStage = &stage
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func stageOrNull(stage *models.Stage) sql.NullString {
	if stage == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*stage), Valid: true}
}

func markersOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
