package turns

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leonardo-assistant/leonardo/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists turns, episodes, profiles, and synonyms in SQLite.
// Uses a single connection (SetMaxOpenConns(1)) so SQLite's internal
// serialization handles concurrency. No application-level mutex needed.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore opens a SQLite-backed turn store. Use ":memory:" for
// in-memory storage or a file path for persistence.
func NewSQLiteStore(dsn string, cfg Config) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	def := DefaultConfig()
	if cfg.MaxRecentTurns <= 0 {
		cfg.MaxRecentTurns = def.MaxRecentTurns
	}
	if cfg.RollupAge <= 0 {
		cfg.RollupAge = def.RollupAge
	}
	if cfg.RollupMinTurns <= 0 {
		cfg.RollupMinTurns = def.RollupMinTurns
	}
	if cfg.RollupBatch <= 0 {
		cfg.RollupBatch = def.RollupBatch
	}
	if cfg.RollupInterval <= 0 {
		cfg.RollupInterval = def.RollupInterval
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// PRAGMAs are per-connection, so pin to a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recent_turns (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		timestamp          REAL NOT NULL,
		user_input         TEXT NOT NULL,
		assistant_response TEXT NOT NULL,
		plan               TEXT DEFAULT '{}',
		validation         TEXT DEFAULT '{}',
		execution          TEXT DEFAULT '{}',
		verification       TEXT DEFAULT '{}',
		response_type      TEXT DEFAULT '',
		success            INTEGER NOT NULL DEFAULT 0,
		tools_used         TEXT DEFAULT '[]',
		response_quality   REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user_time ON recent_turns(user_id, timestamp);
	CREATE TABLE IF NOT EXISTS episodes (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		summary    TEXT NOT NULL,
		topics     TEXT NOT NULL DEFAULT '[]',
		turn_count INTEGER NOT NULL,
		outcome    TEXT NOT NULL,
		start_time REAL NOT NULL,
		end_time   REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_user ON episodes(user_id, end_time);
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id          TEXT PRIMARY KEY,
		total_turns      INTEGER NOT NULL DEFAULT 0,
		successful_turns INTEGER NOT NULL DEFAULT 0,
		first_seen       REAL NOT NULL,
		last_seen        REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS synonyms (
		user_id   TEXT NOT NULL,
		phrase    TEXT NOT NULL,
		canonical TEXT NOT NULL,
		use_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, phrase)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendTurn stores one completed turn, updates the user profile, and
// trims the user's log to the retention cap. Returns the turn id.
func (s *SQLiteStore) AppendTurn(ctx context.Context, userID string, turn types.Turn) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	id := turn.ID
	if id == "" {
		id = generateID()
	}
	ts := turn.Timestamp
	if ts == 0 {
		ts = nowUnix()
	}

	toolsJSON, _ := json.Marshal(turn.ToolsUsed)
	if turn.ToolsUsed == nil {
		toolsJSON = []byte("[]")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recent_turns (id, user_id, timestamp, user_input, assistant_response,
		    plan, validation, execution, verification, response_type, success, tools_used, response_quality)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, ts, turn.UserInput, turn.AssistantResponse,
		marshalMap(turn.Plan), marshalMap(turn.Validation), marshalMap(turn.Execution),
		marshalMap(turn.Verification), turn.ResponseType, boolInt(turn.Success),
		string(toolsJSON), turn.ResponseQuality,
	)
	if err != nil {
		return "", fmt.Errorf("insert turn: %w", err)
	}

	success := 0
	if turn.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, total_turns, successful_turns, first_seen, last_seen)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		    total_turns = total_turns + 1,
		    successful_turns = successful_turns + excluded.successful_turns,
		    last_seen = excluded.last_seen`,
		userID, success, ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("upsert profile: %w", err)
	}

	// Trim beyond the retention cap, oldest first.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM recent_turns WHERE user_id = ? AND id NOT IN (
		    SELECT id FROM recent_turns WHERE user_id = ?
		    ORDER BY timestamp DESC, id DESC LIMIT ?)`,
		userID, userID, s.cfg.MaxRecentTurns,
	)
	if err != nil {
		return "", fmt.Errorf("trim turns: %w", err)
	}
	return id, nil
}

// RecentTurns returns up to limit turns for the user, newest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, userID string, limit int) ([]types.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, user_input, assistant_response, plan, validation,
		    execution, verification, response_type, success, tools_used, response_quality
		 FROM recent_turns WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTurns(rows)
}

// SearchTurns does a case-insensitive substring search over user and
// assistant text, newest match first.
func (s *SQLiteStore) SearchTurns(ctx context.Context, userID, query string, limit int) ([]types.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, user_input, assistant_response, plan, validation,
		    execution, verification, response_type, success, tools_used, response_quality
		 FROM recent_turns
		 WHERE user_id = ? AND (lower(user_input) LIKE ? OR lower(assistant_response) LIKE ?)
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userID, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search turns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTurns(rows)
}

// DeleteTurn removes one turn owned by the user.
func (s *SQLiteStore) DeleteTurn(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM recent_turns WHERE user_id = ? AND id = ?", userID, id)
	if err != nil {
		return fmt.Errorf("delete turn: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RollupSummaries folds aged turns into episode summaries, per user:
// users with at least RollupMinTurns turns older than RollupAge get their
// oldest RollupBatch aged turns summarized into one episode and removed
// from the turn log. Returns the number of episodes created.
func (s *SQLiteStore) RollupSummaries(ctx context.Context) (int, error) {
	cutoff := nowUnix() - s.cfg.RollupAge.Seconds()

	// Scan eligible users and close before issuing more queries; the
	// single SQLite connection must be free.
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COUNT(*) FROM recent_turns WHERE timestamp < ?
		 GROUP BY user_id HAVING COUNT(*) >= ?`,
		cutoff, s.cfg.RollupMinTurns,
	)
	if err != nil {
		return 0, fmt.Errorf("find rollup users: %w", err)
	}
	var users []string
	for rows.Next() {
		var user string
		var n int
		if err := rows.Scan(&user, &n); err != nil {
			_ = rows.Close()
			return 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	created := 0
	for _, user := range users {
		if err := s.rollupUser(ctx, user, cutoff); err != nil {
			return created, fmt.Errorf("rollup %s: %w", user, err)
		}
		created++
	}
	return created, nil
}

func (s *SQLiteStore) rollupUser(ctx context.Context, userID string, cutoff float64) error {
	turnRows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, user_input, assistant_response, plan, validation,
		    execution, verification, response_type, success, tools_used, response_quality
		 FROM recent_turns WHERE user_id = ? AND timestamp < ?
		 ORDER BY timestamp ASC, id ASC LIMIT ?`,
		userID, cutoff, s.cfg.RollupBatch,
	)
	if err != nil {
		return err
	}
	batch, err := scanTurns(turnRows)
	_ = turnRows.Close()
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	successes := 0
	seen := make(map[string]bool)
	var topics []string
	for _, t := range batch {
		if t.Success {
			successes++
		}
		topic := t.ResponseType
		if topic == "" {
			topic = "general"
		}
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}

	ratio := float64(successes) / float64(len(batch))
	outcome := "difficult"
	switch {
	case ratio >= 0.8:
		outcome = "successful"
	case ratio >= 0.5:
		outcome = "mixed"
	}

	title := fmt.Sprintf("%s session", truncate(strings.Join(topics, ", "), 60))
	summary := fmt.Sprintf("%d turns covering %s, %d%% successful (%s)",
		len(batch), strings.Join(topics, ", "), int(ratio*100), outcome)
	topicsJSON, _ := json.Marshal(topics)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, user_id, title, summary, topics, turn_count, outcome, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		generateID(), userID, title, summary, string(topicsJSON), len(batch), outcome,
		batch[0].Timestamp, batch[len(batch)-1].Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}

	ids := make([]string, len(batch))
	args := make([]interface{}, len(batch))
	for i, t := range batch {
		ids[i] = "?"
		args[i] = t.ID
	}
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM recent_turns WHERE id IN ("+strings.Join(ids, ",")+")", args...)
	if err != nil {
		return fmt.Errorf("delete rolled-up turns: %w", err)
	}
	return nil
}

// Episodes returns up to limit episode summaries for the user, newest
// first.
func (s *SQLiteStore) Episodes(ctx context.Context, userID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, summary, topics, turn_count, outcome, start_time, end_time
		 FROM episodes WHERE user_id = ? ORDER BY end_time DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Episode
	for rows.Next() {
		var e Episode
		var topics string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Summary, &topics, &e.TurnCount, &e.Outcome, &e.StartTime, &e.EndTime); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(topics), &e.Topics)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TeachSynonym records that phrase means canonical for this user.
// Re-teaching an existing phrase replaces the canonical form and resets
// the use count.
func (s *SQLiteStore) TeachSynonym(ctx context.Context, userID, phrase, canonical string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synonyms (user_id, phrase, canonical, use_count) VALUES (?, ?, ?, 0)
		 ON CONFLICT(user_id, phrase) DO UPDATE SET canonical = excluded.canonical, use_count = 0`,
		userID, strings.ToLower(strings.TrimSpace(phrase)), canonical,
	)
	if err != nil {
		return fmt.Errorf("teach synonym: %w", err)
	}
	return nil
}

// ResolveSynonym maps a learned phrase to its canonical form, bumping its
// use count on a hit. An unknown phrase resolves to itself.
func (s *SQLiteStore) ResolveSynonym(ctx context.Context, userID, phrase string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(phrase))
	var canonical string
	err := s.db.QueryRowContext(ctx,
		"SELECT canonical FROM synonyms WHERE user_id = ? AND phrase = ?",
		userID, key,
	).Scan(&canonical)
	if err == sql.ErrNoRows {
		return phrase, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve synonym: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE synonyms SET use_count = use_count + 1 WHERE user_id = ? AND phrase = ?",
		userID, key,
	)
	if err != nil {
		return "", fmt.Errorf("bump synonym: %w", err)
	}
	return canonical, nil
}

// Profile returns the user's aggregate row, or nil if never seen.
func (s *SQLiteStore) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, total_turns, successful_turns, first_seen, last_seen FROM user_profiles WHERE user_id = ?",
		userID,
	).Scan(&p.UserID, &p.TotalTurns, &p.SuccessfulTurns, &p.FirstSeen, &p.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// Stats returns turn store statistics scoped to the user.
// Each query is scanned and closed before the next to avoid holding the
// single SQLite connection across multiple result sets.
func (s *SQLiteStore) Stats(ctx context.Context, userID string) (types.Stats, error) {
	stats := types.Stats{}

	var total, user int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recent_turns").Scan(&total); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recent_turns WHERE user_id = ?", userID).Scan(&user); err != nil {
		return nil, err
	}
	var episodes int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM episodes WHERE user_id = ?", userID).Scan(&episodes); err != nil {
		return nil, err
	}
	var synonyms int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM synonyms WHERE user_id = ?", userID).Scan(&synonyms); err != nil {
		return nil, err
	}

	stats["total_turns"] = total
	stats["user_turns"] = user
	stats["user_episodes"] = episodes
	stats["user_synonyms"] = synonyms
	stats["max_recent_turns"] = s.cfg.MaxRecentTurns

	p, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		stats["total_interactions"] = p.TotalTurns
		stats["successful_interactions"] = p.SuccessfulTurns
	}
	return stats, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanTurns(rows *sql.Rows) ([]types.Turn, error) {
	var out []types.Turn
	for rows.Next() {
		var t types.Turn
		var plan, validation, execution, verification, tools string
		var success int
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.UserInput, &t.AssistantResponse,
			&plan, &validation, &execution, &verification,
			&t.ResponseType, &success, &tools, &t.ResponseQuality); err != nil {
			return nil, err
		}
		t.Success = success != 0
		t.Plan = unmarshalMap(plan)
		t.Validation = unmarshalMap(validation)
		t.Execution = unmarshalMap(execution)
		t.Verification = unmarshalMap(verification)
		_ = json.Unmarshal([]byte(tools), &t.ToolsUsed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalMap(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMap(s string) map[string]interface{} {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// generateID returns a time-prefixed random hex ID, sortable by creation
// time.
func generateID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
