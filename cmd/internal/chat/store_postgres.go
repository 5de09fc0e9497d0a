package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - AddFriendship runs both directed inserts in one transaction, so two users
//   adding each other concurrently can never produce a half-written edge.
// - Everything else is single-statement and relies on Postgres atomicity.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables if they do not exist yet.
// Indexes on (conversation_id) and (ts) keep paginated history and unread
// range queries efficient.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.table("users") + ` (
			id          TEXT PRIMARY KEY,
			username    TEXT UNIQUE NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("friendships") + ` (
			user_id     TEXT NOT NULL REFERENCES ` + s.table("users") + ` (id),
			friend_id   TEXT NOT NULL REFERENCES ` + s.table("users") + ` (id),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("messages") + ` (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			from_user_id     TEXT NOT NULL,
			to_user_id       TEXT NOT NULL,
			content          TEXT NOT NULL,
			is_group         BOOLEAN NOT NULL DEFAULT false,
			ts               TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON ` + s.table("messages") + ` (conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON ` + s.table("messages") + ` (ts)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("read_bookmarks") + ` (
			user_id       TEXT NOT NULL,
			peer_key      TEXT NOT NULL,
			is_group      BOOLEAN NOT NULL DEFAULT false,
			last_read_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, peer_key)
		)`,
	}

	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertUser creates the user on first identify and is a no-op (modulo
// username refresh) afterwards. A username held by a different user id maps
// to ErrInvalidInput.
func (s *PostgresStore) UpsertUser(ctx context.Context, in UpsertUserInput) (User, error) {
	const op = "chat.UpsertUser"

	if s == nil || s.pool == nil {
		return User{}, invalid(op, "nil store")
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Username) == "" {
		return User{}, invalid(op, "id and username are required")
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var u User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("users")+` (id, username, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
		 RETURNING id, username, created_at`,
		in.ID, in.Username, now,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, invalid(op, "username already taken")
		}
		return User{}, persistence(op, err)
	}
	return u, nil
}

// GetUser fetches one user by id.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	const op = "chat.GetUser"

	if s == nil || s.pool == nil {
		return User{}, invalid(op, "nil store")
	}
	if strings.TrimSpace(id) == "" {
		return User{}, invalid(op, "missing id")
	}

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, created_at FROM `+s.table("users")+` WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
	}
	if err != nil {
		return User{}, persistence(op, err)
	}
	return u, nil
}

// AddFriendship inserts both directed rows in one transaction.
// Re-adding an existing friendship is a no-op (ON CONFLICT DO NOTHING), so
// repeat adds never error and never duplicate the edge.
func (s *PostgresStore) AddFriendship(ctx context.Context, userID, friendID string, now time.Time) error {
	const op = "chat.AddFriendship"

	if s == nil || s.pool == nil {
		return invalid(op, "nil store")
	}
	if userID == "" || friendID == "" || userID == friendID {
		return invalid(op, "two distinct user ids required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return persistence(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	friendships := s.table("friendships")
	for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+friendships+` (user_id, friend_id, created_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, friend_id) DO NOTHING`,
			pair[0], pair[1], now,
		); err != nil {
			if isForeignKeyViolation(err) {
				return OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
			}
			return persistence(op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return persistence(op, err)
	}
	return nil
}

// Friends returns userID's directed rows joined with friend usernames,
// ordered most recently befriended first.
func (s *PostgresStore) Friends(ctx context.Context, userID string) ([]Friend, error) {
	const op = "chat.Friends"

	if s == nil || s.pool == nil {
		return nil, invalid(op, "nil store")
	}
	if userID == "" {
		return nil, invalid(op, "missing user id")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT f.user_id, f.friend_id, u.username, f.created_at
		   FROM `+s.table("friendships")+` f
		   JOIN `+s.table("users")+` u ON u.id = f.friend_id
		  WHERE f.user_id = $1
		  ORDER BY f.created_at DESC, f.friend_id`,
		userID,
	)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.UserID, &f.FriendID, &f.Username, &f.Since); err != nil {
			return nil, persistence(op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return out, nil
}

// SaveMessage inserts one immutable message row.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg Message) error {
	const op = "chat.SaveMessage"

	if s == nil || s.pool == nil {
		return invalid(op, "nil store")
	}
	if msg.ID == "" || msg.ConversationID == "" || msg.FromUserID == "" {
		return invalid(op, "incomplete message")
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, conversation_id, from_user_id, to_user_id, content, is_group, ts
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, msg.FromUserID, msg.ToUserID, msg.Content, msg.IsGroup, msg.TS,
	); err != nil {
		return persistence(op, err)
	}
	return nil
}

// History returns one page of a conversation ordered by ts DESC plus the
// conversation's full message count.
func (s *PostgresStore) History(ctx context.Context, conversationID string, limit, offset int) (HistoryPage, error) {
	const op = "chat.History"

	if s == nil || s.pool == nil {
		return HistoryPage{}, invalid(op, "nil store")
	}
	if conversationID == "" {
		return HistoryPage{}, invalid(op, "missing conversation id")
	}
	if limit <= 0 {
		limit = defaultHistoryPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.table("messages")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&total); err != nil {
		return HistoryPage{}, persistence(op, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, from_user_id, to_user_id, content, is_group, ts
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY ts DESC, id DESC
		  LIMIT $2 OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		return HistoryPage{}, persistence(op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.FromUserID, &m.ToUserID, &m.Content, &m.IsGroup, &m.TS); err != nil {
			return HistoryPage{}, persistence(op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, persistence(op, err)
	}

	return HistoryPage{Messages: msgs, Total: total}, nil
}

// UnreadCount counts messages in conversationID newer than since that were
// not authored by userID.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID, conversationID string, since time.Time) (int, error) {
	const op = "chat.UnreadCount"

	if s == nil || s.pool == nil {
		return 0, invalid(op, "nil store")
	}
	if userID == "" || conversationID == "" {
		return 0, invalid(op, "missing ids")
	}

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		    AND ts > $2
		    AND from_user_id <> $3`,
		conversationID, since, userID,
	).Scan(&n); err != nil {
		return 0, persistence(op, err)
	}
	return n, nil
}

// Bookmark returns the user's read bookmark for peerKey, with ok=false when
// none exists (callers then default to the epoch).
func (s *PostgresStore) Bookmark(ctx context.Context, userID, peerKey string) (time.Time, bool, error) {
	const op = "chat.Bookmark"

	if s == nil || s.pool == nil {
		return time.Time{}, false, invalid(op, "nil store")
	}

	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_at FROM `+s.table("read_bookmarks")+`
		  WHERE user_id = $1 AND peer_key = $2`,
		userID, peerKey,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, persistence(op, err)
	}
	return at, true, nil
}

// UpsertBookmark writes the (user, peer) read bookmark; later writes win.
func (s *PostgresStore) UpsertBookmark(ctx context.Context, userID, peerKey string, isGroup bool, at time.Time) error {
	const op = "chat.UpsertBookmark"

	if s == nil || s.pool == nil {
		return invalid(op, "nil store")
	}
	if userID == "" || peerKey == "" {
		return invalid(op, "missing ids")
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("read_bookmarks")+` (user_id, peer_key, is_group, last_read_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, peer_key) DO UPDATE
		   SET last_read_at = EXCLUDED.last_read_at,
		       is_group     = EXCLUDED.is_group`,
		userID, peerKey, isGroup, at,
	); err != nil {
		return persistence(op, err)
	}
	return nil
}

// SearchUsers performs a case-insensitive substring match on usernames,
// excluding the requester, annotated with friendship via a left join.
func (s *PostgresStore) SearchUsers(ctx context.Context, query, excludeUserID string, limit int) ([]UserMatch, error) {
	const op = "chat.SearchUsers"

	if s == nil || s.pool == nil {
		return nil, invalid(op, "nil store")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.username, (f.friend_id IS NOT NULL) AS is_friend
		   FROM `+s.table("users")+` u
		   LEFT JOIN `+s.table("friendships")+` f
		     ON f.user_id = $1 AND f.friend_id = u.id
		  WHERE u.id <> $1
		    AND u.username ILIKE '%' || $2 || '%'
		  ORDER BY u.username
		  LIMIT $3`,
		excludeUserID, escapeLIKE(query), limit,
	)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	var out []UserMatch
	for rows.Next() {
		var m UserMatch
		if err := rows.Scan(&m.ID, &m.Username, &m.IsFriend); err != nil {
			return nil, persistence(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return out, nil
}

func (s *PostgresStore) table(name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, name}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// escapeLIKE neutralizes LIKE metacharacters in user input so a search for
// "%" matches the literal character instead of everything.
func escapeLIKE(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
