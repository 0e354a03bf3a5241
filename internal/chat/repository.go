package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// SQLRepository stores conversations in Postgres through the pgx stdlib
// driver.
type SQLRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const conversationColumns = `c.id, c.kind, c.display_name, c.pair_key, c.last_seq,
       c.last_sender_id, c.last_content, c.last_at, c.created_at,
       COALESCE((SELECT string_agg(p.user_id, ',' ORDER BY p.user_id)
                 FROM conversation_participants p WHERE p.conversation_id = c.id), '')`

func (r *SQLRepository) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, kind, display_name, pair_key, created_at)
             VALUES ($1, $2, $3, $4, $5)`,
			c.ID, string(c.Kind), c.DisplayName, sql.NullString{String: c.PairKey, Valid: c.PairKey != ""}, c.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrDuplicate
			}
			return errors.Wrap(err, "insert conversation")
		}

		for _, userID := range c.Participants {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`,
				c.ID, userID, c.CreatedAt)
			if err != nil {
				return errors.Wrapf(err, "insert participant %s", userID)
			}
		}
		return nil
	})
}

func (r *SQLRepository) FindPrivate(ctx context.Context, pairKey string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.pair_key = $1`, pairKey)
	return scanConversation(row)
}

func (r *SQLRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
	return scanConversation(row)
}

func (r *SQLRepository) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+conversationColumns+`
         FROM conversations c
         WHERE EXISTS (SELECT 1 FROM conversation_participants p
                       WHERE p.conversation_id = c.id AND p.user_id = $1)`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversations")
}

func (r *SQLRepository) AppendMessage(ctx context.Context, m *Message) error {
	attachments, err := json.Marshal(nonNilAttachments(m.Attachments))
	if err != nil {
		return errors.Wrap(err, "encode attachments")
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_seq FROM conversations WHERE id = $1 FOR UPDATE`, m.ConversationID).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock conversation")
		}
		seq := last + 1

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, seq, sender_id, content, attachments, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, m.ConversationID, seq, m.SenderID, m.Content, string(attachments), m.Timestamp)
		if err != nil {
			return errors.Wrap(err, "insert message")
		}

		for userID, at := range m.ReadBy {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO message_reads (conversation_id, seq, user_id, read_at) VALUES ($1, $2, $3, $4)`,
				m.ConversationID, seq, userID, at)
			if err != nil {
				return errors.Wrap(err, "insert read marker")
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations
             SET last_seq = $2, last_sender_id = $3, last_content = $4, last_at = $5
             WHERE id = $1`,
			m.ConversationID, seq, m.SenderID, snippet(m.Content), m.Timestamp)
		if err != nil {
			return errors.Wrap(err, "update summary")
		}

		m.Sequence = seq
		return nil
	})
}

func (r *SQLRepository) MessagesInRange(ctx context.Context, conversationID string, afterSeq, uptoSeq int64) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, seq, sender_id, content, attachments, created_at
         FROM messages
         WHERE conversation_id = $1 AND seq > $2 AND seq <= $3
         ORDER BY seq`, conversationID, afterSeq, uptoSeq)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	var out []*Message
	bySeq := make(map[int64]*Message)
	for rows.Next() {
		m := &Message{ConversationID: conversationID, ReadBy: make(map[string]time.Time)}
		var raw []byte
		if err := rows.Scan(&m.ID, &m.Sequence, &m.SenderID, &m.Content, &raw, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if err := json.Unmarshal(raw, &m.Attachments); err != nil {
			return nil, errors.Wrapf(err, "decode attachments of message %s", m.ID)
		}
		out = append(out, m)
		bySeq[m.Sequence] = m
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	if len(out) == 0 {
		return nil, r.ensureConversation(ctx, conversationID)
	}

	reads, err := r.db.QueryContext(ctx,
		`SELECT seq, user_id, read_at FROM message_reads
         WHERE conversation_id = $1 AND seq > $2 AND seq <= $3`, conversationID, afterSeq, uptoSeq)
	if err != nil {
		return nil, errors.Wrap(err, "select read markers")
	}
	defer reads.Close()
	for reads.Next() {
		var (
			seq    int64
			userID string
			at     time.Time
		)
		if err := reads.Scan(&seq, &userID, &at); err != nil {
			return nil, errors.Wrap(err, "scan read marker")
		}
		if m, ok := bySeq[seq]; ok {
			m.ReadBy[userID] = at
		}
	}
	return out, errors.Wrap(reads.Err(), "iterate read markers")
}

func (r *SQLRepository) MarkRead(ctx context.Context, conversationID, userID string, upTo int64, readAt time.Time) (int64, error) {
	if err := r.ensureConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO message_reads (conversation_id, seq, user_id, read_at)
         SELECT conversation_id, seq, $2, $4 FROM messages
         WHERE conversation_id = $1 AND seq <= $3
         ON CONFLICT DO NOTHING`, conversationID, userID, upTo, readAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert read markers")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "read markers affected")
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) ensureConversation(ctx context.Context, id string) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return errors.Wrap(err, "check conversation")
}

func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c            Conversation
		kind         string
		pairKey      sql.NullString
		lastSender   sql.NullString
		lastContent  sql.NullString
		lastAt       sql.NullTime
		participants string
	)
	err := row.Scan(&c.ID, &kind, &c.DisplayName, &pairKey, &c.LastSequence,
		&lastSender, &lastContent, &lastAt, &c.CreatedAt, &participants)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan conversation")
	}

	c.Kind = Kind(kind)
	c.PairKey = pairKey.String
	if participants != "" {
		c.Participants = strings.Split(participants, ",")
	}
	if c.LastSequence > 0 && lastAt.Valid {
		c.LastMessage = &MessageSummary{
			SenderID:  lastSender.String,
			Content:   lastContent.String,
			Sequence:  c.LastSequence,
			Timestamp: lastAt.Time,
		}
	}
	return &c, nil
}

func nonNilAttachments(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}
