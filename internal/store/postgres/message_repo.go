package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/store"
	"github.com/lib/pq"
)

const messageColumns = `fid, message_type, unique_key, action, hash, ts,
	parent_fid, parent_hash, parent_url, target_fid, target_hash, target_url,
	mentions, address, username, body`

// upsertMessageSQL replaces the stored row only when the incoming message
// sorts after it by (ts, action_rank, hash). The comparison runs inside the
// conflict arbiter so concurrent writers of one key serialize on the row lock.
const upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `, action_rank)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (fid, message_type, unique_key) DO UPDATE SET
		action = EXCLUDED.action,
		action_rank = EXCLUDED.action_rank,
		hash = EXCLUDED.hash,
		ts = EXCLUDED.ts,
		parent_fid = EXCLUDED.parent_fid,
		parent_hash = EXCLUDED.parent_hash,
		parent_url = EXCLUDED.parent_url,
		target_fid = EXCLUDED.target_fid,
		target_hash = EXCLUDED.target_hash,
		target_url = EXCLUDED.target_url,
		mentions = EXCLUDED.mentions,
		address = EXCLUDED.address,
		username = EXCLUDED.username,
		body = EXCLUDED.body,
		updated_at = now()
	WHERE (EXCLUDED.ts, EXCLUDED.action_rank, EXCLUDED.hash) > (messages.ts, messages.action_rank, messages.hash)
	RETURNING (xmax = 0) AS inserted
`

const maxQueryLimit = 1000

type MessageRepo struct {
	db *DB
}

var _ store.MessageRepository = (*MessageRepo)(nil)

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Upsert(ctx context.Context, msg *model.Message) (store.UpsertResult, error) {
	mentions := make([]int64, len(msg.Mentions))
	for i, f := range msg.Mentions {
		mentions[i] = int64(f)
	}
	var body any
	if len(msg.Body) > 0 {
		body = []byte(msg.Body)
	}

	var inserted bool
	err := r.db.QueryRowContext(ctx, upsertMessageSQL,
		int64(msg.Fid), string(msg.Type), msg.Key, string(msg.Action), msg.Hash, int64(msg.Timestamp),
		int64(msg.ParentFid), msg.ParentHash, msg.ParentURL,
		int64(msg.TargetFid), msg.TargetHash, msg.TargetURL,
		pq.Array(mentions), msg.Address, msg.Username, body,
		msg.Action.Rank(),
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// The stored row won the comparison.
		return store.UpsertResult{}, nil
	}
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("upsert message %d/%s/%s: %w", msg.Fid, msg.Type, msg.Key, err)
	}
	return store.UpsertResult{Applied: true, Inserted: inserted}, nil
}

func (r *MessageRepo) Get(ctx context.Context, key model.MessageKey) (*model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages
		WHERE fid = $1 AND message_type = $2 AND unique_key = $3
	`, int64(key.Fid), string(key.Type), key.Key)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d/%s/%s: %w", key.Fid, key.Type, key.Key, err)
	}
	return msg, nil
}

func (r *MessageRepo) Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	query, args := buildMessageQuery(sel, limit)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// buildMessageQuery renders sel as a parameterized SELECT, newest first.
func buildMessageQuery(sel model.Selector, limit int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if sel.Fid != 0 {
		add("fid = ?", int64(sel.Fid))
	}
	if sel.Type != "" {
		add("message_type = ?", string(sel.Type))
	}
	if sel.ParentFid != 0 {
		add("parent_fid = ?", int64(sel.ParentFid))
	}
	if sel.ParentHash != "" {
		add("parent_hash = ?", sel.ParentHash)
	}
	if sel.ParentURL != "" {
		add("parent_url = ?", sel.ParentURL)
	}
	if sel.TargetFid != 0 {
		add("target_fid = ?", int64(sel.TargetFid))
	}
	if sel.TargetHash != "" {
		add("target_hash = ?", sel.TargetHash)
	}
	if sel.TargetURL != "" {
		add("target_url = ?", sel.TargetURL)
	}
	if sel.MentionFid != 0 {
		add("? = ANY(mentions)", int64(sel.MentionFid))
	}
	if sel.Address != "" {
		add("address = ?", sel.Address)
	}
	if sel.Username != "" {
		add("username = ?", sel.Username)
	}
	if sel.StartTime != 0 {
		add("ts >= ?", int64(sel.StartTime))
	}
	if sel.EndTime != 0 {
		add("ts <= ?", int64(sel.EndTime))
	}
	if !sel.IncludeRemoved {
		conds = append(conds, "action = 'add'")
	}

	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(messageColumns)
	b.WriteString(" FROM messages")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, limit)
	b.WriteString(" ORDER BY ts DESC, hash DESC LIMIT $" + strconv.Itoa(len(args)))
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m                   model.Message
		fid, parent, target int64
		ts                  int64
		msgType, action     string
		mentions            pq.Int64Array
		body                []byte
	)
	if err := row.Scan(
		&fid, &msgType, &m.Key, &action, &m.Hash, &ts,
		&parent, &m.ParentHash, &m.ParentURL, &target, &m.TargetHash, &m.TargetURL,
		&mentions, &m.Address, &m.Username, &body,
	); err != nil {
		return nil, err
	}
	m.Fid = model.Fid(fid)
	m.Type = model.MessageType(msgType)
	m.Action = model.Action(action)
	m.Timestamp = uint64(ts)
	m.ParentFid = model.Fid(parent)
	m.TargetFid = model.Fid(target)
	for _, f := range mentions {
		m.Mentions = append(m.Mentions, model.Fid(f))
	}
	if len(body) > 0 {
		m.Body = body
	}
	return &m, nil
}
