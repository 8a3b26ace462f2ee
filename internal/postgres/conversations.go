package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/source"
)

const subjectColumns = `
	p.id,
	COALESCE(p.full_name, ''),
	COALESCE(p.whatsapp_name, ''),
	COALESCE(p.executive_id, ''),
	COALESCE(p.team_id, '')`

// scopeClause restricts rows to the actor's assignment filter. $1 is the
// unrestricted flag, $2 executive ids, $3 team ids.
const scopeClause = `($1::bool OR p.executive_id = ANY($2::text[]) OR p.team_id = ANY($3::text[]))`

// ConversationRepository reads both conversation stores. It implements
// source.Store.
type ConversationRepository struct {
	pool  *pgxpool.Pool
	perms *PermissionRepository
}

// NewConversationRepository creates a conversation repository. List queries
// are scoped in SQL using perms; the resolver still confirms every row.
func NewConversationRepository(pool *pgxpool.Pool, perms *PermissionRepository) *ConversationRepository {
	return &ConversationRepository{pool: pool, perms: perms}
}

var _ source.Store = (*ConversationRepository)(nil)

// ListConversations returns up to limit rows of kind visible to actor,
// most recently active first.
func (r *ConversationRepository) ListConversations(ctx context.Context, kind model.Source, actor model.Actor, limit int) ([]source.RawRecord, error) {
	all, execs, teams, err := r.scope(ctx, actor)
	if err != nil {
		return nil, err
	}

	switch kind {
	case model.SourceChatPlatform:
		q := `
			SELECT
				c.conversation_id,
				COALESCE(c.prospect_id, ''),
				COALESCE(c.customer_name, ''),
				COALESCE(c.customer_phone, ''),
				c.last_message_at,
				c.updated_at,
				c.message_count,
				c.unread_count,
				COALESCE(c.last_message_id, ''),
				COALESCE(c.last_message_preview, ''),` + subjectColumns + `
			FROM chat_conversations c
			LEFT JOIN prospects p ON p.id = c.prospect_id
			WHERE ` + scopeClause + `
			ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC NULLS LAST
			LIMIT $4`
		rows, err := r.pool.Query(ctx, q, all, execs, teams, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list chat conversations: %w", err)
		}
		return pgx.CollectRows(rows, scanChat)

	case model.SourceMessagingRPC:
		q := `
			SELECT
				o.prospect_id,
				COALESCE(o.contact_name, ''),
				COALESCE(o.phone, ''),
				o.last_message_at,
				o.total_messages,
				o.unread_messages,
				COALESCE(o.last_message_id, ''),
				COALESCE(o.last_message_preview, ''),` + subjectColumns + `
			FROM get_conversations_ordered() o
			LEFT JOIN prospects p ON p.id = o.prospect_id
			WHERE ` + scopeClause + `
			ORDER BY o.last_message_at DESC NULLS LAST
			LIMIT $4`
		rows, err := r.pool.Query(ctx, q, all, execs, teams, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list messaging conversations: %w", err)
		}
		return pgx.CollectRows(rows, scanMessaging)
	}
	return nil, fmt.Errorf("unknown source %q", kind)
}

// FetchConversation reads one row of kind by conversation or subject id.
func (r *ConversationRepository) FetchConversation(ctx context.Context, kind model.Source, _ model.Actor, key string) (source.RawRecord, error) {
	var (
		rows pgx.Rows
		err  error
		scan pgx.RowToFunc[source.RawRecord]
	)
	switch kind {
	case model.SourceChatPlatform:
		rows, err = r.pool.Query(ctx, `
			SELECT
				c.conversation_id,
				COALESCE(c.prospect_id, ''),
				COALESCE(c.customer_name, ''),
				COALESCE(c.customer_phone, ''),
				c.last_message_at,
				c.updated_at,
				c.message_count,
				c.unread_count,
				COALESCE(c.last_message_id, ''),
				COALESCE(c.last_message_preview, ''),`+subjectColumns+`
			FROM chat_conversations c
			LEFT JOIN prospects p ON p.id = c.prospect_id
			WHERE c.conversation_id = $1 OR c.prospect_id = $1
			ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC NULLS LAST
			LIMIT 1`, key)
		scan = scanChat
	case model.SourceMessagingRPC:
		rows, err = r.pool.Query(ctx, `
			SELECT
				o.prospect_id,
				COALESCE(o.contact_name, ''),
				COALESCE(o.phone, ''),
				o.last_message_at,
				o.total_messages,
				o.unread_messages,
				COALESCE(o.last_message_id, ''),
				COALESCE(o.last_message_preview, ''),`+subjectColumns+`
			FROM get_conversation_summary($1) o
			LEFT JOIN prospects p ON p.id = o.prospect_id`, key)
		scan = scanMessaging
	default:
		return source.RawRecord{}, fmt.Errorf("unknown source %q", kind)
	}
	if err != nil {
		return source.RawRecord{}, fmt.Errorf("failed to fetch conversation: %w", err)
	}

	rec, err := pgx.CollectOneRow(rows, scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return source.RawRecord{}, source.ErrNotFound
	}
	if err != nil {
		return source.RawRecord{}, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return rec, nil
}

// MarkRead clears unread counters for key in both stores.
func (r *ConversationRepository) MarkRead(ctx context.Context, key string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE chat_conversations
			SET unread_count = 0, updated_at = now()
			WHERE conversation_id = $1 OR prospect_id = $1`, key); err != nil {
			return fmt.Errorf("failed to mark chat conversation read: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT mark_messages_as_read($1)`, key); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		return nil
	})
}

// Ping checks connectivity.
func (r *ConversationRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *ConversationRepository) scope(ctx context.Context, actor model.Actor) (bool, []string, []string, error) {
	if actor.Role.Elevated() {
		return true, []string{}, []string{}, nil
	}
	f, err := r.perms.GetAssignmentFilter(ctx, actor)
	if err != nil {
		return false, nil, nil, err
	}
	execs, teams := f.ExecutiveIDs, f.TeamIDs
	if execs == nil {
		execs = []string{}
	}
	if teams == nil {
		teams = []string{}
	}
	return false, execs, teams, nil
}

func scanChat(row pgx.CollectableRow) (source.RawRecord, error) {
	var (
		c   source.ChatRecord
		sub subjectRow
	)
	err := row.Scan(
		&c.ConversationID, &c.SubjectID, &c.CustomerName, &c.CustomerPhone,
		&c.LastMessageAt, &c.UpdatedAt, &c.MessageCount, &c.UnreadCount,
		&c.LastMessageID, &c.LastMessagePreview,
		&sub.id, &sub.fullName, &sub.whatsAppName, &sub.executiveID, &sub.teamID,
	)
	if err != nil {
		return source.RawRecord{}, err
	}
	c.Subject = sub.record()
	return source.RawRecord{Kind: model.SourceChatPlatform, Chat: &c}, nil
}

func scanMessaging(row pgx.CollectableRow) (source.RawRecord, error) {
	var (
		m   source.MessagingRecord
		at  *time.Time
		sub subjectRow
	)
	err := row.Scan(
		&m.SubjectID, &m.ContactName, &m.Phone, &at,
		&m.TotalMessages, &m.UnreadMessages, &m.LastMessageID, &m.LastMessagePreview,
		&sub.id, &sub.fullName, &sub.whatsAppName, &sub.executiveID, &sub.teamID,
	)
	if err != nil {
		return source.RawRecord{}, err
	}
	m.LastMessageAt = at
	m.Subject = sub.record()
	return source.RawRecord{Kind: model.SourceMessagingRPC, Messaging: &m}, nil
}

type subjectRow struct {
	id           *string
	fullName     string
	whatsAppName string
	executiveID  string
	teamID       string
}

func (s subjectRow) record() *source.SubjectRecord {
	if s.id == nil {
		return nil
	}
	return &source.SubjectRecord{
		ID:           *s.id,
		FullName:     s.fullName,
		WhatsAppName: s.whatsAppName,
		ExecutiveID:  s.executiveID,
		TeamID:       s.teamID,
	}
}
