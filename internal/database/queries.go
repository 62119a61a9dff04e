package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npezzotti/go-community/internal/types"
)

const (
	messageColumns      = "id, channel, user_id, content, image_url, audio_url, created_at"
	notificationColumns = "id, user_id, type, title, message, reference_id, read, created_at"
)

// ErrDuplicateAccount is returned when the email address is already
// registered.
var ErrDuplicateAccount = errors.New("account already exists")

const uniqueViolation = "23505"

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (types.Message, error) {
	var m types.Message
	err := row.Scan(
		&m.Id,
		&m.ChannelId,
		&m.AuthorId,
		&m.Content,
		&m.ImageURL,
		&m.AudioURL,
		&m.CreatedAt,
	)
	return m, err
}

func scanNotification(row scanner) (types.Notification, error) {
	var (
		n   types.Notification
		typ string
	)
	err := row.Scan(
		&n.Id,
		&n.UserId,
		&typ,
		&n.Title,
		&n.Body,
		&n.ReferenceId,
		&n.Read,
		&n.CreatedAt,
	)
	n.Type = types.ParseNotificationType(typ)
	return n, err
}

func (db *PgCommunityRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO profiles (id, username, email, password_hash, avatar_url, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, username, email, avatar_url, created_at",
		uuid.NewString(),
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.AvatarURL,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.AvatarURL,
		&a.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return Account{}, ErrDuplicateAccount
	}

	return a, err
}

func (db *PgCommunityRepository) GetAccountById(ctx context.Context, id string) (Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, avatar_url, created_at FROM profiles "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.AvatarURL,
		&a.CreatedAt,
	)

	return a, err
}

func (db *PgCommunityRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, avatar_url, created_at FROM profiles "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.PasswordHash,
		&a.AvatarURL,
		&a.CreatedAt,
	)

	return a, err
}

func (db *PgCommunityRepository) GetProfile(ctx context.Context, id string) (types.Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, avatar_url FROM profiles WHERE id = $1 LIMIT 1",
		id,
	)

	var p types.Profile
	err := row.Scan(&p.Id, &p.DisplayName, &p.AvatarURL)
	return p, err
}

// GetProfiles resolves many profiles in one round trip. Ids without a
// profile are absent from the result.
func (db *PgCommunityRepository) GetProfiles(ctx context.Context, ids []string) ([]types.Profile, error) {
	if len(ids) == 0 {
		return []types.Profile{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, username, avatar_url FROM profiles WHERE id = ANY($1::uuid[])",
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]types.Profile, 0, len(ids))
	for rows.Next() {
		var p types.Profile
		if err := rows.Scan(&p.Id, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}

// ListMembers returns community profiles in username order.
func (db *PgCommunityRepository) ListMembers(ctx context.Context, limit int) ([]types.Profile, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, username, avatar_url FROM profiles ORDER BY username LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []types.Profile
	for rows.Next() {
		var p types.Profile
		if err := rows.Scan(&p.Id, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, p)
	}

	return members, rows.Err()
}

func (db *PgCommunityRepository) CreateMessage(ctx context.Context, msg types.NewMessage) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO community_messages ("+messageColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+messageColumns,
		uuid.NewString(),
		msg.ChannelId,
		msg.AuthorId,
		msg.Content,
		msg.ImageURL,
		msg.AudioURL,
		time.Now().UTC(),
	)

	return scanMessage(row)
}

// ListMessages returns the full history of channel, oldest first.
func (db *PgCommunityRepository) ListMessages(ctx context.Context, channel string) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM community_messages "+
			"WHERE channel = $1 ORDER BY created_at ASC, id ASC",
		channel,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// UpsertTyping keeps at most one signal per user and channel.
func (db *PgCommunityRepository) UpsertTyping(ctx context.Context, userId, channel string, ts time.Time) (types.TypingSignal, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO typing_indicators (user_id, channel, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (user_id, channel) DO UPDATE SET created_at = EXCLUDED.created_at "+
			"RETURNING user_id, channel, created_at",
		userId,
		channel,
		ts.UTC(),
	)

	var s types.TypingSignal
	err := row.Scan(&s.UserId, &s.ChannelId, &s.UpdatedAt)
	return s, err
}

func (db *PgCommunityRepository) DeleteTyping(ctx context.Context, userId, channel string) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM typing_indicators WHERE user_id = $1 AND channel = $2",
		userId,
		channel,
	)

	return err
}

func (db *PgCommunityRepository) ListTypingSince(ctx context.Context, channel string, cutoff time.Time) ([]types.TypingSignal, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id, channel, created_at FROM typing_indicators "+
			"WHERE channel = $1 AND created_at >= $2 ORDER BY created_at ASC",
		channel,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query typing: %w", err)
	}
	defer rows.Close()

	signals := make([]types.TypingSignal, 0)
	for rows.Next() {
		var s types.TypingSignal
		if err := rows.Scan(&s.UserId, &s.ChannelId, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan typing: %w", err)
		}
		signals = append(signals, s)
	}

	return signals, rows.Err()
}

func (db *PgCommunityRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (types.Notification, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO notifications ("+notificationColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, $6, false, $7) RETURNING "+notificationColumns,
		uuid.NewString(),
		params.UserId,
		string(params.Type),
		params.Title,
		params.Body,
		params.ReferenceId,
		time.Now().UTC(),
	)

	return scanNotification(row)
}

// ListNotifications returns the newest notifications of userId first.
func (db *PgCommunityRepository) ListNotifications(ctx context.Context, userId string, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications "+
			"WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userId,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]types.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkNotificationRead flags one of userId's notifications as read. It
// returns sql.ErrNoRows if no such notification belongs to userId.
func (db *PgCommunityRepository) MarkNotificationRead(ctx context.Context, userId, id string) (types.Notification, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2 RETURNING "+notificationColumns,
		id,
		userId,
	)

	return scanNotification(row)
}

func (db *PgCommunityRepository) MarkAllNotificationsRead(ctx context.Context, userId string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE notifications SET read = true WHERE user_id = $1 AND read = false",
		userId,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
