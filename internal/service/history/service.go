package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"memorychat/internal/models"
	"memorychat/internal/redis"

	log "github.com/sirupsen/logrus"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrUserNotFound = errors.New("user not found")
)

// Service owns users, chats and the append-only turn log.
type Service struct {
	db    *sql.DB
	cache *windowCache
}

// NewService builds the history service. cacheClient may be nil, in which
// case every read goes to the database.
func NewService(db *sql.DB, cacheClient *redis.Client, window int) *Service {
	s := &Service{db: db}
	if cacheClient != nil && window > 0 {
		s.cache = newWindowCache(cacheClient, window)
	}
	return s
}

// EnsureUser returns the user with the given name, creating it if needed.
func (s *Service) EnsureUser(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query user: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?)`, username, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, CreatedAt: now}, nil
}

// UserExists reports whether a user row with the id is present.
func (s *Service) UserExists(ctx context.Context, userID int64) (bool, error) {
	if userID <= 0 {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return true, nil
}

// CreateChat inserts a new chat for the user.
func (s *Service) CreateChat(ctx context.Context, userID int64, title string) (*models.Chat, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (user_id, title, created_at, last_activity) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat id: %w", err)
	}
	return &models.Chat{ID: id, UserID: userID, Title: title, CreatedAt: now, LastActivity: now}, nil
}

// ListChats returns the user's chats, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, last_activity FROM chats WHERE user_id = ? ORDER BY last_activity DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []models.Chat{}
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastActivity); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ChatOwnedBy returns ErrChatNotFound unless chatID belongs to userID.
func (s *Service) ChatOwnedBy(ctx context.Context, userID, chatID int64) error {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE id = ?`, chatID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("get chat: %w", err)
	}
	if owner != userID {
		return ErrChatNotFound
	}
	return nil
}

// CreateTurn appends a turn to its chat and bumps the chat's activity time.
func (s *Service) CreateTurn(ctx context.Context, turn models.Turn) (*models.Turn, error) {
	if turn.ChatID <= 0 || turn.UserID <= 0 {
		return nil, errors.New("chat_id and user_id are required")
	}
	if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
		return nil, fmt.Errorf("invalid role %q", turn.Role)
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (user_id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.UserID, turn.ChatID, string(turn.Role), turn.Content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("turn id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_activity = ? WHERE id = ?`, now, turn.ChatID); err != nil {
		return nil, fmt.Errorf("touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	if s.cache != nil {
		// the turn is committed either way; a failed invalidate leaves the
		// chat marked dirty and its reads go to the database
		if err := s.cache.invalidate(ctx, turn.ChatID); err != nil {
			log.WithError(err).WithField("chat_id", turn.ChatID).Error("history cache invalidate failed")
		}
	}
	turn.ID = id
	turn.CreatedAt = now
	return &turn, nil
}

// ListRecentTurns returns at most limit turns of the chat, oldest first.
func (s *Service) ListRecentTurns(ctx context.Context, chatID int64, limit int) ([]*models.Turn, error) {
	if limit <= 0 {
		return []*models.Turn{}, nil
	}
	if s.cache != nil && limit <= s.cache.depth {
		turns, err := s.cache.recent(ctx, chatID, func() ([]*models.Turn, error) {
			return s.queryRecent(ctx, chatID, s.cache.depth)
		})
		if err == nil {
			return tail(turns, limit), nil
		}
		if !errors.Is(err, errStaleWindow) {
			log.WithError(err).WithField("chat_id", chatID).Warn("history cache read failed")
		}
	}
	return s.queryRecent(ctx, chatID, limit)
}

// ListTurns returns the full ordered history of a chat.
func (s *Service) ListTurns(ctx context.Context, chatID int64) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, chat_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *Service) queryRecent(ctx context.Context, chatID int64, limit int) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, chat_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func scanTurns(rows *sql.Rows) ([]*models.Turn, error) {
	turns := []*models.Turn{}
	for rows.Next() {
		t := new(models.Turn)
		var role string
		if err := rows.Scan(&t.ID, &t.UserID, &t.ChatID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = models.NormalizeRole(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func tail(turns []*models.Turn, n int) []*models.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
