package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austin477/whatsapp-command-center/app/core/answer"
)

const (
	StatusOpen      = "open"
	StatusAnswered  = "answered"
	StatusDismissed = "dismissed"

	ClassifiedByRegex = "regex"
	ClassifiedByAI    = "ai"
)

type Question struct {
	ID               string
	ChatID           string
	ChatName         string
	IsGroupChat      bool
	Sender           string
	SenderName       string
	Body             string
	CreatedAt        int64 // epoch milliseconds
	Status           string
	Priority         string
	QuestionType     string
	Keywords         []string
	DirectedAtMe     bool
	ClassifiedBy     string
	ConfirmedByAI    bool
	AnsweredBy       string
	AnsweredAt       int64
	AnswerConfidence float64
	AnswerReason     string
	AnswerID         string
	Dismissed        bool
	DismissedBy      string
	DismissedAt      int64
	ManuallyResolved bool
}

type AnswerCandidate struct {
	ID            string
	QuestionID    string
	Sender        string
	SenderName    string
	Body          string
	CreatedAt     int64 // epoch milliseconds
	Confidence    float64
	Signals       map[string]answer.Signal
	IsQuotedReply bool
	IsAccepted    bool
}

type Store struct {
	db *DB
}

func New(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateQuestion(ctx context.Context, q Question) (Question, error) {
	if strings.TrimSpace(q.ChatID) == "" {
		return Question{}, fmt.Errorf("chat_id is required")
	}
	if strings.TrimSpace(q.Body) == "" {
		return Question{}, fmt.Errorf("body is required")
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt == 0 {
		q.CreatedAt = time.Now().UnixMilli()
	}
	if q.Status == "" {
		q.Status = StatusOpen
	}
	if q.ClassifiedBy == "" {
		q.ClassifiedBy = ClassifiedByRegex
	}
	keywordsJSON, err := json.Marshal(q.Keywords)
	if err != nil {
		return Question{}, err
	}

	query := `INSERT INTO questions (id, chat_id, chat_name, is_group_chat, sender, sender_name, body, created_at, status, priority, question_type, keywords, directed_at_me, classified_by, confirmed_by_ai)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.Conn().ExecContext(ctx, query,
		q.ID, q.ChatID, q.ChatName, boolToInt(q.IsGroupChat), q.Sender, q.SenderName, q.Body, q.CreatedAt,
		q.Status, q.Priority, q.QuestionType, string(keywordsJSON),
		boolToInt(q.DirectedAtMe), q.ClassifiedBy, boolToInt(q.ConfirmedByAI),
	); err != nil {
		return Question{}, err
	}
	return q, nil
}

const questionColumns = `id, chat_id, chat_name, is_group_chat, sender, sender_name, body, created_at, status, priority, question_type, keywords, directed_at_me, classified_by, confirmed_by_ai,
COALESCE(answered_by, ''), COALESCE(answered_at, 0), COALESCE(answer_confidence, 0), COALESCE(answer_reason, ''), COALESCE(answer_id, ''),
dismissed, COALESCE(dismissed_by, ''), COALESCE(dismissed_at, 0), manually_resolved`

func (s *Store) GetQuestion(ctx context.Context, id string) (Question, error) {
	row := s.db.Conn().QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	return scanQuestion(row)
}

func (s *Store) ListOpenQuestions(ctx context.Context, chatID string, limit int) ([]Question, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + questionColumns + ` FROM questions WHERE chat_id = ? AND status = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, chatID, StatusOpen, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuestions(rows, limit)
}

// ListUnconfirmedQuestions returns open regex-classified questions newer
// than since that the service has not yet confirmed, oldest first.
func (s *Store) ListUnconfirmedQuestions(ctx context.Context, since int64, limit int) ([]Question, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + questionColumns + ` FROM questions
WHERE status = ? AND classified_by = ? AND confirmed_by_ai = 0 AND created_at >= ?
ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, StatusOpen, ClassifiedByRegex, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuestions(rows, limit)
}

// MarkConfirmed records the service agreeing the question is a question,
// upgrading type and priority when the service supplied them.
func (s *Store) MarkConfirmed(ctx context.Context, id string, questionType string, priority string) error {
	query := `UPDATE questions SET confirmed_by_ai = 1,
question_type = CASE WHEN ? != '' THEN ? ELSE question_type END,
priority = CASE WHEN ? != '' THEN ? ELSE priority END
WHERE id = ?`
	_, err := s.db.Conn().ExecContext(ctx, query, questionType, questionType, priority, priority, id)
	return err
}

// Dismiss transitions an open question to dismissed with the acting
// party recorded. Re-running with the same inputs is a no-op.
func (s *Store) Dismiss(ctx context.Context, id string, actor string, at int64) error {
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	query := `UPDATE questions SET status = ?, dismissed = 1, dismissed_by = ?, dismissed_at = ? WHERE id = ? AND status = ?`
	_, err := s.db.Conn().ExecContext(ctx, query, StatusDismissed, actor, at, id, StatusOpen)
	return err
}

// Resolve marks an open question answered by direct operator action.
func (s *Store) Resolve(ctx context.Context, id string, at int64) error {
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	query := `UPDATE questions SET status = ?, manually_resolved = 1, answer_reason = 'manually resolved', answered_at = ? WHERE id = ? AND status = ?`
	_, err := s.db.Conn().ExecContext(ctx, query, StatusAnswered, at, id, StatusOpen)
	return err
}

// Reopen returns an answered or dismissed question to open, clearing
// every answer and dismissal field.
func (s *Store) Reopen(ctx context.Context, id string) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE questions SET status = ?,
answered_by = NULL, answered_at = NULL, answer_confidence = NULL, answer_reason = NULL, answer_id = NULL,
dismissed = 0, dismissed_by = NULL, dismissed_at = NULL, manually_resolved = 0
WHERE id = ? AND status IN (?, ?)`
	if _, err := tx.ExecContext(ctx, query, StatusOpen, id, StatusAnswered, StatusDismissed); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE answer_candidates SET is_accepted = 0 WHERE question_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) InsertCandidate(ctx context.Context, c AnswerCandidate) (AnswerCandidate, error) {
	if strings.TrimSpace(c.QuestionID) == "" {
		return AnswerCandidate{}, fmt.Errorf("question_id is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	if c.Signals == nil {
		c.Signals = map[string]answer.Signal{}
	}
	signalsJSON, err := json.Marshal(c.Signals)
	if err != nil {
		return AnswerCandidate{}, err
	}

	query := `INSERT INTO answer_candidates (id, question_id, sender, sender_name, body, created_at, confidence, signals, is_quoted_reply, is_accepted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
	if _, err := s.db.Conn().ExecContext(ctx, query,
		c.ID, c.QuestionID, c.Sender, c.SenderName, c.Body, c.CreatedAt,
		c.Confidence, string(signalsJSON), boolToInt(c.IsQuotedReply),
	); err != nil {
		return AnswerCandidate{}, err
	}
	c.IsAccepted = false
	return c, nil
}

func (s *Store) ListCandidates(ctx context.Context, questionID string) ([]AnswerCandidate, error) {
	query := `SELECT id, question_id, sender, sender_name, body, created_at, confidence, signals, is_quoted_reply, is_accepted
FROM answer_candidates WHERE question_id = ? ORDER BY created_at ASC`
	rows, err := s.db.Conn().QueryContext(ctx, query, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []AnswerCandidate
	for rows.Next() {
		var (
			c           AnswerCandidate
			signalsJSON []byte
			quoted      int
			accepted    int
		)
		if err := rows.Scan(&c.ID, &c.QuestionID, &c.Sender, &c.SenderName, &c.Body, &c.CreatedAt, &c.Confidence, &signalsJSON, &quoted, &accepted); err != nil {
			return nil, err
		}
		if len(signalsJSON) > 0 {
			_ = json.Unmarshal(signalsJSON, &c.Signals)
		}
		c.IsQuotedReply = quoted != 0
		c.IsAccepted = accepted != 0
		items = append(items, c)
	}
	return items, rows.Err()
}

// AcceptCandidate marks one candidate accepted, un-accepts every other
// candidate of the question and moves the question to answered, all in
// a single transaction so at most one candidate is ever accepted.
func (s *Store) AcceptCandidate(ctx context.Context, questionID string, candidateID string, reason string, at int64) error {
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		sender     string
		confidence float64
	)
	row := tx.QueryRowContext(ctx, `SELECT sender, confidence FROM answer_candidates WHERE id = ? AND question_id = ?`, candidateID, questionID)
	if err := row.Scan(&sender, &confidence); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("candidate %s does not belong to question %s", candidateID, questionID)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE answer_candidates SET is_accepted = 0 WHERE question_id = ? AND id != ?`, questionID, candidateID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE answer_candidates SET is_accepted = 1 WHERE id = ?`, candidateID); err != nil {
		return err
	}

	query := `UPDATE questions SET status = ?, answered_by = ?, answered_at = ?, answer_confidence = ?, answer_reason = ?, answer_id = ?,
dismissed = 0, dismissed_by = NULL, dismissed_at = NULL
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, StatusAnswered, sender, at, confidence, reason, candidateID, questionID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanQuestion(row *sql.Row) (Question, error) {
	var (
		q            Question
		keywordsJSON []byte
		groupChat    int
		directed     int
		confirmed    int
		dismissed    int
		resolved     int
	)
	err := row.Scan(
		&q.ID, &q.ChatID, &q.ChatName, &groupChat, &q.Sender, &q.SenderName, &q.Body, &q.CreatedAt,
		&q.Status, &q.Priority, &q.QuestionType, &keywordsJSON, &directed,
		&q.ClassifiedBy, &confirmed,
		&q.AnsweredBy, &q.AnsweredAt, &q.AnswerConfidence, &q.AnswerReason, &q.AnswerID,
		&dismissed, &q.DismissedBy, &q.DismissedAt, &resolved,
	)
	if err != nil {
		return Question{}, err
	}
	if len(keywordsJSON) > 0 {
		_ = json.Unmarshal(keywordsJSON, &q.Keywords)
	}
	q.IsGroupChat = groupChat != 0
	q.DirectedAtMe = directed != 0
	q.ConfirmedByAI = confirmed != 0
	q.Dismissed = dismissed != 0
	q.ManuallyResolved = resolved != 0
	return q, nil
}

func scanQuestions(rows *sql.Rows, limit int) ([]Question, error) {
	items := make([]Question, 0, limit)
	for rows.Next() {
		var (
			q            Question
			keywordsJSON []byte
			groupChat    int
			directed     int
			confirmed    int
			dismissed    int
			resolved     int
		)
		if err := rows.Scan(
			&q.ID, &q.ChatID, &q.ChatName, &groupChat, &q.Sender, &q.SenderName, &q.Body, &q.CreatedAt,
			&q.Status, &q.Priority, &q.QuestionType, &keywordsJSON, &directed,
			&q.ClassifiedBy, &confirmed,
			&q.AnsweredBy, &q.AnsweredAt, &q.AnswerConfidence, &q.AnswerReason, &q.AnswerID,
			&dismissed, &q.DismissedBy, &q.DismissedAt, &resolved,
		); err != nil {
			return nil, err
		}
		if len(keywordsJSON) > 0 {
			_ = json.Unmarshal(keywordsJSON, &q.Keywords)
		}
		q.IsGroupChat = groupChat != 0
		q.DirectedAtMe = directed != 0
		q.ConfirmedByAI = confirmed != 0
		q.Dismissed = dismissed != 0
		q.ManuallyResolved = resolved != 0
		items = append(items, q)
	}
	return items, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
