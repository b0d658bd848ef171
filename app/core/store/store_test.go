package store

import (
	"context"
	"testing"
	"time"

	"github.com/austin477/whatsapp-command-center/app/core/answer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func seedQuestion(t *testing.T, s *Store, body string) Question {
	t.Helper()
	q, err := s.CreateQuestion(context.Background(), Question{
		ChatID:       "group@g.us",
		ChatName:     "ops room",
		IsGroupChat:  true,
		Sender:       "asker@c.us",
		SenderName:   "Maria Lopez",
		Body:         body,
		Priority:     "normal",
		QuestionType: "yes_no",
		Keywords:     []string{"report", "done"},
		DirectedAtMe: true,
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	return q
}

func seedCandidate(t *testing.T, s *Store, questionID string, sender string, confidence float64) AnswerCandidate {
	t.Helper()
	c, err := s.InsertCandidate(context.Background(), AnswerCandidate{
		QuestionID: questionID,
		Sender:     sender,
		Body:       "yes, done",
		Confidence: confidence,
		Signals: map[string]answer.Signal{
			"answer_pattern": {Score: 0.4, Detail: "matches affirmative answer pattern"},
		},
	})
	if err != nil {
		t.Fatalf("InsertCandidate: %v", err)
	}
	return c
}

func TestCreateQuestionDefaults(t *testing.T) {
	s := newTestStore(t)
	q := seedQuestion(t, s, "Is the report done?")

	if q.ID == "" {
		t.Fatal("CreateQuestion did not assign an id")
	}
	if q.Status != StatusOpen || q.ClassifiedBy != ClassifiedByRegex {
		t.Errorf("defaults = (%s, %s), want (open, regex)", q.Status, q.ClassifiedBy)
	}

	got, err := s.GetQuestion(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if got.Body != q.Body || !got.DirectedAtMe || got.ConfirmedByAI {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ChatName != "ops room" || !got.IsGroupChat {
		t.Errorf("chat context = (%q, group=%v), want (ops room, true)", got.ChatName, got.IsGroupChat)
	}
	if len(got.Keywords) != 2 || got.Keywords[0] != "report" {
		t.Errorf("Keywords = %v, want [report done]", got.Keywords)
	}
}

func TestCreateQuestionValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateQuestion(context.Background(), Question{Body: "no chat"}); err == nil {
		t.Error("missing chat_id accepted")
	}
	if _, err := s.CreateQuestion(context.Background(), Question{ChatID: "c"}); err == nil {
		t.Error("missing body accepted")
	}
}

func TestListOpenQuestionsScopedToChat(t *testing.T) {
	s := newTestStore(t)
	q := seedQuestion(t, s, "Is the report done?")
	if _, err := s.CreateQuestion(context.Background(), Question{ChatID: "other@g.us", Body: "another?"}); err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	open, err := s.ListOpenQuestions(context.Background(), q.ChatID, 0)
	if err != nil {
		t.Fatalf("ListOpenQuestions: %v", err)
	}
	if len(open) != 1 || open[0].ID != q.ID {
		t.Fatalf("open questions = %d, want only the seeded one", len(open))
	}
}

func TestAcceptCandidateIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := seedQuestion(t, s, "Is the report done?")
	first := seedCandidate(t, s, q.ID, "a@c.us", 0.4)
	second := seedCandidate(t, s, q.ID, "b@c.us", 0.7)

	if err := s.AcceptCandidate(ctx, q.ID, first.ID, "looked right", 0); err != nil {
		t.Fatalf("AcceptCandidate(first): %v", err)
	}
	if err := s.AcceptCandidate(ctx, q.ID, second.ID, "better answer", 0); err != nil {
		t.Fatalf("AcceptCandidate(second): %v", err)
	}

	candidates, err := s.ListCandidates(ctx, q.ID)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	accepted := 0
	for _, c := range candidates {
		if c.IsAccepted {
			accepted++
			if c.ID != second.ID {
				t.Errorf("accepted candidate = %s, want %s", c.ID, second.ID)
			}
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted candidates = %d, want exactly 1", accepted)
	}

	got, err := s.GetQuestion(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if got.Status != StatusAnswered {
		t.Errorf("Status = %s, want answered", got.Status)
	}
	if got.AnswerID != second.ID || got.AnsweredBy != "b@c.us" || got.AnswerConfidence != 0.7 {
		t.Errorf("answer fields = (%s, %s, %v)", got.AnswerID, got.AnsweredBy, got.AnswerConfidence)
	}
	if got.AnswerReason != "better answer" {
		t.Errorf("AnswerReason = %q", got.AnswerReason)
	}
}

func TestAcceptCandidateRejectsForeignCandidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q1 := seedQuestion(t, s, "Is the report done?")
	q2 := seedQuestion(t, s, "Is the invoice sent?")
	c2 := seedCandidate(t, s, q2.ID, "a@c.us", 0.5)

	if err := s.AcceptCandidate(ctx, q1.ID, c2.ID, "mixup", 0); err == nil {
		t.Fatal("candidate from another question accepted")
	}
	got, _ := s.GetQuestion(ctx, q1.ID)
	if got.Status != StatusOpen {
		t.Errorf("Status = %s after failed accept, want open", got.Status)
	}
}

func TestDismissOnlyOpenQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := seedQuestion(t, s, "Is the report done?")
	c := seedCandidate(t, s, q.ID, "a@c.us", 0.6)
	if err := s.AcceptCandidate(ctx, q.ID, c.ID, "answered", 0); err != nil {
		t.Fatalf("AcceptCandidate: %v", err)
	}

	if err := s.Dismiss(ctx, q.ID, "AI (not a question)", 0); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	got, _ := s.GetQuestion(ctx, q.ID)
	if got.Status != StatusAnswered {
		t.Errorf("Dismiss changed an answered question to %s", got.Status)
	}
}

func TestResolveAndReopen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := seedQuestion(t, s, "Is the report done?")
	seedCandidate(t, s, q.ID, "a@c.us", 0.6)

	if err := s.Resolve(ctx, q.ID, 0); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, _ := s.GetQuestion(ctx, q.ID)
	if got.Status != StatusAnswered || !got.ManuallyResolved {
		t.Fatalf("after Resolve: status = %s, manual = %v", got.Status, got.ManuallyResolved)
	}
	if got.AnswerReason != "manually resolved" {
		t.Errorf("AnswerReason = %q", got.AnswerReason)
	}

	if err := s.Reopen(ctx, q.ID); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	got, _ = s.GetQuestion(ctx, q.ID)
	if got.Status != StatusOpen {
		t.Fatalf("after Reopen: status = %s, want open", got.Status)
	}
	if got.AnsweredBy != "" || got.AnsweredAt != 0 || got.AnswerConfidence != 0 || got.AnswerReason != "" || got.AnswerID != "" {
		t.Errorf("answer fields not cleared: %+v", got)
	}
	if got.ManuallyResolved || got.Dismissed {
		t.Error("resolution flags not cleared")
	}

	candidates, _ := s.ListCandidates(ctx, q.ID)
	for _, cand := range candidates {
		if cand.IsAccepted {
			t.Errorf("candidate %s still accepted after Reopen", cand.ID)
		}
	}
}

func TestReopenIgnoresOpenQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := seedQuestion(t, s, "Is the report done?")
	before, _ := s.GetQuestion(ctx, q.ID)
	if err := s.Reopen(ctx, q.ID); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	after, _ := s.GetQuestion(ctx, q.ID)
	if after.Status != before.Status {
		t.Errorf("Reopen changed an open question to %s", after.Status)
	}
}

func TestMarkConfirmedUpgrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := seedQuestion(t, s, "Is the report done?")

	if err := s.MarkConfirmed(ctx, q.ID, "status_check", "high"); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	got, _ := s.GetQuestion(ctx, q.ID)
	if !got.ConfirmedByAI || got.QuestionType != "status_check" || got.Priority != "high" {
		t.Errorf("after MarkConfirmed: %+v", got)
	}

	// Empty fields keep the existing classification.
	if err := s.MarkConfirmed(ctx, q.ID, "", ""); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	got, _ = s.GetQuestion(ctx, q.ID)
	if got.QuestionType != "status_check" || got.Priority != "high" {
		t.Errorf("empty upgrade overwrote fields: %+v", got)
	}
}

func TestListUnconfirmedQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	old, err := s.CreateQuestion(ctx, Question{ChatID: "g@g.us", Body: "old?", CreatedAt: now - 48*3600*1000})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	recent := seedQuestion(t, s, "Is the report done?")
	confirmed := seedQuestion(t, s, "Is the invoice sent?")
	if err := s.MarkConfirmed(ctx, confirmed.ID, "", ""); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	aiSourced, err := s.CreateQuestion(ctx, Question{ChatID: "g@g.us", Body: "promoted?", ClassifiedBy: ClassifiedByAI, ConfirmedByAI: true})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	got, err := s.ListUnconfirmedQuestions(ctx, now-24*3600*1000, 10)
	if err != nil {
		t.Fatalf("ListUnconfirmedQuestions: %v", err)
	}
	if len(got) != 1 || got[0].ID != recent.ID {
		t.Fatalf("unconfirmed = %d, want only the recent regex question (old=%s ai=%s)", len(got), old.ID, aiSourced.ID)
	}
}

func TestCandidateSignalsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := seedQuestion(t, s, "Is the report done?")
	seedCandidate(t, s, q.ID, "a@c.us", 0.55)

	candidates, err := s.ListCandidates(ctx, q.ID)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	sig, ok := candidates[0].Signals["answer_pattern"]
	if !ok {
		t.Fatal("signals did not round trip")
	}
	if sig.Score != 0.4 || sig.Detail == "" {
		t.Errorf("signal = %+v", sig)
	}
}
