package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/austin477/whatsapp-command-center/app/core/aiqueue"
	"github.com/austin477/whatsapp-command-center/app/core/intent"
	"github.com/austin477/whatsapp-command-center/app/core/store"
	"github.com/austin477/whatsapp-command-center/app/pkg/logger"
	"github.com/austin477/whatsapp-command-center/app/pkg/types"
)

// dismissActorAI attributes the only automated dismissal the system
// performs: the asynchronous classifier overriding a deterministic call.
const dismissActorAI = "AI (not a question)"

func (t *Tracker) enqueueConfirm(q store.Question) {
	ch, err := t.queue.Enqueue(aiqueue.Job{
		ID: "confirm-" + q.ID,
		Request: aiqueue.Request{
			Body:        q.Body,
			Sender:      q.SenderName,
			ChatName:    q.ChatName,
			IsGroupChat: q.IsGroupChat,
		},
		Prior: &aiqueue.Result{
			Intent:       aiqueue.IntentQuestion,
			QuestionType: q.QuestionType,
			Priority:     q.Priority,
		},
	})
	if err != nil {
		logger.Warn("tracker: could not enqueue confirmation for question %s: %v", q.ID, err)
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		out, ok := <-ch
		if !ok || out.Result == nil {
			// Degraded: the deterministic classification stands.
			return
		}
		t.applyConfirm(context.Background(), q.ID, out.Job.Prior, out.Result)
	}()
}

func (t *Tracker) enqueuePromote(msg types.Message) {
	ch, err := t.queue.Enqueue(aiqueue.Job{
		ID: "promote-" + msg.ID,
		Request: aiqueue.Request{
			Body:        msg.Body,
			Sender:      msg.SenderName,
			ChatName:    msg.ChatName,
			IsGroupChat: msg.IsGroupChat,
		},
	})
	if err != nil {
		logger.Warn("tracker: could not enqueue promotion check: %v", err)
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		out, ok := <-ch
		if !ok || out.Result == nil {
			return
		}
		t.applyPromote(context.Background(), msg, out.Result)
	}()
}

// applyConfirm reconciles the service's verdict on an existing question
// against the deterministic classification it started with. Agreement
// upgrades type and priority, never downgrading the prior priority;
// strong disagreement dismisses, but only while the question is still
// open, so a human acceptance is never undone.
func (t *Tracker) applyConfirm(ctx context.Context, questionID string, prior *aiqueue.Result, r *aiqueue.Result) {
	if r.Intent == aiqueue.IntentQuestion {
		priority := normalizePriority(r.Priority)
		if prior != nil && priority != "" && priorityRank(priority) <= priorityRank(normalizePriority(prior.Priority)) {
			priority = ""
		}
		if err := t.store.MarkConfirmed(ctx, questionID, normalizeQuestionType(r.QuestionType), priority); err != nil {
			logger.Error("tracker: failed to record AI confirmation for question %s: %v", questionID, err)
		}
		return
	}
	if r.Confidence < t.opts.OverrideThreshold {
		return
	}
	if err := t.store.Dismiss(ctx, questionID, dismissActorAI, 0); err != nil {
		logger.Error("tracker: AI dismissal of question %s failed: %v", questionID, err)
		return
	}
	t.forgetQuestion(questionID)
	logger.Info("tracker: question %s dismissed by AI override (intent %s, confidence %.2f)", questionID, r.Intent, r.Confidence)
}

// applyPromote creates a question from a message the deterministic
// classifier rejected, when the service is confident it is one.
func (t *Tracker) applyPromote(ctx context.Context, msg types.Message, r *aiqueue.Result) {
	if r.Intent != aiqueue.IntentQuestion || r.Confidence < t.opts.PromoteThreshold {
		return
	}

	t.mu.RLock()
	classifier := t.classifier
	t.mu.RUnlock()
	directed := !msg.IsGroupChat || classifier.IsMention(msg.Body, msg.QuotedBody, msg.MentionedIDs)

	q, err := t.store.CreateQuestion(ctx, store.Question{
		ChatID:        msg.ChatID,
		ChatName:      msg.ChatName,
		IsGroupChat:   msg.IsGroupChat,
		Sender:        msg.Sender,
		SenderName:    msg.SenderName,
		Body:          msg.Body,
		CreatedAt:     msg.Timestamp,
		Priority:      normalizedPriorityOrDefault(r.Priority),
		QuestionType:  normalizedTypeOrDefault(r.QuestionType),
		Keywords:      intent.Keywords(msg.Body),
		DirectedAtMe:  directed,
		ClassifiedBy:  store.ClassifiedByAI,
		ConfirmedByAI: true,
	})
	if err != nil {
		logger.Error("tracker: AI promotion failed to create question: %v", err)
		return
	}
	logger.Info("tracker: AI promoted message from %s to question %s (confidence %.2f)", msg.Sender, q.ID, r.Confidence)
}

// AcceptCandidate is the manual accept operation: one candidate
// accepted, the rest un-accepted, question answered.
func (t *Tracker) AcceptCandidate(ctx context.Context, questionID string, candidateID string) error {
	if err := t.store.AcceptCandidate(ctx, questionID, candidateID, "manually accepted", 0); err != nil {
		return err
	}
	t.forgetQuestion(questionID)
	return nil
}

func (t *Tracker) Resolve(ctx context.Context, questionID string) error {
	if err := t.store.Resolve(ctx, questionID, 0); err != nil {
		return err
	}
	t.forgetQuestion(questionID)
	return nil
}

func (t *Tracker) Dismiss(ctx context.Context, questionID string, actor string) error {
	if err := t.store.Dismiss(ctx, questionID, actor, 0); err != nil {
		return err
	}
	t.forgetQuestion(questionID)
	return nil
}

func (t *Tracker) Reopen(ctx context.Context, questionID string) error {
	return t.store.Reopen(ctx, questionID)
}

// ReclassifySweep pushes recent unconfirmed questions through the
// synchronous classification path and applies the usual reconciliation.
// Degradation is not an error; the sweep simply tries again next run.
func (t *Tracker) ReclassifySweep(ctx context.Context) error {
	since := time.Now().Add(-t.opts.AnswerWindow).UnixMilli()
	t.pruneMarks(since)

	questions, err := t.store.ListUnconfirmedQuestions(ctx, since, t.opts.SweepBatch)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return nil
	}

	reqs := make([]aiqueue.Request, len(questions))
	for i, q := range questions {
		reqs[i] = aiqueue.Request{
			Body:        q.Body,
			Sender:      q.SenderName,
			ChatName:    q.ChatName,
			IsGroupChat: q.IsGroupChat,
		}
	}

	results, err := t.queue.ClassifyNow(ctx, reqs)
	if err != nil {
		if errors.Is(err, aiqueue.ErrUnclassified) {
			logger.Warn("tracker: reclassification sweep degraded for %d questions", len(questions))
			return nil
		}
		return err
	}
	for i, q := range questions {
		prior := &aiqueue.Result{
			Intent:       aiqueue.IntentQuestion,
			QuestionType: q.QuestionType,
			Priority:     q.Priority,
		}
		t.applyConfirm(ctx, q.ID, prior, &results[i])
	}
	logger.Info("tracker: reclassification sweep confirmed %d questions", len(questions))
	return nil
}

func priorityRank(raw string) int {
	switch intent.Priority(raw) {
	case intent.PriorityLow:
		return 0
	case intent.PriorityNormal:
		return 1
	case intent.PriorityHigh:
		return 2
	case intent.PriorityUrgent:
		return 3
	}
	return -1
}

func normalizeQuestionType(raw string) string {
	switch intent.QuestionType(raw) {
	case intent.TypeYesNo, intent.TypeApproval, intent.TypeScheduling, intent.TypeStatusCheck,
		intent.TypeActionRequest, intent.TypeOpinion, intent.TypeInfoSeeking, intent.TypeGeneral:
		return raw
	}
	return ""
}

func normalizePriority(raw string) string {
	switch intent.Priority(raw) {
	case intent.PriorityLow, intent.PriorityNormal, intent.PriorityHigh, intent.PriorityUrgent:
		return raw
	}
	return ""
}

func normalizedTypeOrDefault(raw string) string {
	if v := normalizeQuestionType(raw); v != "" {
		return v
	}
	return string(intent.TypeGeneral)
}

func normalizedPriorityOrDefault(raw string) string {
	if v := normalizePriority(raw); v != "" {
		return v
	}
	return string(intent.PriorityNormal)
}
