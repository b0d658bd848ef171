package tracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/austin477/whatsapp-command-center/app/core/aiqueue"
	"github.com/austin477/whatsapp-command-center/app/core/answer"
	"github.com/austin477/whatsapp-command-center/app/core/intent"
	"github.com/austin477/whatsapp-command-center/app/core/store"
	"github.com/austin477/whatsapp-command-center/app/pkg/logger"
	"github.com/austin477/whatsapp-command-center/app/pkg/types"
)

const minTrackableLen = 3

// unknownDistance stands in for the conversational distance of a
// question whose position was lost (e.g. across a restart); it is large
// enough to earn no proximity credit.
const unknownDistance = 1000

type Options struct {
	CandidateFloor      float64
	AutoAcceptThreshold float64
	OverrideThreshold   float64
	PromoteThreshold    float64
	AnswerWindow        time.Duration
	EchoGuard           time.Duration
	OpenQuestionLimit   int
	SweepBatch          int
}

func (o *Options) applyDefaults() {
	if o.CandidateFloor <= 0 {
		o.CandidateFloor = 0.2
	}
	if o.AutoAcceptThreshold <= 0 {
		o.AutoAcceptThreshold = 0.5
	}
	if o.OverrideThreshold <= 0 {
		o.OverrideThreshold = 0.8
	}
	if o.PromoteThreshold <= 0 {
		o.PromoteThreshold = 0.7
	}
	if o.AnswerWindow <= 0 {
		o.AnswerWindow = 24 * time.Hour
	}
	if o.EchoGuard <= 0 {
		o.EchoGuard = 2 * time.Second
	}
	if o.OpenQuestionLimit <= 0 {
		o.OpenQuestionLimit = 20
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 10
	}
}

// Tracker connects the deterministic classifier, the answer scorer and
// the asynchronous classification queue to the persisted records.
type Tracker struct {
	store *store.Store
	queue *aiqueue.Queue
	opts  Options

	mu         sync.RWMutex
	classifier *intent.Classifier
	// chatSeq counts inbound messages per chat; questionSeq remembers
	// the count at question creation, giving the scorer its
	// conversational-distance proxy. Marks are dropped once the
	// question leaves the open state or outlives the answer window.
	chatSeq     map[string]int64
	questionSeq map[string]questionMark

	wg sync.WaitGroup
}

type questionMark struct {
	seq       int64
	createdAt int64 // epoch milliseconds
}

func New(classifier *intent.Classifier, st *store.Store, queue *aiqueue.Queue, opts Options) *Tracker {
	opts.applyDefaults()
	return &Tracker{
		store:       st,
		queue:       queue,
		opts:        opts,
		classifier:  classifier,
		chatSeq:     make(map[string]int64),
		questionSeq: make(map[string]questionMark),
	}
}

// SetTrackedUser swaps in a classifier built for the new identity.
// Existing in-flight work keeps the instance it started with.
func (t *Tracker) SetTrackedUser(cfg intent.Config) {
	fresh := intent.New(cfg)
	t.mu.Lock()
	t.classifier = fresh
	t.mu.Unlock()
}

// HandleInbound runs the deterministic pipeline for one message: open a
// question, or score it against the chat's open questions, then push it
// onto the classification queue for asynchronous confirmation.
func (t *Tracker) HandleInbound(ctx context.Context, msg types.Message) error {
	if len(strings.TrimSpace(msg.Body)) < minTrackableLen {
		return nil
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	t.mu.Lock()
	t.chatSeq[msg.ChatID]++
	seq := t.chatSeq[msg.ChatID]
	classifier := t.classifier
	t.mu.Unlock()

	classification, isQuestion := classifier.Classify(msg.Body, intent.Context{
		IsGroupChat:  msg.IsGroupChat,
		MentionedIDs: msg.MentionedIDs,
		QuotedBody:   msg.QuotedBody,
	})
	if isQuestion {
		return t.openQuestion(ctx, msg, classification, seq)
	}
	return t.scoreAgainstOpen(ctx, msg, seq)
}

func (t *Tracker) openQuestion(ctx context.Context, msg types.Message, cls intent.Classification, seq int64) error {
	q, err := t.store.CreateQuestion(ctx, store.Question{
		ChatID:       msg.ChatID,
		ChatName:     msg.ChatName,
		IsGroupChat:  msg.IsGroupChat,
		Sender:       msg.Sender,
		SenderName:   msg.SenderName,
		Body:         msg.Body,
		CreatedAt:    msg.Timestamp,
		Priority:     string(cls.Priority),
		QuestionType: string(cls.QuestionType),
		Keywords:     cls.Keywords,
		DirectedAtMe: cls.DirectedAtMe,
		ClassifiedBy: store.ClassifiedByRegex,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.questionSeq[q.ID] = questionMark{seq: seq, createdAt: q.CreatedAt}
	t.mu.Unlock()

	logger.Info("tracker: opened %s question %s (priority %s) in chat %s", q.QuestionType, q.ID, q.Priority, q.ChatID)
	t.enqueueConfirm(q)
	return nil
}

func (t *Tracker) scoreAgainstOpen(ctx context.Context, msg types.Message, seq int64) error {
	open, err := t.store.ListOpenQuestions(ctx, msg.ChatID, t.opts.OpenQuestionLimit)
	if err != nil {
		return err
	}

	var (
		bestQuestion  store.Question
		bestCandidate store.AnswerCandidate
		bestResult    answer.Result
	)
	for _, q := range open {
		result := answer.Score(
			answer.Question{
				Body:       q.Body,
				Sender:     q.Sender,
				SenderName: q.SenderName,
				Type:       intent.QuestionType(q.QuestionType),
				Keywords:   q.Keywords,
				Timestamp:  q.CreatedAt,
			},
			answer.Candidate{
				Body:      msg.Body,
				Sender:    msg.Sender,
				Timestamp: msg.Timestamp,
			},
			answer.Context{
				IsQuotedReply:   msg.QuotedBody != "",
				QuotedBody:      msg.QuotedBody,
				QuotedSender:    msg.QuotedSender,
				FromTrackedUser: msg.FromMe,
				MessagesBetween: t.messagesBetween(q.ID, seq),
			},
		)
		if result.Confidence < t.opts.CandidateFloor {
			continue
		}

		candidate, err := t.store.InsertCandidate(ctx, store.AnswerCandidate{
			QuestionID:    q.ID,
			Sender:        msg.Sender,
			SenderName:    msg.SenderName,
			Body:          msg.Body,
			CreatedAt:     msg.Timestamp,
			Confidence:    result.Confidence,
			Signals:       result.Signals,
			IsQuotedReply: msg.QuotedBody != "",
		})
		if err != nil {
			logger.Error("tracker: failed to persist candidate for question %s: %v", q.ID, err)
			continue
		}
		if result.Confidence > bestResult.Confidence {
			bestQuestion = q
			bestCandidate = candidate
			bestResult = result
		}
	}

	if bestCandidate.ID != "" && bestResult.Confidence >= t.opts.AutoAcceptThreshold && t.withinAutoAnswerWindow(bestQuestion, msg) {
		_, reason := bestResult.TopSignal()
		if reason == "" {
			reason = "high-confidence answer"
		}
		if err := t.store.AcceptCandidate(ctx, bestQuestion.ID, bestCandidate.ID, reason, msg.Timestamp); err != nil {
			logger.Error("tracker: auto-answer of question %s failed: %v", bestQuestion.ID, err)
		} else {
			logger.Info("tracker: question %s auto-answered by %s (confidence %.2f)", bestQuestion.ID, msg.Sender, bestResult.Confidence)
			t.forgetQuestion(bestQuestion.ID)
		}
	}

	t.enqueuePromote(msg)
	return nil
}

// withinAutoAnswerWindow guards auto-answer against echo/duplicate
// delivery (minimum 2s) and stale answers (24h window).
func (t *Tracker) withinAutoAnswerWindow(q store.Question, msg types.Message) bool {
	elapsed := time.Duration(msg.Timestamp-q.CreatedAt) * time.Millisecond
	return elapsed >= t.opts.EchoGuard && elapsed <= t.opts.AnswerWindow
}

func (t *Tracker) messagesBetween(questionID string, current int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mark, ok := t.questionSeq[questionID]
	if !ok {
		return unknownDistance
	}
	n := int(current - mark.seq - 1)
	if n < 0 {
		n = 0
	}
	return n
}

func (t *Tracker) forgetQuestion(id string) {
	t.mu.Lock()
	delete(t.questionSeq, id)
	t.mu.Unlock()
}

// pruneMarks drops position marks for questions created before cutoff;
// past the answer window they can no longer earn proximity credit.
func (t *Tracker) pruneMarks(cutoff int64) {
	t.mu.Lock()
	for id, mark := range t.questionSeq {
		if mark.createdAt < cutoff {
			delete(t.questionSeq, id)
		}
	}
	t.mu.Unlock()
}

// Close waits for in-flight reconciliation waiters. The queue should be
// closed first so their outcome channels resolve.
func (t *Tracker) Close() {
	t.wg.Wait()
}
