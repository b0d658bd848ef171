package intent

import (
	"fmt"
	"regexp"
	"strings"
)

type QuestionType string

const (
	TypeYesNo         QuestionType = "yes_no"
	TypeApproval      QuestionType = "approval"
	TypeScheduling    QuestionType = "scheduling"
	TypeStatusCheck   QuestionType = "status_check"
	TypeActionRequest QuestionType = "action_request"
	TypeOpinion       QuestionType = "opinion"
	TypeInfoSeeking   QuestionType = "info_seeking"
	TypeGeneral       QuestionType = "general"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

const minQuestionLen = 3

// Config is the immutable identity the classifier is built around.
// Changing the tracked name means constructing a new classifier.
type Config struct {
	TrackedName string
	MentionIDs  []string
}

// Context carries the chat situation of the message being classified.
type Context struct {
	IsGroupChat  bool
	MentionedIDs []string
	QuotedBody   string
}

type Classification struct {
	QuestionType QuestionType
	Priority     Priority
	Keywords     []string
	DirectedAtMe bool
}

// ruleGroup pairs an ordered label with its patterns; groups are evaluated
// in sequence and the first matching group wins.
type ruleGroup struct {
	qtype    QuestionType
	patterns []*regexp.Regexp
}

type Classifier struct {
	cfg          Config
	mentionIDs   map[string]struct{}
	namePatterns []*regexp.Regexp
	exclusions   []*regexp.Regexp
	groups       []ruleGroup
	urgencyRe    *regexp.Regexp
	importanceRe *regexp.Regexp
	lowUrgencyRe *regexp.Regexp
}

var exclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(lol|lmao|rofl|haha+|hehe+|jaja+)[\s.!?]*$`),
	regexp.MustCompile(`^(ok(ay)?|k+|sure|yes|yep|yeah|no|nope|nah|maybe|right|true|cool|nice|great|good|perfect|awesome|same|this|\+1)[\s.!?]*$`),
	regexp.MustCompile(`^(thanks|thank you|thx|ty|tysm|np|no problem|you('|’)?re welcome|yw|welcome)[\s.!?]*$`),
	regexp.MustCompile(`^(hi|hello|hey|yo|sup|good (morning|afternoon|evening|night)|gm|gn|bye|goodbye|brb|gtg|cya|see you( later)?)[\s.!?]*$`),
	regexp.MustCompile(`^(got it|noted|ack|will do|on it|done|sounds good|congrats|congratulations)[\s.!?]*$`),
	regexp.MustCompile(`^what\?+$`),
	regexp.MustCompile(`^[\s\p{P}\p{S}]+$`),
}

// questionGroups is evaluated in order; precedence is load-bearing
// (yes/no starters are claimed before approval phrasing, approval before
// scheduling, and so on down to the implicit fallback).
var questionGroups = []ruleGroup{
	{TypeYesNo, []*regexp.Regexp{
		regexp.MustCompile(`^(is|are|was|were|am|do|does|did|has|have|had|should|shall|must)\b`),
		regexp.MustCompile(`^(can|could|would|will|won('|’)?t|wouldn('|’)?t) (we|it|he|she|they|this|that|the)\b`),
		regexp.MustCompile(`\b(yes or no)\b`),
		regexp.MustCompile(`,? (right|correct|no)\?$`),
	}},
	{TypeApproval, []*regexp.Regexp{
		regexp.MustCompile(`^(can|could|may) i\b`),
		regexp.MustCompile(`\b(approve|approval|approved\?|permission|authoriz\w*|sign[- ]?off|green ?light)\b`),
		regexp.MustCompile(`\bok(ay)? (to|if|with)\b`),
		regexp.MustCompile(`\b(good|fine|cool) (to|if|with)\b.*\?`),
		regexp.MustCompile(`\bgo ahead\b.*\?`),
	}},
	{TypeScheduling, []*regexp.Regexp{
		regexp.MustCompile(`^(when|what time|what day|what date|which day)\b`),
		regexp.MustCompile(`\b(schedule|reschedule|calendar|meeting|appointment|call)\b.*\?`),
		regexp.MustCompile(`\b(available|free)\b.*\b(on|at|today|tomorrow|tonight|this week|next week|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
		regexp.MustCompile(`\bwhat('s| is) the (time|date|deadline)\b`),
	}},
	{TypeStatusCheck, []*regexp.Regexp{
		regexp.MustCompile(`\b(status|progress|update) (on|of|for)\b`),
		regexp.MustCompile(`\b(any|an) (update|news|progress|word)\b`),
		regexp.MustCompile(`\b(done|finished|ready|complete|completed) (yet|with it)\b`),
		regexp.MustCompile(`\b(eta|how far along|how('s| is) .* (going|coming|looking))\b`),
		regexp.MustCompile(`\bwhere (are we|do we stand)\b`),
	}},
	{TypeActionRequest, []*regexp.Regexp{
		regexp.MustCompile(`^(can|could|would|will) (you|u|someone|somebody|anyone|anybody)\b`),
		regexp.MustCompile(`^(need (you|someone) to|i need (you|someone) to)\b`),
		regexp.MustCompile(`\b(please|pls|plz) (send|share|check|review|update|fix|confirm|approve|forward|upload|take a look)\b`),
		regexp.MustCompile(`^(send|share|check|review|fix|confirm|forward)\b.*\?`),
	}},
	{TypeOpinion, []*regexp.Regexp{
		regexp.MustCompile(`^(what do you think|thoughts|any thoughts|wdyt|how do you feel)\b`),
		regexp.MustCompile(`\b(do you think|your (opinion|thoughts|take|preference)|any (preference|objection)s?)\b`),
		regexp.MustCompile(`\b(would it be better|which (one|option) (is|would be) better)\b`),
	}},
	{TypeInfoSeeking, []*regexp.Regexp{
		regexp.MustCompile(`^(who|what|where|why|how|which|whose|whom)\b`),
	}},
	{TypeGeneral, []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
	}},
	{TypeGeneral, []*regexp.Regexp{
		regexp.MustCompile(`\b(anyone know|does anyone|somebody know|any idea|wondering if|not sure (if|whether)|can('|’)?t figure out)\b`),
		regexp.MustCompile(`^(question|quick question|q:)\b`),
	}},
}

var (
	urgencyRe    = regexp.MustCompile(`\b(asap|urgent|urgently|emergency|immediately|right away|right now|critical|blocker|blocking|blocked|eod|end of day|by today|before eod)\b`)
	importanceRe = regexp.MustCompile(`\b(important|deadline|client|customer|escalat\w*|priority|boss|production|prod|launch|release|demo)\b`)
	lowUrgencyRe = regexp.MustCompile(`\b(no rush|no hurry|whenever|when you get a chance|when you have time|not urgent|low priority|fyi|sometime|eventually|someday)\b`)
)

func New(cfg Config) *Classifier {
	c := &Classifier{
		cfg:          cfg,
		mentionIDs:   make(map[string]struct{}, len(cfg.MentionIDs)),
		exclusions:   exclusionPatterns,
		groups:       questionGroups,
		urgencyRe:    urgencyRe,
		importanceRe: importanceRe,
		lowUrgencyRe: lowUrgencyRe,
	}
	for _, id := range cfg.MentionIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			c.mentionIDs[id] = struct{}{}
		}
	}
	c.namePatterns = compileNamePatterns(cfg.TrackedName)
	return c
}

// compileNamePatterns derives word-bounded matchers from the tracked
// display name: the full name, then the given name on its own.
func compileNamePatterns(name string) []*regexp.Regexp {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	patterns := []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`),
	}
	parts := strings.Fields(name)
	if len(parts) > 1 && len(parts[0]) >= 3 {
		patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(parts[0])+`\b`))
	}
	return patterns
}

// Classify reports whether text is a question needing a tracked answer.
// The second return is false for non-questions.
func (c *Classifier) Classify(text string, chat Context) (Classification, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minQuestionLen {
		return Classification{}, false
	}
	lower := strings.ToLower(trimmed)
	for _, re := range c.exclusions {
		if re.MatchString(lower) {
			return Classification{}, false
		}
	}

	qtype, ok := c.questionType(lower)
	if !ok {
		return Classification{}, false
	}

	directed := c.directedAtMe(trimmed, chat)

	return Classification{
		QuestionType: qtype,
		Priority:     c.priority(lower, qtype, directed),
		Keywords:     Keywords(trimmed),
		DirectedAtMe: directed,
	}, true
}

func (c *Classifier) questionType(lower string) (QuestionType, bool) {
	for _, group := range c.groups {
		for _, re := range group.patterns {
			if re.MatchString(lower) {
				return group.qtype, true
			}
		}
	}
	return "", false
}

func (c *Classifier) priority(lower string, qtype QuestionType, directed bool) Priority {
	score := 0.0
	if c.urgencyRe.MatchString(lower) {
		score += 3
	}
	if c.importanceRe.MatchString(lower) {
		score += 2
	}
	if directed {
		score++
	}
	switch qtype {
	case TypeApproval:
		score++
	case TypeActionRequest, TypeStatusCheck:
		score += 0.5
	}
	if c.lowUrgencyRe.MatchString(lower) {
		score -= 2
	}

	switch {
	case score >= 3:
		return PriorityUrgent
	case score >= 2:
		return PriorityHigh
	case score <= -1:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (c *Classifier) directedAtMe(text string, chat Context) bool {
	if !chat.IsGroupChat {
		return true
	}
	return c.IsMention(text, chat.QuotedBody, chat.MentionedIDs)
}

// IsMention reports whether the message addresses the tracked user:
// explicit addressed ids first, then the name patterns against the body
// and, if present, the quoted message body.
func (c *Classifier) IsMention(body, quotedBody string, mentionedIDs []string) bool {
	for _, id := range mentionedIDs {
		if _, ok := c.mentionIDs[strings.TrimSpace(id)]; ok {
			return true
		}
	}
	for _, re := range c.namePatterns {
		if re.MatchString(body) {
			return true
		}
		if quotedBody != "" && re.MatchString(quotedBody) {
			return true
		}
	}
	return false
}

// TrackedName is the display name this classifier was built for.
func (c *Classifier) TrackedName() string {
	return c.cfg.TrackedName
}

func (c *Classifier) String() string {
	return fmt.Sprintf("intent.Classifier(tracked=%s, mention_ids=%d)", c.cfg.TrackedName, len(c.mentionIDs))
}
