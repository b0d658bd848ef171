package answer

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/austin477/whatsapp-command-center/app/core/intent"
)

// Signal is one named contribution to a candidate's confidence. The
// detail is human-readable and persisted for later manual review.
type Signal struct {
	Score  float64 `json:"score"`
	Detail string  `json:"detail"`
}

type Result struct {
	Confidence float64
	Signals    map[string]Signal
}

// Question is the open question a candidate is scored against.
type Question struct {
	Body       string
	Sender     string
	SenderName string
	Type       intent.QuestionType
	Keywords   []string
	Timestamp  int64 // epoch milliseconds
}

// Candidate is the message being evaluated as a possible answer.
type Candidate struct {
	Body      string
	Sender    string
	Timestamp int64 // epoch milliseconds
}

// Context is the situational evidence around the candidate.
type Context struct {
	IsQuotedReply   bool
	QuotedBody      string
	QuotedSender    string
	FromTrackedUser bool
	MessagesBetween int // intervening messages in the same chat
}

const (
	quotedReplyWeight   = 1.0
	partialQuoteWeight  = 0.8
	answerPatternWeight = 0.4
	keywordWeight       = 0.25
	addressesWeight     = 0.3
	managerReplyWeight  = 0.25
	typeMatchWeight     = 0.2
	selfReplyFactor     = 0.3
)

type weightedPattern struct {
	re       *regexp.Regexp
	strength float64
	label    string
}

var answerPatterns = []weightedPattern{
	{regexp.MustCompile(`^(yes|yep|yeah|yup|sure|confirmed|correct|that('|’)?s right|affirmative)\b`), 1.0, "affirmative"},
	{regexp.MustCompile(`^(no|nope|nah|negative|not yet|don('|’)?t think so)\b`), 1.0, "negative"},
	{regexp.MustCompile(`\b(done|finished|completed|sent|fixed|deployed|pushed|merged|updated|resolved|shipped|uploaded)\b`), 0.9, "completion"},
	{regexp.MustCompile(`https?://\S+`), 0.8, "link"},
	{regexp.MustCompile(`\b(will do|on it|i('|’)?ll|i will|working on it|let me|give me a (sec|minute|moment))\b`), 0.7, "commitment"},
	{regexp.MustCompile(`\b(here('|’)?s|here (it )?is|attached|see below|as follows)\b`), 0.7, "delivery"},
	{regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s?(am|pm)\b|\b\d+(\.\d+)?%\b|\$\d+`), 0.5, "figure"},
}

var answerAntiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(lol|lmao|rofl|haha+|hehe+|same|this|\+1|nice|cool|ok|k+|wow|omg)[\s.!?]*$`),
	regexp.MustCompile(`^[\s\p{P}\p{S}]+$`),
}

var typeTemplates = map[intent.QuestionType][]weightedPattern{
	intent.TypeYesNo: {
		{regexp.MustCompile(`^(yes|yep|yeah|yup|no|nope|nah|correct|i think so|probably|definitely)\b`), 1.0, "yes/no answer"},
	},
	intent.TypeApproval: {
		{regexp.MustCompile(`\b(approved|go ahead|green ?light|lgtm|denied|rejected|hold off|not yet)\b`), 1.0, "approval verdict"},
	},
	intent.TypeScheduling: {
		{regexp.MustCompile(`\b(today|tomorrow|tonight|monday|tuesday|wednesday|thursday|friday|saturday|sunday|next week|this week)\b`), 1.0, "schedule reference"},
		{regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s?(am|pm)\b`), 1.0, "time of day"},
		{regexp.MustCompile(`\b(at|on|by) \d`), 0.8, "date/time phrase"},
	},
	intent.TypeStatusCheck: {
		{regexp.MustCompile(`\b(done|in progress|almost|nearly|blocked|waiting|still working|finished|wip|halfway|on track)\b`), 1.0, "status phrase"},
	},
	intent.TypeActionRequest: {
		{regexp.MustCompile(`\b(done|sent|will do|on it|handled|taken care of)\b`), 1.0, "action taken"},
	},
	intent.TypeOpinion: {
		{regexp.MustCompile(`\b(i think|i('|’)?d|i would|imo|in my opinion|prefer|my take)\b`), 1.0, "opinion phrase"},
	},
	intent.TypeInfoSeeking: {
		{regexp.MustCompile(`\b(it('|’)?s|it is|you can|you should|located|found|check)\b|https?://`), 0.8, "informative phrase"},
	},
}

// Score computes a 0-1 confidence that candidate c answers question q,
// together with the per-signal breakdown.
func Score(q Question, c Candidate, sctx Context) Result {
	signals := make(map[string]Signal)
	total := 0.0
	add := func(name string, score float64, detail string) {
		signals[name] = Signal{Score: score, Detail: detail}
		total += score
	}

	body := strings.TrimSpace(c.Body)
	lower := strings.ToLower(body)

	if sctx.IsQuotedReply {
		sim := similarity(sctx.QuotedBody, q.Body)
		switch {
		case sim > 0.7:
			add("quoted_reply", quotedReplyWeight, fmt.Sprintf("directly quotes the question (similarity %.2f)", sim))
		case sctx.QuotedSender == q.Sender && sim > 0.3:
			add("quoted_reply", partialQuoteWeight, fmt.Sprintf("quotes the asker (similarity %.2f)", sim))
		}
	}

	if isAnswerAntiPattern(lower) {
		signals["answer_pattern"] = Signal{Score: 0, Detail: "reaction-only message"}
	} else if strength, label := bestPattern(answerPatterns, lower); strength > 0 {
		add("answer_pattern", answerPatternWeight*strength, fmt.Sprintf("matches %s answer pattern", label))
	}

	if len(q.Keywords) > 0 {
		overlap := keywordOverlap(q.Keywords, lower)
		if overlap > 0 {
			add("keyword_overlap", keywordWeight*overlap, fmt.Sprintf("reuses %.0f%% of the question keywords", overlap*100))
		}
	}

	if addressesAsker(lower, q.SenderName) {
		add("addresses_asker", addressesWeight, fmt.Sprintf("mentions the asker (%s)", q.SenderName))
	}

	elapsed := c.Timestamp - q.Timestamp
	switch {
	case elapsed <= 2*60*1000:
		add("time_proximity", 0.2, "within 2 minutes of the question")
	case elapsed <= 10*60*1000:
		add("time_proximity", 0.15, "within 10 minutes of the question")
	case elapsed <= 60*60*1000:
		add("time_proximity", 0.08, "within an hour of the question")
	case elapsed > 4*60*60*1000:
		add("time_proximity", -0.1, "more than 4 hours after the question")
	}

	switch {
	case sctx.MessagesBetween <= 2:
		add("conversation_proximity", 0.15, "2 or fewer messages since the question")
	case sctx.MessagesBetween <= 5:
		add("conversation_proximity", 0.08, "5 or fewer messages since the question")
	}

	if sctx.FromTrackedUser && c.Sender != q.Sender {
		add("manager_reply", managerReplyWeight, "reply from the tracked user")
	}

	switch n := utf8.RuneCountInString(body); {
	case n > 100:
		add("substantive_reply", 0.15, "substantive reply (>100 chars)")
	case n > 30:
		add("substantive_reply", 0.05, "non-trivial reply (>30 chars)")
	}

	if templates, ok := typeTemplates[q.Type]; ok {
		if strength, label := bestPattern(templates, lower); strength > 0 {
			add("type_match", typeMatchWeight*strength, fmt.Sprintf("matches %s template for %s questions", label, q.Type))
		}
	}

	confidence := clamp01(total)
	if c.Sender == q.Sender {
		confidence *= selfReplyFactor
		signals["self_reply"] = Signal{Score: 0, Detail: "sender answered their own question (score scaled by 0.3)"}
	}

	return Result{
		Confidence: math.Round(confidence*100) / 100,
		Signals:    signals,
	}
}

// TopSignal returns the name and detail of the highest-contributing
// signal, used as the human-readable answer reason.
func (r Result) TopSignal() (string, string) {
	bestName := ""
	bestScore := 0.0
	for name, sig := range r.Signals {
		if sig.Score > bestScore || (sig.Score == bestScore && bestName == "") {
			bestName = name
			bestScore = sig.Score
		}
	}
	if bestName == "" {
		return "", ""
	}
	return bestName, r.Signals[bestName].Detail
}

func isAnswerAntiPattern(lower string) bool {
	for _, re := range answerAntiPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

func bestPattern(patterns []weightedPattern, lower string) (float64, string) {
	best := 0.0
	label := ""
	for _, p := range patterns {
		if p.strength > best && p.re.MatchString(lower) {
			best = p.strength
			label = p.label
		}
	}
	return best, label
}

func keywordOverlap(keywords []string, lower string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	tokens := tokenSet(lower)
	matched := 0
	for _, kw := range keywords {
		if _, ok := tokens[kw]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func addressesAsker(lower string, askerName string) bool {
	tokens := tokenSet(lower)
	for _, part := range strings.Fields(strings.ToLower(askerName)) {
		if len(part) < 3 {
			continue
		}
		if _, ok := tokens[part]; ok {
			return true
		}
	}
	return false
}

// similarity is the token-overlap ratio of the two texts against the
// larger token set, so identical texts score 1.0.
func similarity(a, b string) float64 {
	setA := tokenSet(strings.ToLower(a))
	setB := tokenSet(strings.ToLower(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			shared++
		}
	}
	larger := len(setA)
	if len(setB) > larger {
		larger = len(setB)
	}
	return float64(shared) / float64(larger)
}

func tokenSet(lower string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, field := range strings.Fields(lower) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if word != "" {
			set[word] = struct{}{}
		}
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
