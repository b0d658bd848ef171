package aiqueue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
)

// Request is one message submitted for classification.
type Request struct {
	Body        string
	Sender      string
	ChatName    string
	IsGroupChat bool
}

// Result is one normalized classification from the service.
type Result struct {
	Intent       string
	QuestionType string
	Priority     string
	Confidence   float64
	IsActionable bool
	Summary      string
}

const IntentQuestion = "question"

// serviceError wraps a failed service call with enough shape for the
// retry policy: throttling and overload are transient, everything else
// is permanent.
type serviceError struct {
	status     int
	timeout    bool
	retryAfter time.Duration
	cause      error
}

func (e *serviceError) Error() string {
	if e.timeout {
		return fmt.Sprintf("classification service timeout: %v", e.cause)
	}
	return fmt.Sprintf("classification service error (status %d): %v", e.status, e.cause)
}

func (e *serviceError) Unwrap() error {
	return e.cause
}

func (e *serviceError) transient() bool {
	return e.timeout || e.status == 429 || e.status >= 500
}

// Transient reports whether err should be retried with backoff and, for
// throttling responses, the service-suggested delay (zero if none).
func Transient(err error) (bool, time.Duration) {
	var se *serviceError
	if errors.As(err, &se) {
		return se.transient(), se.retryAfter
	}
	return false, 0
}

// BatchClassifier is the external classification service contract.
type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, reqs []Request) ([]Result, error)
}

type Client struct {
	api     openai.Client
	model   string
	timeout time.Duration
}

func NewClient(model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		api:     openai.NewClient(),
		model:   model,
		timeout: timeout,
	}
}

const systemPrompt = "You classify group-chat messages for a small operations team. " +
	"You only ever reply with a JSON array, no prose and no code fences."

func (c *Client) ClassifyBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(reqs)),
		},
	}, option.WithRequestTimeout(c.timeout))
	if err != nil {
		return nil, wrapServiceError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion response")
	}
	return parseResults(resp.Choices[0].Message.Content, len(reqs))
}

func buildPrompt(reqs []Request) string {
	var b strings.Builder
	b.WriteString("Classify each message below.\n")
	b.WriteString("Return a JSON array with exactly one element per message, same order.\n")
	b.WriteString("Element schema:\n")
	b.WriteString(`{"intent":"question|statement|reaction|other","question_type":"yes_no|approval|scheduling|status_check|action_request|opinion|info_seeking|general","priority":"low|normal|high|urgent","confidence":0.0,"is_actionable":true,"summary":"short"}`)
	b.WriteString("\n\nmessages:\n")
	for i, r := range reqs {
		scope := "direct"
		if r.IsGroupChat {
			scope = "group"
		}
		b.WriteString(fmt.Sprintf("%d. [%s chat %q] %s: %s\n", i+1, scope, r.ChatName, r.Sender, r.Body))
	}
	return b.String()
}

func wrapServiceError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		se := &serviceError{status: apiErr.StatusCode, cause: err}
		if apiErr.Response != nil {
			if ra := strings.TrimSpace(apiErr.Response.Header.Get("Retry-After")); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil && secs > 0 {
					se.retryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return se
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &serviceError{timeout: true, cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &serviceError{timeout: true, cause: err}
	}
	return err
}

// parseResults tolerates the array being wrapped in prose or fences but
// rejects anything that is not a same-length array.
func parseResults(raw string, want int) ([]Result, error) {
	payload := extractJSONArray(raw)
	if payload == "" {
		return nil, fmt.Errorf("no json array in response")
	}
	parsed := gjson.Parse(payload)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("response is not an array")
	}
	items := parsed.Array()
	if len(items) != want {
		return nil, fmt.Errorf("expected %d results, got %d", want, len(items))
	}
	out := make([]Result, 0, want)
	for _, item := range items {
		out = append(out, normalizeResult(item))
	}
	return out, nil
}

func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func normalizeResult(item gjson.Result) Result {
	r := Result{
		Intent:       "unknown",
		QuestionType: "general",
		Priority:     "normal",
	}
	if v := item.Get("intent"); v.Exists() && strings.TrimSpace(v.String()) != "" {
		r.Intent = strings.ToLower(strings.TrimSpace(v.String()))
	}
	if v := item.Get("question_type"); v.Exists() && strings.TrimSpace(v.String()) != "" {
		r.QuestionType = strings.ToLower(strings.TrimSpace(v.String()))
	}
	if v := item.Get("priority"); v.Exists() && strings.TrimSpace(v.String()) != "" {
		r.Priority = strings.ToLower(strings.TrimSpace(v.String()))
	}
	if v := item.Get("confidence"); v.Exists() {
		conf := v.Float()
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		r.Confidence = conf
	}
	r.IsActionable = item.Get("is_actionable").Bool()
	r.Summary = strings.TrimSpace(item.Get("summary").String())
	return r
}
