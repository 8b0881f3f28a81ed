package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"quiz-attempt-client/internal/domain"
)

// Config configures the quiz runner client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client talks to the quiz runner REST API and implements
// app.RemoteAttemptService.
type Client struct {
	baseURL  string
	http     *http.Client
	log      zerolog.Logger
	validate *validator.Validate
	sf       singleflight.Group
}

func New(cfg Config, log zerolog.Logger) *Client {
	h := cfg.HTTPClient
	if h == nil {
		h = &http.Client{}
	}
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     h,
		log:      log.With().Str("component", "remote_client").Logger(),
		validate: validator.New(),
	}
}

type attemptPayload struct {
	AttemptID     int64             `json:"attemptId" validate:"gt=0"`
	AttemptNumber int               `json:"attemptNumber" validate:"gte=1"`
	Deadline      string            `json:"deadline" validate:"required"`
	Questions     []domain.Question `json:"questions" validate:"required,min=1,dive"`
}

type submitPayload struct {
	Answers []domain.Answer `json:"answers"`
	UserID  int64           `json:"userId"`
}

func (c *Client) StartAttempt(ctx context.Context, userID int64) (domain.Attempt, error) {
	const op = "start attempt"
	var out attemptPayload
	err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		path:     "/api/attempts/start",
		body:     map[string]int64{"userId": userID},
		notFound: domain.ErrUserNotFound,
		out:      &out,
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	if err := c.validate.Struct(out); err != nil {
		return domain.Attempt{}, invalidResponse(op, err)
	}
	deadline, err := parseTimestamp(out.Deadline)
	if err != nil {
		return domain.Attempt{}, invalidResponse(op, err)
	}
	return domain.Attempt{
		ID:        out.AttemptID,
		Number:    out.AttemptNumber,
		Deadline:  deadline,
		Questions: out.Questions,
	}, nil
}

// GetStatus coalesces concurrent queries for the same user into one request.
func (c *Client) GetStatus(ctx context.Context, userID int64) (domain.AttemptStatus, error) {
	key := strconv.FormatInt(userID, 10)
	result, err, shared := c.sf.Do(key, func() (interface{}, error) {
		var out domain.AttemptStatus
		err := c.do(ctx, call{
			op:       "attempt status",
			method:   http.MethodGet,
			path:     "/api/attempts/status/" + key,
			notFound: domain.ErrUserNotFound,
			out:      &out,
		})
		return out, err
	})
	if shared {
		c.log.Debug().Int64("user_id", userID).Msg("Shared in-flight status query")
	}
	if err != nil {
		return domain.AttemptStatus{}, err
	}
	return result.(domain.AttemptStatus), nil
}

// Submit sends the answers with the attempt as idempotency key so a retried
// expiry submission is recognisable server-side.
func (c *Client) Submit(ctx context.Context, attemptID, userID int64, answers []domain.Answer) (domain.SubmitResult, error) {
	if answers == nil {
		answers = []domain.Answer{}
	}
	var out domain.SubmitResult
	err := c.do(ctx, call{
		op:       "submit attempt",
		method:   http.MethodPost,
		path:     "/api/attempts/" + strconv.FormatInt(attemptID, 10) + "/submit",
		body:     submitPayload{Answers: answers, UserID: userID},
		headers:  map[string]string{"Idempotency-Key": "attempt-" + strconv.FormatInt(attemptID, 10)},
		notFound: domain.ErrAttemptNotFound,
		out:      &out,
	})
	if err != nil {
		return domain.SubmitResult{}, err
	}
	return out, nil
}

// QuizInfo fetches the public quiz configuration.
func (c *Client) QuizInfo(ctx context.Context) (domain.QuizInfo, error) {
	var out domain.QuizInfo
	err := c.do(ctx, call{op: "quiz info", method: http.MethodGet, path: "/api/config", out: &out})
	return out, err
}

type call struct {
	op       string
	method   string
	path     string
	body     any
	headers  map[string]string
	notFound error
	out      any
}

func (c *Client) do(ctx context.Context, cl call) error {
	var body io.Reader
	if cl.body != nil {
		raw, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", cl.op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", cl.op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("op", cl.op).Str("request_id", requestID).Msg("Request failed")
		return &domain.RemoteError{Op: cl.op, Detail: err.Error()}
	}
	defer res.Body.Close()
	c.log.Debug().
		Str("op", cl.op).
		Str("request_id", requestID).
		Int("status", res.StatusCode).
		Dur("took", time.Since(started)).
		Msg("Request done")

	if res.StatusCode/100 != 2 {
		return &domain.RemoteError{
			Op:         cl.op,
			StatusCode: res.StatusCode,
			Detail:     readDetail(res),
			Kind:       classify(res.StatusCode, cl.notFound),
		}
	}
	if cl.out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(cl.out); err != nil {
		return invalidResponse(cl.op, err)
	}
	return nil
}

func classify(status int, notFound error) error {
	switch status {
	case http.StatusNotFound:
		return notFound
	case http.StatusForbidden:
		return domain.ErrAttemptLimitReached
	case http.StatusBadRequest:
		return domain.ErrAttemptClosed
	default:
		return nil
	}
}

// readDetail extracts the error detail the quiz runner sends as {"detail": ...}.
func readDetail(res *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var text string
		if err := json.Unmarshal(body.Detail, &text); err == nil {
			return text
		}
		return string(body.Detail)
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return res.Status
}

func invalidResponse(op string, err error) error {
	return &domain.RemoteError{Op: op, Detail: "invalid response: " + err.Error()}
}

// parseTimestamp accepts RFC 3339 and offset-less ISO timestamps, the latter
// taken as UTC.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse deadline %q: %w", raw, err)
	}
	return t, nil
}
