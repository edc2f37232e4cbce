package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"biosure-backend/models"

	"github.com/google/uuid"
)

// HandlerGeneral is the name of the fallback handler
const HandlerGeneral = "general"

const (
	stillWorkingReply = "I'm still working on that. Please try again in a moment."
	apologyReply      = "Sorry, something went wrong while handling your request. Please try again later."
)

// QueryRequest is what a handler receives for one dispatch
type QueryRequest struct {
	Text      string
	Match     *models.IntentMatch
	SessionID string
	History   []models.ChatMessage
}

// QueryHandler answers one matched request
type QueryHandler interface {
	Handle(ctx context.Context, req QueryRequest) (*models.Reply, error)
}

// QueryHandlerFunc adapts a function to QueryHandler
type QueryHandlerFunc func(ctx context.Context, req QueryRequest) (*models.Reply, error)

// Handle implements QueryHandler
func (f QueryHandlerFunc) Handle(ctx context.Context, req QueryRequest) (*models.Reply, error) {
	return f(ctx, req)
}

// Matcher returns a match for text or nil
type Matcher func(text string) *models.IntentMatch

// Route pairs a matcher with the handler it selects
type Route struct {
	Name    string
	Match   Matcher
	Handler QueryHandler
}

// RegexMatcher builds a matcher from patterns tried in order. Named groups
// become match parameters.
func RegexMatcher(name string, patterns []string) (Matcher, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("intent %s: invalid pattern %q: %w", name, p, err)
		}
		compiled = append(compiled, re)
	}
	return func(text string) *models.IntentMatch {
		for _, re := range compiled {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			params := map[string]string{}
			for i, group := range re.SubexpNames() {
				if group != "" && m[i] != "" {
					params[group] = strings.TrimSpace(m[i])
				}
			}
			return &models.IntentMatch{HandlerName: name, Params: params}
		}
		return nil
	}, nil
}

// DispatchRequest is one inbound chat message
type DispatchRequest struct {
	Text      string
	SessionID string
	History   []models.ChatMessage
}

// DispatchResponse is the dispatcher's answer to one message
type DispatchResponse struct {
	Reply        models.Reply `json:"reply"`
	SessionID    string       `json:"session_id"`
	TimestampUTC time.Time    `json:"timestamp_utc"`
	TimedOut     bool         `json:"timed_out,omitempty"`
}

// Dispatcher routes free-text requests to the first matching handler
type Dispatcher struct {
	routes   []Route
	fallback QueryHandler
	timeout  time.Duration
	maxChars int
	audit    *AuditLog
	clock    Clock
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// DispatcherWithRoute appends a route. Routes are evaluated in the order added.
func DispatcherWithRoute(name string, match Matcher, handler QueryHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.routes = append(d.routes, Route{Name: name, Match: match, Handler: handler})
	}
}

// DispatcherWithFallback sets the handler used when no route matches
func DispatcherWithFallback(handler QueryHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.fallback = handler
	}
}

// DispatcherWithTimeout sets the overall per-request deadline
func DispatcherWithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// DispatcherWithMaxChars sets the longest accepted message
func DispatcherWithMaxChars(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxChars = n
	}
}

// DispatcherWithAuditLog sets the compliance audit log
func DispatcherWithAuditLog(audit *AuditLog) DispatcherOption {
	return func(d *Dispatcher) {
		d.audit = audit
	}
}

// DispatcherWithClock sets the clock used for response timestamps
func DispatcherWithClock(clock Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// DispatcherWithLogger sets the logger
func DispatcherWithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		timeout:  25 * time.Second,
		maxChars: 1000,
		clock:    RealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.fallback == nil {
		d.fallback = NewGeneralHandler()
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Match returns the handler name, handler and match for text. The first
// matching route wins; otherwise the fallback is selected.
func (d *Dispatcher) Match(text string) (string, QueryHandler, *models.IntentMatch) {
	for _, r := range d.routes {
		if m := r.Match(text); m != nil {
			m.HandlerName = r.Name
			return r.Name, r.Handler, m
		}
	}
	return HandlerGeneral, d.fallback, &models.IntentMatch{HandlerName: HandlerGeneral, Params: map[string]string{}}
}

// Dispatch validates the request, runs the selected handler under the
// overall deadline and audits the outcome. Handler failures never reach the
// caller; only request validation errors and caller cancellation do.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResponse, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if d.maxChars > 0 && utf8.RuneCountInString(text) > d.maxChars {
		return nil, &ValidationError{Field: "text", Reason: fmt.Sprintf("must be at most %d characters", d.maxChars)}
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, err := uuid.Parse(sessionID); err != nil {
		return nil, &ValidationError{Field: "session_id", Reason: "must be a UUID", Err: err}
	}

	name, handler, match := d.Match(text)
	logCtx := d.logger.With("sessionId", sessionID, "handler", name)

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		reply *models.Reply
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logCtx.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("handler %s panicked: %v", name, r)}
			}
		}()
		reply, err := handler.Handle(hctx, QueryRequest{
			Text:      text,
			Match:     match,
			SessionID: sessionID,
			History:   req.History,
		})
		done <- outcome{reply: reply, err: err}
	}()

	resp := &DispatchResponse{SessionID: sessionID}
	auditIn := map[string]any{"text": text, "session_id": sessionID, "params": match.Params}

	// A result already delivered wins over a deadline that fired with it
	var res outcome
	select {
	case res = <-done:
	case <-hctx.Done():
		select {
		case res = <-done:
		default:
			res = outcome{err: context.DeadlineExceeded}
		}
	}
	if err := ctx.Err(); err != nil {
		d.audit.Record(ctx, name, "dispatch", auditIn, nil, err)
		return nil, err
	}
	// A handler that failed once its deadline had passed timed out, whatever it returned
	if res.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && !errors.Is(res.err, context.DeadlineExceeded) {
		res.err = fmt.Errorf("%w: %v", context.DeadlineExceeded, res.err)
	}
	if errors.Is(res.err, context.DeadlineExceeded) {
		logCtx.Warn("dispatch deadline exceeded", "timeout", d.timeout)
	}

	switch {
	case res.err == nil && res.reply != nil:
		resp.Reply = *res.reply
	case errors.Is(res.err, context.DeadlineExceeded):
		resp.Reply = models.Reply{Text: stillWorkingReply}
		resp.TimedOut = true
	case res.err != nil && IsUserFacing(res.err):
		resp.Reply = models.Reply{Text: userMessage(res.err)}
	case res.err != nil:
		logCtx.Error("handler failed", "error", res.err)
		resp.Reply = models.Reply{Text: apologyReply}
	default:
		res.err = fmt.Errorf("handler %s returned no reply", name)
		resp.Reply = models.Reply{Text: apologyReply}
	}
	resp.Reply.Handler = name
	resp.TimestampUTC = d.clock.Now().UTC()

	d.audit.Record(ctx, name, "dispatch", auditIn, resp.Reply, res.err)
	return resp, nil
}

func userMessage(err error) string {
	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return fmt.Sprintf("I couldn't find %s %q.", nfErr.Kind, nfErr.Key)
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return fmt.Sprintf("I couldn't use that request: %s %s.", vErr.Field, vErr.Reason)
	}
	return err.Error()
}
