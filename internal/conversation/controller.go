// Package conversation owns the transcript of one page load and the lifecycle
// of each outgoing message to the chat endpoint.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/beatdown/internal/domain"
	"github.com/ashureev/beatdown/internal/ledger"
)

// State is the send lifecycle of a controller.
type State int

const (
	// StateIdle means no request is outstanding.
	StateIdle State = iota
	// StateSending means the guard passed and local side effects are being applied.
	StateSending
	// StateAwaitingResponse means a request to the chat endpoint is in flight.
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a send is outstanding.
func (s State) Busy() bool {
	return s != StateIdle
}

// RejectReason explains a silently rejected send.
type RejectReason string

const (
	RejectEmptyInput     RejectReason = "empty_input"
	RejectAlreadySending RejectReason = "already_sending"
	RejectNoCredits      RejectReason = "no_credits"
)

// failureNotice is the visible transcript entry appended when a round-trip fails.
const failureNotice = "Something went wrong reaching Beatdown.ai. Please try again."

// Ledger is the subset of the credit ledger the controller needs.
type Ledger interface {
	Balance() int
	Adjust(ctx context.Context, delta int) (int, error)
}

// Endpoint issues one chat round-trip.
type Endpoint interface {
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error)
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Messages []domain.Message `json:"messages"`
	Input    string           `json:"input"`
	State    State            `json:"state"`
	Credits  int              `json:"credits"`
	ThreadID string           `json:"threadId,omitempty"`
}

// Event is delivered to subscribers after every change. Message is set when
// the change appended a transcript entry.
type Event struct {
	Message  *domain.Message
	Snapshot Snapshot
}

// Outcome reports what happened to one send attempt.
type Outcome struct {
	Accepted bool
	Reason   RejectReason
	Reply    *domain.ChatReply
	Err      error // round-trip failure, already recorded in the transcript
}

// Controller holds the session state of one page load.
type Controller struct {
	ledger   Ledger
	endpoint Endpoint
	logger   *slog.Logger

	mu       sync.Mutex
	messages []domain.Message
	input    string
	state    State
	threadID string

	subMu     sync.Mutex
	subs      map[int]func(Event)
	nextSubID int
}

// New creates an idle controller with an empty transcript.
func New(l Ledger, endpoint Endpoint, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		ledger:   l,
		endpoint: endpoint,
		logger:   logger,
		subs:     make(map[int]func(Event)),
	}
}

// SetInput replaces the pending input. Typing is allowed while a send is outstanding.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
	c.publish(nil)
}

// Notify publishes the current snapshot, e.g. after the ledger changed outside a send.
func (c *Controller) Notify() {
	c.publish(nil)
}

// Input returns the pending input.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// State returns the current send state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ThreadID returns the conversation thread assigned by the endpoint, if any.
func (c *Controller) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	msgs := make([]domain.Message, len(c.messages))
	copy(msgs, c.messages)
	return Snapshot{
		Messages: msgs,
		Input:    c.input,
		State:    c.state,
		Credits:  c.ledger.Balance(),
		ThreadID: c.threadID,
	}
}

// SendText sets the pending input to text and sends it. Setting the input and
// admitting the send happen atomically, so concurrent callers each send their
// own text or are rejected.
func (c *Controller) SendText(ctx context.Context, text string) (Outcome, error) {
	c.mu.Lock()
	c.input = text
	reason := c.beginLocked(text)
	c.mu.Unlock()
	c.publish(nil)

	if reason != "" {
		return Outcome{Reason: reason}, nil
	}
	return c.dispatch(ctx, text)
}

// Send submits the pending input. Rejections are silent: the returned Outcome
// names the reason and nothing else changes. The returned error is non-nil only
// when the credit debit could not be persisted, in which case nothing changes
// either. A failed round-trip is not an error here; it is reported in
// Outcome.Err and as an error entry in the transcript.
func (c *Controller) Send(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	input := c.input
	reason := c.beginLocked(input)
	c.mu.Unlock()

	if reason != "" {
		return Outcome{Reason: reason}, nil
	}
	return c.dispatch(ctx, input)
}

// beginLocked runs the admission guard on input and, when it passes, moves the
// controller to Sending. c.mu must be held.
func (c *Controller) beginLocked(input string) RejectReason {
	switch {
	case input == "":
		return RejectEmptyInput
	case c.state.Busy():
		return RejectAlreadySending
	case c.ledger.Balance() <= 0:
		return RejectNoCredits
	}
	c.state = StateSending
	return ""
}

// dispatch debits one credit and performs the round-trip for an admitted send.
// The debit runs without c.mu so input and snapshots stay available during
// store I/O; the Sending state keeps other sends out.
func (c *Controller) dispatch(ctx context.Context, input string) (Outcome, error) {
	if _, err := c.ledger.Adjust(ctx, -1); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()

		if errors.Is(err, ledger.ErrInsufficientCredits) {
			// Another tab spent the last credit; the mirror now shows it.
			c.publish(nil)
			return Outcome{Reason: RejectNoCredits}, nil
		}
		return Outcome{}, fmt.Errorf("debit credit: %w", err)
	}

	userMsg := domain.UserMessage(input)

	c.mu.Lock()
	c.messages = append(c.messages, userMsg)
	c.input = ""
	req := domain.ChatRequest{Input: input}
	if c.threadID != "" {
		threadID := c.threadID
		req.ThreadID = &threadID
	}
	c.state = StateAwaitingResponse
	c.mu.Unlock()
	c.publish(&userMsg)

	reply, err := c.roundTrip(ctx, req)
	return c.apply(reply, err), nil
}

// roundTrip calls the endpoint, converting a panic into an error so the
// controller always returns to idle.
func (c *Controller) roundTrip(ctx context.Context, req domain.ChatRequest) (reply *domain.ChatReply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chat endpoint panicked: %v", r)
		}
	}()
	reply, err = c.endpoint.Chat(ctx, req)
	if err == nil && reply == nil {
		err = errors.New("chat endpoint returned no reply")
	}
	return reply, err
}

func (c *Controller) apply(reply *domain.ChatReply, err error) Outcome {
	var appended *domain.Message

	c.mu.Lock()
	if err != nil {
		c.logger.Warn("Chat round-trip failed", "error", err, "thread_id", c.threadID)
		msg := domain.ErrorMessage(failureNotice)
		c.messages = append(c.messages, msg)
		appended = &msg
	} else {
		if reply.HasThread() {
			c.threadID = reply.ThreadID
		}
		if reply.HasResponse() {
			msg := domain.AssistantMessage(reply.Response)
			c.messages = append(c.messages, msg)
			appended = &msg
		}
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.publish(appended)
	return Outcome{Accepted: true, Reply: reply, Err: err}
}

// Subscribe registers fn for change events and returns a function that removes it.
// fn is called synchronously from the goroutine that made the change.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Subscribers returns the number of registered subscribers.
func (c *Controller) Subscribers() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

func (c *Controller) publish(msg *domain.Message) {
	c.subMu.Lock()
	if len(c.subs) == 0 {
		c.subMu.Unlock()
		return
	}
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	ev := Event{Message: msg, Snapshot: c.Snapshot()}
	for _, fn := range fns {
		fn(ev)
	}
}
