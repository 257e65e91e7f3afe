package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/aggregation"
)

// ErrTaskCancelled is returned by Wait when the task was cancelled before
// every page arrived.
var ErrTaskCancelled = errors.New("task cancelled")

// Status tells callers how complete a result is.
type Status uint8

const (
	// StatusNoProblems means every expected page was received.
	StatusNoProblems Status = iota
	// StatusPartialResult means at least one page is missing and at least
	// one was received.
	StatusPartialResult
	// StatusNoResult means no page was received.
	StatusNoResult
)

func (s Status) String() string {
	switch s {
	case StatusNoProblems:
		return "no_problems"
	case StatusPartialResult:
		return "partial_result"
	case StatusNoResult:
		return "no_result"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is what a finalised Task hands back.
type Result struct {
	Status     Status                 `json:"status"`
	Kind       string                 `json:"kind"`
	Pages      int                    `json:"pages"`
	Received   int                    `json:"received"`
	Failed     int                    `json:"failed"`
	Subgrids   int                    `json:"subgrids"`
	Cancelled  bool                   `json:"cancelled"`
	Errors     []string               `json:"errors,omitempty"`
	Aggregator aggregation.Aggregator `json:"-"`
	Summary    *aggregation.Summary   `json:"summary,omitempty"`
	Cells      []CellPasses           `json:"cells,omitempty"`
}

// Task collects the responses of one query. Responses may arrive in any
// order and from any goroutine; duplicates and responses after finalisation
// are ignored. The task finalises exactly once, when every expected page has
// been answered or when it is cancelled.
type Task struct {
	ID   uuid.UUID
	Kind RequestKind

	expected int

	mu        sync.Mutex
	answered  map[int]struct{}
	agg       aggregation.Aggregator
	cells     []CellPasses
	received  int
	failed    int
	subgrids  int
	errs      []string
	cancelled bool
	finalised bool

	once   sync.Once
	done   chan struct{}
	result Result
}

// NewTask creates a task expecting pages responses.
func NewTask(id uuid.UUID, kind RequestKind, cfg aggregation.Config, pages int) *Task {
	t := &Task{
		ID:       id,
		Kind:     kind,
		expected: pages,
		answered: make(map[int]struct{}, pages),
		agg:      aggregation.New(cfg),
		done:     make(chan struct{}),
	}
	if pages == 0 {
		t.finalise()
	}
	return t
}

// Deliver hands a response to the task. It reports whether the response was
// accepted.
func (t *Task) Deliver(resp Response) bool {
	if resp.TaskID != t.ID {
		return false
	}
	t.mu.Lock()
	if !t.accept(resp.Page) {
		t.mu.Unlock()
		return false
	}
	if resp.Err != "" {
		t.failed++
		t.errs = append(t.errs, fmt.Sprintf("page %d: %s", resp.Page, resp.Err))
	} else {
		t.received++
		t.subgrids += resp.Subgrids
		if t.Kind == RequestSummary {
			t.agg = t.agg.AggregateWith(resp.Aggregator)
		}
		t.cells = append(t.cells, resp.Cells...)
	}
	complete := t.received+t.failed == t.expected
	t.mu.Unlock()

	if complete {
		t.finalise()
	}
	return true
}

// Fail records that page could not be computed.
func (t *Task) Fail(page int, err error) bool {
	return t.Deliver(Response{Kind: t.Kind, TaskID: t.ID, Page: page, Err: err.Error()})
}

// accept marks page as answered. Caller holds mu.
func (t *Task) accept(page int) bool {
	if t.finalised || t.cancelled || page < 0 || page >= t.expected {
		return false
	}
	if _, dup := t.answered[page]; dup {
		return false
	}
	t.answered[page] = struct{}{}
	return true
}

// Cancel stops accepting responses and finalises with what has arrived.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.finalised {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.mu.Unlock()
	t.finalise()
}

func (t *Task) finalise() {
	t.once.Do(func() {
		t.mu.Lock()
		t.finalised = true
		res := Result{
			Kind:       t.Kind.String(),
			Pages:      t.expected,
			Received:   t.received,
			Failed:     t.failed,
			Subgrids:   t.subgrids,
			Cancelled:  t.cancelled,
			Errors:     t.errs,
			Aggregator: t.agg,
		}
		switch {
		case t.received == t.expected:
			res.Status = StatusNoProblems
		case t.received > 0:
			res.Status = StatusPartialResult
		default:
			res.Status = StatusNoResult
		}
		if t.Kind == RequestSummary {
			s := t.agg.Summary()
			res.Summary = &s
		}
		if len(t.cells) > 0 {
			cells := append([]CellPasses(nil), t.cells...)
			sort.Slice(cells, func(i, j int) bool {
				if cells[i].CellY != cells[j].CellY {
					return cells[i].CellY < cells[j].CellY
				}
				return cells[i].CellX < cells[j].CellX
			})
			res.Cells = cells
		}
		t.result = res
		t.mu.Unlock()

		close(t.done)
	})
}

// Done is closed once the task has finalised.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finalises or ctx ends. A cancelled task returns
// its partial result together with ErrTaskCancelled.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if t.result.Cancelled {
		return t.result, ErrTaskCancelled
	}
	return t.result, nil
}
