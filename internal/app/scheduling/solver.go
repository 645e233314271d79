package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/schedge/backend/internal/app/model"
	"github.com/schedge/backend/internal/app/validate"
	"github.com/schedge/backend/internal/platform/metrics"
)

// ErrSchedulingFailed covers every solver failure: transport errors, a
// non-200 status and a malformed response body.
var ErrSchedulingFailed = errors.New("scheduling failed")

// maxErrorBody bounds how much of a failing solver response ends up in the
// error message.
const maxErrorBody = 4 << 10

type Solver interface {
	Solve(ctx context.Context, tasks []model.Task) ([]model.Slot, error)
}

type SlotValidator interface {
	Validate(obj any, schema string) error
}

// HTTPSolver posts the task list as JSON and expects a 200 response holding
// a JSON array of slots.
type HTTPSolver struct {
	URL       string
	Client    *http.Client
	Validator SlotValidator
}

// NewHTTPSolver builds a solver client. A zero timeout means requests are
// bounded only by the caller's context.
func NewHTTPSolver(url string, timeout time.Duration, v SlotValidator) *HTTPSolver {
	return &HTTPSolver{
		URL:       url,
		Client:    &http.Client{Timeout: timeout},
		Validator: v,
	}
}

func (s *HTTPSolver) Solve(ctx context.Context, tasks []model.Task) ([]model.Slot, error) {
	if tasks == nil {
		tasks = []model.Task{}
	}
	body, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("%w: encode tasks: %v", ErrSchedulingFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrSchedulingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client().Do(req)
	metrics.SolverLatency.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchedulingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: solver returned %d: %s", ErrSchedulingFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var slots []model.Slot
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrSchedulingFailed, err)
	}
	if slots == nil {
		return nil, fmt.Errorf("%w: response is not a slot array", ErrSchedulingFailed)
	}
	if s.Validator != nil {
		for i, slot := range slots {
			if err := s.Validator.Validate(slot, validate.SchemaSlot); err != nil {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrSchedulingFailed, i, err)
			}
		}
	}
	return slots, nil
}

func (s *HTTPSolver) client() *http.Client {
	if s.Client == nil {
		return http.DefaultClient
	}
	return s.Client
}
