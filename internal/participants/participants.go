// Package participants provides pre-save transforms for working copies.
package participants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"docsync/internal/logging"
	"docsync/internal/workingcopy"
)

// DefaultTimeout bounds a single participant when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Participant transforms a working copy right before it is written.
type Participant interface {
	Name() string
	Participate(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error
}

// Options configures a Runner.
type Options struct {
	// Exclude holds doublestar globs, relative to the workspace root, of
	// resources no participant touches.
	Exclude []string
	Timeout time.Duration
}

// Runner runs participants in order.
type Runner struct {
	participants []Participant
	exclude      []string
	timeout      time.Duration
}

var _ workingcopy.ParticipantRunner = (*Runner)(nil)

// NewRunner validates the exclude globs and returns a runner.
func NewRunner(opts Options, participants ...Participant) (*Runner, error) {
	for _, pattern := range opts.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid participant exclude pattern %q", pattern)
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{participants: participants, exclude: opts.Exclude, timeout: timeout}, nil
}

func (r *Runner) HasParticipants() bool {
	return len(r.participants) > 0
}

func (r *Runner) excluded(resource string) bool {
	rel := strings.TrimPrefix(resource, "/")
	for _, pattern := range r.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// RunSaveParticipants runs every participant with its own timeout. The
// first failure ends the phase. Cancellation of ctx is reported as
// context.Canceled so the save skips its write.
func (r *Runner) RunSaveParticipants(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
	if r.excluded(target.Resource()) {
		logging.Debugf("Save participants skipped for excluded %s", target.Resource())
		return nil
	}

	for _, p := range r.participants {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("save participants of %s: %w", target.Resource(), context.Canceled)
		}

		start := time.Now()
		err := r.run(ctx, p, target, sc)
		logging.Debugf("Participant %s on %s took %v", p.Name(), target.Resource(), time.Since(start))
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("participant %s: %w", p.Name(), context.Canceled)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Warnf("Participant %s timed out after %v on %s", p.Name(), r.timeout, target.Resource())
		}
		return fmt.Errorf("participant %s: %w", p.Name(), err)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, p Participant, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return p.Participate(pctx, target, sc)
}
