package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/oauthlab/oidcflow/oidc"
)

// ErrStale is returned by ResumeFromPersisted when the persisted progress
// is older than the staleness window.  Stale artifacts are discarded and
// the flow restarts at step zero rather than replaying them.
var ErrStale = errors.New("persisted flow progress is stale")

// ErrStepOutOfOrder is returned by Advance when the reported step isn't the
// machine's current step.
var ErrStepOutOfOrder = errors.New("step result is out of order")

// DefaultStalenessWindow is how old persisted progress may be before
// ResumeFromPersisted refuses to use it.
const DefaultStalenessWindow = 10 * time.Minute

const progressKeyPrefix = "progress/"

// Status is the single projection of a flow's progress that callers (a UI
// layer, typically) are meant to depend on.
type Status struct {
	// Step is the index of the next step to run.
	Step int

	// IsComplete is true once a final StepResult has been applied.
	IsComplete bool

	// LastError is the most recent step failure, cleared by the next
	// successful Advance or by Reset.
	LastError error

	// Tokens holds the flow's token set once a step has produced one.
	Tokens oidc.Token
}

// StepResult reports the outcome of running one flow step.
type StepResult struct {
	// Step is the index of the step that ran.  It must equal the machine's
	// current step.
	Step int

	// Err is the step's failure, if any.  A failed step doesn't advance the
	// machine.
	Err error

	// Tokens is the token set the step produced, if any.  Tokens are owned
	// by this flow instance and are never merged across flows.
	Tokens oidc.Token

	// Final marks the flow complete after this step.
	Final bool
}

// persistedProgress is the storage form of a flow's progress.  Tokens are
// deliberately not part of it.
type persistedProgress struct {
	InstanceID string       `json:"instance_id"`
	Step       int          `json:"step"`
	Completed  map[int]bool `json:"completed,omitempty"`
	Complete   bool         `json:"complete,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// StateMachine sequences one flow's steps and persists its progress under
// the flow key, so a restart resumes at the same step instead of starting
// over.  Exactly one flow instance is live per machine: Reset (and a stale
// resume) mints a new instance id, which is how late results belonging to
// an abandoned instance get rejected.
type StateMachine struct {
	flowKey   string
	storer    Storer
	creds     *Store
	window    time.Duration
	nowFunc   func() time.Time
	logger    hclog.Logger
	mu        sync.Mutex
	instance  string
	step      int
	completed map[int]bool
	complete  bool
	lastErr   error
	tokens    oidc.Token
}

// NewStateMachine creates a StateMachine for flowKey on top of the given
// Storer.  It starts a fresh flow instance at step zero; use
// ResumeFromPersisted to pick up prior progress.
//
// Supported options: WithStalenessWindow, WithNowFunc, WithCredentialStore,
// WithFlowLogger
func NewStateMachine(flowKey string, storer Storer, opt ...Option) (*StateMachine, error) {
	const op = "flow.NewStateMachine"
	if flowKey == "" {
		return nil, fmt.Errorf("%s: missing flow key: %w", op, oidc.ErrInvalidParameter)
	}
	if storer == nil {
		return nil, fmt.Errorf("%s: storer is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getOpts(opt...)
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate flow instance id: %w", op, err)
	}
	sm := &StateMachine{
		flowKey:   flowKey,
		storer:    storer,
		creds:     opts.withCredentialStore,
		window:    opts.withStalenessWindow,
		nowFunc:   opts.withNowFunc,
		logger:    opts.withLogger,
		instance:  id,
		completed: map[int]bool{},
	}
	return sm, nil
}

func (sm *StateMachine) now() time.Time {
	if sm.nowFunc != nil {
		return sm.nowFunc()
	}
	return time.Now()
}

// persist writes the current progress.  Callers must hold sm.mu.
func (sm *StateMachine) persist() error {
	p := persistedProgress{
		InstanceID: sm.instance,
		Step:       sm.step,
		Completed:  sm.completed,
		Complete:   sm.complete,
		UpdatedAt:  sm.now(),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return sm.storer.Set(progressKeyPrefix+sm.flowKey, raw)
}

// Advance applies the outcome of running the current step.  A result for
// any other step returns ErrStepOutOfOrder and changes nothing.  A failed
// step records the error in Status and stays put; a successful one marks
// the step complete, moves to the next and persists the progress.
func (sm *StateMachine) Advance(res StepResult) error {
	const op = "StateMachine.Advance"
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if res.Step != sm.step {
		return fmt.Errorf("%s: got step %d, current step is %d: %w", op, res.Step, sm.step, ErrStepOutOfOrder)
	}
	if res.Err != nil {
		sm.lastErr = res.Err
		if sm.logger != nil {
			sm.logger.Debug("flow step failed", "flow", sm.flowKey, "step", res.Step, "err", res.Err.Error())
		}
		return nil
	}
	sm.lastErr = nil
	sm.completed[res.Step] = true
	sm.step = res.Step + 1
	if res.Tokens != nil {
		sm.tokens = res.Tokens
	}
	if res.Final {
		sm.complete = true
	}
	if err := sm.persist(); err != nil {
		return fmt.Errorf("%s: unable to persist progress: %w", op, err)
	}
	return nil
}

// ResumeFromPersisted loads the flow's persisted progress.  Progress older
// than the staleness window is discarded: the machine stays at step zero
// with a fresh instance id, the stale record is overwritten, and ErrStale
// is returned so the caller can tell the difference from a clean start.
// Malformed persisted JSON is treated as absent.
func (sm *StateMachine) ResumeFromPersisted() error {
	const op = "StateMachine.ResumeFromPersisted"
	sm.mu.Lock()
	defer sm.mu.Unlock()

	raw, ok, err := sm.storer.Get(progressKeyPrefix + sm.flowKey)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil
	}
	var p persistedProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	if sm.window > 0 && sm.now().Sub(p.UpdatedAt) > sm.window {
		if err := sm.persist(); err != nil {
			return fmt.Errorf("%s: unable to overwrite stale progress: %w", op, err)
		}
		return fmt.Errorf("%s: progress last written %s: %w", op, p.UpdatedAt.Format(time.RFC3339), ErrStale)
	}
	sm.instance = p.InstanceID
	sm.step = p.Step
	sm.complete = p.Complete
	sm.completed = p.Completed
	if sm.completed == nil {
		sm.completed = map[int]bool{}
	}
	return nil
}

// Reset clears tokens, step progress and the last error, mints a new flow
// instance id and persists the cleared progress.  Credentials are kept
// unless WithFullReset is passed (which requires the machine to have been
// built WithCredentialStore).
func (sm *StateMachine) Reset(opt ...Option) error {
	const op = "StateMachine.Reset"
	opts := getOpts(opt...)
	sm.mu.Lock()
	defer sm.mu.Unlock()

	id, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("%s: unable to generate flow instance id: %w", op, err)
	}
	sm.instance = id
	sm.step = 0
	sm.completed = map[int]bool{}
	sm.complete = false
	sm.lastErr = nil
	sm.tokens = nil
	if err := sm.persist(); err != nil {
		return fmt.Errorf("%s: unable to persist progress: %w", op, err)
	}
	if opts.withFullReset {
		if sm.creds == nil {
			return fmt.Errorf("%s: full reset requires a credential store: %w", op, oidc.ErrNilParameter)
		}
		if err := sm.creds.Clear(sm.flowKey); err != nil {
			return fmt.Errorf("%s: unable to clear credentials: %w", op, err)
		}
	}
	return nil
}

// InstanceID returns the live flow instance's id.  Results produced under
// an older id (before a Reset) belong to an abandoned instance.
func (sm *StateMachine) InstanceID() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.instance
}

// Status returns the flow's current status projection.
func (sm *StateMachine) Status() Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return Status{
		Step:       sm.step,
		IsComplete: sm.complete,
		LastError:  sm.lastErr,
		Tokens:     sm.tokens,
	}
}

// StepCompleted reports whether the given step has been completed in the
// live flow instance.
func (sm *StateMachine) StepCompleted(step int) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.completed[step]
}
