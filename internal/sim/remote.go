// Package sim is an in-memory stand-in for the remote report, evaluation
// and hierarchy API, with configurable latency and read-after-write lag,
// plus a scenario runner that drives a Coordinator against it.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/scopecache"
	"github.com/unkn0wn-root/scopecache/stats"
)

var (
	ErrNotFound       = errors.New("sim: not found")
	ErrNotEvaluated   = errors.New("sim: task has no evaluation")
	ErrInvalidPayload = errors.New("sim: invalid payload")
	ErrUnsupported    = errors.New("sim: unsupported mutation")
	ErrUnavailable    = errors.New("sim: service unavailable")
	ErrBadToken       = errors.New("sim: malformed consistency token")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var departments = []string{"Sales", "Support", "Engineering", ""}

type Options struct {
	Clock     clockwork.Clock // nil => real clock
	ReadLag   time.Duration   // delay before a write is visible to reads
	Latency   time.Duration   // per call
	Tokens    bool            // return consistency tokens and accept WaitVisible
	Manager   string          // sees the whole organisation; default "m01"
	Employees int             // default 12
	Week      int             // current week; default 12
	Year      int             // default 2024
	Weeks     int             // weeks of history including the current one; default 2
	Seed      int64
}

// op is one write. It runs first against the committed state and, once the
// read lag has passed, against the visible state, so it must be deterministic.
type op func(*state) (any, error)

type pendingWrite struct {
	visibleAt time.Time
	apply     op
}

// Remote is safe for concurrent use.
type Remote struct {
	clock   clockwork.Clock
	readLag time.Duration
	latency time.Duration
	tokens  bool
	manager string
	roster  []Employee

	mu        sync.Mutex
	committed *state
	visible   *state
	pending   []pendingWrite
	written   []time.Time // visibleAt by write sequence - 1
	failReads int
	reads     atomic.Int64
	writes    atomic.Int64
}

func New(opts Options) *Remote {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Manager == "" {
		opts.Manager = "m01"
	}
	if opts.Employees <= 0 {
		opts.Employees = 12
	}
	if opts.Week <= 0 {
		opts.Week = 12
	}
	if opts.Year <= 0 {
		opts.Year = 2024
	}
	if opts.Weeks <= 0 {
		opts.Weeks = 2
	}

	r := &Remote{
		clock:   opts.Clock,
		readLag: opts.ReadLag,
		latency: opts.Latency,
		tokens:  opts.Tokens,
		manager: opts.Manager,
	}
	rng := rand.New(rand.NewPCG(uint64(opts.Seed), 0x5eed))
	st := newState()
	for i := 0; i < opts.Employees; i++ {
		e := Employee{
			ID:         fmt.Sprintf("e%02d", i+1),
			Name:       fmt.Sprintf("Employee %02d", i+1),
			Department: departments[i%len(departments)],
		}
		r.roster = append(r.roster, e)
		for w := opts.Week - opts.Weeks + 1; w <= opts.Week; w++ {
			// the first employee always reports so scenarios have a subject
			if i > 0 && rng.IntN(6) == 0 {
				continue
			}
			seedReport(st, rng, e.ID, w, opts.Year)
		}
	}
	r.committed = st
	r.visible = st.clone()
	return r
}

// seedReport adds a four-task report with at most one task already approved.
func seedReport(st *state, rng *rand.Rand, userID string, week, year int) {
	rep := &Report{ID: reportID(userID, week, year), UserID: userID, Week: week, Year: year}
	approved := rng.IntN(2)
	for t := 0; t < 4; t++ {
		task := Task{
			ID:     fmt.Sprintf("%s-t%d", rep.ID, t+1),
			Title:  fmt.Sprintf("Task %d", t+1),
			Status: TaskOpen,
		}
		if t < approved {
			st.nextEval++
			ev := Evaluation{ID: fmt.Sprintf("ev%d", st.nextEval), TaskID: task.ID, Score: 60 + rng.IntN(41)}
			task.Evaluations = []Evaluation{ev}
			task.Status = TaskApproved
			st.evals[ev.ID] = task.ID
		}
		st.tasks[task.ID] = rep.ID
		rep.Tasks = append(rep.Tasks, task)
	}
	st.reports[rep.ID] = rep
}

// API returns the remote as a scopecache.MutationAPI; with tokens enabled the
// value also implements scopecache.ConsistencyWaiter.
func (r *Remote) API() scopecache.MutationAPI {
	if r.tokens {
		return tokenAPI{r}
	}
	return r
}

func (r *Remote) Manager() string { return r.manager }

func (r *Remote) Roster() []Employee { return slices.Clone(r.roster) }

func (r *Remote) Reads() int64  { return r.reads.Load() }
func (r *Remote) Writes() int64 { return r.writes.Load() }

// FailReads makes the next n reads fail with a transient ErrUnavailable.
func (r *Remote) FailReads(n int) {
	r.mu.Lock()
	r.failReads = n
	r.mu.Unlock()
}

// OpenTasks lists the committed open tasks of a report that have no evaluation yet.
func (r *Remote) OpenTasks(userID string, week, year int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.committed.reports[reportID(userID, week, year)]
	if !ok {
		return nil
	}
	var out []string
	for _, t := range rep.Tasks {
		if t.Status == TaskOpen && len(t.Evaluations) == 0 {
			out = append(out, t.ID)
		}
	}
	return out
}

// Subject describes what a write to taskID touches.
func (r *Remote) Subject(taskID string) (scopecache.Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, _, err := r.committed.task(taskID)
	if err != nil {
		return scopecache.Subject{}, err
	}
	return scopecache.Subject{UserID: rep.UserID, ReportID: rep.ID, TaskID: taskID, Week: rep.Week, Year: rep.Year}, nil
}

func (r *Remote) roundTrip(ctx context.Context) error {
	if r.latency <= 0 {
		return ctx.Err()
	}
	t := r.clock.NewTimer(r.latency)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply commits one write. It becomes visible to reads after the read lag.
func (r *Remote) Apply(ctx context.Context, req scopecache.MutationRequest) (scopecache.MutationResult, error) {
	if err := r.roundTrip(ctx); err != nil {
		return scopecache.MutationResult{}, err
	}
	apply, err := opFor(req)
	if err != nil {
		return scopecache.MutationResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entity, err := apply(r.committed)
	if err != nil {
		return scopecache.MutationResult{}, err
	}
	visibleAt := r.clock.Now().Add(r.readLag)
	r.pending = append(r.pending, pendingWrite{visibleAt: visibleAt, apply: apply})
	r.written = append(r.written, visibleAt)
	r.writes.Add(1)

	res := scopecache.MutationResult{Entity: entity}
	if r.tokens {
		res.Token = "w" + strconv.Itoa(len(r.written))
	}
	return res, nil
}

func opFor(req scopecache.MutationRequest) (op, error) {
	switch req.Kind {
	case scopecache.CreateEvaluation, scopecache.UpdateEvaluation:
		in, ok := req.Payload.(EvaluationInput)
		if !ok {
			return nil, fmt.Errorf("%w: want EvaluationInput, got %T", ErrInvalidPayload, req.Payload)
		}
		if err := validate.Struct(in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if req.Kind == scopecache.CreateEvaluation {
			return createEvaluation(req.TargetID, in), nil
		}
		return updateEvaluation(req.TargetID, in), nil
	case scopecache.DeleteEvaluation:
		return deleteEvaluation(req.TargetID), nil
	case scopecache.ApproveTask:
		return setStatus(req.TargetID, TaskApproved), nil
	case scopecache.RejectTask:
		return setStatus(req.TargetID, TaskRejected), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Kind)
	}
}

func createEvaluation(taskID string, in EvaluationInput) op {
	return func(s *state) (any, error) {
		_, t, err := s.task(taskID)
		if err != nil {
			return nil, err
		}
		s.nextEval++
		ev := Evaluation{ID: fmt.Sprintf("ev%d", s.nextEval), TaskID: taskID, Score: in.Score, Comment: in.Comment}
		t.Evaluations = append(t.Evaluations, ev)
		s.evals[ev.ID] = taskID
		return ev, nil
	}
}

func updateEvaluation(id string, in EvaluationInput) op {
	return func(s *state) (any, error) {
		t, i, err := s.evaluation(id)
		if err != nil {
			return nil, err
		}
		t.Evaluations[i].Score = in.Score
		t.Evaluations[i].Comment = in.Comment
		return t.Evaluations[i], nil
	}
}

func deleteEvaluation(id string) op {
	return func(s *state) (any, error) {
		t, i, err := s.evaluation(id)
		if err != nil {
			return nil, err
		}
		ev := t.Evaluations[i]
		t.Evaluations = slices.Delete(t.Evaluations, i, i+1)
		delete(s.evals, id)
		if len(t.Evaluations) == 0 {
			t.Status = TaskOpen
		}
		return ev, nil
	}
}

// setStatus records a verdict. A task is only judged once it has an evaluation.
func setStatus(taskID string, status TaskStatus) op {
	return func(s *state) (any, error) {
		_, t, err := s.task(taskID)
		if err != nil {
			return nil, err
		}
		if len(t.Evaluations) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotEvaluated, taskID)
		}
		t.Status = status
		return *t, nil
	}
}

// read runs fn against the visible state after applying every write whose lag has passed.
func (r *Remote) read(ctx context.Context, fn func(*state) error) error {
	if err := r.roundTrip(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads.Add(1)
	if r.failReads > 0 {
		r.failReads--
		return scopecache.Transient(ErrUnavailable)
	}
	now := r.clock.Now()
	for len(r.pending) > 0 && !r.pending[0].visibleAt.After(now) {
		// already validated against the committed state
		_, _ = r.pending[0].apply(r.visible)
		r.pending = r.pending[1:]
	}
	return fn(r.visible)
}

// Reports lists userID's reports, oldest first.
func (r *Remote) Reports(ctx context.Context, userID string) ([]ReportSummary, error) {
	var out []ReportSummary
	err := r.read(ctx, func(s *state) error {
		for _, rep := range s.reports {
			if rep.UserID == userID {
				out = append(out, rep.Summary())
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b ReportSummary) int {
		if a.Year != b.Year {
			return a.Year - b.Year
		}
		return a.Week - b.Week
	})
	return out, err
}

func (r *Remote) Report(ctx context.Context, userID string, week, year int) (Report, error) {
	var out Report
	err := r.read(ctx, func(s *state) error {
		rep, ok := s.reports[reportID(userID, week, year)]
		if !ok {
			return fmt.Errorf("%w: report %s w%d/%d", ErrNotFound, userID, week, year)
		}
		out = *rep.clone()
		return nil
	})
	return out, err
}

func (r *Remote) Evaluations(ctx context.Context, taskID string) ([]Evaluation, error) {
	var out []Evaluation
	err := r.read(ctx, func(s *state) error {
		_, t, err := s.task(taskID)
		if err != nil {
			return err
		}
		out = append(out, t.Evaluations...)
		return nil
	})
	return out, err
}

// Hierarchy returns what userID sees for (week, year): the manager gets every
// department under one office plus the direct reports, anyone else only themself.
func (r *Remote) Hierarchy(ctx context.Context, userID string, week, year int) (stats.RawHierarchy, error) {
	var out stats.RawHierarchy
	err := r.read(ctx, func(s *state) error {
		if userID != r.manager {
			for _, e := range r.roster {
				if e.ID == userID {
					out.Staff = []stats.EmployeeRecord{record(s, e, week, year)}
				}
			}
			return nil
		}
		byDept := make(map[string][]stats.EmployeeRecord)
		for _, e := range r.roster {
			rec := record(s, e, week, year)
			if e.Department == "" {
				out.Staff = append(out.Staff, rec)
				continue
			}
			byDept[e.Department] = append(byDept[e.Department], rec)
		}
		office := stats.RawGroup{ID: "office-hq", Name: "Head Office", Kind: string(stats.GroupOffice)}
		for _, d := range departments {
			if es, ok := byDept[d]; ok {
				office.Children = append(office.Children, stats.RawGroup{
					ID:        "dept-" + strings.ToLower(d),
					Name:      d,
					Kind:      string(stats.GroupDepartment),
					Employees: es,
				})
			}
		}
		if len(office.Children) > 0 {
			out.Groups = []stats.RawGroup{office}
		}
		return nil
	})
	return out, err
}

func record(s *state, e Employee, week, year int) stats.EmployeeRecord {
	rec := stats.EmployeeRecord{UserID: e.ID, Name: e.Name}
	rep, ok := s.reports[reportID(e.ID, week, year)]
	if !ok {
		return rec
	}
	done := rep.Completed()
	rec.HasReport = true
	rec.TotalTasks = len(rep.Tasks)
	rec.CompletedTasks = done
	rec.IsCompleted = done == len(rep.Tasks)
	if len(rep.Tasks) > 0 {
		rec.TaskCompletionRate = float64(done) * 100 / float64(len(rep.Tasks))
	}
	return rec
}

// tokenAPI adds WaitVisible, making the remote a scopecache.ConsistencyWaiter.
type tokenAPI struct{ *Remote }

var _ scopecache.ConsistencyWaiter = tokenAPI{}

// WaitVisible blocks until the write identified by token is visible to reads.
func (t tokenAPI) WaitVisible(ctx context.Context, token string) error {
	seq, err := strconv.Atoi(strings.TrimPrefix(token, "w"))
	if err != nil || !strings.HasPrefix(token, "w") {
		return fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	t.mu.Lock()
	if seq < 1 || seq > len(t.written) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	visibleAt := t.written[seq-1]
	t.mu.Unlock()

	d := visibleAt.Sub(t.clock.Now())
	if d <= 0 {
		return nil
	}
	timer := t.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
