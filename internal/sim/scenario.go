package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/scopecache"
	"github.com/unkn0wn-root/scopecache/views"
)

// Check is the outcome of one consistency property.
type Check struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

type Result struct {
	Checks   []Check               `json:"checks" yaml:"checks"`
	Receipts []scopecache.Receipt  `json:"-" yaml:"-"`
	Stats    scopecache.CacheStats `json:"stats" yaml:"stats"`
}

func (r Result) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Scenario drives a coordinator wired to Remote through a login, reads,
// dependent mutations and a logout, checking the cache after each step.
type Scenario struct {
	Coord  *scopecache.Coordinator
	Remote *Remote
	Codecs Codecs
	Log    scopecache.Logger
	Week   int
	Year   int
}

// Run executes every step in order. An error means the scenario could not
// proceed; failed properties are reported in the result.
func (s *Scenario) Run(ctx context.Context) (Result, error) {
	if s.Log == nil {
		s.Log = scopecache.NopLogger{}
	}
	var res Result
	steps := []struct {
		name string
		fn   func(context.Context, *Result) (Check, error)
	}{
		{"isolation", s.isolation},
		{"invalidation", s.invalidation},
		{"atomicity", s.atomicity},
		{"full_purge", s.fullPurge},
	}
	for _, st := range steps {
		c, err := st.fn(ctx, &res)
		if err != nil {
			return res, fmt.Errorf("sim: %s: %w", st.name, err)
		}
		c.Name = st.name
		res.Checks = append(res.Checks, c)
		s.Log.Info("scenario check", scopecache.Fields{"check": c.Name, "passed": c.Passed, "detail": c.Detail})
	}
	res.Stats = s.Coord.Stats()
	return res, nil
}

// subject is the first employee with at least need untouched tasks this week.
func (s *Scenario) subject(need int) (string, []string, error) {
	for _, e := range s.Remote.Roster() {
		if open := s.Remote.OpenTasks(e.ID, s.Week, s.Year); len(open) >= need {
			return e.ID, open, nil
		}
	}
	return "", nil, fmt.Errorf("no employee with open tasks in week %d/%d", s.Week, s.Year)
}

// isolation reads a report as its owner, switches to the manager and
// expects nothing of the owner's to remain.
func (s *Scenario) isolation(ctx context.Context, _ *Result) (Check, error) {
	owner, _, err := s.subject(1)
	if err != nil {
		return Check{}, err
	}
	if err := s.Coord.ObserveIdentity(ctx, owner); err != nil {
		return Check{}, err
	}
	key := DetailKey(owner, s.Week, s.Year)
	if _, err := s.Coord.Get(ctx, key); err != nil {
		return Check{}, err
	}
	if err := s.Coord.ObserveIdentity(ctx, s.Remote.Manager()); err != nil {
		return Check{}, err
	}
	e, err := s.Coord.Peek(ctx, key)
	if err != nil {
		return Check{}, err
	}
	if e.Data != nil || s.Coord.Stats().Entries != 0 {
		return Check{Detail: fmt.Sprintf("%s still cached for %s (state %s)", key, s.Coord.Identity(), e.State)}, nil
	}
	return Check{Passed: true}, nil
}

// invalidation evaluates and approves a task, then expects every dependent
// view to be fresh and to show the approval.
func (s *Scenario) invalidation(ctx context.Context, res *Result) (Check, error) {
	owner, open, err := s.subject(1)
	if err != nil {
		return Check{}, err
	}
	detail := DetailKey(owner, s.Week, s.Year)
	hier := views.HierarchyKey(s.Remote.Manager(), s.Week, s.Year)
	summaries := views.NewQuery(s.Coord, s.Codecs.Summary)
	reports := views.NewQuery(s.Coord, s.Codecs.Report)

	before, _, err := summaries.Get(ctx, hier)
	if err != nil {
		return Check{}, err
	}
	if _, err := s.Coord.Get(ctx, views.StatisticsKey(s.Remote.Manager(), s.Week, s.Year)); err != nil {
		return Check{}, err
	}
	if _, err := s.Coord.Get(ctx, ReportsKey(owner)); err != nil {
		return Check{}, err
	}
	if _, _, err := reports.Get(ctx, detail); err != nil {
		return Check{}, err
	}

	task := open[0]
	subj, err := s.Remote.Subject(task)
	if err != nil {
		return Check{}, err
	}
	rec, err := s.Coord.Submit(ctx, scopecache.Batch{Steps: []scopecache.MutationRequest{
		{Kind: scopecache.CreateEvaluation, TargetID: task, Subject: subj, Payload: EvaluationInput{Score: 90, Comment: "on track"}},
		{Kind: scopecache.ApproveTask, TargetID: task, Subject: subj},
	}})
	res.Receipts = append(res.Receipts, rec)
	if err != nil {
		return Check{Detail: fmt.Sprintf("batch %s: %v", rec.Status, err)}, nil
	}

	after, he, ok, err := summaries.Peek(ctx, hier)
	if err != nil {
		return Check{}, err
	}
	if !ok || he.State != scopecache.StateFresh {
		return Check{Detail: fmt.Sprintf("hierarchy is %s after reconcile", he.State)}, nil
	}
	if after.Stats.CompletedTasks != before.Stats.CompletedTasks+1 {
		return Check{Detail: fmt.Sprintf("hierarchy completed tasks %d, want %d", after.Stats.CompletedTasks, before.Stats.CompletedTasks+1)}, nil
	}
	rep, de, ok, err := reports.Peek(ctx, detail)
	if err != nil {
		return Check{}, err
	}
	if !ok || de.State != scopecache.StateFresh {
		return Check{Detail: fmt.Sprintf("report detail is %s after reconcile", de.State)}, nil
	}
	for _, t := range rep.Tasks {
		if t.ID == task && t.Status != TaskApproved {
			return Check{Detail: fmt.Sprintf("task %s is %s in the cached report", task, t.Status)}, nil
		}
	}
	return Check{Passed: true, Detail: fmt.Sprintf("%d scopes refreshed", len(rec.Invalidated))}, nil
}

// atomicity submits a batch whose second step is refused and expects the
// cached views to be byte-identical afterwards.
func (s *Scenario) atomicity(ctx context.Context, res *Result) (Check, error) {
	owner, open, err := s.subject(2)
	if err != nil {
		return Check{}, err
	}
	keys := []scopecache.ScopeKey{
		DetailKey(owner, s.Week, s.Year),
		views.HierarchyKey(s.Remote.Manager(), s.Week, s.Year),
	}
	snapshot := make([][]byte, len(keys))
	for i, k := range keys {
		e, err := s.Coord.Get(ctx, k)
		if err != nil {
			return Check{}, err
		}
		snapshot[i] = e.Data
	}

	evaluated, unevaluated := open[0], open[1]
	s1, err := s.Remote.Subject(evaluated)
	if err != nil {
		return Check{}, err
	}
	s2, err := s.Remote.Subject(unevaluated)
	if err != nil {
		return Check{}, err
	}
	rec, err := s.Coord.Submit(ctx, scopecache.Batch{Steps: []scopecache.MutationRequest{
		{Kind: scopecache.CreateEvaluation, TargetID: evaluated, Subject: s1, Payload: EvaluationInput{Score: 40}},
		{Kind: scopecache.ApproveTask, TargetID: unevaluated, Subject: s2},
	}})
	res.Receipts = append(res.Receipts, rec)
	var se *scopecache.MutationStepError
	if !errors.As(err, &se) || se.Step != 1 || !errors.Is(err, ErrNotEvaluated) {
		return Check{Detail: fmt.Sprintf("want step 1 refused, got %v", err)}, nil
	}

	for i, k := range keys {
		e, err := s.Coord.Peek(ctx, k)
		if err != nil {
			return Check{}, err
		}
		if !bytes.Equal(e.Data, snapshot[i]) {
			return Check{Detail: fmt.Sprintf("%s changed after a failed batch", k)}, nil
		}
	}
	return Check{Passed: true}, nil
}

// fullPurge logs out and expects an empty cache and no identity.
func (s *Scenario) fullPurge(ctx context.Context, _ *Result) (Check, error) {
	if err := s.Coord.RequestFullPurge(ctx, "logout"); err != nil {
		return Check{}, err
	}
	if n := s.Coord.Stats().Entries; n != 0 || s.Coord.Identity() != "" {
		return Check{Detail: fmt.Sprintf("%d entries, identity %q", n, s.Coord.Identity())}, nil
	}
	return Check{Passed: true}, nil
}

// Overview reads the manager's statistics view; used by the CLI summary.
func (s *Scenario) Overview(ctx context.Context) (views.Overview, error) {
	v, _, err := views.NewQuery(s.Coord, s.Codecs.Overview).Get(ctx, views.StatisticsKey(s.Remote.Manager(), s.Week, s.Year))
	return v, err
}

var _ views.HierarchyAPI = (*Remote)(nil)
