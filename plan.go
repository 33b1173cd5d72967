package scopecache

// MutationKind is the remote write a batch step performs.
type MutationKind int

const (
	CreateEvaluation MutationKind = iota + 1
	UpdateEvaluation
	DeleteEvaluation
	ApproveTask
	RejectTask
)

func (k MutationKind) String() string {
	switch k {
	case CreateEvaluation:
		return "create_evaluation"
	case UpdateEvaluation:
		return "update_evaluation"
	case DeleteEvaluation:
		return "delete_evaluation"
	case ApproveTask:
		return "approve_task"
	case RejectTask:
		return "reject_task"
	default:
		return "unknown"
	}
}

// Target selects scopes to invalidate. Remove drops their data; otherwise
// they are marked Stale and keep serving until refetched.
type Target struct {
	Pattern Pattern
	Remove  bool
}

type InvalidationPlan struct {
	Targets []Target
	Refetch bool
}

// dependency is one edge of the mutation → view graph.
type dependency struct {
	resource Resource
	remove   bool
	scope    func(Subject) Pattern
}

// Evaluation writes and verdicts feed the same views: the task's evaluation
// list, the owner's report list and detail, and every aggregate for the week.
var evaluationDeps = []dependency{
	{ResourceEvaluations, false, func(s Subject) Pattern { return Pattern{TaskID: s.TaskID} }},
	{ResourceReports, false, func(s Subject) Pattern { return Pattern{UserID: s.UserID} }},
	{ResourceReportDetail, true, func(s Subject) Pattern { return Pattern{UserID: s.UserID, Week: s.Week, Year: s.Year} }},
	{ResourceHierarchy, true, weekScope},
	{ResourceStatistics, true, weekScope},
}

func weekScope(s Subject) Pattern { return Pattern{Week: s.Week, Year: s.Year} }

var dependencyGraph = map[MutationKind][]dependency{
	CreateEvaluation: evaluationDeps,
	UpdateEvaluation: evaluationDeps,
	DeleteEvaluation: evaluationDeps,
	ApproveTask:      evaluationDeps,
	RejectTask:       evaluationDeps,
}

// PlanFor derives the invalidation plan for a committed batch. Targets are
// deduplicated across steps; a pattern requested both ways is removed.
// Unknown kinds invalidate everything.
func PlanFor(b Batch) InvalidationPlan {
	plan := InvalidationPlan{Refetch: true}
	index := make(map[Pattern]int)
	add := func(p Pattern, remove bool) {
		if i, ok := index[p]; ok {
			plan.Targets[i].Remove = plan.Targets[i].Remove || remove
			return
		}
		index[p] = len(plan.Targets)
		plan.Targets = append(plan.Targets, Target{Pattern: p, Remove: remove})
	}
	for _, step := range b.Steps {
		deps, ok := dependencyGraph[step.Kind]
		if !ok {
			add(Pattern{}, true)
			continue
		}
		for _, d := range deps {
			p := d.scope(step.Subject)
			p.Resource = d.resource
			add(p, d.remove)
		}
	}
	return plan
}
