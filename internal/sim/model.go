package sim

import "fmt"

type TaskStatus string

const (
	TaskOpen     TaskStatus = "open"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
)

type Employee struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Department string `json:"department,omitempty"` // empty for direct reports of the manager
}

type Evaluation struct {
	ID      string `json:"id"`
	TaskID  string `json:"taskId"`
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// EvaluationInput is the payload of create and update evaluation requests.
type EvaluationInput struct {
	Score   int    `validate:"gte=0,lte=100"`
	Comment string `validate:"max=500"`
}

type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Status      TaskStatus   `json:"status"`
	Evaluations []Evaluation `json:"evaluations,omitempty"`
}

// Report is one employee's weekly report.
type Report struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Week   int    `json:"week"`
	Year   int    `json:"year"`
	Tasks  []Task `json:"tasks"`
}

func (r Report) Completed() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Status == TaskApproved {
			n++
		}
	}
	return n
}

func (r Report) Summary() ReportSummary {
	return ReportSummary{
		ID:             r.ID,
		Week:           r.Week,
		Year:           r.Year,
		TotalTasks:     len(r.Tasks),
		CompletedTasks: r.Completed(),
	}
}

func (r Report) clone() *Report {
	out := r
	out.Tasks = make([]Task, len(r.Tasks))
	for i, t := range r.Tasks {
		out.Tasks[i] = t
		out.Tasks[i].Evaluations = append([]Evaluation(nil), t.Evaluations...)
	}
	return &out
}

// ReportSummary is one row of a user's report list.
type ReportSummary struct {
	ID             string `json:"id"`
	Week           int    `json:"week"`
	Year           int    `json:"year"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
}

func reportID(userID string, week, year int) string {
	return fmt.Sprintf("%s-%d-w%02d", userID, year, week)
}

// state is one copy of the remote data. The remote keeps two: the committed
// copy writes go to and the visible copy reads come from.
type state struct {
	reports  map[string]*Report // by report ID
	tasks    map[string]string  // task ID -> report ID
	evals    map[string]string  // evaluation ID -> task ID
	nextEval int
}

func newState() *state {
	return &state{
		reports: make(map[string]*Report),
		tasks:   make(map[string]string),
		evals:   make(map[string]string),
	}
}

func (s *state) clone() *state {
	out := &state{
		reports:  make(map[string]*Report, len(s.reports)),
		tasks:    make(map[string]string, len(s.tasks)),
		evals:    make(map[string]string, len(s.evals)),
		nextEval: s.nextEval,
	}
	for id, r := range s.reports {
		out.reports[id] = r.clone()
	}
	for k, v := range s.tasks {
		out.tasks[k] = v
	}
	for k, v := range s.evals {
		out.evals[k] = v
	}
	return out
}

func (s *state) task(id string) (*Report, *Task, error) {
	rid, ok := s.tasks[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: task %q", ErrNotFound, id)
	}
	r := s.reports[rid]
	for i := range r.Tasks {
		if r.Tasks[i].ID == id {
			return r, &r.Tasks[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: task %q", ErrNotFound, id)
}

func (s *state) evaluation(id string) (*Task, int, error) {
	tid, ok := s.evals[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: evaluation %q", ErrNotFound, id)
	}
	_, t, err := s.task(tid)
	if err != nil {
		return nil, 0, err
	}
	for i := range t.Evaluations {
		if t.Evaluations[i].ID == id {
			return t, i, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: evaluation %q", ErrNotFound, id)
}
