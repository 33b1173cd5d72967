package stats

import (
	"cmp"
	"math"
	"slices"
)

// EmployeeRecord is one employee row as returned by the hierarchy API.
type EmployeeRecord struct {
	UserID             string  `json:"userId" validate:"required"`
	Name               string  `json:"name"`
	HasReport          bool    `json:"hasReport"`
	IsCompleted        bool    `json:"isCompleted"`
	TotalTasks         int     `json:"totalTasks" validate:"gte=0"`
	CompletedTasks     int     `json:"completedTasks" validate:"gte=0,ltefield=TotalTasks"`
	TaskCompletionRate float64 `json:"taskCompletionRate" validate:"gte=0,lte=100"`
}

// Stats is the rolled-up view of a set of employees or groups.
type Stats struct {
	TotalUsers            int `json:"totalUsers"`
	UsersWithReports      int `json:"usersWithReports"`
	TotalTasks            int `json:"totalTasks"`
	CompletedTasks        int `json:"completedTasks"`
	AverageCompletionRate int `json:"averageCompletionRate"`
}

// Stats returns the single-user contribution of e.
func (e EmployeeRecord) Stats() Stats {
	s := Stats{
		TotalUsers:            1,
		TotalTasks:            e.TotalTasks,
		CompletedTasks:        e.CompletedTasks,
		AverageCompletionRate: int(math.Round(e.TaskCompletionRate)),
	}
	if e.HasReport {
		s.UsersWithReports = 1
	}
	return s
}

// RollUp sums children and recomputes the completion rate weighted by task
// count: round(ΣcompletedTasks / ΣtotalTasks * 100). Averaging the
// children's rates would overweight small groups.
func RollUp(children []Stats) Stats {
	var out Stats
	for _, c := range children {
		out.TotalUsers += c.TotalUsers
		out.UsersWithReports += c.UsersWithReports
		out.TotalTasks += c.TotalTasks
		out.CompletedTasks += c.CompletedTasks
	}
	out.AverageCompletionRate = percent(out.CompletedTasks, out.TotalTasks)
	return out
}

// GroupKind names the level of a grouping node.
type GroupKind string

const (
	GroupOffice     GroupKind = "office"
	GroupDepartment GroupKind = "department"
	GroupPosition   GroupKind = "position"
)

// Group is a node of the organisation tree.
type Group struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      GroupKind        `json:"kind"`
	Employees []EmployeeRecord `json:"employees,omitempty"`
	Children  []Group          `json:"children,omitempty"`
}

// Stats rolls up the group's own employees and all descendants.
func (g Group) Stats() Stats {
	parts := make([]Stats, 0, len(g.Employees)+len(g.Children))
	for _, e := range g.Employees {
		parts = append(parts, e.Stats())
	}
	for _, c := range g.Children {
		parts = append(parts, c.Stats())
	}
	return RollUp(parts)
}

// AllEmployees flattens the group tree, depth first.
func (g Group) AllEmployees() []EmployeeRecord {
	out := append([]EmployeeRecord(nil), g.Employees...)
	for _, c := range g.Children {
		out = append(out, c.AllEmployees()...)
	}
	return out
}

// compareEmployees orders by completion rate desc, then name, then user ID.
func compareEmployees(a, b EmployeeRecord) int {
	if c := cmp.Compare(b.TaskCompletionRate, a.TaskCompletionRate); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.UserID, b.UserID)
}

// SortEmployees sorts in place with the deterministic ranking order.
func SortEmployees(es []EmployeeRecord) {
	slices.SortFunc(es, compareEmployees)
}

// SortGroups sorts groups (and recursively their children and employees) by
// rolled-up completion rate desc, then name, then ID.
func SortGroups(gs []Group) {
	ranked := make([]rankedGroup, len(gs))
	for i := range gs {
		SortEmployees(gs[i].Employees)
		SortGroups(gs[i].Children)
		ranked[i] = rankedGroup{rate: gs[i].Stats().AverageCompletionRate, g: gs[i]}
	}
	slices.SortFunc(ranked, func(a, b rankedGroup) int {
		if c := cmp.Compare(b.rate, a.rate); c != 0 {
			return c
		}
		if c := cmp.Compare(a.g.Name, b.g.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.g.ID, b.g.ID)
	})
	for i := range ranked {
		gs[i] = ranked[i].g
	}
}

type rankedGroup struct {
	rate int
	g    Group
}

func cloneGroups(gs []Group) []Group {
	if gs == nil {
		return nil
	}
	out := make([]Group, len(gs))
	for i, g := range gs {
		out[i] = Group{
			ID:        g.ID,
			Name:      g.Name,
			Kind:      g.Kind,
			Employees: append([]EmployeeRecord(nil), g.Employees...),
			Children:  cloneGroups(g.Children),
		}
	}
	return out
}
