package stats

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ViewKind tags the shape of a hierarchy response.
type ViewKind string

const (
	KindManagement ViewKind = "management"
	KindStaff      ViewKind = "staff"
	KindMixed      ViewKind = "mixed"
	KindEmpty      ViewKind = "empty"
)

// View is one of ManagementView, StaffView, MixedView or EmptyView.
// Values only come out of Parse, so consumers never see partial shapes.
type View interface {
	Kind() ViewKind
	isView()
}

// ManagementView is a tree of offices/departments/positions.
type ManagementView struct{ Groups []Group }

// StaffView is a flat list of employees with no grouping.
type StaffView struct{ Employees []EmployeeRecord }

// MixedView carries both managed groups and directly reporting staff.
type MixedView struct {
	Groups    []Group
	Employees []EmployeeRecord
}

// EmptyView means the user context sees nobody.
type EmptyView struct{}

func (ManagementView) Kind() ViewKind { return KindManagement }
func (StaffView) Kind() ViewKind      { return KindStaff }
func (MixedView) Kind() ViewKind      { return KindMixed }
func (EmptyView) Kind() ViewKind      { return KindEmpty }

func (ManagementView) isView() {}
func (StaffView) isView()      {}
func (MixedView) isView()      {}
func (EmptyView) isView()      {}

// RawGroup is the loosely shaped group node as the API sends it.
type RawGroup struct {
	ID        string           `json:"id" validate:"required"`
	Name      string           `json:"name"`
	Kind      string           `json:"kind" validate:"omitempty,oneof=office department position"`
	Employees []EmployeeRecord `json:"employees,omitempty" validate:"dive"`
	Children  []RawGroup       `json:"children,omitempty" validate:"dive"`
}

// RawHierarchy is the hierarchy/statistics payload keyed by
// (user context, week, year).
type RawHierarchy struct {
	Groups []RawGroup       `json:"groups,omitempty" validate:"dive"`
	Staff  []EmployeeRecord `json:"staff,omitempty" validate:"dive"`
}

// ErrInvalidHierarchy wraps every boundary validation failure.
var ErrInvalidHierarchy = errors.New("stats: invalid hierarchy payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse validates raw and returns the matching tagged variant.
func Parse(raw RawHierarchy) (View, error) {
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHierarchy, err)
	}
	seen := make(map[string]struct{})
	groups, err := convertGroups(raw.Groups, seen)
	if err != nil {
		return nil, err
	}
	staff := append([]EmployeeRecord(nil), raw.Staff...)

	switch {
	case len(groups) > 0 && len(staff) > 0:
		return MixedView{Groups: groups, Employees: staff}, nil
	case len(groups) > 0:
		return ManagementView{Groups: groups}, nil
	case len(staff) > 0:
		return StaffView{Employees: staff}, nil
	default:
		return EmptyView{}, nil
	}
}

func convertGroups(raw []RawGroup, seen map[string]struct{}) ([]Group, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Group, 0, len(raw))
	for _, rg := range raw {
		if _, dup := seen[rg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate group id %q", ErrInvalidHierarchy, rg.ID)
		}
		seen[rg.ID] = struct{}{}
		children, err := convertGroups(rg.Children, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, Group{
			ID:        rg.ID,
			Name:      rg.Name,
			Kind:      GroupKind(rg.Kind),
			Employees: append([]EmployeeRecord(nil), rg.Employees...),
			Children:  children,
		})
	}
	return out, nil
}

// GroupSummary is a sorted group node with its derived numbers.
type GroupSummary struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Kind         GroupKind        `json:"kind"`
	Stats        Stats            `json:"stats"`
	Distribution Distribution     `json:"distribution"`
	Employees    []EmployeeRecord `json:"employees,omitempty"`
	Children     []GroupSummary   `json:"children,omitempty"`
}

// Summary is what the hierarchy and statistics views render.
type Summary struct {
	Kind         ViewKind         `json:"kind"`
	Stats        Stats            `json:"stats"`
	Distribution Distribution     `json:"distribution"`
	Groups       []GroupSummary   `json:"groups,omitempty"`
	Employees    []EmployeeRecord `json:"employees,omitempty"`
}

// Summarize derives ranking statistics for v. The input is not modified and
// the output is identical for any ordering of the same records.
func Summarize(v View) Summary {
	var groups []Group
	var staff []EmployeeRecord
	switch t := v.(type) {
	case ManagementView:
		groups = cloneGroups(t.Groups)
	case StaffView:
		staff = append(staff, t.Employees...)
	case MixedView:
		groups = cloneGroups(t.Groups)
		staff = append(staff, t.Employees...)
	case EmptyView, nil:
	}
	SortGroups(groups)
	SortEmployees(staff)

	out := Summary{Kind: KindEmpty}
	if v != nil {
		out.Kind = v.Kind()
	}
	all := append([]EmployeeRecord(nil), staff...)
	parts := make([]Stats, 0, len(groups)+len(staff))
	for _, g := range groups {
		parts = append(parts, g.Stats())
		all = append(all, g.AllEmployees()...)
		out.Groups = append(out.Groups, summarizeGroup(g))
	}
	for _, e := range staff {
		parts = append(parts, e.Stats())
	}
	out.Stats = RollUp(parts)
	out.Distribution = Aggregate(all)
	if len(staff) > 0 {
		out.Employees = staff
	}
	return out
}

func summarizeGroup(g Group) GroupSummary {
	gs := GroupSummary{
		ID:           g.ID,
		Name:         g.Name,
		Kind:         g.Kind,
		Stats:        g.Stats(),
		Distribution: Aggregate(g.AllEmployees()),
	}
	if len(g.Employees) > 0 {
		gs.Employees = g.Employees
	}
	for _, c := range g.Children {
		gs.Children = append(gs.Children, summarizeGroup(c))
	}
	return gs
}
