// Package compat checks whether a set of plugins can be installed together.
//
// Validate builds its indexes once (name to plugin, category to plugins,
// installed set) and then runs an ordered list of rules over them, so the
// cost is linear in the number of plugins plus the size of their relation
// lists. Output is deterministic: entries are ordered by rule, then by input
// order.
package compat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/project"
)

// Kind classifies a validation entry.
type Kind string

const (
	KindDuplicate            Kind = "duplicate"
	KindExclusiveCategory    Kind = "exclusive-category"
	KindIncompatible         Kind = "incompatible"
	KindMissingRequirement   Kind = "missing-requirement"
	KindUnsupportedFramework Kind = "unsupported-framework"
	KindVersionConstraint    Kind = "version-constraint"
	KindInvalidConstraint    Kind = "invalid-constraint"
	KindRecommendation       Kind = "recommendation"
)

// Issue is one error, warning or suggestion.
type Issue struct {
	Kind    Kind     `json:"kind"`
	Message string   `json:"message"`
	Plugins []string `json:"plugins"`
}

// Result is the outcome of Validate. Valid is true exactly when Errors is
// empty.
type Result struct {
	Valid       bool    `json:"valid"`
	Errors      []Issue `json:"errors"`
	Warnings    []Issue `json:"warnings"`
	Suggestions []Issue `json:"suggestions"`
}

// Error joins error messages for logging.
func (r *Result) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// index is built once per Validate call.
type index struct {
	infos      []plugin.Info
	byName     map[string]int
	byCategory map[plugin.Category][]int
	categories []plugin.Category
	installed  map[string]bool
	project    *project.Context
}

// available reports whether name is satisfied by the batch, the tracker or
// the project's declared dependencies.
func (ix *index) available(name string) bool {
	if _, ok := ix.byName[name]; ok {
		return true
	}
	if ix.installed[name] {
		return true
	}
	return ix.project.HasDependency(name)
}

// rule appends its findings to r.
type rule struct {
	name string
	fn   func(ix *index, r *Result)
}

// Validator evaluates compatibility rules.
type Validator struct {
	rules []rule
}

// NewValidator returns a Validator with the standard rule set.
func NewValidator() *Validator {
	return &Validator{rules: []rule{
		{name: "duplicates", fn: checkDuplicates},
		{name: "exclusive-categories", fn: checkExclusiveCategories},
		{name: "incompatibilities", fn: checkIncompatibilities},
		{name: "requirements", fn: checkRequirements},
		{name: "frameworks", fn: checkFrameworks},
		{name: "recommendations", fn: checkRecommendations},
	}}
}

// RuleNames lists the rules in evaluation order.
func (v *Validator) RuleNames() []string {
	names := make([]string, len(v.rules))
	for i, r := range v.rules {
		names[i] = r.name
	}
	return names
}

// Validate checks plugins against each other, against installed (names
// already present in the project) and, when pctx is non-nil, against the
// project.
func (v *Validator) Validate(plugins []plugin.Plugin, pctx *project.Context, installed []string) *Result {
	ix := buildIndex(plugins, pctx, installed)

	result := &Result{
		Errors:      []Issue{},
		Warnings:    []Issue{},
		Suggestions: []Issue{},
	}
	for _, r := range v.rules {
		r.fn(ix, result)
	}
	result.Valid = len(result.Errors) == 0
	return result
}

func buildIndex(plugins []plugin.Plugin, pctx *project.Context, installed []string) *index {
	ix := &index{
		infos:      make([]plugin.Info, len(plugins)),
		byName:     make(map[string]int, len(plugins)),
		byCategory: make(map[plugin.Category][]int),
		installed:  make(map[string]bool, len(installed)),
		project:    pctx,
	}
	for i, p := range plugins {
		info := p.Info()
		ix.infos[i] = info
		if _, seen := ix.byName[info.Name]; !seen {
			ix.byName[info.Name] = i
		}
		if _, seen := ix.byCategory[info.Category]; !seen {
			ix.categories = append(ix.categories, info.Category)
		}
		ix.byCategory[info.Category] = append(ix.byCategory[info.Category], i)
	}
	for _, name := range installed {
		ix.installed[name] = true
	}
	return ix
}

func checkDuplicates(ix *index, r *Result) {
	counts := make(map[string]int, len(ix.infos))
	for _, info := range ix.infos {
		counts[info.Name]++
	}
	reported := make(map[string]bool)
	for _, info := range ix.infos {
		if counts[info.Name] > 1 && !reported[info.Name] {
			reported[info.Name] = true
			r.Errors = append(r.Errors, Issue{
				Kind:    KindDuplicate,
				Message: fmt.Sprintf("plugin %s is listed %d times", info.Name, counts[info.Name]),
				Plugins: []string{info.Name},
			})
		}
	}
}

func checkExclusiveCategories(ix *index, r *Result) {
	for _, c := range ix.categories {
		if !c.Exclusive() {
			continue
		}
		names := uniqueNames(ix, ix.byCategory[c])
		if len(names) < 2 {
			continue
		}
		r.Errors = append(r.Errors, Issue{
			Kind:    KindExclusiveCategory,
			Message: fmt.Sprintf("only one %s plugin can be installed, got %s", c, strings.Join(names, ", ")),
			Plugins: names,
		})
	}
}

func checkIncompatibilities(ix *index, r *Result) {
	type pair struct{ a, b string }
	reported := make(map[pair]bool)

	for i, info := range ix.infos {
		for _, other := range info.IncompatibleWith {
			j, ok := ix.byName[other]
			if !ok || other == info.Name {
				continue
			}
			// Order the pair by input position so either direction reports once.
			first, second := info.Name, other
			if j < i {
				first, second = other, info.Name
			}
			key := pair{first, second}
			if reported[key] {
				continue
			}
			reported[key] = true
			r.Errors = append(r.Errors, Issue{
				Kind:    KindIncompatible,
				Message: fmt.Sprintf("%s is incompatible with %s", first, second),
				Plugins: []string{first, second},
			})
		}
	}
}

func checkRequirements(ix *index, r *Result) {
	for _, info := range ix.infos {
		for _, req := range info.Requires {
			if ix.available(req) {
				continue
			}
			r.Warnings = append(r.Warnings, Issue{
				Kind:    KindMissingRequirement,
				Message: fmt.Sprintf("%s requires %s, which is not installed or selected", info.Name, req),
				Plugins: []string{info.Name, req},
			})
		}
	}
}

func checkFrameworks(ix *index, r *Result) {
	if ix.project == nil {
		return
	}
	pctx := ix.project

	for _, info := range ix.infos {
		if !info.SupportsFramework(pctx.Framework) {
			r.Errors = append(r.Errors, Issue{
				Kind:    KindUnsupportedFramework,
				Message: fmt.Sprintf("%s does not support %s (supports %s)", info.Name, frameworkLabel(pctx.Framework), joinFrameworks(info.Frameworks)),
				Plugins: []string{info.Name},
			})
			continue
		}

		ok, err := plugin.CheckConstraint(info.FrameworkConstraint, pctx.FrameworkVersion)
		switch {
		case err != nil:
			r.Warnings = append(r.Warnings, Issue{
				Kind:    KindInvalidConstraint,
				Message: fmt.Sprintf("cannot check %s version constraint %q: %v", info.Name, info.FrameworkConstraint, err),
				Plugins: []string{info.Name},
			})
		case !ok:
			r.Errors = append(r.Errors, Issue{
				Kind:    KindVersionConstraint,
				Message: fmt.Sprintf("%s requires %s %s, project has %s", info.Name, pctx.Framework, info.FrameworkConstraint, pctx.FrameworkVersion),
				Plugins: []string{info.Name},
			})
		}
	}
}

func checkRecommendations(ix *index, r *Result) {
	suggested := make(map[string]bool)
	for _, info := range ix.infos {
		for _, rec := range info.Recommends {
			if ix.available(rec) || suggested[rec] {
				continue
			}
			suggested[rec] = true
			r.Suggestions = append(r.Suggestions, Issue{
				Kind:    KindRecommendation,
				Message: fmt.Sprintf("%s works well with %s", info.Name, rec),
				Plugins: []string{info.Name, rec},
			})
		}
	}
}

func uniqueNames(ix *index, positions []int) []string {
	seen := make(map[string]bool, len(positions))
	names := make([]string, 0, len(positions))
	for _, i := range positions {
		name := ix.infos[i].Name
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func frameworkLabel(f project.Framework) string {
	if f == "" {
		return "an unknown framework"
	}
	return string(f)
}

func joinFrameworks(fws []project.Framework) string {
	names := make([]string, len(fws))
	for i, f := range fws {
		names[i] = string(f)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
