// Package query filters record lists with CEL expressions.
//
// Expressions see one variable, record, with the fields
//
//	id, source, scheme, date, link, type, status, vendor, productName,
//	productCategory, lab, certificationLevel, classicalAlgorithms,
//	pqcCoverage (wire text), pqcKind (unknown|pending|heuristic|detected|not_detected),
//	hasAttachments
//
// e.g. `record.pqcKind == "detected" && record.type == "ACVP"`.
package query

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

// ErrNotBoolean is returned for expressions that do not evaluate to a bool.
var ErrNotBoolean = errors.New("filter expression must evaluate to bool")

// Filter is a compiled record predicate. A nil *Filter matches everything.
type Filter struct {
	expr string
	prg  cel.Program
}

// Compile parses and type-checks expr. An empty expression yields a nil
// filter.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w, got %s", ErrNotBoolean, out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against r.
func (f *Filter) Match(r record.ComplianceRecord) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, _, err := f.prg.Eval(map[string]any{"record": Fields(r)})
	if err != nil {
		return false, fmt.Errorf("eval %s: %w", r.ID, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, ErrNotBoolean
	}
	return b, nil
}

// Apply returns the records the filter matches, in order. Records the
// expression cannot be evaluated against are dropped.
func (f *Filter) Apply(records []record.ComplianceRecord) []record.ComplianceRecord {
	if f == nil {
		return records
	}
	out := make([]record.ComplianceRecord, 0, len(records))
	dropped := 0
	for _, r := range records {
		ok, err := f.Match(r)
		if err != nil {
			dropped++
			continue
		}
		if ok {
			out = append(out, r)
		}
	}
	if dropped > 0 {
		slog.Default().With("component", "query").Warn("filter failed on some records",
			"filter", f.expr, "dropped", dropped)
	}
	return out
}

// Fields is the CEL view of r.
func Fields(r record.ComplianceRecord) map[string]any {
	return map[string]any{
		"id":                  r.ID,
		"source":              string(r.Source),
		"scheme":              r.Source.Scheme(),
		"date":                r.Date,
		"link":                r.Link,
		"type":                string(r.Type),
		"status":              string(r.Status),
		"vendor":              r.Vendor,
		"productName":         r.ProductName,
		"productCategory":     r.ProductCategory,
		"lab":                 r.Lab,
		"certificationLevel":  r.CertificationLevel,
		"classicalAlgorithms": r.ClassicalAlgorithms,
		"pqcCoverage":         r.PQCCoverage.String(),
		"pqcKind":             r.PQCCoverage.Kind.String(),
		"hasAttachments":      r.HasAttachments(),
	}
}
