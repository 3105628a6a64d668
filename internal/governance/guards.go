// Package governance implements a collection of static scanners and
// runtime checks enforcing the architecture's invariants. These are
// properties of the system rather than a runtime component, kept as
// in-package tests alongside the code they govern instead of a separate
// CI tool.
package governance

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/forgesyte/forgesyte-go/internal/dag"
	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/registry"
	"github.com/forgesyte/forgesyte-go/internal/sanitize"
)

// Violation is one static-scan finding.
type Violation struct {
	File string
	Line int
	Text string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d: %s", v.File, v.Line, v.Text)
}

var toolIdentifierPattern = regexp.MustCompile(`(?i)tool`)

// ScanForbiddenDefaultFallback walks every .go file under root (skipping
// _examples/ reference material and test files, which may legitimately
// assert against the forbidden string) looking for the literal "default"
// used as a tool-name fallback: `toolName = "default"`-shaped assignments
// or calls where a "default" string literal sits alongside a tool-named
// identifier.
func ScanForbiddenDefaultFallback(root string) ([]Violation, error) {
	var violations []Violation

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "_examples" || info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path, nil, 0)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}

		ast.Inspect(file, func(n ast.Node) bool {
			if call, ok := n.(*ast.CallExpr); ok {
				var defaultLit *ast.BasicLit
				toolArg := ""
				for _, arg := range call.Args {
					if lit, ok := arg.(*ast.BasicLit); ok && lit.Kind == token.STRING && lit.Value == `"default"` {
						defaultLit = lit
					} else if name := exprName(arg); toolIdentifierPattern.MatchString(name) {
						toolArg = name
					}
				}
				if defaultLit != nil && toolArg != "" {
					violations = append(violations, Violation{File: path, Line: fset.Position(defaultLit.Pos()).Line, Text: fmt.Sprintf("%s passed alongside literal \"default\" fallback", toolArg)})
				}
				return true
			}
			assign, ok := n.(*ast.AssignStmt)
			if !ok {
				return true
			}
			for i, rhs := range assign.Rhs {
				lit, ok := rhs.(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING || lit.Value != `"default"` {
					continue
				}
				if i >= len(assign.Lhs) {
					continue
				}
				lhsName := exprName(assign.Lhs[i])
				if toolIdentifierPattern.MatchString(lhsName) {
					pos := fset.Position(lit.Pos())
					violations = append(violations, Violation{
						File: path,
						Line: pos.Line,
						Text: fmt.Sprintf("%s assigned literal \"default\" fallback", lhsName),
					})
				}
			}
			return true
		})
		return nil
	})

	return violations, err
}

func exprName(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.Ident:
		return v.Name
	case *ast.SelectorExpr:
		return v.Sel.Name
	default:
		return ""
	}
}

// CheckAtLeastOnePluginLoaded requires that the loader loaded at least one
// plugin, failing startup explicitly rather than running with an empty
// registry.
func CheckAtLeastOnePluginLoaded(reg *registry.Registry) error {
	if len(reg.Names()) == 0 {
		return forgeerr.New(forgeerr.Internal, "plugin registry loaded zero plugins")
	}
	return nil
}

// CheckPipelineIDsResolve requires that every pipeline id referenced by
// any endpoint resolves to a loaded pipeline definition at startup.
func CheckPipelineIDsResolve(loader *dag.Loader, referencedIDs []string) error {
	loaded := make(map[string]bool)
	for _, id := range loader.IDs() {
		loaded[id] = true
	}
	for _, id := range referencedIDs {
		if !loaded[id] {
			return forgeerr.New(forgeerr.PipelineNotFound, "endpoint references pipeline %q, which is not loaded at startup", id)
		}
	}
	return nil
}

// SampleFromSchema builds a minimal value conforming to a JSON-schema-like
// map (as used by plugin.Tool.InputSchema/OutputSchema: "type": "object",
// "properties": {...}), for the runtime contract-fuzz check below. It is
// not a general JSON Schema implementation — only the subset ForgeSyte's
// own tool declarations use.
func SampleFromSchema(schema map[string]any) map[string]any {
	out := make(map[string]any)
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		propSchema, _ := raw.(map[string]any)
		out[name] = sampleValue(propSchema)
	}
	return out
}

func sampleValue(schema map[string]any) any {
	t, _ := schema["type"].(string)
	switch t {
	case "string":
		return "sample"
	case "integer":
		return 0
	case "number":
		return 0.0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return nil
	}
}

// AssertSanitizeIdempotent reports whether Sanitize(Sanitize(v)) equals
// Sanitize(v), the runtime half of the contract-fuzz guard that every
// plugin returns only JSON-safe values from every tool.
func AssertSanitizeIdempotent(v any) error {
	once, err := sanitize.Sanitize(v)
	if err != nil {
		return fmt.Errorf("first sanitize pass: %w", err)
	}
	twice, err := sanitize.Sanitize(once)
	if err != nil {
		return fmt.Errorf("second sanitize pass: %w", err)
	}
	if !reflect.DeepEqual(once, twice) {
		return fmt.Errorf("sanitize is not idempotent: %#v != %#v", once, twice)
	}
	return nil
}
