// Package policy decides whether technique source stays inside the sandbox
// vocabulary. Structural facts are extracted with go/parser and judged by an
// embedded Mangle program, so the allow-list lives in one declarative file.
package policy

import (
	_ "embed"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"shapesmith/internal/geom"
	"shapesmith/internal/logging"
	"shapesmith/internal/mangle"
)

//go:embed technique_policy.mg
var techniquePolicy string

// PackageName is the package clause every technique must declare.
const PackageName = "technique"

// EntryPoint is the function the sandbox calls.
const EntryPoint = "Build"

// DefaultMaxSourceBytes bounds technique source size.
const DefaultMaxSourceBytes = 16 * 1024

// ForbiddenConstructs are the syntactic constructs the policy rejects.
var ForbiddenConstructs = []string{
	"go", "defer", "select", "chan", "send", "receive", "goto", "label",
	"global_var", "unbounded_for", "import_alias", "method", "shadowed_func",
}

// Config tunes the checker.
type Config struct {
	MaxSourceBytes int
}

// Checker validates technique source against the allow-list. Safe for
// concurrent use; each Check builds its own engine.
type Checker struct {
	config Config
	seed   []mangle.Fact
}

// Report is the result of a policy check.
type Report struct {
	Safe         bool
	Violations   []Violation
	CallsChecked int
}

// Violation describes a single policy finding.
type Violation struct {
	Type        ViolationType
	Location    string
	Description string
}

func (v Violation) String() string {
	if v.Location == "" {
		return fmt.Sprintf("%s: %s", v.Type, v.Description)
	}
	return fmt.Sprintf("%s at %s: %s", v.Type, v.Location, v.Description)
}

// ViolationType categorizes violations.
type ViolationType int

const (
	ViolationParseError ViolationType = iota
	ViolationSourceSize
	ViolationPackage
	ViolationEntryPoint
	ViolationForbiddenImport
	ViolationForbiddenCall
	ViolationForbiddenConstruct
	ViolationRecursion
	ViolationPolicy
)

func (v ViolationType) String() string {
	switch v {
	case ViolationParseError:
		return "parse_error"
	case ViolationSourceSize:
		return "source_size"
	case ViolationPackage:
		return "package"
	case ViolationEntryPoint:
		return "entrypoint"
	case ViolationForbiddenImport:
		return "forbidden_import"
	case ViolationForbiddenCall:
		return "forbidden_call"
	case ViolationForbiddenConstruct:
		return "forbidden_construct"
	case ViolationRecursion:
		return "recursion"
	case ViolationPolicy:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// Messages flattens the report's violations for error values and feedback.
func (r *Report) Messages() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.String()
	}
	return out
}

// NewChecker creates a checker seeded with the geom vocabulary.
func NewChecker(cfg Config) *Checker {
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultMaxSourceBytes
	}
	return &Checker{config: cfg, seed: vocabularyFacts()}
}

func vocabularyFacts() []mangle.Fact {
	facts := []mangle.Fact{{Predicate: "allowed_import", Args: []any{geom.ImportPath}}}
	allow := func(callee string) {
		facts = append(facts, mangle.Fact{Predicate: "allowed_call", Args: []any{callee}})
	}
	for _, fn := range geom.Functions {
		allow("geom." + fn)
	}
	for _, b := range geom.Builtins {
		allow(b)
	}
	for _, m := range geom.Methods() {
		allow("." + m)
	}
	for _, k := range ForbiddenConstructs {
		facts = append(facts, mangle.Fact{Predicate: "forbidden_construct", Args: []any{k}})
	}
	return facts
}

// Check runs every structural and policy check and reports all findings.
func (c *Checker) Check(source string) *Report {
	report := &Report{Safe: true}

	if len(source) > c.config.MaxSourceBytes {
		return c.fail(report, ViolationSourceSize, "",
			fmt.Sprintf("source is %d bytes, limit is %d", len(source), c.config.MaxSourceBytes))
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "technique.go", source, parser.SkipObjectResolution)
	if err != nil {
		return c.fail(report, ViolationParseError, "", err.Error())
	}

	if file.Name.Name != PackageName {
		c.fail(report, ViolationPackage, "", fmt.Sprintf("package must be %q, got %q", PackageName, file.Name.Name))
	}
	c.checkEntryPoint(report, fset, file)

	facts := ExtractFacts(fset, file)
	for _, f := range facts {
		if f.Predicate == "ast_call" {
			report.CallsChecked++
		}
	}

	engine := mangle.NewEngine(mangle.DefaultConfig())
	if err := engine.LoadSchemaString(techniquePolicy); err != nil {
		return c.fail(report, ViolationPolicy, "", fmt.Sprintf("failed to load policy: %v", err))
	}
	if err := engine.AddFacts(c.seed); err != nil {
		return c.fail(report, ViolationPolicy, "", fmt.Sprintf("failed to seed policy: %v", err))
	}
	if err := engine.AddFacts(facts); err != nil {
		return c.fail(report, ViolationPolicy, "", fmt.Sprintf("failed to add facts: %v", err))
	}
	if err := engine.Evaluate(); err != nil {
		return c.fail(report, ViolationPolicy, "", err.Error())
	}

	c.collect(report, engine, "bad_import", func(f mangle.Fact) Violation {
		return Violation{Type: ViolationForbiddenImport, Description: fmt.Sprintf("import %q is not allowed; only %q may be imported", f.Args[0], geom.ImportPath)}
	})
	c.collect(report, engine, "bad_call", func(f mangle.Fact) Violation {
		return Violation{Type: ViolationForbiddenCall, Description: fmt.Sprintf("call to %s is outside the technique vocabulary", f.Args[0])}
	})
	c.collect(report, engine, "bad_construct", func(f mangle.Fact) Violation {
		return Violation{Type: ViolationForbiddenConstruct, Location: fmt.Sprintf("line %v", f.Args[1]), Description: fmt.Sprintf("%v is not permitted", f.Args[0])}
	})
	c.collect(report, engine, "recursive", func(f mangle.Fact) Violation {
		return Violation{Type: ViolationRecursion, Location: fmt.Sprintf("%v", f.Args[0]), Description: "recursive calls are not permitted"}
	})

	logging.PolicyDebug("checked %d facts, %d calls: safe=%v violations=%d", engine.FactCount(), report.CallsChecked, report.Safe, len(report.Violations))
	return report
}

func (c *Checker) collect(report *Report, engine *mangle.Engine, predicate string, describe func(mangle.Fact) Violation) {
	facts, err := engine.GetFacts(predicate)
	if err != nil {
		c.fail(report, ViolationPolicy, "", fmt.Sprintf("query %s: %v", predicate, err))
		return
	}
	for _, f := range facts {
		report.Safe = false
		report.Violations = append(report.Violations, describe(f))
	}
}

func (c *Checker) fail(report *Report, vType ViolationType, location, msg string) *Report {
	report.Safe = false
	report.Violations = append(report.Violations, Violation{Type: vType, Location: location, Description: msg})
	return report
}

// checkEntryPoint requires func Build(b *geom.Builder, p geom.Params) error.
func (c *Checker) checkEntryPoint(report *Report, fset *token.FileSet, file *ast.File) {
	const want = "func Build(*geom.Builder, geom.Params) error"
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != EntryPoint {
			continue
		}
		loc := fmt.Sprintf("line %d", fset.Position(fn.Pos()).Line)
		var params []ast.Expr
		for _, field := range fn.Type.Params.List {
			n := len(field.Names)
			if n == 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				params = append(params, field.Type)
			}
		}
		ok = len(params) == 2 &&
			isStarSelector(params[0], "geom", "Builder") &&
			isSelector(params[1], "geom", "Params") &&
			fn.Type.Results != nil && len(fn.Type.Results.List) == 1 && len(fn.Type.Results.List[0].Names) <= 1 &&
			isIdent(fn.Type.Results.List[0].Type, "error") &&
			fn.Type.TypeParams == nil
		if !ok {
			c.fail(report, ViolationEntryPoint, loc, "signature must be "+want)
		}
		return
	}
	c.fail(report, ViolationEntryPoint, "", "missing entry point "+want)
}

func isIdent(e ast.Expr, name string) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == name
}

func isSelector(e ast.Expr, pkg, name string) bool {
	sel, ok := e.(*ast.SelectorExpr)
	return ok && isIdent(sel.X, pkg) && sel.Sel.Name == name
}

func isStarSelector(e ast.Expr, pkg, name string) bool {
	star, ok := e.(*ast.StarExpr)
	return ok && isSelector(star.X, pkg, name)
}

// ExtractFacts emits the structural facts the policy reasons over.
func ExtractFacts(fset *token.FileSet, file *ast.File) []mangle.Fact {
	e := &factEmitter{fset: fset, funcs: map[string]bool{}}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = strings.Trim(imp.Path.Value, "`\"")
		}
		e.emit("ast_import", path)
		if imp.Name != nil {
			e.construct("import_alias", imp.Pos())
		}
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				e.emit("local_func", d.Name.Name)
				e.funcs[d.Name.Name] = true
			} else {
				// Methods are matched by name only, so recursion through them
				// would go unseen.
				e.construct("method", d.Pos())
			}
		case *ast.GenDecl:
			if d.Tok == token.VAR {
				e.construct("global_var", d.Pos())
			}
		}
	}

	ast.Walk(&factVisitor{emitter: e}, file)
	return e.facts
}

type factEmitter struct {
	fset       *token.FileSet
	funcs      map[string]bool
	currentFcn string
	facts      []mangle.Fact
}

func (e *factEmitter) emit(predicate string, args ...any) {
	e.facts = append(e.facts, mangle.Fact{Predicate: predicate, Args: args})
}

func (e *factEmitter) construct(kind string, pos token.Pos) {
	e.emit("ast_construct", kind, int64(e.fset.Position(pos).Line))
}

// bind flags a local binding that hides a top-level function. A call through
// the shadowing name would be taken for a call of the function itself.
func (e *factEmitter) bind(expr ast.Expr) {
	if id, ok := expr.(*ast.Ident); ok && e.funcs[id.Name] {
		e.construct("shadowed_func", id.Pos())
	}
}

func (e *factEmitter) bindFields(fields *ast.FieldList) {
	if fields == nil {
		return
	}
	for _, f := range fields.List {
		for _, name := range f.Names {
			e.bind(name)
		}
	}
}

// callee canonicalizes a call target: "geom.Sqrt" for package functions,
// ".Box" for methods, the bare name for builtins and local functions.
func callee(fun ast.Expr) string {
	switch f := fun.(type) {
	case *ast.Ident:
		return f.Name
	case *ast.ParenExpr:
		return callee(f.X)
	case *ast.SelectorExpr:
		if id, ok := f.X.(*ast.Ident); ok && id.Name == geom.ImportPath {
			return "geom." + f.Sel.Name
		}
		return "." + f.Sel.Name
	case *ast.IndexExpr, *ast.IndexListExpr:
		return "<generic instantiation>"
	case *ast.FuncLit:
		return "<function literal>"
	case *ast.ArrayType, *ast.MapType, *ast.FuncType, *ast.InterfaceType, *ast.StructType, *ast.StarExpr:
		return "<type conversion>"
	default:
		return "<dynamic call>"
	}
}

type factVisitor struct {
	emitter *factEmitter
}

func (v *factVisitor) Visit(node ast.Node) ast.Visitor {
	if node == nil {
		return nil
	}
	e := v.emitter

	switch n := node.(type) {
	case *ast.FuncDecl:
		prev := e.currentFcn
		e.currentFcn = n.Name.Name
		ast.Walk(v, n.Type)
		if n.Body != nil {
			ast.Walk(v, n.Body)
		}
		e.currentFcn = prev
		return nil
	case *ast.FuncLit:
		ast.Walk(v, n.Type)
		prev := e.currentFcn
		e.currentFcn = fmt.Sprintf("func_literal_%d", e.fset.Position(n.Pos()).Line)
		ast.Walk(v, n.Body)
		e.currentFcn = prev
		return nil
	case *ast.CallExpr:
		e.emit("ast_call", e.currentFcn, callee(n.Fun))
	case *ast.FuncType:
		e.bindFields(n.Params)
		e.bindFields(n.Results)
	case *ast.AssignStmt:
		if n.Tok == token.DEFINE {
			for _, lhs := range n.Lhs {
				e.bind(lhs)
			}
		}
	case *ast.ValueSpec:
		for _, name := range n.Names {
			e.bind(name)
		}
	case *ast.GoStmt:
		e.construct("go", n.Pos())
	case *ast.DeferStmt:
		e.construct("defer", n.Pos())
	case *ast.SelectStmt:
		e.construct("select", n.Pos())
	case *ast.ChanType:
		e.construct("chan", n.Pos())
	case *ast.SendStmt:
		e.construct("send", n.Pos())
	case *ast.UnaryExpr:
		if n.Op == token.ARROW {
			e.construct("receive", n.Pos())
		}
	case *ast.BranchStmt:
		if n.Tok == token.GOTO {
			e.construct("goto", n.Pos())
		}
	case *ast.LabeledStmt:
		e.construct("label", n.Pos())
	case *ast.ForStmt:
		if n.Init == nil || n.Cond == nil || n.Post == nil {
			e.construct("unbounded_for", n.Pos())
		} else {
			e.construct("for", n.Pos())
		}
	case *ast.RangeStmt:
		e.construct("range", n.Pos())
		if n.Tok == token.DEFINE {
			e.bind(n.Key)
			if n.Value != nil {
				e.bind(n.Value)
			}
		}
	}
	return v
}
