// Package mangle wraps the Google Mangle Datalog engine for small, single-shot
// rule evaluations: load a program, add extensional facts, evaluate, read back
// derived facts.
package mangle

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Config holds Mangle engine configuration.
type Config struct {
	// FactLimit caps the number of extensional facts; 0 disables the cap.
	FactLimit int `json:"fact_limit" yaml:"fact_limit"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{FactLimit: 20000}
}

// Fact is a single ground atom.
type Fact struct {
	Predicate string `json:"predicate"`
	Args      []any  `json:"args"`
}

// String returns the Datalog representation of the fact.
func (f Fact) String() string {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			args[i] = fmt.Sprintf("%q", v)
		case bool:
			if v {
				args[i] = "/true"
			} else {
				args[i] = "/false"
			}
		default:
			args[i] = fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// Engine evaluates one Mangle program over an in-memory fact store.
// Engines are cheap; callers typically build one per evaluation.
type Engine struct {
	config Config

	mu             sync.Mutex
	store          factstore.FactStore
	programInfo    *analysis.ProgramInfo
	predicateIndex map[string]ast.PredicateSym
	factCount      int
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		config:         cfg,
		store:          factstore.NewSimpleInMemoryStore(),
		predicateIndex: make(map[string]ast.PredicateSym),
	}
}

// LoadSchemaString parses and analyzes a Mangle program.
func (e *Engine) LoadSchemaString(schema string) error {
	unit, err := parse.Unit(strings.NewReader(schema))
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("failed to analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.programInfo = programInfo
	e.predicateIndex = make(map[string]ast.PredicateSym, len(programInfo.Decls))
	for sym := range programInfo.Decls {
		e.predicateIndex[sym.Symbol] = sym
	}
	return nil
}

// AddFact inserts a single fact.
func (e *Engine) AddFact(predicate string, args ...any) error {
	return e.AddFacts([]Fact{{Predicate: predicate, Args: args}})
}

// AddFacts inserts facts without evaluating rules.
func (e *Engine) AddFacts(facts []Fact) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no schema loaded; call LoadSchemaString first")
	}

	for _, fact := range facts {
		if e.config.FactLimit > 0 && e.factCount >= e.config.FactLimit {
			return fmt.Errorf("fact limit exceeded: %d", e.config.FactLimit)
		}
		atom, err := e.factToAtomLocked(fact)
		if err != nil {
			return err
		}
		if e.store.Add(atom) {
			e.factCount++
		}
	}
	return nil
}

// Evaluate runs the program to a fixpoint over the current facts.
func (e *Engine) Evaluate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no schema loaded; call LoadSchemaString first")
	}
	if _, err := mengine.EvalProgramWithStats(e.programInfo, e.store); err != nil {
		return fmt.Errorf("evaluate program: %w", err)
	}
	return nil
}

// GetFacts returns every fact for predicate, sorted by their Datalog rendering
// so results are deterministic.
func (e *Engine) GetFacts(predicate string) ([]Fact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym, ok := e.predicateIndex[predicate]
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", predicate)
	}

	var results []Fact
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]any, len(atom.Args))
		for i, arg := range atom.Args {
			args[i] = baseTermToValue(arg)
		}
		results = append(results, Fact{Predicate: predicate, Args: args})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].String() < results[j].String() })
	return results, nil
}

// FactCount returns the number of extensional facts added.
func (e *Engine) FactCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.factCount
}

func (e *Engine) factToAtomLocked(fact Fact) (ast.Atom, error) {
	sym, ok := e.predicateIndex[fact.Predicate]
	if !ok {
		return ast.Atom{}, fmt.Errorf("predicate %s is not declared in schema", fact.Predicate)
	}
	if len(fact.Args) != sym.Arity {
		return ast.Atom{}, fmt.Errorf("predicate %s expects %d args, got %d", fact.Predicate, sym.Arity, len(fact.Args))
	}

	args := make([]ast.BaseTerm, len(fact.Args))
	for i, raw := range fact.Args {
		term, err := valueToBaseTerm(raw)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("predicate %s arg %d: %w", fact.Predicate, i, err)
		}
		args[i] = term
	}
	return ast.Atom{Predicate: sym, Args: args}, nil
}

func valueToBaseTerm(value any) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported fact argument type %T", v)
	}
}

func baseTermToValue(term ast.BaseTerm) any {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.StringType, ast.NameType, ast.BytesType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(c.NumValue))
	default:
		return c.String()
	}
}
