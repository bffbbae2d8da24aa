package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"chatwatch/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed schemas/chat.mg
var builtinSchema []byte

// ErrNotReady is returned by queries when the engine is disabled or has no program.
var ErrNotReady = errors.New("engine not ready")

// Fact is a normalized lifecycle event recorded by the dispatcher, the
// detector or the browser event stream.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// lowValuePredicates may be sampled when the buffer is under pressure.
var lowValuePredicates = map[string]bool{
	"response_growth": true,
	"net_request":     true,
}

// Engine keeps a bounded temporal buffer of facts and mirrors them into a
// Mangle store so schema rules can derive conclusions about each answer.
type Engine struct {
	cfg config.MangleConfig
	log *zap.Logger

	mu           sync.RWMutex
	schemaLoaded bool
	sources      [][]byte
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore

	facts []Fact
	index map[string][]int

	samplingRate float64
}

// NewEngine builds an engine. Unless disabled, the built-in chat schema is
// loaded first and cfg.SchemaPath, when set, is loaded on top of it.
func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:          cfg,
		log:          logger,
		facts:        make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:        make(map[string][]int),
		store:        factstore.NewSimpleInMemoryStore(),
		samplingRate: 1.0,
	}
	if !cfg.Enable {
		return e, nil
	}

	if !cfg.DisableBuiltin {
		if err := e.loadProgram(builtinSchema); err != nil {
			return nil, fmt.Errorf("builtin schema: %w", err)
		}
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema parses and analyzes a schema file on top of what is loaded.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.loadProgram(data)
}

// AddRule adds rules or declarations at runtime.
func (e *Engine) AddRule(source string) error {
	if !e.cfg.Enable {
		return nil
	}
	return e.loadProgram([]byte(source))
}

// loadProgram re-analyzes every source loaded so far plus src as one unit,
// so rules added later can refer to earlier declarations.
func (e *Engine) loadProgram(src []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	combined := bytes.Join(append(append([][]byte{}, e.sources...), src), []byte("\n"))
	unit, err := parse.Unit(bytes.NewReader(combined))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.sources = append(e.sources, src)
	e.programInfo = info
	e.schemaLoaded = true
	return nil
}

// AddFacts buffers facts and re-evaluates the program. Low-value facts are
// sampled once the buffer is more than half full.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()
	accepted := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.shouldAccept(f) {
			accepted = append(accepted, f)
		}
	}

	base := len(e.facts)
	e.facts = append(e.facts, accepted...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		e.facts = e.facts[len(e.facts)-e.cfg.FactBufferLimit:]
		e.rebuildIndex()
	} else {
		for i, f := range accepted {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range accepted {
		e.store.Add(factToAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			e.log.Warn("mangle evaluation failed", zap.Error(err))
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	return nil
}

func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}
	fill := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fill < 0.5:
		e.samplingRate = 1.0
	case fill < 0.8:
		e.samplingRate = 0.5
	default:
		e.samplingRate = 0.2
	}
}

func (e *Engine) shouldAccept(f Fact) bool {
	if !lowValuePredicates[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current sampling rate for low-value facts.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Query runs a single-atom query such as `truncated_answer(S).` against the
// store and binds its variables. When the store has no match the temporal
// buffer is searched directly.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, ErrNotReady
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(found ast.Atom) error {
		results = append(results, bind(atom.Args, found.Args))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	if len(results) == 0 {
		results = e.queryBuffer(atom.Predicate.Symbol, atom.Args)
	}
	return results, nil
}

func bind(pattern, values []ast.BaseTerm) QueryResult {
	out := make(QueryResult)
	for i, arg := range pattern {
		if i >= len(values) {
			break
		}
		if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
			out[v.Symbol] = fromTerm(values[i])
		}
	}
	return out
}

func (e *Engine) queryBuffer(predicate string, pattern []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if len(f.Args) < len(pattern) {
			continue
		}
		row := make(QueryResult)
		matches := true
		for i, arg := range pattern {
			switch term := arg.(type) {
			case ast.Variable:
				if term.Symbol != "_" {
					row[term.Symbol] = f.Args[i]
				}
			case ast.Constant:
				if fmt.Sprint(f.Args[i]) != fmt.Sprint(fromTerm(term)) {
					matches = false
				}
			}
			if !matches {
				break
			}
		}
		if matches {
			results = append(results, row)
		}
	}
	return results
}

// Evaluate re-runs the program and returns every fact of predicate, derived
// or stored.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, ErrNotReady
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		for _, rule := range e.programInfo.Rules {
			if rule.Head.Predicate.Symbol == predicate {
				arity = rule.Head.Predicate.Arity
				break
			}
		}
	}
	if arity < 0 {
		return []Fact{}, nil
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	now := time.Now()
	facts := make([]Fact, 0)
	err := e.store.GetFacts(query, func(a ast.Atom) error {
		facts = append(facts, atomToFact(a, now))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

// QueryTemporal returns buffered facts of predicate strictly between after
// and before. A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) && (before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// FactsByPredicate returns buffered facts of predicate in insertion order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Fact, 0, len(e.index[predicate]))
	for _, idx := range e.index[predicate] {
		out = append(out, e.facts[idx])
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(a ast.Atom, ts time.Time) Fact {
	args := make([]interface{}, len(a.Args))
	for i, arg := range a.Args {
		args[i] = fromTerm(arg)
	}
	return Fact{Predicate: a.Predicate.Symbol, Args: args, Timestamp: ts}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromTerm(t ast.BaseTerm) interface{} {
	switch term := t.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			if s, err := term.StringValue(); err == nil {
				return s
			}
		case ast.NumberType:
			if n, err := term.NumberValue(); err == nil {
				return n
			}
		case ast.Float64Type:
			if f, err := term.Float64Value(); err == nil {
				return f
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", t)
	}
}
