// internal/rules/engine.go
package rules

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// DefaultPredicateCacheSize bounds the parsed-expression cache.
const DefaultPredicateCacheSize = 1024

// Engine compiles and evaluates rule documents with a shared helper
// registry and a cache of parsed predicates keyed by expression text.
// Safe for concurrent use.
type Engine struct {
	registry  *Registry
	logger    *slog.Logger
	cacheSize int

	mu    sync.RWMutex
	cache map[string]*Predicate
}

// EngineOption configures NewEngine.
type EngineOption func(*Engine)

// WithRegistry replaces the standard helper registry.
func WithRegistry(r *Registry) EngineOption {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCacheSize bounds the predicate cache. Zero disables caching.
func WithCacheSize(n int) EngineOption {
	return func(e *Engine) {
		e.cacheSize = n
	}
}

// NewEngine creates a new rules engine instance.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		registry:  defaultRegistry,
		logger:    slog.Default(),
		cacheSize: DefaultPredicateCacheSize,
		cache:     make(map[string]*Predicate),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's helper registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Compile compiles doc and logs every dropped rule at warn level.
func (e *Engine) Compile(doc json.RawMessage) (*CompiledRuleSet, error) {
	set, err := Compile(doc)
	if err != nil {
		return nil, err
	}
	for _, d := range set.Dropped {
		e.logger.Warn("rule dropped from compilation",
			"index", d.Index,
			"field_path", d.FieldPath,
			"operator", d.Operator,
			"error", d.Err,
		)
	}
	return set, nil
}

// Predicate returns the parsed predicate for text, parsing on first use.
func (e *Engine) Predicate(text string) (*Predicate, error) {
	e.mu.RLock()
	p, ok := e.cache[text]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := ParseExpression(text, e.registry)
	if err != nil {
		return nil, err
	}
	if e.cacheSize <= 0 {
		return p, nil
	}

	e.mu.Lock()
	if len(e.cache) >= e.cacheSize {
		e.cache = make(map[string]*Predicate, e.cacheSize)
	}
	e.cache[text] = p
	e.mu.Unlock()
	return p, nil
}
