package consent

import "fmt"

// Evaluator contributes an independent risk opinion for a request. Scores are
// clamped to [0,100]; the engine aggregates by taking the maximum.
type Evaluator interface {
	Evaluate(Request) (score int, reason string)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(Request) (int, string)

func (f EvaluatorFunc) Evaluate(r Request) (int, string) { return f(r) }

// AddPlugin registers a named evaluator. Re-registering a name replaces it.
func (e *Engine) AddPlugin(name string, eval Evaluator) error {
	if name == "" || eval == nil {
		return fmt.Errorf("consent: plugin needs a name and an evaluator")
	}
	e.mu.Lock()
	e.plugins[name] = eval
	e.mu.Unlock()
	e.logger.Info("risk plugin registered", "name", name)
	return nil
}

// RemovePlugin unregisters a plugin by name.
func (e *Engine) RemovePlugin(name string) bool {
	e.mu.Lock()
	_, ok := e.plugins[name]
	delete(e.plugins, name)
	e.mu.Unlock()
	return ok
}

// Plugins lists registered plugin names.
func (e *Engine) Plugins() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.plugins))
	for n := range e.plugins {
		names = append(names, n)
	}
	return names
}
