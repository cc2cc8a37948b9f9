package expressions

import (
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// programs memoizes compiled expressions by source text. Each text is
// compiled at most once; failed compiles are not cached.
type programs[P any] struct {
	compile func(text string) (P, error)

	mu     sync.RWMutex
	byText map[string]P
}

func newPrograms[P any](compile func(text string) (P, error)) *programs[P] {
	return &programs[P]{compile: compile, byText: make(map[string]P)}
}

func (p *programs[P]) get(text string) (P, error) {
	p.mu.RLock()
	prg, ok := p.byText[text]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, ok := p.byText[text]; ok {
		return prg, nil
	}
	prg, err := p.compile(text)
	if err != nil {
		return prg, err
	}
	p.byText[text] = prg
	return prg, nil
}

func (p *programs[P]) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byText)
}

// exprError reports a failure of engine at stage (parse, compile, eval)
// as an EXPRESSION_ERROR carrying the offending text.
func exprError(engine, stage, text string, err error) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s %q: %s", engine, stage, text, err.Error()).WithCause(err)
}

func emptyExpression(engine string) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", engine)
}
