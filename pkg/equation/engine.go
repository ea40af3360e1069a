package equation

import (
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Engine caches compiled programs keyed by construct id and equation text,
// so hot constructs compile once per process.
type Engine struct {
	programs *lru.Cache[string, *Program]
}

// NewEngine creates an engine with an LRU of the given size.
func NewEngine(cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[string, *Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating program cache: %w", err)
	}
	return &Engine{programs: c}, nil
}

// CompileConstruct compiles (or returns the cached program for) a
// construct's equation, restricted to the construct's item numbers.
func (e *Engine) CompileConstruct(constructID, source string, itemNumbers []int) (*Program, error) {
	key := programKey(constructID, source)
	if prog, ok := e.programs.Get(key); ok {
		return prog, nil
	}
	prog, err := Compile(source, WithAllowedItems(itemNumbers))
	if err != nil {
		return nil, err
	}
	e.programs.Add(key, prog)
	return prog, nil
}

func programKey(constructID, source string) string {
	sum := sha256.Sum256([]byte(source))
	return fmt.Sprintf("%s:%x", constructID, sum[:8])
}
