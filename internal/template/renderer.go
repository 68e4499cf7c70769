package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/osteele/liquid"
)

// Renderer expands locally defined message templates. Templates owned by a
// provider (Aliyun, Tencent) are not listed here and pass through untouched.
type Renderer struct {
	engine  *liquid.Engine
	sources map[string]string
	cache   sync.Map // template id -> *liquid.Template
}

func NewRenderer(sources map[string]string) *Renderer {
	copied := make(map[string]string, len(sources))
	for id, src := range sources {
		copied[normalizeID(id)] = src
	}
	return &Renderer{
		engine:  liquid.NewEngine(),
		sources: copied,
	}
}

// Has reports whether templateID is defined locally.
func (r *Renderer) Has(templateID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.sources[normalizeID(templateID)]
	return ok
}

// Render expands templateID with vars.
func (r *Renderer) Render(templateID string, vars map[string]string) (string, error) {
	id := normalizeID(templateID)
	tpl, err := r.compiled(id)
	if err != nil {
		return "", err
	}

	bindings := make(liquid.Bindings, len(vars))
	for k, v := range vars {
		bindings[k] = v
	}

	out, renderErr := tpl.RenderString(bindings)
	if renderErr != nil {
		return "", fmt.Errorf("%w: template %q: %v", domain.ErrValidation, id, renderErr)
	}
	return strings.TrimSpace(out), nil
}

// Validate compiles every template once so syntax errors surface at startup.
func (r *Renderer) Validate() error {
	for id := range r.sources {
		if _, err := r.compiled(id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) compiled(id string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(id); ok {
		return cached.(*liquid.Template), nil
	}

	src, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: template %q", domain.ErrNotFound, id)
	}
	tpl, parseErr := r.engine.ParseString(src)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: template %q: %v", domain.ErrValidation, id, parseErr)
	}
	r.cache.Store(id, tpl)
	return tpl, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
