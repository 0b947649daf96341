package template

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/validator"
	"github.com/patrickmn/go-cache"
)

var ErrTemplateLocked = fmt.Errorf("%w: template is referenced by a running test with assignments", repository.ErrConflict)

// LockChecker reports whether a template version is pinned by live test
// assignments.
type LockChecker interface {
	HasAssignments(ctx context.Context, templateID string) (bool, error)
}

type Service interface {
	Render(ctx context.Context, templateID, variantID string, bindings map[string]any) (model.Payload, error)
	Get(ctx context.Context, templateID string) (*model.Template, error)
	SaveTemplate(ctx context.Context, t *model.Template) error
}

type Config struct {
	CacheTTL     time.Duration
	CacheCleanup time.Duration
}

type service struct {
	repo      repository.TemplateRepository
	locks     LockChecker
	validator validator.Validator
	cache     *cache.Cache
	now       func() time.Time
}

func NewService(repo repository.TemplateRepository, locks LockChecker, v validator.Validator, cfg Config) Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.CacheCleanup <= 0 {
		cfg.CacheCleanup = time.Hour
	}
	return &service{
		repo:      repo,
		locks:     locks,
		validator: v,
		cache:     cache.New(cfg.CacheTTL, cfg.CacheCleanup),
		now:       time.Now,
	}
}

func (s *service) Get(ctx context.Context, templateID string) (*model.Template, error) {
	t, err := s.repo.Get(ctx, templateID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &model.TemplateNotFoundError{TemplateID: templateID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	return t, nil
}

// Render produces the payload for one variant. An empty variantID selects the
// template default.
func (s *service) Render(ctx context.Context, templateID, variantID string, bindings map[string]any) (model.Payload, error) {
	t, err := s.Get(ctx, templateID)
	if err != nil {
		return model.Payload{}, err
	}

	var v *model.Variant
	if variantID == "" {
		v = t.DefaultVariant()
	} else {
		v, _ = t.Variant(variantID)
	}
	if v == nil {
		return model.Payload{}, &model.TemplateNotFoundError{TemplateID: templateID, VariantID: variantID}
	}

	c, err := s.compiled(t, v)
	if err != nil {
		return model.Payload{}, err
	}
	return c.execute(templateID, bindings)
}

func (s *service) compiled(t *model.Template, v *model.Variant) (*compiledVariant, error) {
	key := fmt.Sprintf("%s:%d:%s", t.ID, t.Version, v.ID)
	if c, ok := s.cache.Get(key); ok {
		return c.(*compiledVariant), nil
	}
	c, err := compile(t.ID, v.Content)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, c)
	return c, nil
}

// SaveTemplate creates a template or replaces it with a bumped version.
// Replacing a template pinned by live assignments fails with
// ErrTemplateLocked; callers publish under a new ID instead.
func (s *service) SaveTemplate(ctx context.Context, t *model.Template) error {
	if err := s.validator.Validate(t); err != nil {
		return model.Invalidf("invalid template: %w", err)
	}
	seen := make(map[string]struct{}, len(t.Variants))
	for _, v := range t.Variants {
		if _, dup := seen[v.ID]; dup {
			return model.Invalidf("invalid template: duplicate variant %q", v.ID)
		}
		seen[v.ID] = struct{}{}
		if _, err := compile(t.ID, v.Content); err != nil {
			return err
		}
	}
	if t.DefaultVariantID != "" {
		if _, ok := t.Variant(t.DefaultVariantID); !ok {
			return model.Invalidf("invalid template: default variant %q not found", t.DefaultVariantID)
		}
	}

	existing, err := s.repo.Get(ctx, t.ID)
	switch {
	case err == nil:
		if s.locks != nil {
			locked, err := s.locks.HasAssignments(ctx, t.ID)
			if err != nil {
				return fmt.Errorf("failed to check template lock: %w", err)
			}
			if locked {
				return ErrTemplateLocked
			}
		}
		t.Version = existing.Version + 1
		t.CreatedAt = existing.CreatedAt
	case errors.Is(err, repository.ErrNotFound):
		t.Version = 1
		t.CreatedAt = s.now()
	default:
		return fmt.Errorf("failed to load template: %w", err)
	}

	if err := s.repo.Save(ctx, t); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

type compiledVariant struct {
	title    *template.Template
	body     *template.Template
	metadata map[string]*template.Template
	keys     []string
}

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"truncate": func(n int, s string) string {
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[:n]) + "…"
	},
}

func compile(templateID string, spec model.ContentSpec) (*compiledVariant, error) {
	c := &compiledVariant{metadata: make(map[string]*template.Template, len(spec.Metadata))}
	keys := map[string]struct{}{}

	parse := func(name, text string) (*template.Template, error) {
		tpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, model.Invalidf("invalid template %q field %s: %w", templateID, name, err)
		}
		collectKeys(tpl, keys)
		return tpl, nil
	}

	var err error
	if c.title, err = parse("title", spec.Title); err != nil {
		return nil, err
	}
	if c.body, err = parse("body", spec.Body); err != nil {
		return nil, err
	}
	for k, v := range spec.Metadata {
		if c.metadata[k], err = parse("metadata."+k, v); err != nil {
			return nil, err
		}
	}

	c.keys = make([]string, 0, len(keys))
	for k := range keys {
		c.keys = append(c.keys, k)
	}
	sort.Strings(c.keys)
	return c, nil
}

func (c *compiledVariant) execute(templateID string, bindings map[string]any) (model.Payload, error) {
	for _, k := range c.keys {
		if _, ok := bindings[k]; !ok {
			return model.Payload{}, &model.MissingBindingError{TemplateID: templateID, Key: k}
		}
	}
	if bindings == nil {
		bindings = map[string]any{}
	}

	run := func(tpl *template.Template) (string, error) {
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, bindings); err != nil {
			return "", fmt.Errorf("render %s of %q: %w", tpl.Name(), templateID, err)
		}
		return buf.String(), nil
	}

	var p model.Payload
	var err error
	if p.Title, err = run(c.title); err != nil {
		return model.Payload{}, err
	}
	if p.Body, err = run(c.body); err != nil {
		return model.Payload{}, err
	}
	if len(c.metadata) > 0 {
		p.Metadata = make(map[string]string, len(c.metadata))
		for k, tpl := range c.metadata {
			if p.Metadata[k], err = run(tpl); err != nil {
				return model.Payload{}, err
			}
		}
	}
	return p, nil
}
