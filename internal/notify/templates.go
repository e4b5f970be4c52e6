package notify

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// DefaultVariant is the template used for channels without their own entry.
const DefaultVariant = "default"

// Template is the raw subject/body pair for one channel variant.
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// TemplateStore supplies the variants for a notification type, keyed by
// channel name or DefaultVariant. A type with no variants is a configuration
// error.
type TemplateStore interface {
	Templates(ctx context.Context, t model.NotificationType) (map[string]Template, error)
}

//go:embed templates/default.yaml
var defaultTemplates []byte

// YAMLTemplates is a TemplateStore parsed from a YAML document.
type YAMLTemplates struct {
	sets map[model.NotificationType]map[string]Template
}

// DefaultTemplates returns the templates shipped with the service.
func DefaultTemplates() (*YAMLTemplates, error) {
	return ParseYAMLTemplates(defaultTemplates)
}

// LoadYAMLTemplates reads templates from path, falling back to the shipped
// set when path is empty.
func LoadYAMLTemplates(path string) (*YAMLTemplates, error) {
	if path == "" {
		return DefaultTemplates()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	return ParseYAMLTemplates(data)
}

func ParseYAMLTemplates(data []byte) (*YAMLTemplates, error) {
	var sets map[model.NotificationType]map[string]Template
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("%w: parse templates: %v", model.ErrConfiguration, err)
	}
	return &YAMLTemplates{sets: sets}, nil
}

func (y *YAMLTemplates) Templates(_ context.Context, t model.NotificationType) (map[string]Template, error) {
	set, ok := y.sets[t]
	if !ok || len(set) == 0 {
		return nil, fmt.Errorf("%w: no template for %s", model.ErrConfiguration, t)
	}
	return set, nil
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// renderer compiles templates on first use and keeps them for the life of
// the dispatcher that owns it.
type renderer struct {
	store TemplateStore

	mu    sync.RWMutex
	cache map[model.NotificationType]map[string]compiled
}

func newRenderer(store TemplateStore) *renderer {
	return &renderer{store: store, cache: make(map[model.NotificationType]map[string]compiled)}
}

func (r *renderer) variants(ctx context.Context, t model.NotificationType) (map[string]compiled, error) {
	r.mu.RLock()
	set, ok := r.cache[t]
	r.mu.RUnlock()
	if ok {
		return set, nil
	}

	raw, err := r.store.Templates(ctx, t)
	if err != nil {
		return nil, err
	}
	set = make(map[string]compiled, len(raw))
	for variant, tpl := range raw {
		name := string(t) + "." + variant
		var c compiled
		if strings.TrimSpace(tpl.Subject) != "" {
			if c.subject, err = template.New(name + ".subject").Parse(tpl.Subject); err != nil {
				return nil, fmt.Errorf("%w: template %s subject: %v", model.ErrConfiguration, name, err)
			}
		}
		if c.body, err = template.New(name + ".body").Parse(tpl.Body); err != nil {
			return nil, fmt.Errorf("%w: template %s body: %v", model.ErrConfiguration, name, err)
		}
		set[variant] = c
	}

	r.mu.Lock()
	r.cache[t] = set
	r.mu.Unlock()
	return set, nil
}

// check fails with a configuration error when t has no usable template.
func (r *renderer) check(ctx context.Context, t model.NotificationType) error {
	_, err := r.variants(ctx, t)
	return err
}

func (r *renderer) render(ctx context.Context, t model.NotificationType, ch model.Channel, data map[string]any) (model.RenderedMessage, error) {
	set, err := r.variants(ctx, t)
	if err != nil {
		return model.RenderedMessage{}, err
	}
	c, ok := set[string(ch)]
	if !ok {
		c, ok = set[DefaultVariant]
	}
	if !ok {
		return model.RenderedMessage{}, fmt.Errorf("%w: no %s template for channel %s", model.ErrConfiguration, t, ch)
	}

	var msg model.RenderedMessage
	var buf bytes.Buffer
	if c.subject != nil {
		if err := c.subject.Execute(&buf, data); err != nil {
			return msg, fmt.Errorf("%w: render %s subject: %v", model.ErrConfiguration, t, err)
		}
		msg.Subject = strings.TrimSpace(buf.String())
		buf.Reset()
	}
	if err := c.body.Execute(&buf, data); err != nil {
		return msg, fmt.Errorf("%w: render %s body: %v", model.ErrConfiguration, t, err)
	}
	msg.Body = strings.TrimSpace(buf.String())
	return msg, nil
}
