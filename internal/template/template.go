// Package template implements the router's prompt template manager: files
// loaded from a directory, `{{var}}` / `{{var.sub}}` placeholder
// substitution, and a debounced fsnotify hot reload adapted from the
// atomic-swap config reload pattern used elsewhere in this module.
package template

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/axiom-router/modelrouter/pkg/errs"
)

// Template is one loaded, validated template file.
type Template struct {
	Name string
	Body string
}

// set is the immutable snapshot the Manager atomically swaps on reload.
type set struct {
	templates map[string]*Template
}

// Manager loads template files from a directory and renders them against
// a variable map, reloading on change with a debounce window.
type Manager struct {
	dir     string
	current atomic.Pointer[set]
	logger  *slog.Logger

	watcher     *fsnotify.Watcher
	stop        chan struct{}
	onChangeMu  sync.Mutex
	onChange    []func()
}

// debounceWindow is the minimum spacing between reloads triggered by
// filesystem events, per spec section 4.6 (">= 250ms").
const debounceWindow = 250 * time.Millisecond

// New loads every template in dir and returns a ready Manager. A file
// that fails validation is rejected and logged, not cached; New still
// succeeds as long as the directory itself is readable.
func New(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{dir: dir, logger: logger, stop: make(chan struct{})}

	s, err := loadAll(dir, logger)
	if err != nil {
		return nil, err
	}
	m.current.Store(s)
	return m, nil
}

func loadAll(dir string, logger *slog.Logger) (*set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Newf(errs.Config, "read template directory: %v", err)
	}

	templates := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read template file, skipping", "file", path, "error", err)
			continue
		}
		if err := validateBraces(string(body)); err != nil {
			logger.Error("template failed validation, not cached", "file", path, "error", err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		templates[name] = &Template{Name: name, Body: string(body)}
	}
	return &set{templates: templates}, nil
}

// validateBraces enforces spec section 4.6: matching `{{`/`}}`, no empty
// `{{}}`, and no nested `{{ {{ }} }}`.
func validateBraces(body string) error {
	depth := 0
	i := 0
	for i < len(body) {
		switch {
		case strings.HasPrefix(body[i:], "{{"):
			if depth > 0 {
				return errs.New(errs.TemplateSyntax, "nested {{ }} is not allowed")
			}
			depth++
			start := i + 2
			i += 2
			for i < len(body) && !strings.HasPrefix(body[i:], "}}") {
				if strings.HasPrefix(body[i:], "{{") {
					return errs.New(errs.TemplateSyntax, "nested {{ }} is not allowed")
				}
				i++
			}
			if i >= len(body) {
				return errs.New(errs.TemplateSyntax, "unmatched {{")
			}
			if strings.TrimSpace(body[start:i]) == "" {
				return errs.New(errs.TemplateSyntax, "empty {{}} placeholder")
			}
			depth--
			i += 2
		case strings.HasPrefix(body[i:], "}}"):
			return errs.New(errs.TemplateSyntax, "unmatched }}")
		default:
			i++
		}
	}
	if depth != 0 {
		return errs.New(errs.TemplateSyntax, "unmatched {{ or }}")
	}
	return nil
}

// Get returns the named template, or ok=false if it has not been loaded.
func (m *Manager) Get(name string) (*Template, bool) {
	s := m.current.Load()
	t, ok := s.templates[name]
	return t, ok
}

// Names lists every currently loaded template name.
func (m *Manager) Names() []string {
	s := m.current.Load()
	names := make([]string, 0, len(s.templates))
	for n := range s.templates {
		names = append(names, n)
	}
	return names
}

func isPlaceholderChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

// Render substitutes every `{{name}}` / `{{name.sub.sub}}` placeholder in
// the named template by walking vars. Non-string leaf values are
// rendered as two-space-indented JSON. A placeholder with no
// corresponding entry fails the whole render with TEMPLATE_MISSING_VARS.
func (m *Manager) Render(name string, vars map[string]any) (string, error) {
	t, ok := m.Get(name)
	if !ok {
		return "", errs.Newf(errs.Config, "template %q not found", name)
	}

	var out strings.Builder
	body := t.Body
	i := 0
	var missing []string

	for i < len(body) {
		if !strings.HasPrefix(body[i:], "{{") {
			out.WriteByte(body[i])
			i++
			continue
		}
		j := i + 2
		for j < len(body) && isPlaceholderChar(rune(body[j])) {
			j++
		}
		if j >= len(body) || !strings.HasPrefix(body[j:], "}}") {
			out.WriteString(body[i:j])
			i = j
			continue
		}
		path := strings.TrimSpace(body[i+2 : j])
		val, found := lookup(vars, path)
		if !found {
			missing = append(missing, path)
			i = j + 2
			continue
		}
		out.WriteString(renderValue(val))
		i = j + 2
	}

	if len(missing) > 0 {
		return "", errs.Newf(errs.TemplateMissingVars, "missing template variables: %s", strings.Join(missing, ", "))
	}
	return out.String(), nil
}

func lookup(vars map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// OnChange registers a callback invoked after every successful reload.
func (m *Manager) OnChange(fn func()) {
	m.onChangeMu.Lock()
	defer m.onChangeMu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Reload forces an immediate reload from disk. A failed reload (e.g. the
// directory became unreadable) keeps the previous version live.
func (m *Manager) Reload() error {
	s, err := loadAll(m.dir, m.logger)
	if err != nil {
		m.logger.Error("template reload failed, keeping previous version live", "error", err)
		return err
	}
	m.current.Store(s)

	m.onChangeMu.Lock()
	callbacks := append([]func(){}, m.onChange...)
	m.onChangeMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Watch starts a debounced filesystem watch on the template directory.
// Adds, changes, and deletions all trigger a full Reload so the
// in-memory set updates atomically as one unit.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-m.stop:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceWindow, func() {
				_ = m.Reload()
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("template watcher error", "error", err)
		}
	}
}

// Close stops the filesystem watcher, if running.
func (m *Manager) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	return nil
}
