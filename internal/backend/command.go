package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/MrWong99/vigil/internal/observe"
)

// DefaultPromptTemplate renders the prompt handed to a command backend. It
// has access to .SystemPrompt, .History, .Text and .Assistant.
const DefaultPromptTemplate = `{{if .SystemPrompt}}[CONTEXTO: {{.SystemPrompt}}]

{{end}}{{range .History}}{{if eq .Role "assistant"}}{{$.Assistant}}{{else}}Usuario{{end}}: {{.Content}}
{{end}}Usuario: {{.Text}}

Responde como {{.Assistant}}:`

const killDelay = 2 * time.Second

// CommandOption configures a [Command] backend.
type CommandOption func(*Command)

// WithPromptTemplate replaces [DefaultPromptTemplate].
func WithPromptTemplate(tmpl string) CommandOption {
	return func(c *Command) { c.tmplText = tmpl }
}

// WithAssistantName sets .Assistant in the prompt template. Default: "Vigil".
func WithAssistantName(name string) CommandOption {
	return func(c *Command) { c.assistant = name }
}

// WithSearchPaths lists directories tried when the command is not on PATH.
// A leading "~" expands to the home directory.
func WithSearchPaths(dirs ...string) CommandOption {
	return func(c *Command) { c.searchPaths = dirs }
}

// WithCommandMetrics records latency and failures on m.
func WithCommandMetrics(m *observe.Metrics) CommandOption {
	return func(c *Command) { c.metrics = m }
}

// Command answers by running an external tool once per turn and reading the
// reply from stdout. An argument equal to "{prompt}" is replaced with the
// rendered prompt; without one the prompt is written to stdin.
//
//	command.NewCommand("claude", []string{"-p", "{prompt}", "--output-format", "text"})
type Command struct {
	name        string
	args        []string
	tmplText    string
	assistant   string
	searchPaths []string
	metrics     *observe.Metrics

	tmpl *template.Template

	once     sync.Once
	resolved string
	lookErr  error
}

var _ Backend = (*Command)(nil)

// NewCommand returns a command backend. It fails only when the prompt
// template does not parse; a missing binary is reported per call so the
// assistant can still say so.
func NewCommand(name string, args []string, opts ...CommandOption) (*Command, error) {
	if name == "" {
		return nil, errors.New("backend: command name is empty")
	}
	c := &Command{
		name:        name,
		args:        args,
		tmplText:    DefaultPromptTemplate,
		assistant:   "Vigil",
		searchPaths: []string{"~/.local/bin", "~/.npm-global/bin", "/usr/local/bin", "/usr/bin"},
	}
	for _, o := range opts {
		o(c)
	}
	tmpl, err := template.New("prompt").Parse(c.tmplText)
	if err != nil {
		return nil, fmt.Errorf("backend: parse prompt template: %w", err)
	}
	c.tmpl = tmpl
	return c, nil
}

// Prompt renders the prompt for req.
func (c *Command) Prompt(req Request) (string, error) {
	var buf bytes.Buffer
	err := c.tmpl.Execute(&buf, struct {
		Request
		Assistant string
	}{req, c.assistant})
	if err != nil {
		return "", fmt.Errorf("backend: render prompt: %w", err)
	}
	return buf.String(), nil
}

// resolve finds the binary once.
func (c *Command) resolve() (string, error) {
	c.once.Do(func() {
		if p, err := exec.LookPath(c.name); err == nil {
			c.resolved = p
			return
		}
		if strings.ContainsRune(c.name, filepath.Separator) {
			c.lookErr = fmt.Errorf("backend: %s not executable", c.name)
			return
		}
		home, _ := os.UserHomeDir()
		for _, dir := range c.searchPaths {
			if rest, ok := strings.CutPrefix(dir, "~"); ok && home != "" {
				dir = filepath.Join(home, rest)
			}
			p := filepath.Join(dir, c.name)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
				c.resolved = p
				return
			}
		}
		c.lookErr = fmt.Errorf("backend: %s not found on PATH or in %v", c.name, c.searchPaths)
	})
	return c.resolved, c.lookErr
}

// Reply runs the command and returns its trimmed stdout.
func (c *Command) Reply(ctx context.Context, req Request) (string, error) {
	ctx, span := observe.StartSpan(ctx, "backend.command")
	start := time.Now()
	reply, err := c.run(ctx, req)
	err = classify(ctx, err)

	if c.metrics != nil {
		c.metrics.RecordBackend(ctx, time.Since(start), Kind(err))
	}
	observe.EndSpan(span, err)
	if err != nil {
		if Kind(err) != "" {
			observe.Logger(ctx).Warn("backend: command reply failed", "command", c.name, "err", err)
		}
		return "", err
	}
	return reply, nil
}

func (c *Command) run(ctx context.Context, req Request) (string, error) {
	bin, err := c.resolve()
	if err != nil {
		return "", err
	}
	prompt, err := c.Prompt(req)
	if err != nil {
		return "", err
	}

	args := make([]string, len(c.args))
	inline := false
	for i, a := range c.args {
		if a == "{prompt}" {
			a, inline = prompt, true
		}
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = killDelay
	if !inline {
		cmd.Stdin = strings.NewReader(prompt)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", c.name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", c.name, err)
	}
	reply := strings.TrimSpace(stdout.String())
	if reply == "" {
		return "", fmt.Errorf("%s: empty reply", c.name)
	}
	return reply, nil
}
