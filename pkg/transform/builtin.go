package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/jmespath/go-jmespath"

	"github.com/polisai/polis-agents/pkg/domain"
)

var (
	// ErrNotJSON is returned by extract when the response is not a JSON document.
	ErrNotJSON = errors.New("response is not valid JSON")
	// ErrFieldMissing is returned by extract in error mode when the expression
	// selects nothing.
	ErrFieldMissing = errors.New("expression matched nothing")
)

func identity(prev domain.Response, _ *domain.Context, _ string) (string, error) {
	return prev.Content, nil
}

func trim(prev domain.Response, _ *domain.Context, _ string) (string, error) {
	return strings.TrimSpace(prev.Content), nil
}

// onMissing selects what extract returns when the expression matches nothing.
type onMissing string

const (
	missingKeep  onMissing = "keep"
	missingEmpty onMissing = "empty"
	missingError onMissing = "error"
)

// parseExtractArg splits "[keep:|empty:|error:]<jmespath>".
func parseExtractArg(arg string) (onMissing, string) {
	for _, mode := range []onMissing{missingKeep, missingEmpty, missingError} {
		prefix := string(mode) + ":"
		if strings.HasPrefix(arg, prefix) {
			return mode, strings.TrimSpace(arg[len(prefix):])
		}
	}
	return missingKeep, strings.TrimSpace(arg)
}

func validateExtract(arg string) error {
	_, expr := parseExtractArg(arg)
	if expr == "" {
		return errors.New("missing JMESPath expression")
	}
	_, err := jmespath.Compile(expr)
	return err
}

// extract selects a value from a JSON response with a JMESPath expression.
// String results are returned raw, anything else re-encoded as JSON.
func extract(prev domain.Response, _ *domain.Context, arg string) (string, error) {
	mode, expr := parseExtractArg(arg)
	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("compile %q: %w", expr, err)
	}

	var doc any
	if err := json.Unmarshal([]byte(stripCodeFence(prev.Content)), &doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	found, err := compiled.Search(doc)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", expr, err)
	}
	if found == nil {
		switch mode {
		case missingEmpty:
			return "", nil
		case missingError:
			return "", fmt.Errorf("%w: %s", ErrFieldMissing, expr)
		default:
			return prev.Content, nil
		}
	}

	if s, ok := found.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(found)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}

// stripCodeFence unwraps a single fenced block, as agents often reply with
// ```json ... ``` around the document.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return s
	}
	body := strings.TrimSuffix(strings.TrimPrefix(trimmed, "```"), "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	return body
}

const ellipsis = "..."

func parseLimit(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("invalid length %q: %w", arg, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("length must be positive, got %d", n)
	}
	return n, nil
}

func validateTruncate(arg string) error {
	_, err := parseLimit(arg)
	return err
}

// truncate keeps at most n runes of the response, marking the cut with an
// ellipsis.
func truncate(prev domain.Response, _ *domain.Context, arg string) (string, error) {
	limit, err := parseLimit(arg)
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(prev.Content) <= limit {
		return prev.Content, nil
	}
	runes := []rune(prev.Content)
	return string(runes[:limit]) + ellipsis, nil
}

// templateData is the value templates are executed against.
type templateData struct {
	Output   string
	Metadata map[string]any
	Env      map[string]string
	Files    []string
	Turns    int
}

func validateTemplate(arg string) error {
	_, err := parseTemplate(arg)
	return err
}

func parseTemplate(arg string) (*template.Template, error) {
	return template.New("transform").Option("missingkey=zero").Parse(arg)
}

// renderTemplate executes a text/template over the response and context, e.g.
// "Review this diff:\n{{.Output}}".
func renderTemplate(prev domain.Response, c *domain.Context, arg string) (string, error) {
	tmpl, err := parseTemplate(arg)
	if err != nil {
		return "", err
	}
	data := templateData{Output: prev.Content, Metadata: prev.Metadata}
	if c != nil {
		data.Env = c.Environment
		data.Files = c.Files()
		data.Turns = len(c.History)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
