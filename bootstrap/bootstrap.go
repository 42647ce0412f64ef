// Package bootstrap renders the user data script handed to the compute
// instance. Rendering is a pure transform: no network I/O happens here, the
// guest performs the fetches and checksum verification.
package bootstrap

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yairfalse/stackline/retry"
)

// MaxPayloadSize is the EC2 user data limit.
const MaxPayloadSize = 16 * 1024

// ErrTooLarge is returned when the rendered payload exceeds MaxPayloadSize.
var ErrTooLarge = errors.New("bootstrap payload too large")

//go:embed templates/default.sh.tmpl
var defaultTemplate string

// DefaultTemplate returns the built-in bootstrap script template.
func DefaultTemplate() string {
	return defaultTemplate
}

// Artifact is an externally fetched file the guest must verify before use.
type Artifact struct {
	Name   string `validate:"required" toml:"name"`
	URL    string `validate:"required,url" toml:"url"`
	SHA256 string `validate:"required,len=64,hexadecimal" toml:"sha256"`
	Dest   string `validate:"required,startswith=/" toml:"dest"`
}

// Input is everything a payload is rendered from.
type Input struct {
	// Template overrides the built-in template when set.
	Template  string
	Vars      map[string]string
	Artifacts []Artifact `validate:"dive"`
	// Steps are install commands the guest runs under the retry helper.
	Steps []string
	Retry retry.Policy
}

// Payload is the rendered script plus what the guest has to verify.
type Payload struct {
	Script []byte
	Verify []Artifact
	Digest string
}

type templateData struct {
	Attempts  int
	Delays    string
	Artifacts []Artifact
	Steps     []string
}

var validate = validator.New()

// Build renders the payload.
func Build(in Input) (*Payload, error) {
	artifacts := make([]Artifact, len(in.Artifacts))
	for i, a := range in.Artifacts {
		a.SHA256 = strings.ToLower(a.SHA256)
		artifacts[i] = a
	}
	in.Artifacts = artifacts

	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid bootstrap input: %w", err)
	}

	src := in.Template
	if src == "" {
		src = defaultTemplate
	}

	tmpl, err := template.New("bootstrap").
		Option("missingkey=error").
		Funcs(funcMap(in.Vars)).
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap template: %w", err)
	}

	data := templateData{
		Attempts:  in.Retry.Attempts(),
		Delays:    formatDelays(in.Retry.Delays()),
		Artifacts: artifacts,
		Steps:     in.Steps,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render bootstrap template: %w", err)
	}

	if buf.Len() > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, buf.Len(), MaxPayloadSize)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Payload{
		Script: buf.Bytes(),
		Verify: artifacts,
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

func funcMap(vars map[string]string) template.FuncMap {
	return template.FuncMap{
		"var": func(name string) (string, error) {
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("undefined variable %q", name)
			}
			return v, nil
		},
		"quote": shellQuote,
	}
}

// shellQuote single-quotes s for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func formatDelays(delays []time.Duration) string {
	parts := make([]string, len(delays))
	for i, d := range delays {
		parts[i] = strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}
