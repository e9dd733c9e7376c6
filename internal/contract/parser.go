package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseError reports a malformed contract document. No execution is ever
// attempted against a document that fails to parse.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "contract parse: " + e.Reason
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// idPattern constrains contract ids: they seed evidence file names, so no
// path separators and no leading dot.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Parser validates and transforms contract documents into TaskContracts.
// It is a pure transformation with no side effects.
type Parser struct {
	// root is the project root resource paths must stay within.
	root string
}

// NewParser creates a parser that validates resource paths against root.
func NewParser(root string) *Parser {
	return &Parser{root: root}
}

// document mirrors the contract file schema. Decoding runs with
// KnownFields, so an extra top-level or step-level key fails the parse
// rather than being silently dropped.
type document struct {
	ID        string    `yaml:"id"`
	Title     string    `yaml:"title"`
	Resources []string  `yaml:"resources"`
	Gates     []string  `yaml:"gates"`
	Steps     []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Kind          string    `yaml:"kind"`
	Payload       yaml.Node `yaml:"payload"`
	ParallelGroup *int      `yaml:"parallel_group"`
	Cacheable     bool      `yaml:"cacheable"`
	BestEffort    bool      `yaml:"best_effort"`
}

// payloadFields lists the accepted payload keys per step kind. Payload
// mappings are checked against these before decoding (fail closed).
var payloadFields = map[StepKind][]string{
	StepExec:      {"argv", "dir", "target"},
	StepWriteFile: {"path", "content"},
	StepReplace:   {"path", "find", "replace"},
	StepInternal:  {"op", "args"},
}

// internalOps are the recognized built-in operations for internal steps.
var internalOps = map[string]bool{
	"noop":  true,
	"sleep": true,
}

// Parse parses a single contract document.
func (p *Parser) Parse(data []byte) (*TaskContract, error) {
	contracts, err := p.ParseBatch(data)
	if err != nil {
		return nil, err
	}
	if len(contracts) != 1 {
		return nil, parseErrorf("expected exactly one contract document, got %d", len(contracts))
	}
	return contracts[0], nil
}

// ParseBatch parses a YAML stream of one or more contract documents.
// Contract ids must be unique within the batch.
func (p *Parser) ParseBatch(data []byte) ([]*TaskContract, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, parseErrorf("empty document")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var contracts []*TaskContract
	seen := make(map[string]bool)

	for {
		var doc document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, parseErrorf("invalid structure: %v", err)
		}

		c, err := p.validate(&doc)
		if err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, parseErrorf("duplicate contract id %q in batch", c.ID)
		}
		seen[c.ID] = true
		contracts = append(contracts, c)
	}

	if len(contracts) == 0 {
		return nil, parseErrorf("no contract documents found")
	}
	return contracts, nil
}

// validate turns a decoded document into a TaskContract or fails.
func (p *Parser) validate(doc *document) (*TaskContract, error) {
	if doc.ID == "" {
		return nil, parseErrorf("contract id is required")
	}
	if !idPattern.MatchString(doc.ID) {
		return nil, parseErrorf("contract id %q is invalid: must match %s", doc.ID, idPattern.String())
	}
	if len(doc.Steps) == 0 {
		return nil, parseErrorf("contract %q declares no steps", doc.ID)
	}

	resources := make([]string, 0, len(doc.Resources))
	for _, res := range doc.Resources {
		clean, err := p.validateResource(res)
		if err != nil {
			return nil, err
		}
		resources = append(resources, clean)
	}

	steps := make([]Step, 0, len(doc.Steps))
	lastGroup := (*int)(nil)
	for i, sd := range doc.Steps {
		step, err := p.validateStep(i, &sd)
		if err != nil {
			return nil, err
		}
		if step.ParallelGroup != nil {
			if lastGroup != nil && *step.ParallelGroup < *lastGroup {
				return nil, parseErrorf("step %d: parallel_group %d declared after group %d; groups must be non-decreasing",
					i, *step.ParallelGroup, *lastGroup)
			}
			lastGroup = step.ParallelGroup
		}
		steps = append(steps, step)
	}

	return &TaskContract{
		ID:        doc.ID,
		Title:     doc.Title,
		Resources: resources,
		Gates:     append([]string(nil), doc.Gates...),
		Steps:     steps,
	}, nil
}

// validateResource checks a declared resource path for traversal and
// containment within the project root, returning the cleaned path.
func (p *Parser) validateResource(path string) (string, error) {
	if path == "" {
		return "", parseErrorf("resource path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return "", parseErrorf("resource path %q contains directory traversal", path)
	}
	if filepath.IsAbs(path) {
		return "", parseErrorf("resource path %q must be relative to the project root", path)
	}

	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") || clean == "." {
		return "", parseErrorf("resource path %q is invalid", path)
	}

	if p.root != "" {
		abs := filepath.Join(p.root, clean)
		rel, err := filepath.Rel(p.root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", parseErrorf("resource path %q escapes the project root", path)
		}
	}

	return clean, nil
}

func (p *Parser) validateStep(index int, sd *stepDoc) (Step, error) {
	kind := StepKind(sd.Kind)
	fields, known := payloadFields[kind]
	if !known {
		return Step{}, parseErrorf("step %d: unknown kind %q", index, sd.Kind)
	}

	if sd.Payload.Kind == 0 {
		return Step{}, parseErrorf("step %d: payload is required", index)
	}
	if sd.Payload.Kind != yaml.MappingNode {
		return Step{}, parseErrorf("step %d: payload must be a mapping", index)
	}
	if err := checkPayloadKeys(&sd.Payload, fields); err != nil {
		return Step{}, parseErrorf("step %d: %v", index, err)
	}

	step := Step{
		Index:         index,
		Kind:          kind,
		ParallelGroup: sd.ParallelGroup,
		Cacheable:     sd.Cacheable,
		BestEffort:    sd.BestEffort,
	}

	switch kind {
	case StepExec:
		var payload ExecPayload
		if err := decodeExecPayload(&sd.Payload, &payload); err != nil {
			return Step{}, parseErrorf("step %d: %v", index, err)
		}
		if step.Cacheable && payload.Target == "" {
			return Step{}, parseErrorf("step %d: cacheable exec steps require a target", index)
		}
		step.Exec = &payload

	case StepWriteFile:
		var payload WriteFilePayload
		if err := sd.Payload.Decode(&payload); err != nil {
			return Step{}, parseErrorf("step %d: invalid write_file payload: %v", index, err)
		}
		if _, err := p.validateResource(payload.Path); err != nil {
			return Step{}, err
		}
		step.WriteFile = &payload

	case StepReplace:
		var payload ReplacePayload
		if err := sd.Payload.Decode(&payload); err != nil {
			return Step{}, parseErrorf("step %d: invalid replace payload: %v", index, err)
		}
		if _, err := p.validateResource(payload.Path); err != nil {
			return Step{}, err
		}
		if payload.Find == "" {
			return Step{}, parseErrorf("step %d: replace payload requires a non-empty find string", index)
		}
		step.Replace = &payload

	case StepInternal:
		var payload InternalPayload
		if err := sd.Payload.Decode(&payload); err != nil {
			return Step{}, parseErrorf("step %d: invalid internal payload: %v", index, err)
		}
		if !internalOps[payload.Op] {
			return Step{}, parseErrorf("step %d: unknown internal op %q", index, payload.Op)
		}
		if payload.Op == "sleep" {
			if _, err := time.ParseDuration(payload.Args["duration"]); err != nil {
				return Step{}, parseErrorf("step %d: sleep requires a valid duration arg", index)
			}
		}
		step.Internal = &payload
	}

	return step, nil
}

// decodeExecPayload decodes an exec payload, insisting that argv is a
// sequence of strings. A single shell string is rejected here, before the
// security gate ever sees the step.
func decodeExecPayload(node *yaml.Node, payload *ExecPayload) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "argv" {
			argvNode := node.Content[i+1]
			if argvNode.Kind != yaml.SequenceNode {
				return fmt.Errorf("exec payload argv must be a list of strings, not a shell string")
			}
			for _, el := range argvNode.Content {
				if el.Kind != yaml.ScalarNode {
					return fmt.Errorf("exec payload argv elements must be strings")
				}
			}
		}
	}

	if err := node.Decode(payload); err != nil {
		return fmt.Errorf("invalid exec payload: %v", err)
	}
	if len(payload.Argv) == 0 {
		return fmt.Errorf("exec payload requires a non-empty argv")
	}
	for _, arg := range payload.Argv {
		if arg == "" {
			return fmt.Errorf("exec payload argv contains an empty element")
		}
	}
	return nil
}

// checkPayloadKeys rejects payload mapping keys outside the allowed set.
func checkPayloadKeys(node *yaml.Node, allowed []string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, key := range allowed {
		allowedSet[key] = true
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !allowedSet[key] {
			return fmt.Errorf("unknown payload field %q", key)
		}
	}
	return nil
}
