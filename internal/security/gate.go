// Package security implements the command security gate. Every exec step is
// checked here before it may reach the worker pool: the command verb must be
// allow-listed, and the full argument vector must not match any deny
// pattern. Deny always wins.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/pact/internal/config"
	"github.com/fyrsmithlabs/pact/internal/contract"
)

// Violation reports a step rejected by the gate. The step is never executed.
type Violation struct {
	// Reason is "not allowlisted" or "matched deny pattern".
	Reason string

	// Pattern is the deny pattern that matched, if any.
	Pattern string
}

func (v *Violation) Error() string {
	if v.Pattern != "" {
		return fmt.Sprintf("security violation: %s (%s)", v.Reason, v.Pattern)
	}
	return "security violation: " + v.Reason
}

// defaultAllowVerbs are the command verbs permitted out of the box: test
// runners, linters, formatters, build tools, and a few shell-free utilities.
var defaultAllowVerbs = []string{
	"go", "gofmt", "goimports", "golangci-lint", "staticcheck",
	"make", "git",
	"npm", "npx", "yarn", "pnpm", "node",
	"python", "python3", "pytest", "ruff", "black", "mypy",
	"cargo", "rustfmt",
	"echo", "true", "false", "cat", "diff", "sleep",
}

// defaultDenyPatterns match dangerous command text regardless of verb:
// destructive filesystem operations, dynamic evaluation, piping remote
// content into an interpreter, privilege escalation, raw listeners.
var defaultDenyPatterns = []string{
	`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*[rf][a-z]*\b`,
	`(?i)\bmkfs\b`,
	`(?i)\bdd\s+if=`,
	`>\s*/dev/(sd|nvme)`,
	`(?i)\beval\b`,
	`(?i)\b(curl|wget)\b[^|]*\|\s*[a-z/]*\b(sh|bash|zsh|python3?)\b`,
	`\|\s*(ba|z|da)?sh\b`,
	`(?i)\bsudo\b`,
	`(?i)\bdoas\b`,
	`(?i)\bchmod\s+(-[a-z]+\s+)*777\b`,
	`(?i)\bchown\s+root\b`,
	`(?i)\b(nc|netcat|ncat)\s+(-[a-z]+\s+)*-[a-z]*l`,
	`:\(\)\s*\{`,
	`/etc/(passwd|shadow|sudoers)`,
	`(?i)\bgit\s+push\s+[^|]*--force\b`,
}

// defaultEnvAllow are the environment variable name patterns preserved for
// child processes. Anything else is stripped before exec to keep credentials
// out of subprocesses.
var defaultEnvAllow = []string{
	`^PATH$`, `^HOME$`, `^USER$`, `^SHELL$`, `^PWD$`, `^TZ$`,
	`^LANG$`, `^LC_[A-Z_]+$`, `^TERM$`, `^TMPDIR$`, `^CI$`,
	`^GO[A-Z]*$`, `^PACT_[A-Z_]+$`,
}

// Gate validates steps against the allow/deny policy.
type Gate struct {
	allowVerbs map[string]bool
	deny       []*regexp.Regexp
	envAllow   []*regexp.Regexp
}

// NewGate builds a gate from the built-in policy extended (never reduced) by
// the configured additions.
func NewGate(cfg config.SecurityConfig) (*Gate, error) {
	g := &Gate{
		allowVerbs: make(map[string]bool),
	}

	for _, verb := range defaultAllowVerbs {
		g.allowVerbs[verb] = true
	}
	for _, verb := range cfg.AllowCommands {
		g.allowVerbs[verb] = true
	}

	for _, pattern := range append(append([]string{}, defaultDenyPatterns...), cfg.DenyPatterns...) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		g.deny = append(g.deny, re)
	}

	for _, pattern := range append(append([]string{}, defaultEnvAllow...), cfg.EnvAllow...) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid env allow pattern %q: %w", pattern, err)
		}
		g.envAllow = append(g.envAllow, re)
	}

	return g, nil
}

// Validate checks a step against the policy. It returns nil when the step
// may execute and a *Violation when it must not. Non-exec steps carry no
// command and pass; their payloads are constrained at parse time.
//
// The deny scan runs on the joined argument vector for inspection only; the
// joined string is never handed to a shell.
func (g *Gate) Validate(step *contract.Step) error {
	if step.Kind != contract.StepExec || step.Exec == nil {
		return nil
	}

	joined := strings.Join(step.Exec.Argv, " ")
	for _, re := range g.deny {
		if re.MatchString(joined) {
			return &Violation{
				Reason:  "matched deny pattern",
				Pattern: re.String(),
			}
		}
	}

	verb := step.Exec.Argv[0]
	if !g.allowVerbs[verb] {
		return &Violation{Reason: fmt.Sprintf("not allowlisted: %q", verb)}
	}

	return nil
}

// FilterEnv returns the subset of environ ("KEY=value" entries) whose
// variable names match an allow pattern.
func (g *Gate) FilterEnv(environ []string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		for _, re := range g.envAllow {
			if re.MatchString(name) {
				filtered = append(filtered, entry)
				break
			}
		}
	}
	return filtered
}
