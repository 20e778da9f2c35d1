// Package runner implements the Worker Runner (spec §4.5): it launches the
// worker subprocess, composes its prompt, enforces a timeout, and parses
// the final fenced JSON block from stdout. It never mutates persistent
// state — it only returns a parsed Outcome or one of the worker-failure
// error types for the Outcome Processor to act on.
//
// Grounded on the teacher's agents/spawner.go: exec.CommandContext with the
// "--print"-style non-interactive flags, a working directory set to the
// project path, stdout/stderr capture into buffers, and golang.org/x/text/cases
// for prompt template title-casing. The teacher's template-file-on-disk
// prompt loading is replaced with in-memory composition since this system's
// prompt parts (rules, patterns, system_prompt, ticket context) are Store
// fields rather than files under a prompts/ directory.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Outcome is the worker's reported decision for a ticket (spec §4.5).
type Outcome struct {
	TicketID       string   `json:"ticket_id"`
	Outcome        string   `json:"outcome"` // next_stage | prev_stage | coordinator_attention
	TargetStage    string   `json:"target_stage"`
	PipelineUpdate []string `json:"pipeline_update"`
	Comment        string   `json:"comment"`
	Reason         string   `json:"reason"`

	// Raw is the exact matched JSON block text, kept for the audit-trail
	// comment (SPEC_FULL.md §4's supplemented sign-off feature).
	Raw string `json:"-"`
}

const (
	OutcomeNextStage           = "next_stage"
	OutcomePrevStage           = "prev_stage"
	OutcomeCoordinatorAttention = "coordinator_attention"

	// CompletionSentinel is the exact, case-sensitive target_stage value
	// that closes a ticket instead of advancing it further (spec §5 Open
	// Question, resolved in SPEC_FULL.md §5).
	CompletionSentinel = "complete"
)

var validOutcomes = map[string]bool{
	OutcomeNextStage:            true,
	OutcomePrevStage:            true,
	OutcomeCoordinatorAttention: true,
}

// Config controls subprocess invocation.
type Config struct {
	// BinaryPath is the worker executable, e.g. the "claude" CLI.
	BinaryPath string
	// ExtraArgs are appended after the fixed non-interactive flags.
	ExtraArgs []string
	// Timeout bounds a single run; the child is killed on expiry.
	Timeout time.Duration
	// PermissionFlag is passed verbatim, matching spec §4.5's
	// "sets a permission-mode flag" requirement.
	PermissionFlag string
}

// DefaultConfig matches the teacher's non-interactive invocation shape.
func DefaultConfig() Config {
	return Config{
		BinaryPath:     "claude",
		Timeout:        10 * time.Minute,
		PermissionFlag: "--dangerously-skip-permissions",
	}
}

// Runner spawns worker subprocesses.
type Runner struct {
	cfg Config
}

// New constructs a Runner. If cfg.BinaryPath is resolvable via PATH it is
// rewritten to the absolute path, matching the teacher's lookup-at-construction
// pattern so a later failure is diagnosed once instead of per run.
func New(cfg Config) *Runner {
	if resolved, err := exec.LookPath(cfg.BinaryPath); err == nil {
		cfg.BinaryPath = resolved
	}
	return &Runner{cfg: cfg}
}

// PromptInput is the deterministic composition input (spec §4.5): project
// rules + patterns + system prompt + ticket context + an output-format
// contract appended by the runner itself.
type PromptInput struct {
	ProjectRules    string
	ProjectPatterns string
	SystemPrompt    string
	Ticket          *model.Ticket
	Comments        []*model.Comment
}

var templateFuncs = map[string]func(string) string{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// ComposePrompt builds the exact text handed to the worker on stdin.
func ComposePrompt(in PromptInput) string {
	var b strings.Builder
	writeSection(&b, "Project rules", in.ProjectRules)
	writeSection(&b, "Project patterns", in.ProjectPatterns)
	writeSection(&b, "Role", in.SystemPrompt)

	if in.Ticket != nil {
		b.WriteString("\n## Ticket\n")
		fmt.Fprintf(&b, "ID: %s\n", in.Ticket.ID)
		fmt.Fprintf(&b, "Title: %s\n", in.Ticket.Title)
		fmt.Fprintf(&b, "Type: %s  Priority: %s\n", in.Ticket.TicketType, in.Ticket.Priority)
		fmt.Fprintf(&b, "Current stage: %s\n", in.Ticket.CurrentStage)
		fmt.Fprintf(&b, "Execution plan: %s\n", strings.Join(in.Ticket.ExecutionPlan, " -> "))
		if in.Ticket.Description != "" {
			fmt.Fprintf(&b, "\nDescription:\n%s\n", in.Ticket.Description)
		}
	}

	if len(in.Comments) > 0 {
		b.WriteString("\n## Prior comments\n")
		for _, c := range in.Comments {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", templateFuncs["title"](c.Author), c.Stage, c.Body)
		}
	}

	b.WriteString("\n## Output format\n")
	b.WriteString(outputFormatContract)
	return b.String()
}

func writeSection(b *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n%s\n\n", title, body)
}

const outputFormatContract = "End your response with exactly one fenced JSON block of the shape:\n" +
	"```json\n" +
	"{\n" +
	"  \"ticket_id\": \"<echoed>\",\n" +
	"  \"outcome\": \"next_stage\" | \"prev_stage\" | \"coordinator_attention\",\n" +
	"  \"target_stage\": \"<stage-name or null>\",\n" +
	"  \"pipeline_update\": [\"stage1\", \"stage2\"] | null,\n" +
	"  \"comment\": \"<required, non-empty>\",\n" +
	"  \"reason\": \"<required, non-empty>\"\n" +
	"}\n" +
	"```\n"

// Run launches the worker, waits for it to finish or the configured
// timeout to elapse, and returns a parsed Outcome or a worker-failure error
// from internal/engineerr (WorkerTimedOut, WorkerNonZeroExit, WorkerParseError,
// SpawnFailed).
func (r *Runner) Run(ctx context.Context, workDir, prompt string) (*Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := append([]string{"--print", r.cfg.PermissionFlag}, r.cfg.ExtraArgs...)
	cmd := exec.CommandContext(runCtx, r.cfg.BinaryPath, args...) // #nosec G204 -- BinaryPath resolved at construction
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &engineerr.WorkerTimedOut{Timeout: r.cfg.Timeout.String()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &engineerr.WorkerNonZeroExit{Code: exitErr.ExitCode(), StderrExcerpt: excerpt(stderr.String())}
		}
		return nil, &engineerr.SpawnFailed{Err: err}
	}

	outcome, err := ParseOutcome(stdout.String())
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func excerpt(s string) string {
	const max = 2048
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// envelope matches an optional CLI wrapper carrying stdout as a string
// field (spec §4.5: "outputs may optionally be wrapped in a CLI envelope").
type envelope struct {
	Result string `json:"result"`
	Stdout string `json:"stdout"`
}

// ParseOutcome locates the final fenced JSON block in raw output, unwraps
// an optional envelope, and validates the decoded Outcome against the
// closed set of outcome kinds. Leniency: surrounding whitespace and a
// missing "json" language tag are tolerated; anything else invalid yields
// a WorkerParseError.
func ParseOutcome(raw string) (*Outcome, error) {
	text := raw
	var env envelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &env); err == nil {
		if env.Stdout != "" {
			text = env.Stdout
		} else if env.Result != "" {
			text = env.Result
		}
	}

	matches := fencedJSONBlock.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, &engineerr.WorkerParseError{Details: "no fenced JSON block found in worker output"}
	}
	last := matches[len(matches)-1][1]

	var o Outcome
	if err := json.Unmarshal([]byte(strings.TrimSpace(last)), &o); err != nil {
		return nil, &engineerr.WorkerParseError{Details: fmt.Sprintf("invalid JSON in final block: %v", err)}
	}
	o.Raw = strings.TrimSpace(last)

	if !validOutcomes[o.Outcome] {
		return nil, &engineerr.WorkerParseError{Details: fmt.Sprintf("unrecognized outcome %q", o.Outcome)}
	}
	if o.Comment == "" {
		return nil, &engineerr.WorkerParseError{Details: "comment is required"}
	}
	if o.Reason == "" {
		return nil, &engineerr.WorkerParseError{Details: "reason is required"}
	}
	if (o.Outcome == OutcomeNextStage || o.Outcome == OutcomePrevStage) && o.TargetStage == "" {
		return nil, &engineerr.WorkerParseError{Details: fmt.Sprintf("target_stage is required for outcome %q", o.Outcome)}
	}
	return &o, nil
}
