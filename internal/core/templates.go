package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// PromptData is the input to every agent prompt template.
type PromptData struct {
	Task        models.Task
	Role        string
	ProjectID   string
	BaseBranch  string
	Branch      string
	Workspace   string
	Comments    []models.Comment
	PR          *models.PullRequest
	Attempt     int
	MaxAttempts int
}

// PromptBuilder renders role-specific agent prompts. Built-in templates can be
// overridden per role by files named <role>.tmpl in an override directory.
type PromptBuilder struct {
	templates map[string]*template.Template
	fallback  *template.Template
}

// NewPromptBuilder parses the built-in templates and any overrides found in
// overrideDir. An empty or missing overrideDir is not an error.
func NewPromptBuilder(overrideDir string) (*PromptBuilder, error) {
	pb := &PromptBuilder{templates: make(map[string]*template.Template)}
	for role, text := range builtinPrompts {
		tmpl, err := template.New(role).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing built-in %s prompt: %w", role, err)
		}
		pb.templates[role] = tmpl
	}
	fallback, err := template.New("generic").Parse(genericPrompt)
	if err != nil {
		return nil, fmt.Errorf("parsing generic prompt: %w", err)
	}
	pb.fallback = fallback

	if overrideDir == "" {
		return pb, nil
	}
	matches, err := filepath.Glob(filepath.Join(overrideDir, "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("listing prompt overrides: %w", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompt override %s: %w", path, err)
		}
		role := strings.TrimSuffix(filepath.Base(path), ".tmpl")
		tmpl, err := template.New(role).Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parsing prompt override %s: %w", path, err)
		}
		pb.templates[role] = tmpl
	}
	return pb, nil
}

// Build renders the prompt for data.Role. Automated comments are dropped
// before rendering.
func (pb *PromptBuilder) Build(data PromptData) (string, error) {
	data.Comments = humanComments(data.Comments)
	tmpl, ok := pb.templates[data.Role]
	if !ok {
		tmpl = pb.fallback
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", data.Role, err)
	}
	return buf.String(), nil
}

func humanComments(comments []models.Comment) []models.Comment {
	var out []models.Comment
	for _, c := range comments {
		if !c.Automated {
			out = append(out, c)
		}
	}
	return out
}

var builtinPrompts = map[string]string{
	models.RoleDev:              devPrompt,
	models.RoleReviewer:         reviewerPrompt,
	models.RoleConflictResolver: conflictResolverPrompt,
}

const commentsBlock = `{{if .Comments}}
## Prior comments
{{range .Comments}}- {{.Author}}: {{.Body}}
{{end}}{{end}}`

const devPrompt = `You are working on task {{.Task.ID}}: {{.Task.Title}}

## Description
{{.Task.Description}}
` + commentsBlock + `
## Workspace
Your git worktree is {{.Workspace}} on branch {{.Branch}} (base: {{.BaseBranch}}).

When the work is complete, push the branch, open a pull request against
{{.BaseBranch}}, and set the task status to in_review. If you cannot finish,
set the task status to blocked and leave a comment explaining why.
`

const reviewerPrompt = `You are reviewing pull request #{{.PR.Number}} "{{.PR.Title}}" for task {{.Task.ID}}: {{.Task.Title}}

## Task description
{{.Task.Description}}
` + commentsBlock + `
## Workspace
The pull request branch is checked out at {{.Workspace}}.

Review the change against the task description. If it is correct, approve and
merge the pull request and set the task status to done. Otherwise request
changes, leave a comment on the task, and set its status to ready.
`

const conflictResolverPrompt = `Pull request #{{.PR.Number}} "{{.PR.Title}}" for task {{.Task.ID}} has merge conflicts with {{.BaseBranch}}.
This is resolution attempt {{.Attempt}} of {{.MaxAttempts}}.

## Task description
{{.Task.Description}}

## Instructions
Work in {{.Workspace}} on branch {{.Branch}}. Rebase the branch onto the latest
{{.BaseBranch}} and resolve every conflict:
- For conflicting lines unrelated to this task, prefer the version on {{.BaseBranch}}.
- For lines central to this task's purpose, preserve the task's intent.
Run the tests, then force-push the branch with lease. Do not change the task status.
`

const genericPrompt = `You are acting as {{if .Role}}{{.Role}}{{else}}an agent{{end}} on task {{.Task.ID}}: {{.Task.Title}}

## Description
{{.Task.Description}}
` + commentsBlock + `
## Workspace
{{.Workspace}} on branch {{.Branch}} (base: {{.BaseBranch}}).

Set the task status to in_review when a pull request is open, or to blocked
with a comment if you cannot proceed.
`
