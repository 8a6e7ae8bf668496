package executor

import (
	"fmt"
	"strings"

	"github.com/tbancroft/stampede/pkg/models"
)

// depResultLimit bounds how much of each dependency result is quoted into
// the prompt.
const depResultLimit = 2000

// ComposePrompt builds the tool prompt for one attempt: the task description,
// resolved dependency results, and any retry context from a previous attempt.
func ComposePrompt(task *models.Task, deps []*models.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s: %s\n\n", task.ID, task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n")
	}

	if len(deps) > 0 {
		b.WriteString("\n## Completed prerequisites\n")
		for _, dep := range deps {
			fmt.Fprintf(&b, "\n### %s: %s\n", dep.ID, dep.Title)
			if dep.Result != nil && dep.Result.Text != "" {
				b.WriteString(clip(dep.Result.Text, depResultLimit))
				b.WriteString("\n")
			}
			if dep.Result != nil && len(dep.Result.CreatedFiles) > 0 {
				fmt.Fprintf(&b, "Files created: %s\n", strings.Join(dep.Result.CreatedFiles, ", "))
			}
		}
	}

	if task.RetryContext != "" {
		b.WriteString("\n## Previous attempt\n")
		b.WriteString(task.RetryContext)
		b.WriteString("\n")
	}
	if task.LastError != nil {
		fmt.Fprintf(&b, "\nThe previous attempt failed (%s): %s\nAddress the failure before anything else.\n",
			task.LastError.Kind, task.LastError.Message)
	}

	b.WriteString("\n## Output format\n")
	b.WriteString("Start your reply with a header block, then a line containing only ---, then your explanation.\n")
	b.WriteString("Header lines: tokens_used, created_files, modified_files.\n")

	return b.String()
}

// ReviewPrompt builds the summary prompt for the post-drain review pass.
func ReviewPrompt(completed, failed []*models.Task) string {
	var b strings.Builder

	b.WriteString("# Review pass\n\n")
	b.WriteString("All scheduled tasks have drained. Review the outcomes below and decide whether follow-up work is required.\n")
	b.WriteString("Emit each follow-up as a header line `task: <id> | <title> | <comma-separated dependency ids>`.\n")
	b.WriteString("Emit no task lines if nothing remains to do.\n")

	if len(completed) > 0 {
		b.WriteString("\n## Completed\n")
		for _, task := range completed {
			fmt.Fprintf(&b, "- %s: %s\n", task.ID, task.Title)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\n## Failed\n")
		for _, task := range failed {
			reason := ""
			if task.LastError != nil {
				reason = fmt.Sprintf(" (%s: %s)", task.LastError.Kind, task.LastError.Message)
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", task.ID, task.Title, reason)
		}
	}

	b.WriteString("\n## Output format\n")
	b.WriteString("Start with the header block (tokens_used, optional task lines), then ---, then your summary.\n")

	return b.String()
}

// clip cuts s to at most n bytes, on a line boundary where possible, and
// appends a "[truncated]" marker line when it cuts.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > n/2 {
		cut = cut[:i]
	}
	return cut + "\n[truncated]"
}
