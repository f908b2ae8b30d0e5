package review

import (
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// maxDiffChars bounds the diff text placed in the prompt.
const maxDiffChars = 60000

const systemPrompt = `You are an expert code reviewer. Review the pull request below.
Point out bugs, security issues, performance problems and unclear code, referencing files and lines.
Suggest concrete fixes. Be concise and use Markdown.`

// FileChange summarizes one file of a unified diff.
type FileChange struct {
	Path    string
	Added   int
	Deleted int
}

// DiffSummary is the parsed shape of a pull request diff.
type DiffSummary struct {
	Files   []FileChange
	Added   int
	Deleted int
}

// Paths lists the changed file paths.
func (s DiffSummary) Paths() []string {
	out := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f.Path)
	}
	return out
}

// SummarizeDiff parses a unified multi-file diff.
func SummarizeDiff(raw string) (DiffSummary, error) {
	var summary DiffSummary
	if strings.TrimSpace(raw) == "" {
		return summary, nil
	}
	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(raw))
	if err != nil {
		return summary, fmt.Errorf("parse diff: %w", err)
	}
	for _, fd := range fileDiffs {
		path := strings.TrimPrefix(fd.NewName, "b/")
		if path == "" || path == "/dev/null" {
			path = strings.TrimPrefix(fd.OrigName, "a/")
		}
		if path == "" || path == "/dev/null" {
			continue
		}
		stat := fd.Stat()
		// Changed lines count as one deletion plus one addition.
		change := FileChange{
			Path:    path,
			Added:   int(stat.Added + stat.Changed),
			Deleted: int(stat.Deleted + stat.Changed),
		}
		summary.Files = append(summary.Files, change)
		summary.Added += change.Added
		summary.Deleted += change.Deleted
	}
	return summary, nil
}

// RetrievalQuery builds the text used to look up related repository context.
func RetrievalQuery(title, description string, summary DiffSummary) string {
	var sb strings.Builder
	sb.WriteString(title)
	if description != "" {
		sb.WriteString("\n")
		sb.WriteString(description)
	}
	if len(summary.Files) > 0 {
		sb.WriteString("\nChanged files: ")
		sb.WriteString(strings.Join(summary.Paths(), ", "))
	}
	return sb.String()
}

// BuildPrompt assembles the review request for the language model.
func BuildPrompt(title, description string, summary DiffSummary, diff string, contextChunks []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PR Title: %s\n", title)
	if description == "" {
		description = "No description provided"
	}
	fmt.Fprintf(&sb, "PR Description: %s\n\n", description)

	if len(summary.Files) > 0 {
		fmt.Fprintf(&sb, "Changed files (%d, +%d/-%d):\n", len(summary.Files), summary.Added, summary.Deleted)
		for _, f := range summary.Files {
			fmt.Fprintf(&sb, "- %s (+%d/-%d)\n", f.Path, f.Added, f.Deleted)
		}
		sb.WriteString("\n")
	}

	if len(contextChunks) > 0 {
		sb.WriteString("Context from codebase:\n")
		for _, chunk := range contextChunks {
			sb.WriteString(chunk)
			sb.WriteString("\n\n")
		}
	}

	if len(diff) > maxDiffChars {
		diff = diff[:maxDiffChars] + "\n... (diff truncated)"
	}
	fmt.Fprintf(&sb, "Code changes:\n```diff\n%s\n```\n", diff)
	return sb.String()
}

// CommentBody wraps review text in the pull request comment layout.
func CommentBody(review string) string {
	return fmt.Sprintf("## AI Code Review \n\n%s\n\n---\n*Powered by ReviewyAI*", review)
}
