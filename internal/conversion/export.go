package conversion

import (
	"fmt"
	"strings"

	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

// roleLabels maps transcript roles to export headings.
var roleLabels = map[transcript.Role]string{
	transcript.RoleUser:      "User",
	transcript.RoleAssistant: "Assistant",
	transcript.RoleTool:      "Tool",
	transcript.RoleSystem:    "System",
	transcript.RoleSummary:   "Summary",
}

// ExportMarkdown renders a session record as a standalone markdown
// document: a title block with session metadata followed by one section
// per message.
func ExportMarkdown(rec *store.Record) string {
	var b strings.Builder

	title := rec.Title
	if title == "" {
		title = rec.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Engine: %s\n", rec.Engine)
	if rec.Model != "" {
		fmt.Fprintf(&b, "- Model: %s\n", rec.Model)
	}
	if rec.WorkingDir != "" {
		fmt.Fprintf(&b, "- Working directory: %s\n", rec.WorkingDir)
	}
	if !rec.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "- Created: %s\n", rec.CreatedAt.Format("2006-01-02 15:04"))
	}
	if rec.CostUSD > 0 {
		fmt.Fprintf(&b, "- Cost: $%.4f\n", rec.CostUSD)
	}
	b.WriteString("\n")

	for _, msg := range rec.Messages {
		writeMessageMarkdown(&b, msg)
	}
	return b.String()
}

func writeMessageMarkdown(b *strings.Builder, msg *transcript.Message) {
	label := roleLabels[msg.Role]
	if label == "" {
		label = string(msg.Role)
	}
	fmt.Fprintf(b, "## %s\n\n", label)

	if msg.Thinking != "" {
		b.WriteString("> _Thinking_\n>\n")
		for _, line := range strings.Split(strings.TrimRight(msg.Thinking, "\n"), "\n") {
			fmt.Fprintf(b, "> %s\n", line)
		}
		b.WriteString("\n")
	}

	if msg.Tool != nil {
		writeToolMarkdown(b, msg.Tool, 0)
	}

	if msg.Text != "" {
		b.WriteString(msg.Text)
		if !strings.HasSuffix(msg.Text, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}

func writeToolMarkdown(b *strings.Builder, tool *transcript.ToolCall, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s- **%s** %s", indent, tool.Name, toolSubject(tool))
	if tool.Status == transcript.ToolError {
		b.WriteString(" (failed)")
	}
	b.WriteString("\n")
	for i := range tool.Children {
		writeToolMarkdown(b, &tool.Children[i], depth+1)
	}
	if depth == 0 {
		b.WriteString("\n")
	}
}

// toolSubject picks the most informative detail of a tool invocation
// for a one-line rendering.
func toolSubject(tool *transcript.ToolCall) string {
	switch {
	case tool.Input.Command != "":
		return "`" + tool.Input.Command + "`"
	case tool.Input.Path != "":
		return "`" + tool.Input.Path + "`"
	case tool.Input.Query != "":
		return "`" + tool.Input.Query + "`"
	}
	return ""
}

// htmlPage is the shell for standalone HTML exports. Styling is kept
// minimal so the document reads fine without external assets.
const htmlPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8"/>
<title>%s</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
pre { background: #f4f4f4; padding: 0.75rem; overflow-x: auto; border-radius: 4px; }
blockquote { color: #666; border-left: 3px solid #ddd; margin-left: 0; padding-left: 1rem; }
h2 { border-bottom: 1px solid #eee; padding-bottom: 0.25rem; }
</style>
</head>
<body>
%s
</body>
</html>
`

// ExportHTML renders a session record as a standalone HTML page. The
// markdown export is converted with the default converter, so code
// blocks are highlighted and the output is sanitized.
func ExportHTML(rec *store.Record) (string, error) {
	body, err := DefaultConverter().Convert(ExportMarkdown(rec))
	if err != nil {
		return "", fmt.Errorf("failed to render transcript: %w", err)
	}
	title := rec.Title
	if title == "" {
		title = rec.ID
	}
	return fmt.Sprintf(htmlPage, EscapeHTML(title), body), nil
}
