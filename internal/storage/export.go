package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a job and its output as a markdown document.
func ExportMarkdown(j *Job) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Job %s\n\n", j.ID))
	b.WriteString(fmt.Sprintf("- **Runner:** %s\n", j.Runner))
	b.WriteString(fmt.Sprintf("- **Sandbox:** %s\n", j.Sandbox))
	b.WriteString(fmt.Sprintf("- **Outcome:** %s\n", j.Outcome))
	b.WriteString(fmt.Sprintf("- **Code size:** %d bytes\n", j.CodeSize))
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", j.Duration))
	if j.RemoteAddr != "" {
		b.WriteString(fmt.Sprintf("- **Client:** %s\n", j.RemoteAddr))
	}
	if j.Subject != "" {
		b.WriteString(fmt.Sprintf("- **Caller:** %s\n", j.Subject))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", j.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString("\n---\n\n")

	b.WriteString("```\n")
	for _, l := range j.Lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("```\n")

	return b.String()
}

// ExportJSON renders a job as formatted JSON.
func ExportJSON(j *Job) ([]byte, error) {
	return json.MarshalIndent(j, "", "  ")
}
