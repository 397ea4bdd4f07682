package memory

import (
	"fmt"
	"sort"
	"strings"
)

const (
	formatBudget     = 8000
	compactBudget    = 2000
	itemContentLimit = 600
)

// Format renders a QueryResult as markdown suitable for injection into
// an agent prompt: grouped by source, summaries bolded, code content
// fenced. Output is capped at roughly 8000 characters.
func Format(result QueryResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Memory Context: %s\n\n", result.Intent.Intent)
	if result.Query != "" {
		fmt.Fprintf(&b, "_Query: %s_\n\n", result.Query)
	}

	if len(result.Items) == 0 {
		b.WriteString("No relevant context found.\n")
		appendErrors(&b, result.Errors)
		return b.String()
	}

	bySource := make(map[string][]MemoryItem)
	var order []string
	for _, item := range result.Items {
		if _, ok := bySource[item.Source]; !ok {
			order = append(order, item.Source)
		}
		bySource[item.Source] = append(bySource[item.Source], item)
	}

	for _, source := range order {
		items := bySource[source]
		fmt.Fprintf(&b, "### %s (%d)\n\n", source, len(items))
		for _, item := range items {
			fmt.Fprintf(&b, "- **%s**", strings.TrimSpace(item.Summary))
			if item.Relevance > 0 {
				fmt.Fprintf(&b, " _(%.2f)_", item.Relevance)
			}
			b.WriteString("\n")
			content := strings.TrimSpace(item.Content)
			if content == "" {
				continue
			}
			if len(content) > itemContentLimit {
				content = content[:itemContentLimit] + "\n... (truncated)"
			}
			if lang, ok := codeLanguage(item); ok {
				fmt.Fprintf(&b, "\n```%s\n%s\n```\n", lang, content)
			} else {
				for _, line := range strings.Split(content, "\n") {
					fmt.Fprintf(&b, "  %s\n", line)
				}
			}
			b.WriteString("\n")
		}
		if b.Len() > formatBudget {
			b.WriteString("\n... (further context truncated)\n")
			break
		}
	}

	appendErrors(&b, result.Errors)
	return b.String()
}

// FormatCompact renders a one-screen digest, capped at roughly 2000
// characters, for places where the full rendering would drown the
// prompt.
func FormatCompact(result QueryResult) string {
	var b strings.Builder
	sources := strings.Join(result.SourcesQueried, ", ")
	fmt.Fprintf(&b, "**Memory[%s]** %d items", result.Intent.Intent, result.TotalCount)
	if sources != "" {
		fmt.Fprintf(&b, " from %s", sources)
	}
	b.WriteString("\n")

	for _, item := range result.Items {
		line := fmt.Sprintf("- [%s] %s", item.Source, oneLine(item.Summary))
		if item.Relevance > 0 {
			line += fmt.Sprintf(" (%.2f)", item.Relevance)
		}
		if b.Len()+len(line)+1 > compactBudget {
			b.WriteString("- ...\n")
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func appendErrors(b *strings.Builder, errs map[string]string) {
	if len(errs) == 0 {
		return
	}
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("\n_Sources with errors: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("_\n")
}

func codeLanguage(item MemoryItem) (string, bool) {
	if item.Type != "code_snippet" && item.Type != "code" {
		return "", false
	}
	if lang, ok := item.Metadata["language"].(string); ok && lang != "" {
		return lang, true
	}
	return "", true
}

func oneLine(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
