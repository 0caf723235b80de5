// Package toolmeta centralizes tool display metadata (ACP "kind" and a
// human-readable title) shared by the event mapper and the permission
// bridge, grounded on original_source's tool_metadata.py.
package toolmeta

import (
	"fmt"
	"strings"
)

// ACP tool kinds.
const (
	KindRead    = "read"
	KindEdit    = "edit"
	KindExecute = "execute"
	KindSearch  = "search"
	KindFetch   = "fetch"
	KindThink   = "think"
	KindOther   = "other"
)

// TitleFunc renders a human-readable title for a tool call from its
// arguments.
type TitleFunc func(args map[string]any) string

// meta pairs a tool's ACP kind with its title renderer, mirroring
// original_source's ToolMeta dataclass.
type meta struct {
	kind  string
	title TitleFunc
}

var registry = map[string]meta{
	"read_file":   {KindRead, pathTitle("Read")},
	"read":        {KindRead, pathTitle("Read")},
	"write_file":  {KindEdit, pathTitle("Write")},
	"write":       {KindEdit, pathTitle("Write")},
	"edit_file":   {KindEdit, pathTitle("Edit")},
	"edit":        {KindEdit, pathTitle("Edit")},
	"apply_patch": {KindEdit, pathTitle("Apply patch")},
	"bash":        {KindExecute, commandTitle},
	"execute":     {KindExecute, commandTitle},
	"run_command": {KindExecute, commandTitle},
	"grep":        {KindSearch, queryTitle("Search")},
	"search":      {KindSearch, queryTitle("Search")},
	"glob":        {KindSearch, queryTitle("Find files")},
	"web_search":  {KindFetch, queryTitle("Search the web")},
	"web_fetch":   {KindFetch, urlTitle},
	"fetch":       {KindFetch, urlTitle},
	"think":       {KindThink, func(map[string]any) string { return "Thinking" }},
}

// KindFor returns the ACP tool kind for a tool name, defaulting to "other"
// for anything unrecognized.
func KindFor(name string) string {
	if m, ok := registry[strings.ToLower(name)]; ok {
		return m.kind
	}
	return KindOther
}

// TitleFor renders a human-readable title for a tool call.
func TitleFor(name string, args map[string]any) string {
	if m, ok := registry[strings.ToLower(name)]; ok {
		return m.title(args)
	}
	return name
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func pathTitle(verb string) TitleFunc {
	return func(args map[string]any) string {
		p := stringArg(args, "path", "file_path", "filepath")
		if p == "" {
			return verb
		}
		return fmt.Sprintf("%s %s", verb, truncate(p, 50))
	}
}

func queryTitle(verb string) TitleFunc {
	return func(args map[string]any) string {
		q := stringArg(args, "query", "pattern")
		if q == "" {
			return verb
		}
		return fmt.Sprintf("%s: %s", verb, truncate(q, 50))
	}
}

func urlTitle(args map[string]any) string {
	u := stringArg(args, "url")
	if u == "" {
		return "Fetch"
	}
	return fmt.Sprintf("Fetch %s", truncate(u, 50))
}

func commandTitle(args map[string]any) string {
	cmd := stringArg(args, "command", "cmd")
	if cmd == "" {
		return "Run command"
	}
	return truncate(cmd, 50)
}
