package registry

import (
	"regexp"
	"strings"

	"github.com/opm-sh/opm/internal/config"
)

var (
	scriptExtensionPattern = regexp.MustCompile(
		`^[^\s]+\.(js|ts|mjs|cjs|py|py3|pyw|sh|bash|zsh|rb|pl|php|lua|r|R|go|java|kt|kts|scala|groovy|swift)(\s|$)`)
	simplePathPattern = regexp.MustCompile(`^[a-zA-Z0-9]+(/[a-zA-Z0-9]+)*$`)
)

// ResolveCommand prefixes script with an interpreter when it names a script
// file by extension. A bare simple path with no extension runs under the
// configured node runner. Anything else passes through untouched.
func ResolveCommand(runner config.Runner, script string) string {
	if scriptExtensionPattern.MatchString(script) {
		interp := interpreterFor(extensionOf(script), runner)
		if interp != "" {
			return interp + " " + script
		}
		return script
	}
	if !strings.Contains(script, ".") && simplePathPattern.MatchString(script) {
		return runner.Node + " " + script
	}
	return script
}

// extensionOf returns the extension of the first token, dot included.
func extensionOf(script string) string {
	token := strings.Fields(script)[0]
	if i := strings.LastIndexByte(token, '.'); i >= 0 {
		return token[i:]
	}
	return ""
}

func interpreterFor(ext string, runner config.Runner) string {
	switch ext {
	case ".js", ".ts", ".mjs", ".cjs":
		return runner.Node
	case ".py", ".py3", ".pyw":
		return "python3"
	case ".sh", ".bash", ".zsh":
		return "bash"
	case ".rb":
		return "ruby"
	case ".pl":
		return "perl"
	case ".php":
		return "php"
	case ".lua":
		return "lua"
	case ".r", ".R":
		return "Rscript"
	case ".go":
		return "go run"
	case ".java":
		return "java"
	case ".kt", ".kts":
		return "kotlin"
	case ".scala":
		return "scala"
	case ".groovy":
		return "groovy"
	case ".swift":
		return "swift"
	}
	return ""
}
