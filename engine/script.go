package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Script task bodies are restricted to assignment lines:
//
//	name = "quoted string"
//	name = 42
//	name = true
//	name = ${otherVariable}
//
// Blank lines and #-comments are skipped. Anything else fails the task with
// a BAD_EXPRESSION error.

var identPattern = regexp.MustCompile(`^\w+$`)

func splitLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func splitAssignment(line string) (name, rhs string, ok bool) {
	name, rhs, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	rhs = strings.TrimSpace(rhs)
	if !identPattern.MatchString(name) || rhs == "" {
		return "", "", false
	}
	return name, rhs, true
}

func parseScriptLiteral(raw string) any {
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return raw[1 : len(raw)-1]
		}
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
