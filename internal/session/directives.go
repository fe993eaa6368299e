package session

import (
	"strings"
)

// Directive is a parsed slash command extracted from an inbound body.
type Directive struct {
	Name string // "think", "verbose", "elevated", "model", "reset", ...
	Arg  string
}

// Known directive commands.
var directiveNames = map[string]bool{
	"think":      true,
	"verbose":    true,
	"elevated":   true,
	"model":      true,
	"reset":      true,
	"compact":    true,
	"activation": true,
	"status":     true,
	"whoami":     true,
	"commands":   true,
}

// ParseDirective extracts a leading directive command from body. Returns the
// directive and the remaining text, or (nil, body) when the body is not a
// directive.
func ParseDirective(body string) (*Directive, string) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "/") {
		return nil, body
	}

	fields := strings.Fields(body)
	name := strings.TrimPrefix(fields[0], "/")
	// Strip a bot-mention suffix like /status@assistant
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if !directiveNames[strings.ToLower(name)] {
		return nil, body
	}

	d := &Directive{Name: strings.ToLower(name)}
	if len(fields) > 1 {
		d.Arg = fields[1]
	}
	rest := ""
	if len(fields) > 2 {
		rest = strings.Join(fields[2:], " ")
	}
	return d, rest
}

// ApplyDirective mutates the session entry per the directive. Returns a
// user-facing confirmation line, or "" when the directive needs the caller
// (reset/compact/status/whoami/commands are handled upstream).
func ApplyDirective(store *Store, key string, d *Directive) (string, error) {
	switch d.Name {
	case "think":
		level := normalizeThinking(d.Arg)
		if level == "" {
			return "Usage: /think off|minimal|low|medium|high", nil
		}
		if err := store.Mutate(key, func(e *Entry) { e.ThinkingLevel = level }); err != nil {
			return "", err
		}
		return "Thinking level set to " + level, nil
	case "verbose":
		v := "off"
		if d.Arg == "on" {
			v = "on"
		}
		if err := store.Mutate(key, func(e *Entry) { e.VerboseLevel = v }); err != nil {
			return "", err
		}
		return "Verbose " + v, nil
	case "elevated":
		level := d.Arg
		if level != ElevatedOff && level != ElevatedAsk && level != ElevatedOn {
			return "Usage: /elevated off|ask|on", nil
		}
		if err := store.Mutate(key, func(e *Entry) { e.ElevatedLevel = level }); err != nil {
			return "", err
		}
		return "Elevated " + level, nil
	case "model":
		if d.Arg == "" {
			return "Usage: /model <model-id>", nil
		}
		if err := store.Mutate(key, func(e *Entry) { e.Model = d.Arg }); err != nil {
			return "", err
		}
		return "Model set to " + d.Arg, nil
	case "activation":
		if d.Arg != ActivationMention && d.Arg != ActivationAlways {
			return "Usage: /activation mention|always", nil
		}
		if err := store.Mutate(key, func(e *Entry) { e.GroupActivation = d.Arg }); err != nil {
			return "", err
		}
		return "Group activation set to " + d.Arg, nil
	}
	return "", nil
}

func normalizeThinking(arg string) string {
	switch strings.ToLower(arg) {
	case ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return strings.ToLower(arg)
	}
	return ""
}
