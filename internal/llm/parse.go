package llm

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrProtocol indicates the tool output did not follow the header contract.
var ErrProtocol = errors.New("malformed tool output")

// headerDelimiter separates the machine-readable header from free text.
const headerDelimiter = "---"

// ParseOutput parses the tool's stdout per the output contract: a leading
// header block of `key: value` lines terminated by a `---` line, followed by
// free-form text. Recognized keys:
//
//	tokens_used:    <integer>
//	created_files:  <comma-separated paths>
//	modified_files: <comma-separated paths>
//	task:           <id> | <title> | <comma-separated dep ids>
//
// A missing delimiter, an unparseable tokens_used, an unknown header key, or
// a malformed task line is ErrProtocol. The loader never guesses.
func ParseOutput(output string) (*Response, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	resp := &Response{}
	sawTokens := false
	sawDelimiter := false

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == headerDelimiter {
			sawDelimiter = true
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q has no key", ErrProtocol, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "tokens_used":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: tokens_used %q is not a non-negative integer", ErrProtocol, value)
			}
			resp.TokensUsed = n
			sawTokens = true
		case "created_files":
			resp.CreatedFiles = splitList(value)
		case "modified_files":
			resp.ModifiedFiles = splitList(value)
		case "task":
			spec, err := parseTaskLine(value)
			if err != nil {
				return nil, err
			}
			resp.NewTasks = append(resp.NewTasks, spec)
		default:
			return nil, fmt.Errorf("%w: unknown header key %q", ErrProtocol, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if !sawDelimiter {
		return nil, fmt.Errorf("%w: missing %q delimiter", ErrProtocol, headerDelimiter)
	}
	if !sawTokens {
		return nil, fmt.Errorf("%w: missing tokens_used", ErrProtocol)
	}

	var text strings.Builder
	for scanner.Scan() {
		text.WriteString(scanner.Text())
		text.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	resp.Text = strings.TrimSpace(text.String())

	return resp, nil
}

// parseTaskLine parses `<id> | <title> | <dep,dep>` from a task header line.
// The dependency segment may be empty but the pipes are required.
func parseTaskLine(value string) (TaskSpec, error) {
	parts := strings.Split(value, "|")
	if len(parts) != 3 {
		return TaskSpec{}, fmt.Errorf("%w: task line %q needs id | title | deps", ErrProtocol, value)
	}

	spec := TaskSpec{
		ID:        strings.TrimSpace(parts[0]),
		Title:     strings.TrimSpace(parts[1]),
		DependsOn: splitList(parts[2]),
	}
	if spec.ID == "" || spec.Title == "" {
		return TaskSpec{}, fmt.Errorf("%w: task line %q has empty id or title", ErrProtocol, value)
	}
	return spec, nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
