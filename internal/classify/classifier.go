package classify

import (
	"fmt"
	"strings"
)

// Classifier decides whether a parsed log record is a usage event. It
// evaluates a single configured boolean field and fails closed: an absent
// field, a non-boolean value, or a record that failed to parse never matches.
type Classifier struct {
	field string
}

// NewClassifier creates a classifier for the given predicate field name.
func NewClassifier(field string) (*Classifier, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, fmt.Errorf("classify: predicate field name is empty")
	}
	return &Classifier{field: field}, nil
}

// Field returns the configured predicate field name.
func (c *Classifier) Field() string { return c.field }

// Match reports whether fields mark a usage event. Only the JSON literal
// true matches; the string "true" does not.
func (c *Classifier) Match(fields Fields) bool {
	if fields == nil {
		return false
	}
	v, ok := fields[c.field]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// MatchLine parses line and evaluates the predicate in one step.
func (c *Classifier) MatchLine(line string) bool {
	return c.Match(ParseFields(line))
}
