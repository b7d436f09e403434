package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

// Toggle is a yes/no option. It accepts yes/no, on/off, true/false and 1/0
// in files and on the command line; a bare flag means yes. It is not a bool
// so the flag parser hands "--opt=no" to UnmarshalFlag.
type Toggle uint8

const (
	No  Toggle = 0
	Yes Toggle = 1
)

func ParseToggle(value string) (Toggle, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "on", "true", "1", "y":
		return Yes, nil
	case "no", "off", "false", "0", "n", "":
		return No, nil
	}
	return No, errors.NewValidationError("invalid yes/no value: "+value, nil)
}

func (t Toggle) Enabled() bool {
	return t == Yes
}

func (t *Toggle) UnmarshalFlag(value string) error {
	v, err := ParseToggle(value)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t *Toggle) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.NewValidationError("yes/no option must be a scalar", nil)
	}
	return t.UnmarshalFlag(node.Value)
}

func (t Toggle) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

func (t Toggle) String() string {
	if t.Enabled() {
		return "yes"
	}
	return "no"
}

// List is a comma separated option. Repeated flags and YAML sequences of
// comma lists are all flattened.
type List []string

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (l *List) UnmarshalFlag(value string) error {
	*l = append(*l, splitList(value)...)
	return nil
}

func (l *List) UnmarshalYAML(node *yaml.Node) error {
	var items []string
	switch node.Kind {
	case yaml.ScalarNode:
		items = splitList(node.Value)
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if child.Kind != yaml.ScalarNode {
				return errors.NewValidationError("list items must be scalars", nil)
			}
			items = append(items, splitList(child.Value)...)
		}
	default:
		return errors.NewValidationError("list option must be a string or a sequence", nil)
	}
	*l = items
	return nil
}
