package identity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSelfLabels covers the self-chat titles WhatsApp Web renders across
// the locales the bridge has been run against, plus the short "(du)"-style
// markers the chat list shows next to the account's own name.
func DefaultSelfLabels() []string {
	return []string{
		"du",
		"you",
		"me",
		"ich",
		"yo",
		"moi",
		"self",
		"message yourself",
		"nachricht an mich",
		"nachricht an dich selbst",
	}
}

type labelsFile struct {
	SelfLabels []string `yaml:"self_labels"`
}

// LoadLabels reads a YAML self-label set. A missing path falls back to the
// defaults so locale additions are config changes, not code changes.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return DefaultSelfLabels(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSelfLabels(), nil
		}
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	var f labelsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode labels %s: %w", path, err)
	}
	if len(f.SelfLabels) == 0 {
		return DefaultSelfLabels(), nil
	}
	return append(DefaultSelfLabels(), f.SelfLabels...), nil
}
