package bindings

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

const (
	// MaxNameLength bounds tool names.
	MaxNameLength = 64

	// UnnamedSkill replaces names with no usable characters.
	UnnamedSkill = "unnamed_skill"

	digitPrefix = "skill_"
	hashLength  = 8
)

// Sanitize maps an arbitrary string to a tool name: lowercase ASCII
// letters, digits and single underscores, never starting with a digit and
// at most MaxNameLength long. Over-long names keep a prefix and end in a
// short hash of the full name so distinct inputs stay distinct.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	pendingSep := false
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	name := b.String()
	if name == "" {
		return UnnamedSkill
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = digitPrefix + name
	}
	if len(name) > MaxNameLength {
		sum := sha1.Sum([]byte(name))
		keep := strings.TrimRight(name[:MaxNameLength-hashLength-1], "_")
		name = keep + "_" + hex.EncodeToString(sum[:])[:hashLength]
	}
	return name
}

// ToolName derives the tool name of a provider's skill.
func ToolName(providerName, skillName string) string {
	return Sanitize(providerName + "_" + skillName)
}
