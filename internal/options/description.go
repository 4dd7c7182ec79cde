package options

import (
	"strings"
)

// CopyFields are the generated social-copy fields of a content item.
type CopyFields struct {
	Hook     string
	Body     string
	CTA      string
	Hashtags string
}

var placeholders = []string{"hook", "body", "cta", "hashtags"}

// BuildDescription renders the post description. With a template, {hook},
// {body}, {cta} and {hashtags} (single or double braces) are substituted;
// otherwise non-empty fields are joined by blank lines. When appendTag is set
// and tag is not already present (case-insensitive), it is appended.
func BuildDescription(template string, fields CopyFields, tag string, appendTag bool) string {
	values := map[string]string{
		"hook":     strings.TrimSpace(fields.Hook),
		"body":     strings.TrimSpace(fields.Body),
		"cta":      strings.TrimSpace(fields.CTA),
		"hashtags": strings.TrimSpace(fields.Hashtags),
	}

	var desc string
	if strings.TrimSpace(template) != "" {
		pairs := make([]string, 0, len(placeholders)*4)
		for _, name := range placeholders {
			pairs = append(pairs, "{{"+name+"}}", values[name], "{"+name+"}", values[name])
		}
		desc = strings.NewReplacer(pairs...).Replace(template)
	} else {
		parts := make([]string, 0, len(placeholders))
		for _, name := range placeholders {
			if values[name] != "" {
				parts = append(parts, values[name])
			}
		}
		desc = strings.Join(parts, "\n\n")
	}
	desc = strings.TrimSpace(desc)

	tag = strings.TrimSpace(tag)
	if appendTag && tag != "" && !strings.Contains(strings.ToLower(desc), strings.ToLower(tag)) {
		if desc == "" {
			return tag
		}
		desc += "\n\n" + tag
	}
	return desc
}
