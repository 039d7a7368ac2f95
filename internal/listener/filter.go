package listener

import (
	"fmt"
	"regexp"
	"strings"
)

const samplerSeparator = ";"

// SamplerFilter selects which sample labels are recorded, either by a regular
// expression matched against the whole label or by an exact name list.
type SamplerFilter struct {
	re    *regexp.Regexp
	names map[string]struct{}
}

// NewSamplerFilter parses list. With useRegex the list is one expression;
// otherwise it is a ';' separated set of labels.
func NewSamplerFilter(list string, useRegex bool) (*SamplerFilter, error) {
	if useRegex {
		re, err := regexp.Compile("^(?:" + list + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid samplers regex %q: %w", list, err)
		}
		return &SamplerFilter{re: re}, nil
	}

	names := make(map[string]struct{})
	for _, name := range strings.Split(list, samplerSeparator) {
		if name != "" {
			names[name] = struct{}{}
		}
	}
	return &SamplerFilter{names: names}, nil
}

// Match reports whether label should be recorded
func (f *SamplerFilter) Match(label string) bool {
	if f.re != nil {
		return f.re.MatchString(label)
	}
	_, ok := f.names[label]
	return ok
}
