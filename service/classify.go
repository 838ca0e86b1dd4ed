package service

import (
	"sort"
	"strings"

	"quota-gate-service/conf"
)

type prefixRule struct {
	prefix string
	group  string
}

// Classifier maps an endpoint call to its rate limit group. Method and
// path specific overrides are checked first, then path prefix rules
// with the longest prefix winning, otherwise the default group. Pure
// lookup, no state.
type Classifier struct {
	overrides    map[string]string
	prefixes     []prefixRule
	defaultGroup string
}

func NewClassifier(config conf.Classification) Classifier {
	overrides := make(map[string]string)
	for _, override := range config.Overrides {
		overrides[overrideKey(override.HttpMethod, override.Path)] = override.Group
	}

	prefixes := make([]prefixRule, 0, len(config.Prefixes))
	for _, prefix := range config.Prefixes {
		prefixes = append(prefixes, prefixRule{
			prefix: prefix.PathPrefix,
			group:  prefix.Group,
		})
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return prefixes[i].prefix > prefixes[j].prefix
	})

	return Classifier{
		overrides:    overrides,
		prefixes:     prefixes,
		defaultGroup: config.DefaultGroup,
	}
}

func (c Classifier) Classify(endpointPath string, httpMethod string) string {
	group, ok := c.overrides[overrideKey(httpMethod, endpointPath)]
	if ok {
		return group
	}
	for _, rule := range c.prefixes {
		if strings.HasPrefix(endpointPath, rule.prefix) {
			return rule.group
		}
	}
	return c.defaultGroup
}

func overrideKey(httpMethod string, path string) string {
	return strings.ToUpper(httpMethod) + " " + path
}
