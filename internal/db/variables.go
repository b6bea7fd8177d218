package db

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ExtractVariables returns the distinct placeholder names in the given texts,
// in order of first appearance.
func ExtractVariables(texts ...string) []string {
	seen := make(map[string]struct{})
	vars := []string{}
	for _, text := range texts {
		for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			if _, ok := seen[m[1]]; ok {
				continue
			}
			seen[m[1]] = struct{}{}
			vars = append(vars, m[1])
		}
	}
	return vars
}
