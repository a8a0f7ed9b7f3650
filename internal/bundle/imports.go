package bundle

import "regexp"

// Static import/export forms recognized by the graph walk. This is a
// heuristic text scan, not a parse: it only needs the specifier strings,
// and tolerating the odd false positive inside a string literal is cheaper
// than type-checking user code. Dynamic import() with a literal argument is
// included since it is statically known.
var importPatterns = []*regexp.Regexp{
	// import defaultExport from "x" / import { a, b } from "x" /
	// import * as ns from "x" / export { a } from "x" / export * from "x"
	regexp.MustCompile(`(?s)\b(?:import|export)\s+(?:type\s+)?[\w*{}\s,$]*?\bfrom\s*["']([^"']+)["']`),
	// bare side-effect import: import "x"
	regexp.MustCompile(`\bimport\s*["']([^"']+)["']`),
	// dynamic import with a literal specifier: import("x")
	regexp.MustCompile(`\bimport\s*\(\s*["']([^"']+)["']\s*\)`),
}

// ExtractImports returns the distinct import specifiers statically
// reachable in source, in first-seen order.
func ExtractImports(source string) []string {
	seen := make(map[string]struct{})
	var specs []string
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			spec := m[1]
			if _, ok := seen[spec]; ok {
				continue
			}
			seen[spec] = struct{}{}
			specs = append(specs, spec)
		}
	}
	return specs
}
