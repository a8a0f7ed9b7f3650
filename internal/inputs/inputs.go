// Package inputs guesses the input shape of an applet handler from its
// source. The guess is best effort: it reads the destructuring pattern of
// the handler's first parameter plus any inline type annotation, and falls
// back to an unknown shape whenever the source is too clever for it.
package inputs

import (
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// Param is one guessed handler input.
type Param struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// Shape is the guessed input shape of a handler. Unknown means the source
// gave no usable signal; callers should treat the inputs as opaque JSON.
type Shape struct {
	Unknown bool    `json:"unknown,omitempty"`
	Params  []Param `json:"params"`
}

var unknownShape = Shape{Unknown: true, Params: []Param{}}

var (
	funcDeclRe   = regexp.MustCompile(`\b(?:async\s+)?function\s+(?:handler|main)\s*\(`)
	funcAssignRe = regexp.MustCompile(`\b(?:const|let|var)\s+(?:handler|main)\s*=\s*(?:async\s*)?(?:function\s*)?\(`)
	exportRe     = regexp.MustCompile(`\bexport\s+(?:default\s+)?`)

	annotationRe = regexp.MustCompile(`(\w+)(\?)?\s*:\s*([A-Za-z_][\w.]*(?:\[\])?|Array<[^>]*>)`)
)

// Extract guesses the input shape of the handler exported by source.
func Extract(source string) Shape {
	src := exportRe.ReplaceAllString(source, "")

	params, ok := handlerParams(src)
	if !ok {
		return unknownShape
	}
	params = strings.TrimSpace(params)
	if params == "" {
		return Shape{Params: []Param{}}
	}
	if params[0] != '{' {
		// A plain identifier parameter tells us nothing about keys.
		return unknownShape
	}

	pattern, rest, ok := splitPattern(params)
	if !ok {
		return unknownShape
	}
	annotations := parseAnnotations(rest)

	parsed, err := parsePattern(pattern)
	if err != nil {
		return unknownShape
	}

	shape := Shape{Params: []Param{}}
	for _, prop := range parsed.Properties {
		p, ok := paramFromProperty(prop)
		if !ok {
			return unknownShape
		}
		if ann, found := annotations[p.Key]; found {
			p.Type = ann.Type
			if ann.Optional {
				p.Optional = true
			}
		}
		shape.Params = append(shape.Params, p)
	}
	return shape
}

// handlerParams returns the raw text of the handler's parameter list.
func handlerParams(src string) (string, bool) {
	loc := funcDeclRe.FindStringIndex(src)
	if loc == nil {
		loc = funcAssignRe.FindStringIndex(src)
	}
	if loc == nil {
		return "", false
	}
	// The match ends just past the opening paren.
	depth := 1
	for i := loc[1]; i < len(src); i++ {
		switch src[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return src[loc[1]:i], true
			}
		}
	}
	return "", false
}

// splitPattern separates the leading destructuring pattern from whatever
// follows it, typically a type annotation.
func splitPattern(params string) (pattern, rest string, ok bool) {
	depth := 0
	for i := 0; i < len(params); i++ {
		switch params[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return params[:i+1], params[i+1:], true
			}
		}
	}
	return "", "", false
}

type annotation struct {
	Type     string
	Optional bool
}

// parseAnnotations reads key types out of an inline object type annotation
// such as ": { name: string; count?: number }". Named types cannot be
// resolved here and simply do not contribute.
func parseAnnotations(rest string) map[string]annotation {
	out := make(map[string]annotation)
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, ":") {
		return out
	}
	for _, m := range annotationRe.FindAllStringSubmatch(rest, -1) {
		out[m[1]] = annotation{
			Type:     normalizeType(m[3]),
			Optional: m[2] == "?",
		}
	}
	return out
}

func normalizeType(t string) string {
	switch {
	case strings.HasSuffix(t, "[]"), strings.HasPrefix(t, "Array<"):
		return "array"
	}
	switch t {
	case "string", "number", "boolean", "any", "unknown":
		return t
	case "Date":
		return "date"
	case "object", "Record":
		return "object"
	default:
		return "any"
	}
}

// parsePattern runs the destructuring pattern through the JS parser by
// wrapping it in a throwaway function expression.
func parsePattern(pattern string) (*ast.ObjectPattern, error) {
	prog, err := parser.ParseFile(nil, "", "(function("+pattern+"){})", 0)
	if err != nil {
		return nil, err
	}
	stmt, ok := prog.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return nil, errNoPattern
	}
	fn, ok := stmt.Expression.(*ast.FunctionLiteral)
	if !ok || len(fn.ParameterList.List) == 0 {
		return nil, errNoPattern
	}
	obj, ok := fn.ParameterList.List[0].Target.(*ast.ObjectPattern)
	if !ok {
		return nil, errNoPattern
	}
	return obj, nil
}

var errNoPattern = parseError("no destructuring pattern")

type parseError string

func (e parseError) Error() string { return string(e) }

func paramFromProperty(prop ast.Property) (Param, bool) {
	switch p := prop.(type) {
	case *ast.PropertyShort:
		param := Param{Key: p.Name.Name.String(), Type: "any"}
		if p.Initializer != nil {
			param.Optional = true
			param.Type = typeFromExpression(p.Initializer)
		}
		return param, true
	case *ast.PropertyKeyed:
		key, ok := propertyKey(p.Key)
		if !ok {
			return Param{}, false
		}
		param := Param{Key: key, Type: "any"}
		switch v := p.Value.(type) {
		case *ast.ObjectPattern, *ast.ObjectLiteral:
			param.Type = "object"
		case *ast.AssignExpression:
			param.Optional = true
			param.Type = typeFromExpression(v.Right)
		}
		return param, true
	default:
		return Param{}, false
	}
}

func propertyKey(expr ast.Expression) (string, bool) {
	switch k := expr.(type) {
	case *ast.Identifier:
		return k.Name.String(), true
	case *ast.StringLiteral:
		return k.Value.String(), true
	default:
		return "", false
	}
}

// typeFromExpression infers a type from a default value literal.
func typeFromExpression(expr ast.Expression) string {
	switch e := expr.(type) {
	case *ast.StringLiteral, *ast.TemplateLiteral:
		return "string"
	case *ast.NumberLiteral:
		return "number"
	case *ast.BooleanLiteral:
		return "boolean"
	case *ast.ArrayLiteral:
		return "array"
	case *ast.ObjectLiteral:
		return "object"
	case *ast.NewExpression:
		if id, ok := e.Callee.(*ast.Identifier); ok && id.Name.String() == "Date" {
			return "date"
		}
		return "any"
	default:
		return "any"
	}
}
