// Package wrapper parses a C function signature out of source text and
// generates the shim translation unit that bridges the shared argument
// buffer to that function's native calling convention (spec §4.2).
package wrapper

import (
	"fmt"
	"regexp"
	"strings"
)

// ParamClass classifies a parameter as derived syntactically from its type
// text: presence of '*' or '[]' means Pointer, otherwise Value.
type ParamClass int

const (
	Value ParamClass = iota
	Pointer
)

// Param is one parsed parameter: name, type text, and its derived class.
type Param struct {
	Name string
	Type string
	Class ParamClass
}

// Signature is the parsed prototype of spec §3: name, return type, ordered
// parameter list.
type Signature struct {
	Name       string
	ReturnType string
	Params     []Param
}

// standardTypedefsPreamble supplies the common fixed-width integer aliases and
// is prepended to the source before the definition is searched for. The
// simplified parser below does not look types up in it: a parameter or
// return type that is declared nowhere is accepted as written.
const standardTypedefsPreamble = `
typedef signed char int8_t;
typedef unsigned char uint8_t;
typedef short int16_t;
typedef unsigned short uint16_t;
typedef int int32_t;
typedef unsigned int uint32_t;
typedef long long int64_t;
typedef unsigned long long uint64_t;
typedef uint32_t size_t;
`

// funcDefRe locates "returnType name(" allowing the parameter list to span
// multiple lines; it intentionally does not try to match the closing paren or
// body, which findParamList below handles by counting parens.
var funcDefRe = regexp.MustCompile(`(?m)^([A-Za-z_][A-Za-z0-9_ \t\*]*?)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// defaultSlotCount is the argument-slot count fixed by the wire ABI. Slot
// defaultSlotCount-1 is reserved for the return value, so a signature may
// have at most defaultSlotCount-1 parameters (spec §3's invariant).
const defaultSlotCount = 32

// ParseSignature regex-locates the definition of funcName in source
// (tolerating a multi-line parameter list), prepends the standard-typedefs
// preamble, and parses the declaration into a Signature. Spec §4.2's
// "C-grammar parser" is implemented here as a simplified declarator splitter
// sufficient for the value/pointer classification and type text the wrapper
// generator needs — not a general C parser.
func ParseSignature(source, funcName string) (*Signature, error) {
	return parseSignature(standardTypedefsPreamble+"\n"+source, funcName)
}

func parseSignature(source, funcName string) (*Signature, error) {
	matches := funcDefRe.FindAllStringSubmatchIndex(source, -1)
	for _, m := range matches {
		name := source[m[4]:m[5]]
		if name != funcName {
			continue
		}
		returnType := strings.TrimSpace(source[m[2]:m[3]])
		parenOpen := m[1] - 1 // index of '(' is right before match end
		paramText, err := extractBalancedParens(source, parenOpen)
		if err != nil {
			return nil, &ErrUnbalancedParens{FuncName: funcName}
		}
		params, err := parseParamList(paramText)
		if err != nil {
			return nil, err
		}
		if len(params) > defaultSlotCount-1 {
			return nil, &ErrTooManyParameters{FuncName: funcName, Count: len(params), Max: defaultSlotCount - 1}
		}
		if err := validateReturnType(returnType); err != nil {
			return nil, err
		}
		return &Signature{Name: funcName, ReturnType: returnType, Params: params}, nil
	}
	return nil, &ErrFunctionNotFound{FuncName: funcName}
}

// extractBalancedParens returns the text strictly between the '(' at openIdx
// and its matching ')', counting nested parens so a multi-line parameter list
// with nested function-pointer types is still handled correctly.
func extractBalancedParens(s string, openIdx int) (string, error) {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[openIdx+1 : i], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced parens")
}

func parseParamList(text string) ([]Param, error) {
	text = strings.TrimSpace(text)
	if text == "" || text == "void" {
		return nil, nil
	}
	rawParams := splitTopLevelCommas(text)
	params := make([]Param, 0, len(rawParams))
	for _, raw := range rawParams {
		p, err := parseOneParam(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

func splitTopLevelCommas(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*$`)

// parseOneParam splits "TYPE NAME" or "TYPE NAME[]" or "TYPE *NAME" into a
// Param, classifying per spec §3: '*' or '[]' anywhere in the declarator
// makes it Pointer.
func parseOneParam(decl string) (Param, error) {
	decl = strings.TrimSpace(decl)
	if decl == "" {
		return Param{}, fmt.Errorf("build: empty parameter declaration")
	}
	isArray := strings.HasSuffix(strings.TrimSpace(decl), "]")
	trimmed := decl
	if isArray {
		if idx := strings.IndexByte(trimmed, '['); idx >= 0 {
			trimmed = trimmed[:idx]
		}
	}
	loc := identRe.FindStringIndex(strings.TrimSpace(trimmed))
	if loc == nil {
		return Param{}, fmt.Errorf("build: could not find parameter name in %q", decl)
	}
	trimmed = strings.TrimRight(trimmed, " \t")
	nameStart := loc[0]
	name := trimmed[nameStart:]
	typeText := strings.TrimSpace(trimmed[:nameStart])
	isPointer := strings.Contains(typeText, "*") || isArray
	class := Value
	if isPointer {
		class = Pointer
	}
	if typeText == "" {
		return Param{}, fmt.Errorf("build: parameter %q is missing a type", decl)
	}
	return Param{Name: name, Type: strings.TrimSpace(typeText + boolToStar(isArray && !strings.Contains(typeText, "*"))), Class: class}, nil
}

func boolToStar(b bool) string {
	if b {
		return " *"
	}
	return ""
}

func validateReturnType(t string) error {
	t = strings.TrimSpace(t)
	if t == "double" {
		// Allowed per spec §4.2's lossy-truncation rule, not rejected.
		return nil
	}
	if strings.Contains(t, "int64_t") || strings.Contains(t, "uint64_t") || strings.Contains(t, "long long") {
		return &ErrUnsupportedReturnType{Type: t}
	}
	if strings.HasPrefix(t, "struct ") {
		return &ErrUnsupportedReturnType{Type: t}
	}
	return nil
}
