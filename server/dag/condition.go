package dag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/oliveagle/jsonpath"
)

// EvaluateCondition decides a conditional edge against the upstream run's
// output. A bare jsonpath ("$.status") is truthy when it resolves to a
// non-empty, non-false value; anything else is run as a javascript
// expression with $ bound to the output document.
func EvaluateCondition(expr string, output map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if isBareJsonPath(expr) {
		value, err := jsonpath.JsonPathLookup(anyMap(output), expr)
		if err != nil {
			return false, nil
		}
		return truthy(value), nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return false, err
	}
	if len(output) == 0 {
		data = []byte("{}")
	}
	vm := goja.New()
	script := fmt.Sprintf("var $ = %s;\n%s", data, expr)
	val, err := vm.RunString(script)
	if err != nil {
		return false, fmt.Errorf("error evaluating edge condition %w", err)
	}
	return truthy(val.Export()), nil
}

func isBareJsonPath(expr string) bool {
	if !strings.HasPrefix(expr, "$.") {
		return false
	}
	return !strings.ContainsAny(expr, " =<>!&|()+")
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case float64:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}
