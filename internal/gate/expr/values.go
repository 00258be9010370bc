package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []interface{}:
		return true
	case map[string]interface{}:
		return true
	default:
		return true
	}
}

func toNumber(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to a number", x)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func toDisplayString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func looseEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if strictEquals(a, b) {
		return true
	}
	an, aerr := toNumber(a)
	bn, berr := toNumber(b)
	if aerr == nil && berr == nil {
		return an == bn
	}
	return false
}

func strictEquals(a, b interface{}) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func compare(op string, a, b interface{}) (bool, error) {
	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	an, err := toNumber(a)
	if err != nil {
		return false, err
	}
	bn, err := toNumber(b)
	if err != nil {
		return false, err
	}
	switch op {
	case "<":
		return an < bn, nil
	case "<=":
		return an <= bn, nil
	case ">":
		return an > bn, nil
	case ">=":
		return an >= bn, nil
	}
	return false, fmt.Errorf("unsupported comparison operator %q", op)
}

// callStringMethod implements the allow-listed string methods.
func callStringMethod(s, method string, args []interface{}) (interface{}, error) {
	arg := func(i int) (string, bool) {
		if i >= len(args) {
			return "", false
		}
		v, ok := args[i].(string)
		return v, ok
	}
	switch method {
	case "toLowerCase":
		return strings.ToLower(s), nil
	case "toUpperCase":
		return strings.ToUpper(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "includes":
		sub, _ := arg(0)
		return strings.Contains(s, sub), nil
	case "startsWith":
		prefix, _ := arg(0)
		return strings.HasPrefix(s, prefix), nil
	case "endsWith":
		suffix, _ := arg(0)
		return strings.HasSuffix(s, suffix), nil
	case "slice":
		return sliceString(s, args), nil
	case "substring":
		return substringString(s, args), nil
	case "split":
		sep, ok := arg(0)
		if !ok {
			return []interface{}{s}, nil
		}
		parts := strings.Split(s, sep)
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "replace":
		from, _ := arg(0)
		to, _ := arg(1)
		return strings.Replace(s, from, to, 1), nil
	case "match":
		pattern, _ := arg(0)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid match pattern: %w", err)
		}
		m := re.FindStringSubmatch(s)
		if m == nil {
			return nil, nil
		}
		out := make([]interface{}, len(m))
		for i, v := range m {
			out[i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported string method %q", method)
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func sliceString(s string, args []interface{}) string {
	n := len(s)
	start, end := 0, n
	if len(args) > 0 {
		if f, err := toNumber(args[0]); err == nil {
			start = clampIndex(int(f), n)
		}
	}
	if len(args) > 1 {
		if f, err := toNumber(args[1]); err == nil {
			end = clampIndex(int(f), n)
		}
	}
	if start >= end {
		return ""
	}
	return s[start:end]
}

func substringString(s string, args []interface{}) string {
	n := len(s)
	start, end := 0, n
	if len(args) > 0 {
		if f, err := toNumber(args[0]); err == nil {
			start = clampIndex(int(f), n)
		}
	}
	if len(args) > 1 {
		if f, err := toNumber(args[1]); err == nil {
			end = clampIndex(int(f), n)
		}
	}
	if start > end {
		start, end = end, start
	}
	return s[start:end]
}
