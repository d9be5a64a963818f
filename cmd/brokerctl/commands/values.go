package commands

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

// maxInlineBytes is the longest byte string printed in full.
const maxInlineBytes = 32

// ParseArgs parses key=value operation arguments. Values use YAML flow
// syntax, so 12, 1.5, true, "text" and [[red, true]] all work.
func ParseArgs(pairs []string) (capability.Args, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(capability.Args, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("argument %s: %w", key, err)
		}
		if v == nil {
			v = raw
		}
		args[key] = v
	}
	return args, nil
}

// FormatValue renders an encoded operation result for the terminal.
func FormatValue(raw cbor.RawMessage) string {
	if len(raw) == 0 {
		return "ok"
	}
	var v any
	if err := wire.Unmarshal(raw, &v); err != nil {
		return "<" + hex.EncodeToString(raw) + ">"
	}
	var sb strings.Builder
	formatAny(&sb, v)
	return sb.String()
}

func formatAny(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case []byte:
		if len(t) > maxInlineBytes {
			fmt.Fprintf(sb, "<%d bytes>", len(t))
			return
		}
		sb.WriteString("0x" + hex.EncodeToString(t))
	case string:
		fmt.Fprintf(sb, "%q", t)
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteString(", ")
			}
			formatAny(sb, e)
		}
		sb.WriteByte(']')
	case map[any]any:
		keys := make([]string, 0, len(t))
		byKey := make(map[string]any, len(t))
		for k, e := range t {
			ks := fmt.Sprint(k)
			keys = append(keys, ks)
			byKey[ks] = e
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k + ": ")
			formatAny(sb, byKey[k])
		}
		sb.WriteByte('}')
	default:
		fmt.Fprint(sb, t)
	}
}
