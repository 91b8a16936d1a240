package cli

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// printResult writes a response body in the selected format. Text output
// flattens the top-level object into "key: value" lines.
func printResult(w io.Writer, format string, body []byte) error {
	if format == "json" {
		var buf bytes.Buffer
		if err := stdjson.Indent(&buf, body, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := w.Write(buf.Bytes())
		return err
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		_, err = fmt.Fprintln(w, strings.TrimSpace(string(body)))
		return err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s: %s\n", k, textValue(obj[k])); err != nil {
			return err
		}
	}
	return nil
}

func textValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	case bool:
		return fmt.Sprintf("%t", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
