package coremain

import (
	"fmt"
	"io"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"gopkg.in/yaml.v3"
)

// printResult writes v in format, "text" uses the text func.
func printResult(w io.Writer, format string, v any, text func(w io.Writer) error) error {
	switch format {
	case "", "text":
		return text(w)
	case "json":
		b, err := json.Marshal(v, jsontext.WithIndent("  "))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q, use text, json or yaml", format)
	}
}
