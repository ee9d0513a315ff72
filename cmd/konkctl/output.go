package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// printer renders replies. text mode calls the command's own formatter.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string) (*printer, error) {
	switch format {
	case "text", "json", "yaml":
		return &printer{format: format, w: os.Stdout}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// print writes v as JSON or YAML, or calls text in text mode.
func (p *printer) print(v any, text func(w io.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(p.w)
		return nil
	}
}
