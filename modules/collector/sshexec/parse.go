package sshexec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/value"
)

// ParseOutput converts one command's stdout into typed rows under the
// declared parser and field types. Cell decode failures degrade to
// per-cell errors, never the table.
func ParseOutput(stdout []byte, parser string, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	switch parser {
	case "", "json-lines":
		return parseJSONLines(stdout, tspec, in)
	case "kv":
		return parseKV(stdout, tspec, in)
	default:
		return nil, nil, errors.Errorf("ssh: unknown parser %q", parser)
	}
}

func parseJSONLines(stdout []byte, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	var rows []plugin.Row
	var warns []plugin.Warning
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			warns = append(warns, plugin.Warning{Level: plugin.LevelWarning, Message: errors.Wrapf(err, "ssh: line %d is not a JSON object", line).Error()})
			continue
		}
		row := plugin.Row{}
		for _, fid := range tspec.Fields {
			fspec, ok := in.Fields[fid]
			if !ok {
				continue
			}
			raw, ok := obj[fspec.Name]
			if !ok {
				continue
			}
			v, err := fspec.InputType.ValueFromJSON(raw)
			if err != nil {
				row[fid] = plugin.CellErr(err)
				continue
			}
			row[fid] = plugin.Cell(v)
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
		if tspec.Singleton && len(rows) == 1 {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, warns, errors.Wrap(err, "ssh: scan command output")
	}
	return rows, warns, nil
}

// parseKV reads "key: value" lines into one row, coercing each value
// text through the declared field type.
func parseKV(stdout []byte, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	byName := make(map[string]etc.DataFieldSpec, len(tspec.Fields))
	idByName := make(map[string]string, len(tspec.Fields))
	for _, fid := range tspec.Fields {
		if fspec, ok := in.Fields[fid]; ok {
			byName[fspec.Name] = fspec
			idByName[fspec.Name] = fid
		}
	}

	row := plugin.Row{}
	var warns []plugin.Warning
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	for sc.Scan() {
		text := sc.Text()
		i := strings.Index(text, ":")
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(text[:i])
		fspec, ok := byName[name]
		if !ok {
			continue
		}
		v, err := cellFromText(strings.TrimSpace(text[i+1:]), fspec.InputType)
		if err != nil {
			row[idByName[name]] = plugin.CellErr(err)
			continue
		}
		row[idByName[name]] = plugin.Cell(v)
	}
	if err := sc.Err(); err != nil {
		return nil, warns, errors.Wrap(err, "ssh: scan command output")
	}
	if len(row) == 0 {
		return nil, warns, nil
	}
	return []plugin.Row{row}, warns, nil
}

// cellFromText coerces one textual cell to its declared type; types
// without a natural textual form go through the JSON bridge.
func cellFromText(text string, t value.Type) (value.Value, error) {
	switch t.Kind {
	case value.KindString:
		return value.Str(text), nil
	case value.KindBinary:
		return value.Bin([]byte(text)), nil
	case value.KindInt:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return value.Value{}, value.TypeErrorf("ssh: %q is not an integer", text)
		}
		return value.IntVal(n), nil
	case value.KindFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return value.Value{}, value.TypeErrorf("ssh: %q is not a float", text)
		}
		return value.FloatVal(f), nil
	case value.KindBool:
		b, err := strconv.ParseBool(strings.ToLower(text))
		if err != nil {
			return value.Value{}, value.TypeErrorf("ssh: %q is not a boolean", text)
		}
		return value.BoolVal(b), nil
	default:
		raw, err := json.Marshal(text)
		if err != nil {
			return value.Value{}, value.External(err)
		}
		return t.ValueFromJSON(raw)
	}
}
