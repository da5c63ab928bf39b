//go:build windows

package wmiquery

import (
	"context"
	"time"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/pkg/errors"
	"github.com/yusufpapurcu/wmi"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/value"
)

// win32OperatingSystem is the row shape of the fixed liveness probe
// (probeService) that runWQL issues before every dynamic query,
// distinguishing "WMI service down" from "query returned
// nothing". Scanned through the typed wmi client, which owns the COM
// apartment setup for struct-shaped queries.
type win32OperatingSystem struct {
	Caption string
}

func probeService() error {
	var dst []win32OperatingSystem
	q := wmi.CreateQuery(&dst, "")
	if err := wmi.Query(q, &dst); err != nil {
		return errors.Wrap(err, "wmi: service probe failed")
	}
	return nil
}

// runWQL executes one dynamic WQL query through the COM automation
// interface; fields are matched to declared names by WMI property
// name. Unlike the probe, the result shape is pack-defined, so rows
// are walked property by property instead of scanning into a struct.
func runWQL(ctx context.Context, cfg Config, wql string, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	if err := probeService(); err != nil {
		return nil, nil, err
	}

	type result struct {
		rows  []plugin.Row
		warns []plugin.Warning
		err   error
	}
	done := make(chan result, 1)

	// COM wants thread affinity; the query runs on its own goroutine
	// with its own apartment, bounded by the configured timeout.
	go func() {
		rows, warns, err := runWQLOnThread(cfg, wql, tspec, in)
		done <- result{rows: rows, warns: warns, err: err}
	}()

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	select {
	case r := <-done:
		return r.rows, r.warns, r.err
	case <-time.After(timeout):
		return nil, nil, errors.Errorf("wmi: query timed out after %s", timeout)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func runWQLOnThread(cfg Config, wql string, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		oleCode := err.(*ole.OleError).Code()
		if oleCode != ole.S_OK && oleCode != 0x00000001 { // S_FALSE: already initialized
			return nil, nil, errors.Wrap(err, "wmi: CoInitialize")
		}
	}
	defer ole.CoUninitialize()

	locator, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return nil, nil, errors.Wrap(err, "wmi: create locator")
	}
	defer locator.Release()

	wbem, err := locator.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wmi: locator dispatch")
	}
	defer wbem.Release()

	serviceRaw, err := oleutil.CallMethod(wbem, "ConnectServer", ".", cfg.namespace())
	if err != nil {
		return nil, nil, errors.Wrap(err, "wmi: connect server")
	}
	service := serviceRaw.ToIDispatch()
	defer service.Release()

	resultRaw, err := oleutil.CallMethod(service, "ExecQuery", wql)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "wmi: exec %q", wql)
	}
	resultSet := resultRaw.ToIDispatch()
	defer resultSet.Release()

	countVar, err := oleutil.GetProperty(resultSet, "Count")
	if err != nil {
		return nil, nil, errors.Wrap(err, "wmi: result count")
	}
	count := int(countVar.Val)

	var rows []plugin.Row
	var warns []plugin.Warning
	for i := 0; i < count; i++ {
		itemRaw, err := oleutil.CallMethod(resultSet, "ItemIndex", i)
		if err != nil {
			return nil, warns, errors.Wrap(err, "wmi: result item")
		}
		item := itemRaw.ToIDispatch()
		row := plugin.Row{}
		for _, fid := range tspec.Fields {
			fspec, ok := in.Fields[fid]
			if !ok {
				continue
			}
			propVar, perr := oleutil.GetProperty(item, fspec.Name)
			if perr != nil {
				continue
			}
			v, verr := convertVariant(propVar, fspec.InputType)
			propVar.Clear()
			if verr != nil {
				row[fid] = plugin.CellErr(verr)
				continue
			}
			row[fid] = plugin.Cell(v)
		}
		item.Release()
		if len(row) > 0 {
			rows = append(rows, row)
		}
		if tspec.Singleton && len(rows) == 1 {
			break
		}
	}
	return rows, warns, nil
}

func convertVariant(v *ole.VARIANT, t value.Type) (value.Value, error) {
	raw := v.Value()
	if raw == nil {
		if t.Kind == value.KindOption {
			return value.None(*t.Elem), nil
		}
		return value.Value{}, value.Missing()
	}
	if t.Kind == value.KindOption {
		inner, err := convertVariant(v, *t.Elem)
		if err != nil {
			return value.Value{}, err
		}
		return value.Some(*t.Elem, inner), nil
	}

	switch rv := raw.(type) {
	case string:
		if t.Kind == value.KindString {
			return value.Str(rv), nil
		}
	case bool:
		if t.Kind == value.KindBool {
			return value.BoolVal(rv), nil
		}
	case int8, int16, int32, int64, uint8, uint16, uint32:
		n := variantInt(raw)
		switch t.Kind {
		case value.KindInt:
			return value.IntVal(n), nil
		case value.KindFloat:
			return value.FloatVal(float64(n)), nil
		case value.KindQuantity:
			return value.Qty(float64(n), t.Unit), nil
		}
	case float32:
		if t.Kind == value.KindFloat {
			return value.FloatVal(float64(rv)), nil
		}
	case float64:
		if t.Kind == value.KindFloat {
			return value.FloatVal(rv), nil
		}
	}
	return value.Value{}, value.TypeErrorf("wmi: variant %T does not fit declared type %s", raw, t)
}

func variantInt(raw any) int64 {
	switch n := raw.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	}
	return 0
}
