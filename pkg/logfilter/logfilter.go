// Package logfilter maps the CLI logging surface onto go-kit level
// and keyvalue filtering.
package logfilter

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Verbosity applies the --verbose count: 0 errors only, 1 adds
// warnings, 2 info, 3 and up debug.
func Verbosity(logger log.Logger, verbose int) log.Logger {
	var opt level.Option
	switch {
	case verbose <= 0:
		opt = level.AllowError()
	case verbose == 1:
		opt = level.AllowWarn()
	case verbose == 2:
		opt = level.AllowInfo()
	default:
		opt = level.AllowDebug()
	}
	return level.NewFilter(logger, opt)
}

// Modules drops or admits log records by their "module" key: when
// allow is non-empty only listed modules pass; ignore always drops.
func Modules(logger log.Logger, allow, ignore []string) log.Logger {
	if len(allow) == 0 && len(ignore) == 0 {
		return logger
	}
	allowed := map[string]bool{}
	for _, m := range allow {
		allowed[m] = true
	}
	ignored := map[string]bool{}
	for _, m := range ignore {
		ignored[m] = true
	}
	return &moduleFilter{next: logger, allow: allowed, ignore: ignored}
}

type moduleFilter struct {
	next   log.Logger
	allow  map[string]bool
	ignore map[string]bool
}

func (f *moduleFilter) Log(keyvals ...interface{}) error {
	module := ""
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok && k == "module" {
			if v, ok := keyvals[i+1].(string); ok {
				module = v
			}
		}
	}
	if module != "" {
		if f.ignore[module] {
			return nil
		}
		if len(f.allow) > 0 && !f.allow[module] {
			return nil
		}
	}
	return f.next.Log(keyvals...)
}
