//go:build !windows

package wmiquery

import (
	"context"

	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
)

func runWQL(_ context.Context, _ Config, _ string, _ etc.DataTableSpec, _ etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	return nil, nil, errors.New("wmi: not supported on this platform")
}
