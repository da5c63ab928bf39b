package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	agentconn "github.com/northbeacon/agent/modules/agent"
	"github.com/northbeacon/agent/modules/broker"
	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/modules/scheduler"
)

// controlRequest is the backend control plane's request envelope: the
// broker layer moves configuration inbound, and these are
// the operations the backend can drive.
type controlRequest struct {
	Op string `json:"op"`

	// op == "load_pack"
	Name    string          `json:"name,omitempty"`
	Version string          `json:"version,omitempty"`
	Source  json.RawMessage `json:"source,omitempty"`

	// op == "update_tasks"
	Tasks []taskDef `json:"tasks,omitempty"`

	// op == "run_now"
	Host string `json:"host,omitempty"`
	MP   string `json:"mp,omitempty"`
}

type taskDef struct {
	Host            string         `json:"host"`
	MP              string         `json:"mp"`
	PeriodSeconds   int            `json:"period_seconds"`
	Tables          []string       `json:"tables,omitempty"`
	ProtocolConfigs map[string]any `json:"protocol_configs,omitempty"`
	QueriedItemType string         `json:"queried_item_type"`
	QueriedItemID   string         `json:"queried_item_id"`
	ItemType        string         `json:"item_type"`
}

type controlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// newBackendHandler wires inbound backend requests to the etc manager
// and scheduler. Errors are reported in the response, never allowed to
// take the agent down.
func newBackendHandler(etcMgr *etc.Manager, plugMgr *plugin.Manager, sched *scheduler.Scheduler, logger log.Logger) agentconn.BackendHandler {
	return func(ctx context.Context, req broker.AsyncRequest) broker.AsyncResponse {
		var cr controlRequest
		if err := json.Unmarshal(req.Request, &cr); err != nil {
			return respond(req.ReqID, err)
		}

		var err error
		switch cr.Op {
		case "load_pack":
			err = etcMgr.LoadPkg(ctx, cr.Name, cr.Version, cr.Source, plugMgr)
		case "update_tasks":
			cfgs := make([]scheduler.TaskConfig, 0, len(cr.Tasks))
			for _, td := range cr.Tasks {
				cfgs = append(cfgs, scheduler.TaskConfig{
					Key:             scheduler.TaskKey{Host: td.Host, MPID: td.MP},
					Period:          time.Duration(td.PeriodSeconds) * time.Second,
					TableFilter:     td.Tables,
					ProtocolConfigs: td.ProtocolConfigs,
					QueriedItemType: td.QueriedItemType,
					QueriedItemID:   td.QueriedItemID,
					ItemType:        td.ItemType,
				})
			}
			sched.UpdateConfig(cfgs)
		case "run_now":
			if !sched.RunNow(scheduler.TaskKey{Host: cr.Host, MPID: cr.MP}) {
				err = errUnknownTask
			}
		default:
			err = errUnknownOp
		}
		if err != nil {
			level.Warn(logger).Log("msg", "control request failed", "op", cr.Op, "err", err)
		}
		return respond(req.ReqID, err)
	}
}

type controlError string

func (e controlError) Error() string { return string(e) }

const (
	errUnknownOp   = controlError("unknown control operation")
	errUnknownTask = controlError("no such task")
)

func respond(reqID uint64, err error) broker.AsyncResponse {
	resp := controlResponse{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	raw, _ := json.Marshal(resp)
	return broker.AsyncResponse{ReqID: reqID, Response: raw}
}
