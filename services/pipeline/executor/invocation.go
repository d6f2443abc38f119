// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/task"
)

// invocation is the task.Invocation handed to leaf bodies. Metric and
// log emission routes through the run so events carry the instance id.
type invocation struct {
	run  *run.Run
	inst *run.Instance
}

func (v *invocation) Params() task.Values {
	return v.inst.Values()
}

func (v *invocation) Output(name string) target.Target {
	t, _ := v.inst.Output(name)
	return t
}

func (v *invocation) LogMetric(name string, value float64) {
	v.run.LogMetricFor(v.inst, name, value)
}

func (v *invocation) LogLine(msg string) {
	v.run.LogLineFor(v.inst, msg)
}
