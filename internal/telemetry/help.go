// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"fmt"
	"net/http"

	"opentune.dev/opentune/internal/consts"
)

const (
	helpEndpoint = "/help"
	helpPage     = `<!DOCTYPE html>
<head>
	<title>opentune Admin Help</title>
</head>
<body>
<pre>
* <a href="/healthz">/healthz</a> - Liveness, add ?readiness=true for the storage probe
* <a href="/configz">/configz</a> - Effective configuration
* <a href="/debug/rpcz">/debug/rpcz</a> - RPC Debugging
* <a href="/debug/tracez">/debug/tracez</a> - Storage and scheduler traces
* <a href="/metrics">/metrics</a> - Raw Metrics, use prometheus or grafana instead.
</pre>
</body>
`
)

func newHelp() func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, helpPage)
	}
}

func bindHelp(p Params, b Bindings) error {
	if !p.Config().GetBool(consts.TelemetryZpagesEnable) {
		return nil
	}
	b.TelemetryHandleFunc(helpEndpoint, newHelp())
	return nil
}
