package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/spike-detector/internal/spike"
	"github.com/sweeney/spike-detector/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateClass": func(s spike.State) string {
		switch s {
		case spike.StateRisingEdge, spike.StateAbove, spike.StateFallingEdge:
			return "spike"
		case spike.StateBlock:
			return "block"
		case spike.StateRefractory:
			return "refractory"
		}
		return "idle"
	},
	"ms": func(d time.Duration) string {
		return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Spike Detector</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.idle { color: #888; }
.spike { color: green; font-weight: bold; }
.block { color: red; font-weight: bold; }
.refractory { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Spike Detector{{if .Live}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Detector</h2>
<table>
<tr><th>State</th><td id="state" class="{{stateClass .State}}">{{.State}} ({{.State.Code}})</td></tr>
<tr><th>Ticks</th><td id="ticks">{{.Ticks}}</td></tr>
<tr><th>Last spike</th><td id="last-spike">{{if .Spiked}}{{ms .LastSpike}}{{else}}none{{end}}</td></tr>
<tr><th>Threshold</th><td>{{.Params.ThresholdMV}} mV</td></tr>
<tr><th>Min interval</th><td>{{.Params.MinIntervalMS}} ms</td></tr>
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Spike onsets</th><td id="onsets">{{.Counts.Onsets}}</td></tr>
<tr><th>Spike offsets</th><td>{{.Counts.Offsets}}</td></tr>
<tr><th>Depolarization blocks</th><td>{{.Counts.Blocks}}</td></tr>
<tr><th>Rearmed</th><td>{{.Counts.Rearms}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Session</th><td>{{.SessionID}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Source</th><td>{{.Config.Source}}</td></tr>
<tr><th>Sampling period</th><td>{{.Config.SamplingPeriod}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/params">Parameters</a></p>
{{if .Live}}
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var stateEl = document.getElementById("state");
  var ticksEl = document.getElementById("ticks");
  var lastEl = document.getElementById("last-spike");
  var onsetsEl = document.getElementById("onsets");
  var classes = {"RISING_EDGE": "spike", "ABOVE": "spike", "FALLING_EDGE": "spike", "BLOCK": "block", "REFRACTORY": "refractory"};

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(e) {
      try {
        var msg = JSON.parse(e.data).spike;
        stateEl.textContent = msg.to.state + " (" + msg.to.code + ")";
        stateEl.className = classes[msg.to.state] || "idle";
        ticksEl.textContent = msg.tick;
        if (msg.event === "SPIKE_ONSET") {
          lastEl.textContent = msg.elapsed_ms.toFixed(3) + "ms";
          onsetsEl.textContent = parseInt(onsetsEl.textContent, 10) + 1;
        }
      } catch (err) {}
    };
  }
  connect();
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, live bool) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Live   bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Live:     live,
	}
	indexTmpl.Execute(w, data)
}
