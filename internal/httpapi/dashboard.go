package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>RelayLevel Overrides</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: flex; gap: 10px; margin-top: 12px; flex-wrap: wrap; }
    .controls input, .controls select {
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 9px 11px;
      font-size: 0.92rem;
    }
    .controls input.token { flex: 1 1 320px; }

    button {
      border: 0;
      border-radius: 10px;
      padding: 9px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
    }
    .btn-primary { background: var(--accent); color: #fff; }
    .btn-secondary { background: #f2ede2; color: var(--ink); border: 1px solid var(--line); }
    .btn-danger { background: var(--danger); color: #fff; }

    .alert {
      display: none;
      border-radius: 16px;
      padding: 14px;
      background: #fff1e4;
      border: 2px solid var(--warn);
    }
    .alert.on { display: block; animation: flash 1s ease-in-out infinite alternate; }
    @keyframes flash { from { box-shadow: 0 0 0 rgba(232, 138, 61, 0); } to { box-shadow: 0 0 24px rgba(232, 138, 61, 0.6); } }

    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th { text-align: left; font-size: 0.7rem; text-transform: uppercase; letter-spacing: 0.08em; color: var(--muted); }
    td, th { padding: 8px 6px; border-bottom: 1px solid #eee4d1; }
    tr.expiring td { background: #fff6ec; }

    .meter { height: 8px; border-radius: 6px; background: #eee4d1; overflow: hidden; min-width: 120px; }
    .meter span { display: block; height: 100%; background: var(--accent); }
    tr.expiring .meter span { background: var(--warn); }

    .mono { font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, monospace; font-size: 0.8rem; }
    .status { font-size: 0.85rem; color: var(--muted); }
    .status.error { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>Log level overrides</h1>
      <div class="sub">Tab <span id="tab" class="mono">-</span> | session <span id="session">inactive</span> | <span id="status" class="status">enter a token</span></div>
      <div class="controls">
        <input id="token" class="token" type="password" placeholder="Bearer token" />
        <button id="connect" class="btn-primary" type="button">Connect</button>
        <button id="begin" class="btn-secondary" type="button">Start session</button>
        <button id="end" class="btn-secondary" type="button">End session</button>
      </div>
      <div class="controls">
        <input id="services" placeholder="service ids, comma separated" />
        <input id="env" placeholder="env" />
        <select id="level">
          <option>TRACE</option><option selected>DEBUG</option><option>INFO</option><option>WARN</option><option>ERROR</option>
        </select>
        <input id="minutes" type="number" min="1" value="10" style="width:90px" />
        <button id="apply" class="btn-primary" type="button">Apply</button>
      </div>
    </section>

    <section id="alert" class="alert">
      <strong><span id="alertCount">0</span> override(s) expiring soon.</strong>
      <div class="controls">
        <button id="keep" class="btn-primary" type="button">Keep all</button>
        <button id="reset" class="btn-danger" type="button">Accept reset</button>
      </div>
    </section>

    <section class="panel">
      <table>
        <thead><tr><th>Service</th><th>Env</th><th>Level</th><th>Remaining</th><th></th><th></th></tr></thead>
        <tbody id="rows"></tbody>
      </table>
    </section>
  </div>

  <script>
    (function () {
      const $ = (id) => document.getElementById(id);
      let overrides = [];
      let socket = null;
      let skew = 0;

      function token() { return $("token").value.trim(); }

      function setStatus(text, isError) {
        $("status").textContent = text;
        $("status").className = isError ? "status error" : "status";
      }

      async function call(method, path, body) {
        const headers = {
          "Authorization": "Bearer " + token(),
          "X-Correlation-Id": "dash_" + Date.now().toString(36) + Math.random().toString(36).slice(2, 6),
        };
        if (body !== undefined) { headers["Content-Type"] = "application/json"; }
        const resp = await fetch(path, { method, headers, body: body === undefined ? undefined : JSON.stringify(body) });
        const data = await resp.json().catch(() => ({}));
        if (!resp.ok) { throw new Error(data.message || resp.statusText); }
        return data;
      }

      function render() {
        const now = Date.now() + skew;
        const rows = $("rows");
        rows.innerHTML = "";
        let expiring = 0;
        overrides.forEach((o) => {
          const remaining = Math.max(0, o.expiryTime - now);
          const soon = o.isExpiringSoon || remaining < 60000;
          if (soon) { expiring++; }
          const tr = document.createElement("tr");
          if (soon) { tr.className = "expiring"; }
          const fraction = Math.max(0, Math.min(1, remaining / o.totalDuration));
          const cells = [o.serviceName || o.serviceId, o.envId || "-", o.level, Math.ceil(remaining / 1000) + "s"];
          cells.forEach((text) => {
            const td = document.createElement("td");
            td.textContent = text;
            tr.appendChild(td);
          });
          const meter = document.createElement("td");
          meter.innerHTML = '<div class="meter"><span style="width:' + (fraction * 100).toFixed(1) + '%"></span></div>';
          tr.appendChild(meter);
          const actions = document.createElement("td");
          const renew = document.createElement("button");
          renew.className = "btn-secondary";
          renew.textContent = "Renew";
          renew.onclick = () => act(() => call("POST", "/v1/overrides/renew", { ids: [o.id] }));
          const remove = document.createElement("button");
          remove.className = "btn-secondary";
          remove.textContent = "Remove";
          remove.onclick = () => act(() => call("DELETE", "/v1/overrides/" + encodeURIComponent(o.id)));
          actions.append(renew, " ", remove);
          tr.appendChild(actions);
          rows.appendChild(tr);
        });
        $("alertCount").textContent = String(expiring);
        $("alert").classList.toggle("on", expiring > 0);
      }

      async function act(fn) {
        try {
          await fn();
          setStatus("ok");
        } catch (err) {
          setStatus(String(err.message || err), true);
        }
      }

      async function refreshSession() {
        const s = await call("GET", "/v1/session");
        $("session").textContent = s.active ? s.session.operator : "inactive";
      }

      function applyState(list, now) {
        overrides = Array.isArray(list) ? list : [];
        if (now) { skew = now - Date.now(); }
        render();
      }

      function connect() {
        if (socket) { socket.close(); }
        const scheme = location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + location.host + "/v1/stream?access_token=" + encodeURIComponent(token()));
        socket.onmessage = (msg) => {
          const ev = JSON.parse(msg.data);
          if (ev.type === "hello") {
            $("tab").textContent = ev.tabId;
            applyState(ev.overrides, ev.now);
            return;
          }
          if (ev.type === "session") { refreshSession().catch(() => {}); }
          if (ev.type !== "tick") {
            call("GET", "/v1/overrides").then((data) => applyState(data.overrides, data.now)).catch(() => {});
          } else {
            render();
          }
        };
        socket.onclose = () => setStatus("stream closed", true);
        socket.onopen = () => setStatus("live");
      }

      $("connect").onclick = () => {
        window.localStorage.setItem("relaylevel_dashboard_token", token());
        connect();
        refreshSession().catch((err) => setStatus(String(err.message || err), true));
      };
      $("begin").onclick = () => act(async () => { await call("POST", "/v1/session"); await refreshSession(); });
      $("end").onclick = () => act(async () => { await call("DELETE", "/v1/session"); await refreshSession(); });
      $("keep").onclick = () => act(() => call("POST", "/v1/decision", { action: "keep" }));
      $("reset").onclick = () => act(() => call("POST", "/v1/decision", { action: "reset" }));
      $("apply").onclick = () => act(async () => {
        const services = $("services").value.split(",").map((s) => s.trim()).filter(Boolean).map((id) => ({ id }));
        const result = await call("POST", "/v1/overrides", {
          services,
          envId: $("env").value.trim(),
          level: $("level").value,
          durationMs: Number($("minutes").value) * 60000,
        });
        if (result.failed && result.failed.length) {
          throw new Error("failed: " + result.failed.join(", "));
        }
      });

      $("token").value = window.localStorage.getItem("relaylevel_dashboard_token") || "";
      if (token()) { $("connect").click(); }
      setInterval(render, 1000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
