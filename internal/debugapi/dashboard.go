package debugapi

import "net/http"

// dashboardHandler serves a small static status page. Trimmed from the
// teacher's embedded admin SPA (internal/api/dashboard_html.go) down to
// what a single-pool, read-only diagnostics surface needs: no tenant
// tables, no pause/drain controls, just the /pool and /status JSON
// endpoints rendered for a human, plus links to them and to /metrics.
func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>pgwire diagnostics</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;
  --text-muted:#8b949e;--primary:#58a6ff;--green:#3fb950;--radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;padding:24px}
a{color:var(--primary);text-decoration:none}
.container{max-width:720px;margin:0 auto}
h1{font-size:20px;margin-bottom:16px}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:16px;margin-bottom:16px}
.card h2{font-size:14px;color:var(--text-muted);margin-bottom:8px;font-weight:600;text-transform:uppercase;letter-spacing:.05em}
pre{white-space:pre-wrap;font-size:13px}
.links{display:flex;gap:16px;margin-top:8px}
</style>
</head>
<body>
<div class="container">
<h1>pgwire diagnostics</h1>
<div class="card">
<h2>Pool</h2>
<pre id="pool">loading…</pre>
</div>
<div class="card">
<h2>Status</h2>
<pre id="status">loading…</pre>
</div>
<div class="links">
<a href="/metrics">/metrics</a>
<a href="/pool">/pool</a>
<a href="/status">/status</a>
</div>
</div>
<script>
async function refresh() {
  try {
    const [pool, status] = await Promise.all([
      fetch('/pool').then(r => r.json()),
      fetch('/status').then(r => r.json()),
    ]);
    document.getElementById('pool').textContent = JSON.stringify(pool, null, 2);
    document.getElementById('status').textContent = JSON.stringify(status, null, 2);
  } catch (e) {
    document.getElementById('pool').textContent = 'error: ' + e;
  }
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
