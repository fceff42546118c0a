package dashboard

// dashboardHTML is the embedded operator page: chain summary, actor table
// and a live table of appended entries fed by /dashboard/ws.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width">
<title>opaudit</title>
<style>
  :root { --fg: #1f2328; --muted: #656d76; --line: #d0d7de; --panel: #f6f8fa; --ok: #1a7f37; --bad: #cf222e; }
  body { margin: 0; font: 14px/1.45 system-ui, sans-serif; color: var(--fg); }
  header { padding: 16px 24px; border-bottom: 1px solid var(--line); display: flex; align-items: baseline; gap: 12px; }
  header h1 { margin: 0; font-size: 20px; }
  header span { color: var(--muted); }
  main { padding: 16px 24px; display: grid; gap: 16px; grid-template-columns: 340px 1fr; }
  section { border: 1px solid var(--line); border-radius: 6px; }
  section h2 { margin: 0; padding: 8px 12px; font-size: 12px; letter-spacing: .04em; text-transform: uppercase;
               color: var(--muted); background: var(--panel); border-bottom: 1px solid var(--line); }
  dl { margin: 0; padding: 8px 12px; display: grid; grid-template-columns: auto 1fr; gap: 4px 12px; }
  dt { color: var(--muted); }
  dd { margin: 0; font-family: ui-monospace, monospace; overflow-wrap: anywhere; }
  table { width: 100%; border-collapse: collapse; }
  th, td { padding: 4px 12px; text-align: left; border-bottom: 1px solid var(--line); font-size: 13px; }
  th { color: var(--muted); font-weight: 500; }
  td.mono { font-family: ui-monospace, monospace; }
  .wide { grid-column: 1 / -1; }
  .scroll { max-height: 420px; overflow-y: auto; }
  .ok { color: var(--ok); }
  .bad { color: var(--bad); font-weight: 600; }
  button { margin: 0 12px 12px; padding: 4px 10px; border: 1px solid var(--line); border-radius: 6px; background: var(--panel); cursor: pointer; }
</style>
</head>
<body>
<header><h1>opaudit</h1><span>hash-chained audit trail</span></header>
<main>
  <section>
    <h2>Chain</h2>
    <dl>
      <dt>Entries</dt><dd id="entries">-</dd>
      <dt>Tip</dt><dd id="tip">-</dd>
      <dt>Rules</dt><dd id="rules">-</dd>
      <dt>Integrity</dt><dd id="integrity">unchecked</dd>
    </dl>
    <button id="verify">Verify chain</button>
  </section>
  <section>
    <h2>Actors</h2>
    <table>
      <thead><tr><th>Actor</th><th>Entries</th><th>Errors</th><th>Last action</th><th>Last seen</th></tr></thead>
      <tbody id="actors"></tbody>
    </table>
  </section>
  <section class="wide">
    <h2>Entries (live)</h2>
    <div class="scroll">
      <table>
        <thead><tr><th>Time</th><th>Actor</th><th>Action</th><th>Output</th><th>Confidence</th><th>Hash</th></tr></thead>
        <tbody id="feed"></tbody>
      </table>
    </div>
  </section>
</main>
<script>
const $ = (id) => document.getElementById(id);
const text = (v) => v == null ? '' : String(v);

function cell(value, mono) {
  const td = document.createElement('td');
  if (mono) td.className = 'mono';
  td.textContent = text(value);
  return td;
}

function entryRow(e) {
  const tr = document.createElement('tr');
  tr.append(cell(e.timestamp, true), cell(e.actor), cell(e.action_type), cell(e.output_type),
            cell(e.confidence_score), cell(text(e.hash).slice(0, 12), true));
  return tr;
}

async function getJSON(path) {
  const res = await fetch(path);
  return { status: res.status, body: await res.json() };
}

async function refresh() {
  const [status, actors] = await Promise.all([getJSON('/api/status'), getJSON('/api/actors')]);
  $('entries').textContent = status.body.entries;
  $('tip').textContent = text(status.body.tip).slice(0, 24);
  $('rules').textContent = status.body.builtin_rules + ' built-in, ' + status.body.custom_rules + ' custom';

  const body = $('actors');
  body.replaceChildren();
  for (const a of actors.body || []) {
    const tr = document.createElement('tr');
    tr.append(cell(a.name), cell(a.stats.entries), cell(a.stats.errors), cell(a.last_action_type), cell(a.last_seen, true));
    body.append(tr);
  }
}

async function loadRecent() {
  const recent = await getJSON('/api/audit/tail?limit=50');
  const feed = $('feed');
  feed.replaceChildren();
  for (const e of (recent.body || []).reverse()) feed.append(entryRow(e));
}

async function verify() {
  const res = await getJSON('/api/audit/verify');
  const el = $('integrity');
  if (res.body.valid) {
    el.className = 'ok';
    el.textContent = 'valid, ' + res.body.entries + ' entries';
  } else {
    el.className = 'bad';
    el.textContent = res.body.issues.length + ' issue(s); first: line ' + res.body.issues[0].index + ' ' + res.body.issues[0].kind;
  }
}

function subscribe() {
  const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
  const ws = new WebSocket(scheme + location.host + '/dashboard/ws');
  ws.onmessage = (msg) => {
    const feed = $('feed');
    feed.prepend(entryRow(JSON.parse(msg.data)));
    while (feed.rows.length > 200) feed.deleteRow(-1);
  };
  ws.onclose = () => setTimeout(subscribe, 3000);
}

$('verify').onclick = verify;
refresh().catch(console.error);
loadRecent().catch(console.error);
setInterval(() => refresh().catch(console.error), 5000);
subscribe();
</script>
</body>
</html>`
