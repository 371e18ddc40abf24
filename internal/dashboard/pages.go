package dashboard

import "net/http"

// The dashboard frontend ships separately; these pages keep the server
// self-contained for API-only deployments.

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>MANTIS</title>
<style>
body { background: #0d1117; color: #c9d1d9; font-family: monospace; padding: 3rem; }
a { color: #58a6ff; }
</style>
</head>
<body>
<h1>MANTIS</h1>
<p>The dashboard API is running. Point a frontend at <code>/api</code> or
subscribe to the live feed at <code>/ws</code>.</p>
</body>
</html>
`

const loginPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>MANTIS - Sign in</title>
<style>
body { background: #0d1117; color: #c9d1d9; font-family: monospace; padding: 3rem; }
input, button { font-family: inherit; padding: 0.4rem; margin: 0.2rem 0; }
#err { color: #f85149; display: none; }
</style>
</head>
<body>
<h1>MANTIS</h1>
<p>Enter the dashboard auth token.</p>
<input id="token" type="password" placeholder="auth token" size="40">
<button onclick="login()">Sign in</button>
<p id="err">Invalid token.</p>
<script>
async function login() {
  const res = await fetch('/api/auth', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({token: document.getElementById('token').value})
  });
  if (res.ok) { window.location = '/'; }
  else { document.getElementById('err').style.display = 'block'; }
}
</script>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(loginPage))
}
