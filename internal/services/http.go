package services

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/detect"
	"github.com/mantis-sec/mantis/internal/models"
)

// httpMaxBody caps how much of a request body gets captured.
const httpMaxBody = 4096

var loginPageTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 50%, #0f3460 100%);
            min-height: 100vh; display: flex; align-items: center; justify-content: center;
        }
        .login-box {
            background: rgba(255,255,255,0.95); border-radius: 12px;
            padding: 40px; width: 380px; box-shadow: 0 20px 60px rgba(0,0,0,0.3);
        }
        .logo { text-align: center; margin-bottom: 30px; }
        .logo h1 { font-size: 24px; color: #333; }
        .logo p { color: #666; font-size: 14px; margin-top: 5px; }
        .form-group { margin-bottom: 20px; }
        .form-group label { display: block; margin-bottom: 6px; color: #555; font-size: 14px; font-weight: 500; }
        .form-group input {
            width: 100%; padding: 12px 16px; border: 2px solid #e0e0e0; border-radius: 8px;
            font-size: 14px; transition: border-color 0.3s; outline: none;
        }
        .form-group input:focus { border-color: #0f3460; }
        .btn {
            width: 100%; padding: 14px; background: #0f3460; color: white; border: none;
            border-radius: 8px; font-size: 16px; font-weight: 600; cursor: pointer; transition: background 0.3s;
        }
        .btn:hover { background: #1a4a7a; }
        .error { background: #fff3f3; color: #d32f2f; padding: 10px; border-radius: 6px; font-size: 13px; margin-bottom: 15px; display: none; }
        .footer { text-align: center; margin-top: 20px; font-size: 12px; color: #999; }
    </style>
</head>
<body>
    <div class="login-box">
        <div class="logo">
            <h1>Admin Portal</h1>
            <p>Infrastructure Management System</p>
        </div>
        <div class="error" id="error">Invalid credentials. Please try again.</div>
        <form method="POST" action="/login">
            <div class="form-group">
                <label>Username</label>
                <input type="text" name="username" placeholder="Enter username" required autocomplete="off">
            </div>
            <div class="form-group">
                <label>Password</label>
                <input type="password" name="password" placeholder="Enter password" required>
            </div>
            <button type="submit" class="btn">Sign In</button>
        </form>
        <div class="footer">
            &copy; 2024 {{.Company}} &mdash; Authorized access only
        </div>
    </div>
    <script>
        if (window.location.search.includes('error=1')) {
            document.getElementById('error').style.display = 'block';
        }
    </script>
</body>
</html>`))

// HTTP serves a believable admin login page, captures submitted credentials,
// and pre-screens every request against the HTTP threat pattern library so
// the match list rides along inside the stored event.
type HTTP struct {
	base
	srv *http.Server
}

func NewHTTP(cfg *config.ServiceConfig, deps Deps) *HTTP {
	return &HTTP{base: newBase(models.ServiceHTTP, cfg, deps)}
}

func (h *HTTP) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Get("/*", h.handleGet)
	r.Post("/*", h.handlePost)
	r.NotFound(h.handleGet)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", h.cfg.Port))
	if err != nil {
		return fmt.Errorf("services: http: listen :%d: %w", h.cfg.Port, err)
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, ln)
	h.mu.Unlock()

	h.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	h.conns.Add(1)
	go func() {
		defer h.conns.Done()
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Warn("http server exited", "error", err)
		}
	}()
	h.log.Info("listening", "port", h.cfg.Port)
	return nil
}

func (h *HTTP) Stop() error {
	if h.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.srv.Shutdown(ctx)
	}
	return h.base.Stop()
}

// session opens a one-request session, the HTTP equivalent of a TCP
// connection lifetime.
func (h *HTTP) session(r *http.Request) *models.Session {
	srcIP, srcPort := splitAddr(strAddr(r.RemoteAddr))
	s := &models.Session{
		ID:        uuid.NewString(),
		Service:   models.ServiceHTTP,
		SrcIP:     srcIP,
		SrcPort:   srcPort,
		DstPort:   h.cfg.Port,
		StartedAt: models.Now(),
	}
	return h.openSession(s)
}

func (h *HTTP) handleGet(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	defer h.endSession(sess)

	data := map[string]any{
		"method":     r.Method,
		"path":       r.URL.Path,
		"headers":    flattenHeader(r.Header),
		"query":      flattenQuery(r.URL.Query()),
		"user_agent": r.UserAgent(),
	}
	annotateThreats(data)
	h.logEvent(sess, models.EventRequest, data)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginPageTmpl.Execute(w, h.pageVars())
}

func (h *HTTP) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	defer h.endSession(sess)

	_ = r.ParseForm()
	h.logEvent(sess, models.EventAuthAttempt, map[string]any{
		"username":   r.PostFormValue("username"),
		"password":   r.PostFormValue("password"),
		"headers":    flattenHeader(r.Header),
		"user_agent": r.UserAgent(),
	})

	// The login always fails, back to the form.
	http.Redirect(w, r, "/?error=1", http.StatusFound)
}

func (h *HTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	defer h.endSession(sess)

	body, _ := io.ReadAll(io.LimitReader(r.Body, httpMaxBody))
	data := map[string]any{
		"method":     r.Method,
		"path":       r.URL.Path,
		"headers":    flattenHeader(r.Header),
		"body":       string(body),
		"user_agent": r.UserAgent(),
	}
	annotateThreats(data)
	h.logEvent(sess, models.EventRequest, data)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, `{"error": "not found"}`)
}

func (h *HTTP) pageVars() map[string]string {
	return map[string]string{
		"Title":   config.ExtraString(h.cfg, "page_title", "Admin Portal - Login"),
		"Company": config.ExtraString(h.cfg, "company_name", "Infrastructure Systems"),
	}
}

// annotateThreats embeds matched HTTP threat patterns into the event payload
// at capture time, in addition to the alert the engine raises.
func annotateThreats(data map[string]any) {
	if matches := detect.ScanHTTPThreats(detect.BuildHTTPCorpus(data)); len(matches) > 0 {
		data["threats"] = matches
	}
}

func flattenHeader(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]any {
	out := make(map[string]any, len(q))
	for k, v := range q {
		out[k] = strings.Join(v, ",")
	}
	return out
}

// strAddr adapts a host:port string to net.Addr for splitAddr.
type strAddr string

func (a strAddr) Network() string { return "tcp" }
func (a strAddr) String() string  { return string(a) }
