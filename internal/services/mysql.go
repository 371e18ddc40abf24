package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const (
	mysqlAuthTimeout  = 30 * time.Second
	mysqlQueryTimeout = 120 * time.Second
	mysqlBodyTimeout  = 10 * time.Second
)

// MySQL client command bytes.
const (
	comQuit   = 0x01
	comInitDB = 0x02
	comQuery  = 0x03
	comPing   = 0x0e
)

// MySQL emulates the server side of the MySQL protocol (v10 handshake with
// mysql_native_password): it accepts any login, captures the username and
// every query, and answers common reconnaissance statements from canned
// result sets.
type MySQL struct {
	base
}

func NewMySQL(cfg *config.ServiceConfig, deps Deps) *MySQL {
	return &MySQL{base: newBase(models.ServiceMySQL, cfg, deps)}
}

func (m *MySQL) Start(ctx context.Context) error {
	return m.serve(ctx, m.cfg.Port, m.handle)
}

// mysqlPacket frames payload with the 3-byte length + sequence header.
func mysqlPacket(seq byte, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = byte(len(payload))
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload) >> 16)
	out[3] = seq
	copy(out[4:], payload)
	return out
}

// buildHandshake builds the initial handshake packet for server version.
func buildHandshake(version string) []byte {
	salt1 := make([]byte, 8)
	salt2 := make([]byte, 12)
	rand.Read(salt1)
	rand.Read(salt2)

	var p bytes.Buffer
	p.WriteByte(0x0a) // protocol version
	p.WriteString(version)
	p.WriteByte(0x00)
	binary.Write(&p, binary.LittleEndian, uint32(1)) // connection id
	p.Write(salt1)
	p.WriteByte(0x00)                                     // filler
	binary.Write(&p, binary.LittleEndian, uint16(0xF7FF)) // capabilities (lower)
	p.WriteByte(0x21)                                     // charset utf8
	binary.Write(&p, binary.LittleEndian, uint16(0x0002)) // status
	binary.Write(&p, binary.LittleEndian, uint16(0x0081)) // capabilities (upper)
	p.WriteByte(0x15)                                     // auth data length (21)
	p.Write(make([]byte, 10))                             // reserved
	p.Write(salt2)
	p.WriteByte(0x00)
	p.WriteString("mysql_native_password")
	p.WriteByte(0x00)

	return mysqlPacket(0, p.Bytes())
}

func mysqlOK(seq byte) []byte {
	return mysqlPacket(seq, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})
}

// buildResultSet builds a text-protocol result set of VARCHAR columns.
func buildResultSet(seq byte, columns []string, rows [][]string) []byte {
	var out bytes.Buffer

	out.Write(mysqlPacket(seq, []byte{byte(len(columns))}))
	seq++

	for _, name := range columns {
		var col bytes.Buffer
		col.WriteByte(3)
		col.WriteString("def") // catalog
		col.WriteByte(0x00)    // schema
		col.WriteByte(0x00)    // table
		col.WriteByte(0x00)    // org_table
		col.WriteByte(byte(len(name)))
		col.WriteString(name)
		col.WriteByte(0x00) // org_name
		col.WriteByte(0x0c) // fixed-length fields
		col.Write([]byte{0x21, 0x00})
		binary.Write(&col, binary.LittleEndian, uint32(255))
		col.WriteByte(0xfd) // VARCHAR
		col.Write([]byte{0x01, 0x00})
		col.WriteByte(0x00)
		col.Write([]byte{0x00, 0x00})
		out.Write(mysqlPacket(seq, col.Bytes()))
		seq++
	}

	eof := []byte{0xfe, 0x00, 0x00, 0x02, 0x00}
	out.Write(mysqlPacket(seq, eof))
	seq++

	for _, row := range rows {
		var rb bytes.Buffer
		for _, val := range row {
			rb.WriteByte(byte(len(val)))
			rb.WriteString(val)
		}
		out.Write(mysqlPacket(seq, rb.Bytes()))
		seq++
	}

	out.Write(mysqlPacket(seq, eof))
	return out.Bytes()
}

func (m *MySQL) handle(conn net.Conn) {
	sess := m.createSession(conn, m.cfg.Port)
	defer m.endSession(sess)

	version := m.cfg.Banner
	if version == "" {
		version = "5.7.42-0ubuntu0.18.04.1"
	}

	if _, err := conn.Write(buildHandshake(version)); err != nil {
		return
	}

	readDeadline(conn, mysqlAuthTimeout)
	authData := make([]byte, 4096)
	n, err := conn.Read(authData)
	if err != nil || n < 4 {
		return
	}
	authData = authData[:n]

	username := parseMySQLUsername(authData)
	m.logEvent(sess, models.EventAuthAttempt, map[string]any{
		"username":      username,
		"auth_data_len": n,
	})

	conn.Write(mysqlOK(2))

	for {
		readDeadline(conn, mysqlQueryTimeout)
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		pktLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
		seq := header[3]
		if pktLen == 0 {
			return
		}

		readDeadline(conn, mysqlBodyTimeout)
		body := make([]byte, pktLen)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		switch body[0] {
		case comQuit:
			return

		case comQuery:
			query := string(body[1:])
			m.logEvent(sess, models.EventQuery, map[string]any{
				"query":    query,
				"username": username,
			})
			conn.Write(m.queryResponse(seq+1, query, version))

		case comInitDB:
			m.logEvent(sess, models.EventCommand, map[string]any{
				"command": "USE " + string(body[1:]),
			})
			conn.Write(mysqlOK(seq + 1))

		case comPing:
			conn.Write(mysqlOK(seq + 1))

		default:
			conn.Write(mysqlOK(seq + 1))
		}
	}
}

func (m *MySQL) queryResponse(seq byte, query, version string) []byte {
	upper := strings.ToUpper(strings.TrimSpace(query))

	switch {
	case strings.HasPrefix(upper, "SELECT @@VERSION"):
		return buildResultSet(seq, []string{"@@version"}, [][]string{{version}})

	case strings.HasPrefix(upper, "SELECT DATABASE"):
		return buildResultSet(seq, []string{"database()"}, [][]string{{"mysql"}})

	case strings.HasPrefix(upper, "SHOW DATABASES"):
		names := strings.Split(config.ExtraString(m.cfg, "databases",
			"information_schema,mysql,performance_schema,production_db,user_data"), ",")
		rows := make([][]string, len(names))
		for i, db := range names {
			rows[i] = []string{strings.TrimSpace(db)}
		}
		return buildResultSet(seq, []string{"Database"}, rows)

	case strings.HasPrefix(upper, "SHOW TABLES"):
		return buildResultSet(seq, []string{"Tables_in_production_db"}, [][]string{
			{"users"}, {"orders"}, {"payments"}, {"sessions"}, {"api_keys"},
		})

	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "DESCRIBE"):
		return buildResultSet(seq, []string{"result"}, nil)
	}
	return mysqlOK(seq)
}

// parseMySQLUsername pulls the NUL-terminated username out of a handshake
// response packet.
func parseMySQLUsername(data []byte) string {
	// packet header (4) + capabilities (4) + max packet (4) + charset (1) +
	// reserved (23)
	const offset = 4 + 4 + 4 + 1 + 23
	if offset >= len(data) {
		return "<parse_error>"
	}
	end := bytes.IndexByte(data[offset:], 0x00)
	if end < 0 {
		return "<parse_error>"
	}
	return string(data[offset : offset+end])
}
