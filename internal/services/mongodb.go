package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const (
	mongoIdleTimeout = 120 * time.Second
	mongoBodyTimeout = 10 * time.Second

	mongoMaxMessage = 65536

	opReply = 1
	opQuery = 2004
	opMsg   = 2013

	// mongoDocPreview caps the stringified command/query stored per event.
	mongoDocPreview = 2048
)

// MongoDB emulates an unauthenticated mongod: handshake commands get
// believable answers, SCRAM exchanges are strung along to capture
// credentials, and listDatabases dangles honeytoken database names.
type MongoDB struct {
	base
}

func NewMongoDB(cfg *config.ServiceConfig, deps Deps) *MongoDB {
	return &MongoDB{base: newBase(models.ServiceMongoDB, cfg, deps)}
}

func (m *MongoDB) Start(ctx context.Context) error {
	return m.serve(ctx, m.cfg.Port, m.handle)
}

func (m *MongoDB) version() string {
	if m.cfg.Banner != "" {
		return m.cfg.Banner
	}
	return "6.0.12"
}

func (m *MongoDB) handle(conn net.Conn) {
	sess := m.createSession(conn, m.cfg.Port)
	defer m.endSession(sess)

	for {
		readDeadline(conn, mongoIdleTimeout)
		header := make([]byte, 16)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		msgLen := int(int32(binary.LittleEndian.Uint32(header[0:4])))
		requestID := int32(binary.LittleEndian.Uint32(header[4:8]))
		opcode := int32(binary.LittleEndian.Uint32(header[12:16]))

		bodyLen := msgLen - 16
		if bodyLen < 0 || bodyLen > mongoMaxMessage {
			return
		}
		readDeadline(conn, mongoBodyTimeout)
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		switch opcode {
		case opQuery:
			m.handleOpQuery(sess, conn, requestID, body)
		case opMsg:
			m.handleOpMsg(sess, conn, requestID, body)
		default:
			conn.Write(buildOpReply(requestID, bsonDoc{{"ok", 1.0}}))
		}
	}
}

// handleOpQuery serves the legacy OP_QUERY opcode, still what drivers use
// for the very first isMaster.
func (m *MongoDB) handleOpQuery(sess *models.Session, conn net.Conn, requestID int32, body []byte) {
	if len(body) < 4 {
		return
	}
	rest := body[4:] // skip flags
	end := bytes.IndexByte(rest, 0x00)
	if end < 0 {
		return
	}
	collection := string(rest[:end])
	rest = rest[end+1:]
	if len(rest) < 8 {
		return
	}
	rest = rest[8:] // numberToSkip, numberToReturn

	query, err := decodeBSON(rest)
	if err != nil {
		query = nil
	}

	m.logEvent(sess, models.EventQuery, map[string]any{
		"protocol":   "OP_QUERY",
		"collection": collection,
		"query":      truncate(query.String(), mongoDocPreview),
	})

	switch query.command() {
	case "isMaster", "ismaster", "hello":
		conn.Write(buildOpReply(requestID, m.isMasterDoc()))
	default:
		conn.Write(buildOpReply(requestID, bsonDoc{{"ok", 1.0}}))
	}
}

// handleOpMsg serves modern OP_MSG commands (kind-0 body section only).
func (m *MongoDB) handleOpMsg(sess *models.Session, conn net.Conn, requestID int32, body []byte) {
	if len(body) < 5 || body[4] != 0 {
		return
	}
	cmd, err := decodeBSON(body[5:])
	if err != nil {
		return
	}

	m.logEvent(sess, models.EventQuery, map[string]any{
		"protocol": "OP_MSG",
		"command":  truncate(cmd.String(), mongoDocPreview),
	})

	conn.Write(buildOpMsg(requestID, m.commandResponse(sess, cmd)))
}

func (m *MongoDB) commandResponse(sess *models.Session, cmd bsonDoc) bsonDoc {
	switch cmd.command() {
	case "isMaster", "ismaster", "hello":
		return m.isMasterDoc()

	case "saslStart":
		m.logEvent(sess, models.EventAuthAttempt, map[string]any{
			"stage":     "saslStart",
			"mechanism": cmd.getString("mechanism"),
			"db":        cmd.getString("$db"),
		})
		return bsonDoc{
			{"conversationId", int32(1)},
			{"done", false},
			{"payload", ""},
			{"ok", 1.0},
		}

	case "saslContinue":
		conversationID, _ := cmd.get("conversationId")
		m.logEvent(sess, models.EventAuthAttempt, map[string]any{
			"stage":          "saslContinue",
			"conversationId": conversationID,
		})
		return bsonDoc{
			{"conversationId", int32(1)},
			{"done", true},
			{"payload", ""},
			{"ok", 1.0},
		}

	case "authenticate":
		m.logEvent(sess, models.EventAuthAttempt, map[string]any{
			"username":  cmd.getString("user"),
			"mechanism": cmd.getString("mechanism"),
			"db":        cmd.getString("$db"),
		})
		return bsonDoc{{"ok", 1.0}}

	case "listDatabases":
		db := func(name string, size int) bsonDoc {
			return bsonDoc{
				{"name", name},
				{"sizeOnDisk", int64(size)},
				{"empty", false},
			}
		}
		return bsonDoc{
			{"databases", bsonArray(
				db("admin", 40960),
				db("config", 36864),
				db("local", 73728),
				db("production", 2621440),
				db("users", 524288),
			)},
			{"totalSize", int64(3297280)},
			{"ok", 1.0},
		}

	case "listCollections":
		return bsonDoc{
			{"cursor", bsonDoc{
				{"id", int64(0)},
				{"ns", cmd.getString("$db") + ".$cmd.listCollections"},
				{"firstBatch", bsonArray()},
			}},
			{"ok", 1.0},
		}

	case "find", "aggregate":
		return bsonDoc{
			{"cursor", bsonDoc{
				{"id", int64(0)},
				{"ns", "test.collection"},
				{"firstBatch", bsonArray()},
			}},
			{"ok", 1.0},
		}

	case "ping":
		return bsonDoc{{"ok", 1.0}}

	case "buildInfo", "buildinfo":
		return bsonDoc{
			{"version", m.version()},
			{"gitVersion", "abc123"},
			{"modules", bsonArray()},
			{"sysInfo", "deprecated"},
			{"ok", 1.0},
		}

	case "serverStatus":
		return bsonDoc{
			{"host", "db-prod-01:27017"},
			{"version", m.version()},
			{"uptime", int32(432000)},
			{"connections", bsonDoc{
				{"current", int32(42)},
				{"available", int32(51158)},
				{"totalCreated", int32(18234)},
			}},
			{"ok", 1.0},
		}
	}
	return bsonDoc{{"ok", 1.0}}
}

func (m *MongoDB) isMasterDoc() bsonDoc {
	return bsonDoc{
		{"ismaster", true},
		{"maxBsonObjectSize", int32(16777216)},
		{"maxMessageSizeBytes", int32(48000000)},
		{"maxWriteBatchSize", int32(100000)},
		{"localTime", time.Now().UnixMilli()},
		{"minWireVersion", int32(0)},
		{"maxWireVersion", int32(21)},
		{"readOnly", false},
		{"ok", 1.0},
	}
}

// buildOpReply frames a single document as a legacy OP_REPLY.
func buildOpReply(responseTo int32, doc bsonDoc) []byte {
	body := encodeBSON(doc)

	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, int32(16+20+len(body)))
	binary.Write(&b, binary.LittleEndian, responseTo+1)
	binary.Write(&b, binary.LittleEndian, responseTo)
	binary.Write(&b, binary.LittleEndian, int32(opReply))
	binary.Write(&b, binary.LittleEndian, int32(0)) // response flags
	binary.Write(&b, binary.LittleEndian, int64(0)) // cursor id
	binary.Write(&b, binary.LittleEndian, int32(0)) // starting from
	binary.Write(&b, binary.LittleEndian, int32(1)) // number returned
	b.Write(body)
	return b.Bytes()
}

// buildOpMsg frames a single kind-0 body section as an OP_MSG.
func buildOpMsg(responseTo int32, doc bsonDoc) []byte {
	body := encodeBSON(doc)

	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, int32(16+4+1+len(body)))
	binary.Write(&b, binary.LittleEndian, responseTo+1)
	binary.Write(&b, binary.LittleEndian, responseTo)
	binary.Write(&b, binary.LittleEndian, int32(opMsg))
	binary.Write(&b, binary.LittleEndian, int32(0)) // flag bits
	b.WriteByte(0)                                  // section kind: body
	b.Write(body)
	return b.Bytes()
}
