package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"time"
	"unicode/utf16"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const (
	smbIdleTimeout = 120 * time.Second
	smbBodyTimeout = 10 * time.Second

	smbMaxPacket = 65536

	// SMB2 command codes.
	smb2Negotiate    = 0
	smb2SessionSetup = 1

	// NT status codes.
	ntStatusOK           = 0x00000000
	ntStatusMoreRequired = 0xC0000016

	// NTLMSSP message types.
	ntlmNegotiate = 1
	ntlmAuth      = 3
)

var ntlmsspSignature = []byte("NTLMSSP\x00")

// SMB speaks just enough SMB2 over NetBIOS framing to walk clients through
// negotiate and session setup, driving the NTLMSSP exchange far enough to
// capture the NTLMv2 response hash along with domain, user, and workstation.
type SMB struct {
	base
}

func NewSMB(cfg *config.ServiceConfig, deps Deps) *SMB {
	return &SMB{base: newBase(models.ServiceSMB, cfg, deps)}
}

func (s *SMB) Start(ctx context.Context) error {
	return s.serve(ctx, s.cfg.Port, s.handle)
}

func (s *SMB) handle(conn net.Conn) {
	sess := s.createSession(conn, s.cfg.Port)
	defer s.endSession(sess)

	var sessionID uint64 = 0x100000044

	for {
		pkt, err := readNetBIOS(conn)
		if err != nil {
			return
		}

		switch {
		case len(pkt) >= 5 && bytes.HasPrefix(pkt, []byte("\xffSMB")):
			// SMB1 negotiate; answer in SMB2 to force a dialect upgrade.
			if pkt[4] == 0x72 {
				s.logEvent(sess, models.EventRequest, map[string]any{
					"smb_version": "SMB1",
					"command":     "NEGOTIATE",
				})
				conn.Write(netBIOS(s.negotiateResponse(0)))
			}

		case len(pkt) >= 64 && bytes.HasPrefix(pkt, []byte("\xfeSMB")):
			messageID := binary.LittleEndian.Uint64(pkt[24:32])
			switch binary.LittleEndian.Uint16(pkt[12:14]) {
			case smb2Negotiate:
				s.logEvent(sess, models.EventRequest, map[string]any{
					"smb_version": "SMB2",
					"command":     "NEGOTIATE",
				})
				conn.Write(netBIOS(s.negotiateResponse(messageID)))

			case smb2SessionSetup:
				done := s.handleSessionSetup(sess, conn, pkt, messageID, sessionID)
				if done {
					return
				}
			}
		}
	}
}

// readNetBIOS reads one NetBIOS-framed message (4-byte length prefix).
func readNetBIOS(conn net.Conn) ([]byte, error) {
	readDeadline(conn, smbIdleTimeout)
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	if length < 4 || length > smbMaxPacket {
		return nil, io.ErrUnexpectedEOF
	}
	readDeadline(conn, smbBodyTimeout)
	pkt := make([]byte, length)
	if _, err := io.ReadFull(conn, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

func netBIOS(pkt []byte) []byte {
	out := make([]byte, 4+len(pkt))
	out[1] = byte(len(pkt) >> 16)
	out[2] = byte(len(pkt) >> 8)
	out[3] = byte(len(pkt))
	copy(out[4:], pkt)
	return out
}

// smb2Header builds the fixed 64-byte SMB2 response header.
func smb2Header(command uint16, status uint32, messageID, sessionID uint64) []byte {
	var b bytes.Buffer
	b.Write([]byte("\xfeSMB"))
	binary.Write(&b, binary.LittleEndian, uint16(64)) // structure size
	binary.Write(&b, binary.LittleEndian, uint16(0))  // credit charge
	binary.Write(&b, binary.LittleEndian, status)
	binary.Write(&b, binary.LittleEndian, command)
	binary.Write(&b, binary.LittleEndian, uint16(1)) // credit response
	binary.Write(&b, binary.LittleEndian, uint32(1)) // flags: response
	binary.Write(&b, binary.LittleEndian, uint32(0)) // next command
	binary.Write(&b, binary.LittleEndian, messageID)
	binary.Write(&b, binary.LittleEndian, uint32(0)) // process id
	binary.Write(&b, binary.LittleEndian, uint32(0)) // tree id
	binary.Write(&b, binary.LittleEndian, sessionID)
	b.Write(make([]byte, 16)) // signature
	return b.Bytes()
}

// negotiateResponse advertises the 3.1.1 dialect with a random server GUID.
func (s *SMB) negotiateResponse(messageID uint64) []byte {
	guid := make([]byte, 16)
	rand.Read(guid)

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint16(65)) // structure size
	binary.Write(&body, binary.LittleEndian, uint16(1))  // security mode: signing enabled
	binary.Write(&body, binary.LittleEndian, uint16(0x0311))
	binary.Write(&body, binary.LittleEndian, uint16(0)) // negotiate context count
	body.Write(guid)
	binary.Write(&body, binary.LittleEndian, uint32(0x2F)) // capabilities
	binary.Write(&body, binary.LittleEndian, uint32(smbMaxPacket))
	binary.Write(&body, binary.LittleEndian, uint32(smbMaxPacket))
	binary.Write(&body, binary.LittleEndian, uint32(smbMaxPacket))
	binary.Write(&body, binary.LittleEndian, uint64(0)) // system time
	binary.Write(&body, binary.LittleEndian, uint64(0)) // server start time
	binary.Write(&body, binary.LittleEndian, uint16(128))
	binary.Write(&body, binary.LittleEndian, uint16(0)) // security buffer length
	binary.Write(&body, binary.LittleEndian, uint32(0)) // negotiate context offset

	return append(smb2Header(smb2Negotiate, ntStatusOK, messageID, 0), body.Bytes()...)
}

// handleSessionSetup drives the NTLMSSP exchange. Returns true once the
// type-3 AUTH message is captured and the conversation is over.
func (s *SMB) handleSessionSetup(sess *models.Session, conn net.Conn, pkt []byte, messageID, sessionID uint64) bool {
	idx := bytes.Index(pkt, ntlmsspSignature)
	if idx < 0 || idx+12 > len(pkt) {
		return false
	}
	blob := pkt[idx:]
	msgType := binary.LittleEndian.Uint32(blob[8:12])

	switch msgType {
	case ntlmNegotiate:
		s.logEvent(sess, models.EventRequest, map[string]any{
			"smb_version": "SMB2",
			"command":     "SESSION_SETUP",
			"ntlmssp":     "NEGOTIATE",
		})
		challenge := s.ntlmChallenge()
		conn.Write(netBIOS(sessionSetupResponse(ntStatusMoreRequired, messageID, sessionID, spnegoWrap(challenge))))
		return false

	case ntlmAuth:
		creds := parseNTLMAuth(blob)
		data := map[string]any{"message": "NTLM authentication captured"}
		for k, v := range creds {
			data[k] = v
		}
		s.logEvent(sess, models.EventNTLMAuth, data)
		conn.Write(netBIOS(sessionSetupResponse(ntStatusOK, messageID, sessionID, nil)))
		return true
	}
	return false
}

func sessionSetupResponse(status uint32, messageID, sessionID uint64, secBlob []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint16(9)) // structure size
	binary.Write(&body, binary.LittleEndian, uint16(0)) // session flags
	binary.Write(&body, binary.LittleEndian, uint16(72))
	binary.Write(&body, binary.LittleEndian, uint16(len(secBlob)))
	body.Write(secBlob)

	return append(smb2Header(smb2SessionSetup, status, messageID, sessionID), body.Bytes()...)
}

// ntlmChallenge builds the NTLMSSP type-2 CHALLENGE message.
func (s *SMB) ntlmChallenge() []byte {
	workgroup := config.ExtraString(s.cfg, "workgroup", "WORKGROUP")
	target := utf16le(workgroup)

	challenge := make([]byte, 8)
	rand.Read(challenge)

	var b bytes.Buffer
	b.Write(ntlmsspSignature)
	binary.Write(&b, binary.LittleEndian, uint32(2)) // message type
	binary.Write(&b, binary.LittleEndian, uint16(len(target)))
	binary.Write(&b, binary.LittleEndian, uint16(len(target)))
	binary.Write(&b, binary.LittleEndian, uint32(56)) // target name offset
	binary.Write(&b, binary.LittleEndian, uint32(0x00028233))
	b.Write(challenge)
	b.Write(make([]byte, 8))                         // reserved
	binary.Write(&b, binary.LittleEndian, uint16(0)) // target info len
	binary.Write(&b, binary.LittleEndian, uint16(0))
	binary.Write(&b, binary.LittleEndian, uint32(0)) // target info offset
	for b.Len() < 56 {
		b.WriteByte(0)
	}
	b.Write(target)
	return b.Bytes()
}

// spnegoWrap wraps an NTLMSSP token in the SPNEGO negTokenTarg DER framing
// clients expect inside the session setup security buffer.
func spnegoWrap(ntlmssp []byte) []byte {
	inner := append([]byte{0x04}, asn1Len(len(ntlmssp))...)
	inner = append(inner, ntlmssp...)

	seq := append([]byte{0xa0}, asn1Len(len(inner))...)
	seq = append(seq, inner...)

	out := append([]byte{0xa1}, asn1Len(len(seq)+3)...)
	out = append(out, 0x30)
	out = append(out, asn1Len(len(seq)+1)...)
	out = append(out, 0xa0)
	out = append(out, asn1Len(0)...)
	out = append(out, seq...)
	return out
}

func asn1Len(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n < 0x100:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

// parseNTLMAuth extracts credentials from an NTLMSSP type-3 AUTHENTICATE
// message. Field descriptors are {len, maxlen, offset} triples with offsets
// relative to the start of the NTLMSSP blob.
func parseNTLMAuth(blob []byte) map[string]any {
	field := func(descOffset int) []byte {
		if descOffset+8 > len(blob) {
			return nil
		}
		length := int(binary.LittleEndian.Uint16(blob[descOffset : descOffset+2]))
		offset := int(binary.LittleEndian.Uint32(blob[descOffset+4 : descOffset+8]))
		if length == 0 || offset+length > len(blob) {
			return nil
		}
		return blob[offset : offset+length]
	}

	out := map[string]any{
		"domain":      decodeUTF16LE(field(28)),
		"username":    decodeUTF16LE(field(36)),
		"workstation": decodeUTF16LE(field(44)),
	}
	if lm := field(12); lm != nil {
		out["lm_hash"] = hex.EncodeToString(lm)
	}
	if nt := field(20); nt != nil {
		out["nt_hash"] = hex.EncodeToString(nt)
	}
	return out
}

func utf16le(s string) []byte {
	codes := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(codes))
	for i, c := range codes {
		binary.LittleEndian.PutUint16(out[2*i:], c)
	}
	return out
}

func decodeUTF16LE(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	codes := make([]uint16, len(b)/2)
	for i := range codes {
		codes[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(codes))
}
