package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const (
	vncHandshakeTimeout = 30 * time.Second
	vncIdleTimeout      = 300 * time.Second

	vncMaxClipboard = 65536
)

// RFB client-to-server message types.
const (
	rfbSetPixelFormat           = 0
	rfbSetEncodings             = 2
	rfbFramebufferUpdateRequest = 3
	rfbKeyEvent                 = 4
	rfbPointerEvent             = 5
	rfbClientCutText            = 6
)

// VNC emulates an RFB 3.8 server: the DES challenge/response pair is
// captured for offline cracking, then keystrokes and clipboard pastes are
// recorded from the fake desktop.
type VNC struct {
	base
}

func NewVNC(cfg *config.ServiceConfig, deps Deps) *VNC {
	return &VNC{base: newBase(models.ServiceVNC, cfg, deps)}
}

func (v *VNC) Start(ctx context.Context) error {
	return v.serve(ctx, v.cfg.Port, v.handle)
}

func (v *VNC) handle(conn net.Conn) {
	sess := v.createSession(conn, v.cfg.Port)
	defer v.endSession(sess)

	io.WriteString(conn, "RFB 003.008\n")

	readDeadline(conn, vncHandshakeTimeout)
	clientVersion := make([]byte, 12)
	if _, err := io.ReadFull(conn, clientVersion); err != nil {
		return
	}
	v.logEvent(sess, models.EventRequest, map[string]any{
		"client_rfb_version": strings.TrimSpace(string(clientVersion)),
	})

	// One security type on offer: VNC authentication.
	conn.Write([]byte{1, 2})

	readDeadline(conn, vncHandshakeTimeout)
	selected := make([]byte, 1)
	if _, err := io.ReadFull(conn, selected); err != nil {
		return
	}
	v.logEvent(sess, models.EventRequest, map[string]any{
		"selected_security_type": int(selected[0]),
	})

	switch selected[0] {
	case 2:
		if !v.vncAuth(sess, conn) {
			return
		}
	case 1:
		binary.Write(conn, binary.BigEndian, uint32(0))
		v.logEvent(sess, models.EventAuthAttempt, map[string]any{
			"message": "Client connected with no authentication",
		})
	default:
		v.logEvent(sess, models.EventRequest, map[string]any{
			"message": fmt.Sprintf("Unknown security type selected: %d", selected[0]),
		})
		return
	}

	readDeadline(conn, vncHandshakeTimeout)
	clientInit := make([]byte, 1)
	if _, err := io.ReadFull(conn, clientInit); err != nil {
		return
	}

	width, height := v.resolution()
	desktopName := v.cfg.Banner
	if desktopName == "" {
		desktopName = "prod-workstation:0"
	}
	conn.Write(serverInit(width, height, desktopName))

	v.logEvent(sess, models.EventCommand, map[string]any{
		"stage":        "connected",
		"shared_flag":  int(clientInit[0]),
		"desktop_name": desktopName,
		"framebuffer":  fmt.Sprintf("%dx%d", width, height),
	})

	v.messageLoop(sess, conn)
}

// vncAuth runs the challenge/response exchange and always reports success.
func (v *VNC) vncAuth(sess *models.Session, conn net.Conn) bool {
	challenge := make([]byte, 16)
	rand.Read(challenge)
	if _, err := conn.Write(challenge); err != nil {
		return false
	}

	readDeadline(conn, vncHandshakeTimeout)
	response := make([]byte, 16)
	if _, err := io.ReadFull(conn, response); err != nil {
		return false
	}

	v.logEvent(sess, models.EventAuthAttempt, map[string]any{
		"challenge": hex.EncodeToString(challenge),
		"response":  hex.EncodeToString(response),
		"message":   "VNC auth challenge/response captured (DES-encrypted password)",
	})

	binary.Write(conn, binary.BigEndian, uint32(0))
	return true
}

func (v *VNC) resolution() (uint16, uint16) {
	res := config.ExtraString(v.cfg, "resolution", "1024x768")
	w, h, ok := strings.Cut(res, "x")
	if ok {
		width, werr := strconv.Atoi(w)
		height, herr := strconv.Atoi(h)
		if werr == nil && herr == nil && width > 0 && height > 0 {
			return uint16(width), uint16(height)
		}
	}
	return 1024, 768
}

// serverInit builds the ServerInit message: framebuffer size, a 32bpp true
// colour pixel format, and the desktop name.
func serverInit(width, height uint16, name string) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, width)
	binary.Write(&b, binary.BigEndian, height)

	b.WriteByte(32) // bits per pixel
	b.WriteByte(24) // depth
	b.WriteByte(0)  // big endian flag
	b.WriteByte(1)  // true colour
	binary.Write(&b, binary.BigEndian, uint16(255)) // red max
	binary.Write(&b, binary.BigEndian, uint16(255)) // green max
	binary.Write(&b, binary.BigEndian, uint16(255)) // blue max
	b.WriteByte(16) // red shift
	b.WriteByte(8)  // green shift
	b.WriteByte(0)  // blue shift
	b.Write([]byte{0, 0, 0}) // padding

	binary.Write(&b, binary.BigEndian, uint32(len(name)))
	b.WriteString(name)
	return b.Bytes()
}

func (v *VNC) messageLoop(sess *models.Session, conn net.Conn) {
	for {
		readDeadline(conn, vncIdleTimeout)
		msgType := make([]byte, 1)
		if _, err := io.ReadFull(conn, msgType); err != nil {
			return
		}

		switch msgType[0] {
		case rfbSetPixelFormat:
			if !drain(conn, 19) {
				return
			}

		case rfbSetEncodings:
			rest := make([]byte, 3)
			readDeadline(conn, vncIdleTimeout)
			if _, err := io.ReadFull(conn, rest); err != nil {
				return
			}
			count := int(binary.BigEndian.Uint16(rest[1:3]))
			if !drain(conn, count*4) {
				return
			}

		case rfbFramebufferUpdateRequest:
			if !drain(conn, 9) {
				return
			}
			// Empty update: zero rectangles.
			conn.Write([]byte{0, 0, 0, 0})

		case rfbKeyEvent:
			rest := make([]byte, 7)
			readDeadline(conn, vncIdleTimeout)
			if _, err := io.ReadFull(conn, rest); err != nil {
				return
			}
			v.logEvent(sess, models.EventCommand, map[string]any{
				"input_type": "key",
				"key_sym":    binary.BigEndian.Uint32(rest[3:7]),
				"down":       rest[0] != 0,
			})

		case rfbPointerEvent:
			if !drain(conn, 5) {
				return
			}

		case rfbClientCutText:
			rest := make([]byte, 7)
			readDeadline(conn, vncIdleTimeout)
			if _, err := io.ReadFull(conn, rest); err != nil {
				return
			}
			textLen := int(binary.BigEndian.Uint32(rest[3:7]))
			if textLen <= 0 || textLen >= vncMaxClipboard {
				continue
			}
			text := make([]byte, textLen)
			readDeadline(conn, vncIdleTimeout)
			if _, err := io.ReadFull(conn, text); err != nil {
				return
			}
			v.logEvent(sess, models.EventCommand, map[string]any{
				"input_type": "clipboard",
				"text":       truncate(string(text), 4096),
			})

		default:
			// Unknown message, drop whatever arrived with it.
			buf := make([]byte, 1024)
			readDeadline(conn, vncIdleTimeout)
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}
}

// drain consumes exactly n payload bytes of an uninteresting message.
func drain(conn net.Conn, n int) bool {
	if n <= 0 {
		return true
	}
	readDeadline(conn, vncIdleTimeout)
	_, err := io.CopyN(io.Discard, conn, int64(n))
	return err == nil
}
