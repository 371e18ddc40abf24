package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const (
	adbConnectTimeout = 30 * time.Second
	adbIdleTimeout    = 120 * time.Second
	adbBodyTimeout    = 10 * time.Second

	adbMaxBanner  = 8192
	adbMaxPayload = 65536

	adbVersion = 0x01000000
	adbMaxData = 4096
)

// ADB message commands (four ASCII bytes, little-endian).
const (
	adbAuth = 0x41555448
	adbCnxn = 0x4e584e43
	adbOpen = 0x4e45504f
	adbOkay = 0x59414b4f
	adbWrte = 0x45545257
	adbClse = 0x45534c43
)

const adbPrompt = "panther:/ # "

const adbDefaultBanner = "device::ro.product.model=Pixel 7;ro.product.device=panther;" +
	"ro.build.version.release=14;ro.build.display.id=UP1A.231005.007"

// adbFakeResponses answers common post-exploitation recon against the fake
// Pixel 7.
var adbFakeResponses = map[string]string{
	"id":     "uid=0(root) gid=0(root) groups=0(root),1004(input),1007(log),1011(adb),1015(sdcard_rw),1028(sdcard_r),3001(net_bt_admin),3002(net_bt),3003(inet),3006(net_bw_stats),3009(readproc),3011(uhid)",
	"whoami": "root",
	"uname -a": "Linux localhost 5.15.104-android14-8-00001-g123abc #1 SMP PREEMPT Fri Oct 6 2023 aarch64",
	"getprop ro.build.version.release": "14",
	"getprop ro.product.model":         "Pixel 7",
	"getprop ro.product.device":        "panther",
	"getprop ro.build.display.id":      "UP1A.231005.007",
	"getprop ro.serialno":              "28161FDH2000GT",
	"pm list packages": `package:com.android.providers.telephony
package:com.android.providers.calendar
package:com.android.providers.media
package:com.android.wallpapercropper
package:com.android.documentsui
package:com.android.galaxy.apps
package:com.google.android.apps.maps
package:com.google.android.gms
package:com.google.android.apps.photos
package:com.android.chrome
package:com.whatsapp
package:com.android.vending`,
	"ls /sdcard/": `Alarms
Android
DCIM
Documents
Download
Movies
Music
Notifications
Pictures
Podcasts
Ringtones`,
	"ls /data/data/": `com.android.providers.telephony
com.android.providers.media
com.google.android.gms
com.android.chrome
com.whatsapp`,
	"cat /proc/cpuinfo": "processor\t: 0\nBogoMIPS\t: 38.40\nFeatures\t: fp asimd evtstrm aes pmull sha1 sha2 crc32 atomics\nCPU implementer\t: 0x41\nCPU architecture: 8\nCPU variant\t: 0x1\nCPU part\t: 0xd05\nCPU revision\t: 0",
	"df -h": `Filesystem      Size  Used Avail Use% Mounted on
/dev/block/dm-0  5.8G  4.2G  1.4G  76% /
tmpfs           3.7G  1.1M  3.7G   1% /dev
/dev/block/dm-6  246G   89G  157G  37% /data
/dev/fuse       246G   89G  157G  37% /sdcard`,
	"dumpsys battery": `Current Battery Service state:
  AC powered: false
  USB powered: true
  Wireless powered: false
  Max charging current: 500000
  status: 5
  health: 2
  present: true
  level: 87
  scale: 100
  voltage: 4234
  temperature: 275
  technology: Li-ion`,
	"settings list secure": `android_id=a1b2c3d4e5f6g7h8
bluetooth_address=AA:BB:CC:DD:EE:FF
install_non_market_apps=1
lock_screen_lock_after_timeout=5000`,
	"ifconfig wlan0": `wlan0     Link encap:Ethernet  HWaddr AA:BB:CC:DD:EE:FF
          inet addr:192.168.1.142  Bcast:192.168.1.255  Mask:255.255.255.0
          UP BROADCAST RUNNING MULTICAST  MTU:1500  Metric:1`,
	"netstat -tlnp": `Active Internet connections (only servers)
Proto Recv-Q Send-Q Local Address           Foreign Address         State       PID/Program
tcp        0      0 0.0.0.0:5555            0.0.0.0:*               LISTEN      1234/adbd`,
	"ps": `USER      PID   PPID  VSIZE  RSS   WCHAN    PC        NAME
root      1     0     10632  776   SyS_epoll 0000000000 S /init
root      234   1     14520  1336  poll_sch  0000000000 S /sbin/adbd
system    456   1     1803456 65432 SyS_epoll 0000000000 S system_server
u0_a12    1234  456   1024564 43210 SyS_epoll 0000000000 S com.google.android.gms`,
}

// ADB emulates an unauthenticated Android Debug Bridge daemon, a favourite
// of IoT botnets. Every shell stream lands in a fake rooted Pixel 7.
type ADB struct {
	base
}

func NewADB(cfg *config.ServiceConfig, deps Deps) *ADB {
	return &ADB{base: newBase(models.ServiceADB, cfg, deps)}
}

func (a *ADB) Start(ctx context.Context) error {
	return a.serve(ctx, a.cfg.Port, a.handle)
}

// adbMessage frames an ADB protocol message: 24-byte little-endian header
// (command, arg0, arg1, length, payload checksum, command XOR mask) plus
// payload.
func adbMessage(command, arg0, arg1 uint32, data []byte) []byte {
	var checksum uint32
	for _, b := range data {
		checksum += uint32(b)
	}

	out := make([]byte, 24+len(data))
	binary.LittleEndian.PutUint32(out[0:], command)
	binary.LittleEndian.PutUint32(out[4:], arg0)
	binary.LittleEndian.PutUint32(out[8:], arg1)
	binary.LittleEndian.PutUint32(out[12:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[16:], checksum)
	binary.LittleEndian.PutUint32(out[20:], command^0xFFFFFFFF)
	copy(out[24:], data)
	return out
}

func (a *ADB) readMessage(conn net.Conn, headerTimeout time.Duration, maxPayload int) (command, arg0, arg1 uint32, payload []byte, err error) {
	readDeadline(conn, headerTimeout)
	header := make([]byte, 24)
	if _, err = io.ReadFull(conn, header); err != nil {
		return
	}
	command = binary.LittleEndian.Uint32(header[0:4])
	arg0 = binary.LittleEndian.Uint32(header[4:8])
	arg1 = binary.LittleEndian.Uint32(header[8:12])
	dataLen := int(binary.LittleEndian.Uint32(header[12:16]))

	if dataLen > 0 && dataLen < maxPayload {
		readDeadline(conn, adbBodyTimeout)
		payload = make([]byte, dataLen)
		if _, err = io.ReadFull(conn, payload); err != nil {
			return
		}
	}
	return
}

func (a *ADB) handle(conn net.Conn) {
	sess := a.createSession(conn, a.cfg.Port)
	defer a.endSession(sess)

	command, _, _, payload, err := a.readMessage(conn, adbConnectTimeout, adbMaxBanner)
	if err != nil {
		return
	}

	a.logEvent(sess, models.EventRequest, map[string]any{
		"stage":          "connect",
		"client_command": fmt.Sprintf("0x%x", command),
		"client_banner":  strings.TrimRight(string(payload), "\x00"),
	})

	// AUTH gets the same CNXN reply as a plain connect: accept everyone.
	if command != adbCnxn && command != adbAuth {
		return
	}
	banner := a.cfg.Banner
	if banner == "" {
		banner = adbDefaultBanner
	}
	if _, err := conn.Write(adbMessage(adbCnxn, adbVersion, adbMaxData, append([]byte(banner), 0x00))); err != nil {
		return
	}

	var localID uint32 = 1
	for {
		command, arg0, _, payload, err := a.readMessage(conn, adbIdleTimeout, adbMaxPayload)
		if err != nil {
			return
		}

		switch command {
		case adbOpen:
			dest := strings.TrimRight(string(payload), "\x00")
			remoteID := arg0

			a.logEvent(sess, models.EventCommand, map[string]any{
				"command":     "OPEN",
				"destination": dest,
			})
			conn.Write(adbMessage(adbOkay, localID, remoteID, nil))

			if cmd, ok := strings.CutPrefix(dest, "shell:"); ok {
				cmd = strings.TrimSpace(cmd)
				if cmd != "" {
					a.logEvent(sess, models.EventCommand, map[string]any{
						"command": cmd,
						"mode":    "exec",
					})
					conn.Write(adbMessage(adbWrte, localID, remoteID, []byte(adbRespond(cmd)+"\n")))
					conn.Write(adbMessage(adbClse, localID, remoteID, nil))
				} else {
					conn.Write(adbMessage(adbWrte, localID, remoteID, []byte(adbPrompt)))
				}
			}
			localID++

		case adbWrte:
			text := strings.TrimSpace(string(payload))
			remoteID := arg0

			conn.Write(adbMessage(adbOkay, localID-1, remoteID, nil))
			if text == "" {
				continue
			}

			a.logEvent(sess, models.EventCommand, map[string]any{
				"command": text,
				"mode":    "interactive",
			})
			if text == "exit" || text == "quit" {
				conn.Write(adbMessage(adbClse, localID-1, remoteID, nil))
				return
			}
			conn.Write(adbMessage(adbWrte, localID-1, remoteID, []byte(adbRespond(text)+"\n"+adbPrompt)))

		case adbClse:
			return

		case adbOkay:
			// ACK, nothing to do.

		default:
			a.logEvent(sess, models.EventCommand, map[string]any{
				"unknown_command": fmt.Sprintf("0x%x", command),
				"payload_len":     len(payload),
			})
		}
	}
}

// adbRespond resolves a shell command against the fake Android responses.
func adbRespond(command string) string {
	if out, ok := adbFakeResponses[command]; ok {
		return out
	}
	first, _, _ := strings.Cut(command, " ")
	for k, v := range adbFakeResponses {
		key, _, _ := strings.Cut(k, " ")
		if first == key {
			return v
		}
	}
	switch {
	case strings.HasPrefix(command, "cd "):
		return ""
	case strings.HasPrefix(command, "echo "):
		return command[5:]
	case strings.HasPrefix(command, "getprop"):
		return ""
	}
	return fmt.Sprintf("/system/bin/sh: %s: not found", first)
}
