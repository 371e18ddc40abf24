package services

import "strings"

// fakeDirListing is served by the FTP LIST command and mirrors the files the
// fake shells pretend to have.
const fakeDirListing = "drwxr-xr-x   2 root root  4096 Jan 15 09:30 .\r\n" +
	"drwxr-xr-x   3 root root  4096 Jan 10 12:00 ..\r\n" +
	"-rw-r--r--   1 root root  1024 Jan 12 14:22 config.bak\r\n" +
	"-rw-------   1 root root   256 Jan 14 08:15 credentials.txt\r\n" +
	"-rw-r--r--   1 root root 51200 Jan 15 09:30 database_dump.sql\r\n" +
	"drwxr-xr-x   2 root root  4096 Jan 11 16:45 logs\r\n" +
	"-rwxr-xr-x   1 root root  8192 Jan 13 11:00 backup.sh\r\n"

// honeytokenCreds is the canary file contents; any credential in here showing
// up elsewhere means the shell capture worked.
const honeytokenCreds = "admin:P@ssw0rd2024!\ndb_user:mysql_r00t_pw\napi_key:sk-proj-abc123xyz"

// fakeShellResponses maps canned commands to the output of a believable
// compromised Ubuntu box. Shared by the SSH and telnet shells.
var fakeShellResponses = map[string]string{
	"whoami":   "root",
	"id":       "uid=0(root) gid=0(root) groups=0(root)",
	"uname":    "Linux",
	"uname -a": "Linux prod-web-01 5.15.0-91-generic #101-Ubuntu SMP x86_64 GNU/Linux",
	"hostname": "prod-web-01",
	"pwd":      "/root",
	"ls":       "backup.sh  config.bak  credentials.txt  database_dump.sql  logs",
	"ls -la": `total 68
drwx------  3 root root  4096 Jan 15 09:30 .
drwxr-xr-x 24 root root  4096 Jan 10 12:00 ..
-rw-------  1 root root   256 Jan 14 08:15 .bash_history
-rw-r--r--  1 root root  3106 Jan  5 10:00 .bashrc
-rwxr-xr-x  1 root root  8192 Jan 13 11:00 backup.sh
-rw-r--r--  1 root root  1024 Jan 12 14:22 config.bak
-rw-------  1 root root   256 Jan 14 08:15 credentials.txt
-rw-r--r--  1 root root 51200 Jan 15 09:30 database_dump.sql
drwxr-xr-x  2 root root  4096 Jan 11 16:45 logs`,
	"cat /etc/passwd": `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
bin:x:2:2:bin:/bin:/usr/sbin/nologin
sys:x:3:3:sys:/dev:/usr/sbin/nologin
www-data:x:33:33:www-data:/var/www:/usr/sbin/nologin
mysql:x:27:27:MySQL Server:/var/lib/mysql:/bin/false
sshd:x:74:74:sshd:/var/run/sshd:/usr/sbin/nologin`,
	"cat credentials.txt": honeytokenCreds,
	"ifconfig": `eth0: flags=4163<UP,BROADCAST,RUNNING,MULTICAST>  mtu 1500
        inet 10.0.1.15  netmask 255.255.255.0  broadcast 10.0.1.255
        ether 02:42:0a:00:01:0f  txqueuelen 0  (Ethernet)`,
	"ip addr": `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 state UNKNOWN
    inet 127.0.0.1/8 scope host lo
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 state UP
    inet 10.0.1.15/24 brd 10.0.1.255 scope global eth0`,
	"ps aux": `USER       PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root         1  0.0  0.1 169316  9212 ?        Ss   Jan10   0:05 /sbin/init
root       456  0.0  0.0  72300  3432 ?        Ss   Jan10   0:00 /usr/sbin/sshd
mysql      789  0.1  2.1 1294512 173452 ?      Sl   Jan10   1:23 /usr/sbin/mysqld
www-data  1234  0.0  0.5 356812  42108 ?       S    Jan10   0:12 apache2 -k start
root      5678  0.0  0.0  21532  1244 pts/0    R+   09:30   0:00 ps aux`,
	"netstat -tlnp": `Active Internet connections (only servers)
Proto Recv-Q Send-Q Local Address           Foreign Address         State       PID/Program
tcp        0      0 0.0.0.0:22              0.0.0.0:*               LISTEN      456/sshd
tcp        0      0 0.0.0.0:80              0.0.0.0:*               LISTEN      1234/apache2
tcp        0      0 0.0.0.0:3306            0.0.0.0:*               LISTEN      789/mysqld
tcp        0      0 0.0.0.0:443             0.0.0.0:*               LISTEN      1234/apache2`,
	"env": `SHELL=/bin/bash
PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin
HOME=/root
LOGNAME=root
USER=root
LANG=en_US.UTF-8
TERM=xterm-256color`,
	"uptime": " 09:30:15 up 5 days, 21:30,  1 user,  load average: 0.08, 0.03, 0.01",
	"df -h": `Filesystem      Size  Used Avail Use% Mounted on
/dev/sda1        50G   23G   25G  48% /
tmpfs           2.0G     0  2.0G   0% /dev/shm
/dev/sda2       100G   67G   28G  71% /var/lib/mysql`,
	"w": ` 09:30:15 up 5 days, 21:30,  1 user,  load average: 0.08, 0.03, 0.01
USER     TTY      FROM             LOGIN@   IDLE   JCPU   PCPU WHAT
root     pts/0    attacker         09:30    0.00s  0.00s  0.00s w`,
	"history": `    1  apt update && apt upgrade -y
    2  mysql -u root -p
    3  vim /etc/apache2/sites-available/000-default.conf
    4  systemctl restart apache2
    5  cat /var/log/auth.log | tail -50
    6  ./backup.sh
    7  scp database_dump.sql backup@10.0.1.100:/backups/`,
}

// shellRespond returns the canned output for a shell command: exact match
// first, then a prefix match on the command word, then the cd/echo special
// cases, and finally the bash "command not found" line.
func shellRespond(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}
	if out, ok := fakeShellResponses[command]; ok {
		return out
	}
	word := strings.Fields(command)[0]
	for k, v := range fakeShellResponses {
		if word == strings.Fields(k)[0] {
			return v
		}
	}
	if strings.HasPrefix(command, "cd ") {
		return ""
	}
	if strings.HasPrefix(command, "echo ") {
		return command[5:]
	}
	return "-bash: " + word + ": command not found"
}

// isShellExit reports whether command ends the fake shell session.
func isShellExit(command string) bool {
	switch command {
	case "exit", "quit", "logout":
		return true
	}
	return false
}
