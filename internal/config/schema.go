package config

// ExtraField describes one service-specific config knob for the dashboard's
// settings UI.
type ExtraField struct {
	Label       string `json:"label"`
	Default     string `json:"default"`
	Type        string `json:"type"`
	Placeholder string `json:"placeholder,omitempty"`
}

// BannerPreset is a ready-made banner choice for the settings UI.
type BannerPreset struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

const credPlaceholder = "admin:admin123\nroot:toor"

// ServiceExtraSchema maps service name to the extra fields its settings form
// exposes.
var ServiceExtraSchema = map[string]map[string]ExtraField{
	"ssh": {
		"hostname": {Label: "Hostname", Default: "prod-web-01", Type: "text"},
		"prompt":   {Label: "Shell Prompt", Default: "root@prod-web-01:~# ", Type: "text"},
		"credentials": {Label: "Honeytoken Creds (user:pass per line)", Type: "textarea",
			Placeholder: credPlaceholder},
	},
	"http": {
		"page_title":   {Label: "Login Page Title", Default: "Admin Portal - Login", Type: "text"},
		"company_name": {Label: "Company Name", Default: "Infrastructure Systems", Type: "text"},
	},
	"ftp": {
		"home_dir": {Label: "Home Directory", Default: "/home/admin", Type: "text"},
	},
	"telnet": {
		"hostname":         {Label: "Hostname", Default: "gateway-01", Type: "text"},
		"prompt":           {Label: "Shell Prompt", Default: "root@gateway-01:~$ ", Type: "text"},
		"additional_ports": {Label: "Additional Ports (comma-sep)", Default: "23", Type: "text"},
		"credentials": {Label: "Honeytoken Creds (user:pass per line)", Type: "textarea",
			Placeholder: credPlaceholder},
	},
	"mysql": {
		"databases": {Label: "Fake Databases (comma-sep)",
			Default: "information_schema,mysql,performance_schema,production_db,user_data", Type: "text"},
	},
	"smtp": {
		"hostname": {Label: "Mail Hostname", Default: "mail.example.com", Type: "text"},
	},
	"mongodb": {
		"databases": {Label: "Fake Databases (comma-sep)",
			Default: "admin,config,local,production,users", Type: "text"},
	},
	"redis": {
		"version":  {Label: "Redis Version", Default: "7.2.4", Type: "text"},
		"password": {Label: "AUTH Password (empty = no auth)", Type: "text"},
	},
	"vnc": {
		"resolution": {Label: "Screen Resolution", Default: "1024x768", Type: "text"},
	},
	"smb": {
		"workgroup": {Label: "Workgroup", Default: "WORKGROUP", Type: "text"},
	},
	"adb": {
		"device_model":    {Label: "Device Model", Default: "Pixel 7", Type: "text"},
		"android_version": {Label: "Android Version", Default: "14", Type: "text"},
	},
}

// BannerPresets maps service name to its quick-select banner values.
// Services whose protocol has no banner string keep an empty list.
var BannerPresets = map[string][]BannerPreset{
	"ssh": {
		{Label: "OpenSSH 8.9 Ubuntu", Value: "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6"},
		{Label: "OpenSSH 7.4 CentOS", Value: "SSH-2.0-OpenSSH_7.4"},
		{Label: "OpenSSH 9.6 Debian", Value: "SSH-2.0-OpenSSH_9.6p1 Debian-4"},
		{Label: "Dropbear 2022.83", Value: "SSH-2.0-dropbear_2022.83"},
	},
	"http": {},
	"ftp": {
		{Label: "vsftpd 3.0.5", Value: "220 (vsFTPd 3.0.5)"},
		{Label: "ProFTPD 1.3.8", Value: "220 ProFTPD 1.3.8 Server ready."},
		{Label: "Pure-FTPd", Value: "220 FTP Server ready."},
	},
	"smb": {},
	"mysql": {
		{Label: "MySQL 5.7 Ubuntu", Value: "5.7.42-0ubuntu0.18.04.1"},
		{Label: "MySQL 8.0 Debian", Value: "8.0.33-0ubuntu0.22.04.2"},
		{Label: "MariaDB 10.11", Value: "5.5.5-10.11.2-MariaDB"},
	},
	"telnet": {},
	"smtp": {
		{Label: "Postfix Ubuntu", Value: "220 mail.example.com ESMTP Postfix (Ubuntu)"},
		{Label: "Exim4 Debian", Value: "220 mail.example.com ESMTP Exim 4.96 #2"},
		{Label: "Sendmail", Value: "220 mail.example.com ESMTP Sendmail 8.17.1"},
	},
	"mongodb": {
		{Label: "MongoDB 6.0", Value: "6.0.12"},
		{Label: "MongoDB 7.0", Value: "7.0.4"},
		{Label: "MongoDB 5.0", Value: "5.0.22"},
	},
	"vnc": {
		{Label: "Workstation", Value: "prod-workstation:0"},
		{Label: "Dev Desktop", Value: "dev-desktop:0"},
		{Label: "Server Console", Value: "srv-console:0"},
	},
	"redis": {},
	"adb": {
		{Label: "Pixel 7", Value: "device::Pixel 7"},
		{Label: "Samsung Galaxy S23", Value: "device::Galaxy S23"},
		{Label: "OnePlus 12", Value: "device::OnePlus 12"},
	},
}
