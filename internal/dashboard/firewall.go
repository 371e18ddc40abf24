package dashboard

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
)

// firewall tracks operator-blocked IPs. Blocks are always recorded in
// memory; when iptables is on the PATH the block is also pushed to the
// host firewall with a DROP rule.
type firewall struct {
	log       *slog.Logger
	available bool

	mu      sync.Mutex
	blocked map[string]struct{}
}

func newFirewall(logger *slog.Logger) *firewall {
	_, err := exec.LookPath("iptables")
	return &firewall{
		log:       logger.With("component", "firewall"),
		available: err == nil,
		blocked:   make(map[string]struct{}),
	}
}

// run applies or removes a DROP rule for ip. action is "-A" or "-D".
func (f *firewall) run(action, ip string) error {
	cmd := exec.Command("iptables", action, "INPUT", "-s", ip, "-j", "DROP")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// block adds ip to the block set. Returns whether it was already blocked,
// whether an iptables rule was applied, and the iptables error if any.
func (f *firewall) block(ip string) (already bool, applied bool, err error) {
	f.mu.Lock()
	if _, ok := f.blocked[ip]; ok {
		f.mu.Unlock()
		return true, false, nil
	}
	f.blocked[ip] = struct{}{}
	f.mu.Unlock()

	if !f.available {
		return false, false, nil
	}
	if err := f.run("-A", ip); err != nil {
		f.mu.Lock()
		delete(f.blocked, ip)
		f.mu.Unlock()
		return false, false, err
	}
	f.log.Info("blocked ip", "ip", ip)
	return false, true, nil
}

// unblock removes ip from the block set. Returns whether it was blocked at
// all, whether an iptables rule was removed, and the iptables error if any.
func (f *firewall) unblock(ip string) (wasBlocked bool, applied bool, err error) {
	f.mu.Lock()
	if _, ok := f.blocked[ip]; !ok {
		f.mu.Unlock()
		return false, false, nil
	}
	delete(f.blocked, ip)
	f.mu.Unlock()

	if !f.available {
		return true, false, nil
	}
	if err := f.run("-D", ip); err != nil {
		// Rule removal failing still leaves the in-memory unblock in place.
		return true, false, err
	}
	f.log.Info("unblocked ip", "ip", ip)
	return true, true, nil
}

// list returns the blocked IPs sorted.
func (f *firewall) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ips := make([]string, 0, len(f.blocked))
	for ip := range f.blocked {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}
