package collect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/martinsuchenak/scoutd/internal/model"
)

// factCommands are the per-field collection commands run over one SSH
// session. Each tolerates absence of the underlying tool.
var factCommands = map[string]string{
	"hostname": "hostname -f 2>/dev/null || hostname",
	"os":       "cat /etc/os-release 2>/dev/null",
	"kernel":   "uname -sr",
	"serial":   "cat /sys/class/dmi/id/product_serial 2>/dev/null",
	"mac":      "cat /sys/class/net/$(ls /sys/class/net | grep -v lo | head -1)/address 2>/dev/null",
	"memory":   "grep MemTotal /proc/meminfo",
	"cpu":      "grep -m1 'model name' /proc/cpuinfo",
	"user":     "who | head -1",
}

// SSHAdapter collects device identity over SSH using password or key auth.
type SSHAdapter struct {
	port int
}

// NewSSHAdapter creates the SSH collector.
func NewSSHAdapter() *SSHAdapter {
	return &SSHAdapter{port: 22}
}

func (a *SSHAdapter) Method() string { return model.MethodSSH }

// Attempt rotates through the SSH credential list, cached-first, and
// gathers facts with the first session that authenticates.
func (a *SSHAdapter) Attempt(ctx context.Context, ip string, creds *model.CredentialSet, cache *CredCache, timeout time.Duration) (*model.DeviceRecord, error) {
	if creds == nil || len(creds.SSH) == 0 {
		return nil, ErrNoCredentials
	}

	var lastErr error
	for _, i := range rotation(len(creds.SSH), cache.Hint(a.Method())) {
		client, err := a.connect(ctx, ip, creds.SSH[i], timeout)
		if err != nil {
			lastErr = err
			if !isAuthErr(err) {
				// Host unreachable over SSH; other credentials won't help.
				return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
			}
			continue
		}
		defer client.Close()

		cache.Remember(a.Method(), i)
		return a.gather(client), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
}

func (a *SSHAdapter) connect(ctx context.Context, ip string, cred model.Credential, timeout time.Duration) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            cred.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	if cred.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else {
		config.Auth = []ssh.AuthMethod{ssh.Password(cred.Secret)}
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(a.port))

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (a *SSHAdapter) gather(client *ssh.Client) *model.DeviceRecord {
	record := &model.DeviceRecord{Family: model.FamilyUnix}

	facts := make(map[string]string, len(factCommands))
	for name, cmd := range factCommands {
		out, err := runCommand(client, cmd)
		if err != nil {
			continue
		}
		facts[name] = strings.TrimSpace(out)
	}

	if h := facts["hostname"]; h != "" {
		record.Hostname, record.Domain = splitFQDN(h)
	}
	if serial := facts["serial"]; serial != "" && !strings.EqualFold(serial, "none") {
		record.SerialNumber = serial
	}
	if mac := facts["mac"]; mac != "" {
		record.MACAddress = normalizeMAC(mac)
	}
	record.OSName, record.OSVersion = parseOSRelease(facts["os"])
	if record.OSName == "" && facts["kernel"] != "" {
		record.OSName = strings.Fields(facts["kernel"])[0]
	}
	if mem := facts["memory"]; mem != "" {
		record.Hardware.MemoryMB = parseMemTotalMB(mem)
	}
	if cpu := facts["cpu"]; cpu != "" {
		if _, after, found := strings.Cut(cpu, ":"); found {
			record.Hardware.Processor = strings.TrimSpace(after)
		}
	}
	if user := facts["user"]; user != "" {
		record.AssignedUser = strings.Fields(user)[0]
	}

	return record
}

// runCommand executes one command in its own session.
func runCommand(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		// Non-zero exit still carries usable output for optional facts.
		if _, ok := err.(*ssh.ExitError); ok {
			return string(out), nil
		}
		return "", err
	}
	return string(out), nil
}

func isAuthErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// parseOSRelease extracts NAME and VERSION_ID from /etc/os-release output.
func parseOSRelease(out string) (name, version string) {
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, "\"'")
		switch key {
		case "NAME":
			name = value
		case "VERSION_ID":
			version = value
		}
	}
	return name, version
}

// parseMemTotalMB parses "MemTotal:  16384000 kB" into megabytes.
func parseMemTotalMB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return kb / 1024
}

func splitFQDN(fqdn string) (host, domain string) {
	if idx := strings.Index(fqdn, "."); idx > 0 {
		return fqdn[:idx], fqdn[idx+1:]
	}
	return fqdn, ""
}

func normalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}
