package collect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/martinsuchenak/scoutd/internal/model"
)

// wmicQueries are run in order; output arrives as KEY=VALUE lines. The
// video controller query also answers with "Name", so it runs last and its
// result lands under "gpu:Name".
var wmicQueries = []string{
	"wmic bios get serialnumber /value",
	"wmic os get caption,version /value",
	"wmic computersystem get username,totalphysicalmemory /value",
	"wmic cpu get name /value",
	"wmic path win32_videocontroller get name /value",
}

// WinRMAdapter collects device identity from Windows hosts over the
// WS-Management protocol.
type WinRMAdapter struct {
	port  int
	https bool
}

// NewWinRMAdapter creates the WinRM collector on the default HTTP port.
func NewWinRMAdapter() *WinRMAdapter {
	return &WinRMAdapter{port: 5985}
}

func (a *WinRMAdapter) Method() string { return model.MethodWinRM }

// Attempt rotates through the Windows credential list, cached-first, and
// queries WMI through the first shell that authenticates.
func (a *WinRMAdapter) Attempt(ctx context.Context, ip string, creds *model.CredentialSet, cache *CredCache, timeout time.Duration) (*model.DeviceRecord, error) {
	if creds == nil || len(creds.Windows) == 0 {
		return nil, ErrNoCredentials
	}

	endpoint := winrm.NewEndpoint(ip, a.port, a.https, true, nil, nil, nil, timeout)

	var lastErr error
	for _, i := range rotation(len(creds.Windows), cache.Hint(a.Method())) {
		cred := creds.Windows[i]

		client, err := winrm.NewClient(endpoint, cred.Username, cred.Secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}

		// A cheap command validates both connectivity and the credential.
		hostname, _, code, err := client.RunWithContextWithString(ctx, "hostname", "")
		if err != nil || code != 0 {
			lastErr = err
			if err != nil && !isWinRMAuthErr(err) {
				return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
			}
			continue
		}

		cache.Remember(a.Method(), i)
		return a.gather(ctx, client, strings.TrimSpace(hostname)), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
}

func (a *WinRMAdapter) gather(ctx context.Context, client *winrm.Client, hostname string) *model.DeviceRecord {
	record := &model.DeviceRecord{
		Family: model.FamilyWindows,
	}
	record.Hostname, record.Domain = splitFQDN(hostname)

	values := make(map[string]string)
	for _, query := range wmicQueries {
		out, _, code, err := client.RunWithContextWithString(ctx, query, "")
		if err != nil || code != 0 {
			continue
		}
		parseWmicValues(out, values)
	}

	record.SerialNumber = values["SerialNumber"]
	record.OSName = values["Caption"]
	record.OSVersion = values["Version"]
	record.Hardware.Processor = values["Name"]
	record.Hardware.Graphics = values["gpu:Name"]

	if user := values["UserName"]; user != "" {
		// DOMAIN\user -> user
		if idx := strings.LastIndex(user, `\`); idx >= 0 {
			user = user[idx+1:]
		}
		record.AssignedUser = user
	}
	if mem := values["TotalPhysicalMemory"]; mem != "" {
		if b, err := strconv.ParseInt(mem, 10, 64); err == nil {
			record.Hardware.MemoryMB = b / (1024 * 1024)
		}
	}

	if mac, _, code, err := client.RunWithContextWithString(ctx, "getmac /fo csv /nh", ""); err == nil && code == 0 {
		record.MACAddress = parseGetmac(mac)
	}

	return record
}

// parseWmicValues merges KEY=VALUE lines into values. A repeated "Name"
// key (the video controller after the processor) is stored as "gpu:Name".
func parseWmicValues(out string, values map[string]string) {
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found || value == "" {
			continue
		}
		if key == "Name" {
			if _, taken := values["Name"]; taken {
				values["gpu:Name"] = value
				continue
			}
		}
		values[key] = value
	}
}

// parseGetmac extracts the first MAC from `getmac /fo csv /nh` output.
func parseGetmac(out string) string {
	line := strings.TrimSpace(strings.Split(out, "\n")[0])
	if line == "" {
		return ""
	}
	fields := strings.Split(line, ",")
	mac := strings.Trim(fields[0], `"`)
	if strings.Contains(mac, "N/A") {
		return ""
	}
	return normalizeMAC(mac)
}

func isWinRMAuthErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}
