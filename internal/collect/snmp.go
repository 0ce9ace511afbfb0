package collect

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/martinsuchenak/scoutd/internal/model"
)

// Standard OIDs for device identification.
const (
	oidSysDescr   = ".1.3.6.1.2.1.1.1.0"
	oidSysName    = ".1.3.6.1.2.1.1.5.0"
	oidSerialNum  = ".1.3.6.1.2.1.47.1.1.1.1.11.1" // entPhysicalSerialNum
	oidIfPhysAddr = ".1.3.6.1.2.1.2.2.1.6"         // ifPhysAddress table
)

// SNMPAdapter collects device identity over SNMP v2c, rotating community
// strings in place of username/secret pairs.
type SNMPAdapter struct {
	port uint16
}

// NewSNMPAdapter creates the SNMP collector.
func NewSNMPAdapter() *SNMPAdapter {
	return &SNMPAdapter{port: 161}
}

func (a *SNMPAdapter) Method() string { return model.MethodSNMP }

// Attempt tries each community string, cached-first, against the target.
func (a *SNMPAdapter) Attempt(ctx context.Context, ip string, creds *model.CredentialSet, cache *CredCache, timeout time.Duration) (*model.DeviceRecord, error) {
	if creds == nil || len(creds.SNMPCommunities) == 0 {
		return nil, ErrNoCredentials
	}

	var lastErr error
	for _, i := range rotation(len(creds.SNMPCommunities), cache.Hint(a.Method())) {
		record, err := a.query(ctx, ip, creds.SNMPCommunities[i], timeout)
		if err != nil {
			lastErr = err
			continue
		}
		cache.Remember(a.Method(), i)
		return record, nil
	}

	// A wrong community and an unreachable agent both surface as timeouts,
	// so everything short of success is an auth-style failure here.
	return nil, fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
}

func (a *SNMPAdapter) query(ctx context.Context, ip, community string, timeout time.Duration) (*model.DeviceRecord, error) {
	client := &gosnmp.GoSNMP{
		Target:    ip,
		Port:      a.port,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
		Context:   ctx,
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidSysDescr, oidSysName, oidSerialNum})
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}

	record := &model.DeviceRecord{}

	for _, variable := range result.Variables {
		value := pduString(variable)
		if value == "" {
			continue
		}
		switch variable.Name {
		case oidSysDescr:
			record.OSName, record.Family = classifySysDescr(value)
		case oidSysName:
			record.Hostname, record.Domain = splitFQDN(value)
		case oidSerialNum:
			record.SerialNumber = value
		}
	}

	// First interface with a physical address supplies the MAC.
	_ = client.Walk(oidIfPhysAddr, func(pdu gosnmp.SnmpPDU) error {
		if record.MACAddress != "" {
			return nil
		}
		if raw, ok := pdu.Value.([]byte); ok && len(raw) == 6 {
			record.MACAddress = net.HardwareAddr(raw).String()
		}
		return nil
	})

	return record, nil
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return strings.TrimSpace(string(v))
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}

// classifySysDescr derives an OS name and family hint from sysDescr.
func classifySysDescr(descr string) (string, model.DeviceFamily) {
	lower := strings.ToLower(descr)
	switch {
	case strings.Contains(lower, "windows"):
		return "Windows", model.FamilyWindows
	case strings.Contains(lower, "linux"):
		return "Linux", model.FamilyUnix
	case strings.Contains(lower, "bsd") || strings.Contains(lower, "unix"):
		return "Unix", model.FamilyUnix
	default:
		return firstWords(descr, 3), model.FamilyUnknown
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
