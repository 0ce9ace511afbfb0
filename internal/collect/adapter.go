// Package collect tries protocol-specific adapters (WinRM, SSH, SNMP) in
// family-specific priority order against live hosts, with per-adapter
// timeouts and credential rotation. Collection fails soft: a host that
// refuses every protocol still yields a minimal record.
package collect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
)

var (
	// ErrAuthFailed means the adapter reached the host but no credential
	// was accepted. The chain advances to the next adapter.
	ErrAuthFailed = errors.New("adapter authentication failed")
	// ErrConnectFailed means the adapter could not establish a session.
	ErrConnectFailed = errors.New("adapter connection failed")
	// ErrNoCredentials means the credential set has no entries for the
	// adapter's protocol.
	ErrNoCredentials = errors.New("no credentials configured for adapter")
)

// Adapter is the uniform collector contract. Attempt either returns a
// DeviceRecord fragment or a failure reason; it must respect ctx and
// timeout so a slow host cannot stall the batch.
type Adapter interface {
	Method() string
	Attempt(ctx context.Context, ip string, creds *model.CredentialSet, cache *CredCache, timeout time.Duration) (*model.DeviceRecord, error)
}

// CredCache remembers, per adapter method, which credential index worked
// first. It lives for one batch so repeated hosts of the same family skip
// futile credential attempts.
type CredCache struct {
	mu      sync.RWMutex
	working map[string]int
}

// NewCredCache creates an empty per-batch credential cache.
func NewCredCache() *CredCache {
	return &CredCache{working: make(map[string]int)}
}

// Hint returns the cached working credential index for a method, or -1.
func (c *CredCache) Hint(method string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i, ok := c.working[method]; ok {
		return i
	}
	return -1
}

// Remember records the credential index that worked for a method.
func (c *CredCache) Remember(method string, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.working[method] = index
}

// rotation yields credential indexes with the cached hint first.
func rotation(n int, hint int) []int {
	order := make([]int, 0, n)
	if hint >= 0 && hint < n {
		order = append(order, hint)
	}
	for i := 0; i < n; i++ {
		if i != hint {
			order = append(order, i)
		}
	}
	return order
}

// Chain tries adapters strictly in family order; the first success wins.
type Chain struct {
	orders  map[model.DeviceFamily][]Adapter
	creds   *model.CredentialSet
	timeout time.Duration
}

// NewChain builds the default chain orderings over the given adapters:
// Windows -> [winrm, snmp], Unix -> [ssh, snmp], Unknown -> [snmp, ssh].
func NewChain(winrm, ssh, snmp Adapter, creds *model.CredentialSet, adapterTimeout time.Duration) *Chain {
	if adapterTimeout <= 0 {
		adapterTimeout = 3 * time.Second
	}
	return &Chain{
		orders: map[model.DeviceFamily][]Adapter{
			model.FamilyWindows: {winrm, snmp},
			model.FamilyUnix:    {ssh, snmp},
			model.FamilyUnknown: {snmp, ssh},
		},
		creds:   creds,
		timeout: adapterTimeout,
	}
}

// Collect runs the chain for one live host. It never returns nil: when
// every adapter fails it emits the minimal "unidentified" record carrying
// the ip and open-port signature.
func (c *Chain) Collect(ctx context.Context, ip string, family model.DeviceFamily, openPorts []int, cache *CredCache) *model.DeviceRecord {
	adapters := c.orders[family]
	if adapters == nil {
		adapters = c.orders[model.FamilyUnknown]
	}

	for _, adapter := range adapters {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		record, err := adapter.Attempt(attemptCtx, ip, c.creds, cache, c.timeout)
		cancel()

		if err != nil {
			log.Debug("Adapter failed, trying next",
				"ip", ip, "adapter", adapter.Method(), "error", err)
			continue
		}

		finalize(record, ip, family, openPorts, adapter.Method())
		return record
	}

	log.Debug("All adapters exhausted, emitting minimal record", "ip", ip)
	record := &model.DeviceRecord{}
	finalize(record, ip, family, openPorts, model.MethodUnidentified)
	return record
}

func finalize(record *model.DeviceRecord, ip string, family model.DeviceFamily, openPorts []int, method string) {
	record.ID = generateID()
	record.IP = ip
	if record.Family == "" {
		record.Family = family
	}
	record.OpenPorts = openPorts
	record.CollectionMethod = method
	record.CollectedAt = time.Now()
}

// generateID generates a unique record ID.
func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
