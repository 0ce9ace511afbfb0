// Package mcp exposes the inventory and review queue to MCP clients over
// HTTP with optional bearer token authentication.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/paularlott/mcp"

	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/internal/storage"
)

// Storage is the slice of the store the MCP tools need.
type Storage interface {
	GetEntry(ctx context.Context, id string) (*model.Entry, error)
	ListEntries(ctx context.Context) ([]model.Entry, error)
	AuditForEntry(ctx context.Context, inventoryID string) ([]model.AuditEntry, error)
	PendingReviews(ctx context.Context) ([]storage.ReviewItem, error)
	ResolveReview(ctx context.Context, reviewID string, keep bool) error
	StateByIP(ctx context.Context, ip string) (model.DeviceState, string, error)
}

// StatusFunc reports the most recent scan's status, if any scan has run.
type StatusFunc func() (model.ScanStatus, bool)

// Server wraps the MCP server with inventory storage.
type Server struct {
	mcpServer   *mcp.Server
	storage     Storage
	scanStatus  StatusFunc
	bearerToken string
}

// NewServer creates a new MCP server over the inventory store. scanStatus
// may be nil when no scan engine is attached.
func NewServer(store Storage, scanStatus StatusFunc, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("scoutd", "1.0.0"),
		storage:     store,
		scanStatus:  scanStatus,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.RegisterTool(
		mcp.NewTool("inventory_get", "Get an inventory entry by ID or IP address, including its audit trail",
			mcp.String("id", "Inventory entry ID or IP address", mcp.Required()),
		),
		s.handleInventoryGet,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("inventory_list", "List inventory entries, optionally filtered by search query or lifecycle",
			mcp.String("query", "Search query (matches hostname, IP, serial number, MAC, assigned user)"),
			mcp.String("lifecycle", "Filter by lifecycle (new, active, under_review, archived)"),
		),
		s.handleInventoryList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("inventory_audit", "Get the audit trail of merges and updates for an inventory entry",
			mcp.String("id", "Inventory entry ID", mcp.Required()),
		),
		s.handleInventoryAudit,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("review_list", "List pending manual review items with the collected record and the conflicting candidate"),
		s.handleReviewList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("review_resolve", "Resolve a pending review item. 'keep' returns the candidate entry to active, 'archive' retires it.",
			mcp.String("id", "Review item ID", mcp.Required()),
			mcp.String("resolution", "Either 'keep' or 'archive'", mcp.Required()),
		),
		s.handleReviewResolve,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("scan_status", "Get the status and counters of the most recent scan"),
		s.handleScanStatus,
	)
}

// HandleRequest handles MCP HTTP requests with optional bearer token
// authentication.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			log.Warn("MCP request missing Authorization header", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Missing Authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			log.Warn("MCP request invalid Authorization format", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid Authorization format", http.StatusUnauthorized)
			return
		}
		if strings.TrimPrefix(auth, "Bearer ") != s.bearerToken {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
	}

	s.mcpServer.HandleRequest(w, r)
}

func (s *Server) handleInventoryGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}

	log.Debug("MCP inventory get request", "id", id)

	entry, err := s.storage.GetEntry(ctx, id)
	if err != nil {
		// Second chance: treat the argument as an IP address.
		_, entryID, ipErr := s.storage.StateByIP(ctx, id)
		if ipErr != nil || entryID == "" {
			log.Error("MCP inventory get failed", "error", err, "id", id)
			return nil, mcp.NewToolErrorInternal("entry not found: " + err.Error())
		}
		entry, err = s.storage.GetEntry(ctx, entryID)
		if err != nil {
			return nil, mcp.NewToolErrorInternal("entry not found: " + err.Error())
		}
	}

	return mcp.NewToolResponseText(formatEntry(entry)), nil
}

func (s *Server) handleInventoryList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	query := strings.ToLower(req.StringOr("query", ""))
	lifecycle := req.StringOr("lifecycle", "")

	log.Debug("MCP inventory list request", "query", query, "lifecycle", lifecycle)

	entries, err := s.storage.ListEntries(ctx)
	if err != nil {
		log.Error("MCP inventory list failed", "error", err)
		return nil, mcp.NewToolErrorInternal("failed to list entries: " + err.Error())
	}

	var matched []model.Entry
	for _, entry := range entries {
		if lifecycle != "" && string(entry.Lifecycle) != lifecycle {
			continue
		}
		if query != "" && !entryMatches(&entry, query) {
			continue
		}
		matched = append(matched, entry)
	}

	if len(matched) == 0 {
		return mcp.NewToolResponseText("No inventory entries found"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d entries:\n\n", len(matched)))
	for _, entry := range matched {
		result.WriteString(formatEntrySummary(&entry))
		result.WriteString("\n")
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleInventoryAudit(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}

	audits, err := s.storage.AuditForEntry(ctx, id)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("failed to get audit trail: " + err.Error())
	}

	if len(audits) == 0 {
		return mcp.NewToolResponseText("No audit entries found for: " + id), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Audit trail for %s:\n\n", id))
	for _, audit := range audits {
		result.WriteString(fmt.Sprintf("- %s %s (score %d)\n", audit.CreatedAt.Format("2006-01-02 15:04:05"), audit.Action, audit.Score))
		if len(audit.ChangedFields) > 0 {
			result.WriteString(fmt.Sprintf("  Changed: %s\n", strings.Join(audit.ChangedFields, ", ")))
		}
		if audit.Reasoning != "" {
			result.WriteString(fmt.Sprintf("  Reasoning: %s\n", audit.Reasoning))
		}
		if audit.LowConfidence {
			result.WriteString("  Low confidence\n")
		}
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleReviewList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	items, err := s.storage.PendingReviews(ctx)
	if err != nil {
		log.Error("MCP review list failed", "error", err)
		return nil, mcp.NewToolErrorInternal("failed to list reviews: " + err.Error())
	}

	if len(items) == 0 {
		return mcp.NewToolResponseText("No pending reviews"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d pending reviews:\n\n", len(items)))
	for _, item := range items {
		result.WriteString(fmt.Sprintf("ID: %s\n", item.ID))
		result.WriteString(fmt.Sprintf("Queued: %s\n", item.CreatedAt.Format("2006-01-02 15:04:05")))
		if item.Incoming != nil {
			result.WriteString(fmt.Sprintf("Incoming: %s (serial %s, mac %s)\n",
				item.Incoming.IP, orDash(item.Incoming.SerialNumber), orDash(item.Incoming.MACAddress)))
		}
		if item.CandidateID != "" {
			result.WriteString(fmt.Sprintf("Candidate: %s\n", item.CandidateID))
		}
		result.WriteString(fmt.Sprintf("Reasoning: %s\n\n", item.Reasoning))
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleReviewResolve(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}
	resolution, err := req.String("resolution")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("resolution is required: " + err.Error())
	}

	var keep bool
	switch resolution {
	case "keep":
		keep = true
	case "archive":
		keep = false
	default:
		return nil, mcp.NewToolErrorInvalidParams("resolution must be 'keep' or 'archive'")
	}

	if err := s.storage.ResolveReview(ctx, id, keep); err != nil {
		log.Error("MCP review resolve failed", "error", err, "review_id", id)
		return nil, mcp.NewToolErrorInternal("failed to resolve review: " + err.Error())
	}

	log.Info("MCP review resolved", "review_id", id, "resolution", resolution)
	return mcp.NewToolResponseText(fmt.Sprintf("Review %s resolved: %s", id, resolution)), nil
}

func (s *Server) handleScanStatus(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	if s.scanStatus == nil {
		return mcp.NewToolResponseText("No scan engine attached"), nil
	}
	status, ok := s.scanStatus()
	if !ok {
		return mcp.NewToolResponseText("No scan has run yet"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Scan %s: %s\n", status.ID, status.Status))
	result.WriteString(fmt.Sprintf("Targets: %d, batches: %d/%d\n", status.TotalTargets, status.BatchesComplete, status.TotalBatches))
	result.WriteString(fmt.Sprintf("Alive: %d, dead: %d, collected: %d\n", status.Alive, status.Dead, status.Collected))
	result.WriteString(fmt.Sprintf("Merged: %d, flagged: %d, created: %d, review: %d\n",
		status.AutoMerged, status.Flagged, status.Created, status.QueuedForReview))
	if status.Errors > 0 || status.StalledBatches > 0 {
		result.WriteString(fmt.Sprintf("Errors: %d, stalled batches: %d\n", status.Errors, status.StalledBatches))
	}
	return mcp.NewToolResponseText(result.String()), nil
}

// Utility functions

func entryMatches(entry *model.Entry, query string) bool {
	for _, field := range []string{entry.Hostname, entry.IP, entry.SerialNumber, entry.MACAddress, entry.AssignedUser} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func formatEntrySummary(entry *model.Entry) string {
	var result strings.Builder
	result.WriteString(fmt.Sprintf("%s (%s)\n", orDash(entry.Hostname), entry.IP))
	result.WriteString(fmt.Sprintf("ID: %s\n", entry.ID))
	result.WriteString(fmt.Sprintf("State: %s, lifecycle: %s\n", entry.State, entry.Lifecycle))
	if entry.SerialNumber != "" {
		result.WriteString(fmt.Sprintf("Serial: %s\n", entry.SerialNumber))
	}
	return result.String()
}

func formatEntry(entry *model.Entry) string {
	var result strings.Builder
	result.WriteString(formatEntrySummary(entry))
	if entry.MACAddress != "" {
		result.WriteString(fmt.Sprintf("MAC: %s\n", entry.MACAddress))
	}
	if entry.Domain != "" {
		result.WriteString(fmt.Sprintf("Domain: %s\n", entry.Domain))
	}
	if entry.OSName != "" {
		result.WriteString(fmt.Sprintf("OS: %s %s\n", entry.OSName, entry.OSVersion))
	}
	if entry.AssignedUser != "" {
		result.WriteString(fmt.Sprintf("Assigned user: %s\n", entry.AssignedUser))
	}
	if entry.Hardware.Processor != "" {
		result.WriteString(fmt.Sprintf("Processor: %s\n", entry.Hardware.Processor))
	}
	if entry.Hardware.MemoryMB > 0 {
		result.WriteString(fmt.Sprintf("Memory: %d MB\n", entry.Hardware.MemoryMB))
	}
	if len(entry.OpenPorts) > 0 {
		ports := make([]string, len(entry.OpenPorts))
		for i, p := range entry.OpenPorts {
			ports[i] = fmt.Sprintf("%d", p)
		}
		result.WriteString(fmt.Sprintf("Open ports: %s\n", strings.Join(ports, ", ")))
	}
	result.WriteString(fmt.Sprintf("First seen: %s, last seen: %s\n",
		entry.FirstSeen.Format("2006-01-02 15:04:05"), entry.LastSeen.Format("2006-01-02 15:04:05")))
	return result.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// LogStartup logs MCP server startup information.
func (s *Server) LogStartup() {
	log.Info("MCP Server initialized", "version", "1.0.0")
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
}
