package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/lattice"
	httpAdapter "github.com/aretw0/lattice/internal/adapters/http"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MaxWait bounds how long get_record may wait for a record to replicate.
const MaxWait = 30 * time.Second

const namespaceScheme = "lattice://namespaces/"

// RecordList is the result of list_records.
type RecordList struct {
	Records []httpAdapter.RecordView `json:"records" jsonschema_description:"Every record of the namespace, sorted by id"`
}

// PutResult is the result of put_record.
type PutResult struct {
	httpAdapter.RecordView
	Created bool `json:"created" jsonschema_description:"True when the id was published, false when its fields were replaced"`
}

// GetArgs are the arguments of get_record.
type GetArgs struct {
	ID   string `json:"id"`
	Wait string `json:"wait,omitempty"`
}

// PutArgs are the arguments of put_record.
type PutArgs struct {
	ID    string         `json:"id"`
	State map[string]any `json:"state,omitempty"`
	Data  string         `json:"data,omitempty"`
}

// PatchArgs are the arguments of patch_record.
type PatchArgs struct {
	ID    string         `json:"id"`
	Set   map[string]any `json:"set,omitempty"`
	Unset []string       `json:"unset,omitempty"`
}

// IDArgs carry a single record id.
type IDArgs struct {
	ID string `json:"id"`
}

// Server exposes a record namespace as MCP tools and its shared document as
// resources.
type Server struct {
	doc       ports.Document
	records   httpAdapter.Records
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server for records on doc.
func NewServer(doc ports.Document, records httpAdapter.Records, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		doc:       doc,
		records:   records,
		logger:    logger,
		mcpServer: server.NewMCPServer("lattice-mcp", strings.TrimSpace(lattice.Version)),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio serves on Stdin/Stdout until ctx is done or the input closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Handler returns the SSE transport, advertising baseURL to clients.
func (s *Server) Handler(baseURL string) http.Handler {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))
	return mux
}

// ServeSSE serves the SSE transport on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{Handler: s.Handler("http://" + ln.Addr().String())}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", ln.Addr().String())
		serverErrors <- httpServer.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_records",
		mcp.WithDescription("List every record of the namespace with its fields."),
		mcp.WithOutputSchema[RecordList](),
	), mcp.NewStructuredToolHandler(s.handleList))

	s.mcpServer.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Get one record. With wait, block until a peer publishes it or the wait elapses."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record ID")),
		mcp.WithString("wait", mcp.Description("How long to wait for the record, as a Go duration such as 500ms (optional, at most 30s)")),
		mcp.WithOutputSchema[httpAdapter.RecordView](),
	), mcp.NewStructuredToolHandler(s.handleGet))

	s.mcpServer.AddTool(mcp.NewTool("put_record",
		mcp.WithDescription("Publish a record, or replace the fields of an existing one."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record ID")),
		mcp.WithObject("state", mcp.Description("The record fields")),
		mcp.WithString("data", mcp.Description("JSON creation data, used only when the record is new (optional)")),
		mcp.WithOutputSchema[PutResult](),
	), mcp.NewStructuredToolHandler(s.handlePut))

	s.mcpServer.AddTool(mcp.NewTool("patch_record",
		mcp.WithDescription("Set and unset individual fields of a record."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record ID")),
		mcp.WithObject("set", mcp.Description("Fields to set")),
		mcp.WithArray("unset", mcp.Description("Field names to remove"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithOutputSchema[httpAdapter.RecordView](),
	), mcp.NewStructuredToolHandler(s.handlePatch))

	s.mcpServer.AddTool(mcp.NewTool("delete_record",
		mcp.WithDescription("Remove a record from the namespace on every peer."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record ID")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.records.Remove(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("remove failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("record %s removed", id)), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("flush_records",
		mcp.WithDescription("Write every pending local change to the shared document now."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.records.Flush(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flush failed: %v", err)), nil
		}
		return mcp.NewToolResultText("flushed"), nil
	})
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest, _ map[string]any) (RecordList, error) {
	ids := s.records.Instances()
	out := RecordList{Records: make([]httpAdapter.RecordView, 0, len(ids))}
	for _, id := range ids {
		if rec, ok := s.records.GetInstanceNow(id); ok {
			out.Records = append(out.Records, httpAdapter.RecordView{ID: id, Fields: rec.Fields()})
		}
	}
	sort.Slice(out.Records, func(i, j int) bool { return out.Records[i].ID < out.Records[j].ID })
	return out, nil
}

func (s *Server) handleGet(ctx context.Context, request mcp.CallToolRequest, args GetArgs) (httpAdapter.RecordView, error) {
	var rec *record.Record
	var ok bool
	if args.Wait != "" {
		d, err := time.ParseDuration(args.Wait)
		if err != nil {
			return httpAdapter.RecordView{}, fmt.Errorf("invalid wait: %w", err)
		}
		rec, ok = s.records.GetInstance(ctx, args.ID, min(d, MaxWait))
	} else {
		rec, ok = s.records.GetInstanceNow(args.ID)
	}
	if !ok {
		return httpAdapter.RecordView{}, fmt.Errorf("record %s not found", args.ID)
	}
	return httpAdapter.RecordView{ID: args.ID, Fields: rec.Fields()}, nil
}

func (s *Server) handlePut(ctx context.Context, request mcp.CallToolRequest, args PutArgs) (PutResult, error) {
	if rec, ok := s.records.GetInstanceNow(args.ID); ok {
		if err := rec.Replace(args.State); err != nil {
			return PutResult{}, err
		}
		return PutResult{RecordView: httpAdapter.RecordView{ID: args.ID, Fields: rec.Fields()}}, nil
	}

	var data any
	if args.Data != "" {
		if err := json.Unmarshal([]byte(args.Data), &data); err != nil {
			return PutResult{}, fmt.Errorf("invalid data: %w", err)
		}
	}
	fields, err := domain.NormalizeMap(args.State)
	if err != nil {
		return PutResult{}, err
	}
	rec := record.New(record.WithFields(fields))
	if err := s.records.Add(ctx, args.ID, rec, data); err != nil {
		s.logger.Warn("MCP put_record rejected", "id", args.ID, "err", err)
		return PutResult{}, err
	}
	return PutResult{RecordView: httpAdapter.RecordView{ID: args.ID, Fields: rec.Fields()}, Created: true}, nil
}

func (s *Server) handlePatch(ctx context.Context, request mcp.CallToolRequest, args PatchArgs) (httpAdapter.RecordView, error) {
	rec, ok := s.records.GetInstanceNow(args.ID)
	if !ok {
		return httpAdapter.RecordView{}, fmt.Errorf("record %s not found", args.ID)
	}
	for k, v := range args.Set {
		if err := rec.Set(k, v); err != nil {
			return httpAdapter.RecordView{}, err
		}
	}
	for _, k := range args.Unset {
		rec.Unset(k)
	}
	return httpAdapter.RecordView{ID: args.ID, Fields: rec.Fields()}, nil
}

func (s *Server) registerResources() {
	// EXPOSE: lattice://namespaces/<served namespace>
	uri := namespaceScheme + s.records.Name()
	s.mcpServer.AddResource(mcp.NewResource(uri, "Namespace Snapshot",
		mcp.WithResourceDescription("Every entity of the served namespace as held by the shared document"),
		mcp.WithMIMEType("application/json"),
	), s.readNamespace)

	// EXPOSE: lattice://namespaces/{name}
	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(namespaceScheme+"{name}", "Any Namespace Snapshot",
		mcp.WithTemplateDescription("Every entity of the named namespace as held by the shared document"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readNamespace)
}

func (s *Server) readNamespace(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	name := strings.TrimPrefix(request.Params.URI, namespaceScheme)
	if name == "" || name == request.Params.URI {
		return nil, fmt.Errorf("invalid namespace uri %q", request.Params.URI)
	}
	snapshot, err := httpAdapter.Snapshot(ctx, s.doc, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace %s: %w", name, err)
	}
	jsonBytes, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonBytes),
		},
	}, nil
}
