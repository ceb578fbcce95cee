package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httpAdapter "github.com/aretw0/lattice/internal/adapters/http"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/aretw0/lattice/pkg/replica"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *replica.Manager[*record.Record], *client.Client) {
	t.Helper()
	doc := memory.NewDocument()
	m, err := replica.New(doc, replica.Config[*record.Record]{
		Name: "records",
		Create: func(_ context.Context, _ string, state domain.Map, _ domain.Value) (*record.Record, error) {
			return record.New(record.WithFields(state)), nil
		},
		SendInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	s := NewServer(doc, m, nil)
	c, err := client.NewInProcessClient(s.mcpServer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "lattice-test", Version: "test"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)
	return s, m, c
}

func call(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	return res
}

// decode reads the structured content of a tool result into v.
func decode(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.False(t, res.IsError, "tool failed: %v", res.Content)
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestListTools(t *testing.T) {
	_, _, c := newTestServer(t)
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"list_records", "get_record", "put_record", "patch_record", "delete_record", "flush_records",
	}, names)
}

func TestRecordTools_Lifecycle(t *testing.T) {
	_, m, c := newTestServer(t)

	var put PutResult
	decode(t, call(t, c, "put_record", map[string]any{
		"id":    "w1",
		"state": map[string]any{"color": "blue"},
		"data":  `{"kind":"widget"}`,
	}), &put)
	assert.True(t, put.Created)
	assert.Equal(t, domain.Map{"color": "blue"}, put.Fields)

	var view httpAdapter.RecordView
	decode(t, call(t, c, "patch_record", map[string]any{
		"id":    "w1",
		"set":   map[string]any{"size": 2},
		"unset": []any{"color"},
	}), &view)
	assert.Equal(t, domain.Map{"size": 2.0}, view.Fields)
	assert.Equal(t, []string{"w1"}, m.Pending())

	decode(t, call(t, c, "put_record", map[string]any{
		"id":    "w1",
		"state": map[string]any{"shape": "round"},
	}), &put)
	assert.False(t, put.Created, "an existing record has its fields replaced")
	assert.Equal(t, domain.Map{"shape": "round"}, put.Fields)

	var list RecordList
	decode(t, call(t, c, "list_records", nil), &list)
	require.Len(t, list.Records, 1)
	assert.Equal(t, "w1", list.Records[0].ID)

	res := call(t, c, "flush_records", nil)
	assert.False(t, res.IsError)
	assert.Empty(t, m.Pending())

	res = call(t, c, "delete_record", map[string]any{"id": "w1"})
	assert.False(t, res.IsError)
	_, ok := m.GetInstanceNow("w1")
	assert.False(t, ok)
}

func TestGetRecord_Tool(t *testing.T) {
	_, m, c := newTestServer(t)

	assert.True(t, call(t, c, "get_record", map[string]any{"id": "missing"}).IsError)
	assert.True(t, call(t, c, "get_record", map[string]any{"id": "w1", "wait": "soon"}).IsError)
	assert.True(t, call(t, c, "patch_record", map[string]any{"id": "missing"}).IsError)
	assert.True(t, call(t, c, "put_record", map[string]any{"id": "w1", "data": "{"}).IsError)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Add(context.Background(), "late", record.New(record.WithFields(domain.Map{"x": "y"})), nil)
	}()

	var view httpAdapter.RecordView
	decode(t, call(t, c, "get_record", map[string]any{"id": "late", "wait": "1s"}), &view)
	assert.Equal(t, domain.Map{"x": "y"}, view.Fields)
}

func TestNamespaceResource(t *testing.T) {
	_, m, c := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, "w1", record.New(record.WithFields(domain.Map{"color": "red"})), "payload"))

	for _, uri := range []string{"lattice://namespaces/records", "lattice://namespaces/other"} {
		req := mcp.ReadResourceRequest{}
		req.Params.URI = uri
		res, err := c.ReadResource(ctx, req)
		require.NoError(t, err, uri)
		require.Len(t, res.Contents, 1)
		text, ok := res.Contents[0].(mcp.TextResourceContents)
		require.True(t, ok)
		assert.Equal(t, "application/json", text.MIMEType)

		var snapshot map[string]httpAdapter.EntityView
		require.NoError(t, json.Unmarshal([]byte(text.Text), &snapshot))
		if uri == "lattice://namespaces/records" {
			assert.Equal(t, "payload", snapshot["w1"].Data)
			assert.Equal(t, domain.Map{"color": "red"}, snapshot["w1"].State)
		} else {
			assert.Empty(t, snapshot)
		}
	}
}

func TestHandler_SSEEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler("http://example.test"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: endpoint\n", line)
}
