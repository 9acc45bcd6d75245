package service

import (
	"context"
	"net"
	"testing"

	"github.com/justinsb/kllama/pkg/blobs"
	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/backends"
	"github.com/justinsb/kllama/pkg/keyspace"
	"github.com/justinsb/kllama/pkg/persist"
	"github.com/justinsb/kllama/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"k8s.io/klog/v2"
)

const affineGraph = `
nodes:
  - {name: x, op: input, shape: [-1]}
  - {name: w, op: const, values: [2]}
  - {name: xw, op: mul, inputs: [x, w]}
  - {name: y, op: add, inputs: [xw, x]}
`

const addScript = `
def forward(a, b):
    s = add(a, b)
    return s
`

type testServer struct {
	server   *Server
	client   *Client
	registry *engine.Registry
	store    *blobs.FSBlobstore
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	registry, err := backends.NewRegistry()
	require.NoError(t, err)

	k := keyspace.New()
	require.NoError(t, persist.RegisterModelType(k, registry))
	t.Cleanup(func() {
		assert.NoError(t, k.Close())
	})

	store := &blobs.FSBlobstore{Dir: t.TempDir()}
	server := &Server{
		Registry: registry,
		Keyspace: k,
		Fetcher:  &persist.Fetcher{Reader: store, CacheDir: t.TempDir(), MaxAttempts: 1},
		Device:   tensor.CPU,
	}

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(klog.Background())))
	RegisterModelRunnerServer(grpcServer, server)
	go func() {
		_ = grpcServer.Serve(lis)
	}()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testServer{server: server, client: NewClient(conn), registry: registry, store: store}
}

func TestSetRunDelete(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)

	set, err := ts.client.SetModel(ctx, &SetModelRequest{
		Key:        "affine",
		Backend:    "graph",
		Inputs:     []string{"x"},
		Outputs:    []string{"y"},
		Definition: []byte(affineGraph),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, set.ID)

	got, err := ts.client.GetModel(ctx, &GetModelRequest{Key: "affine", IncludeDefinition: true})
	require.NoError(t, err)
	assert.Equal(t, set.ID, got.ID)
	assert.Equal(t, "graph", got.Backend)
	assert.Equal(t, "CPU", got.Device)
	assert.Equal(t, []string{"y"}, got.Outputs)
	assert.Equal(t, affineGraph, string(got.Definition))

	run, err := ts.client.RunModel(ctx, &RunModelRequest{
		Key:    "affine",
		Inputs: []NamedTensor{{Name: "x", Tensor: Tensor{Shape: []int64{3}, Values: []float32{1, 2, 3}}}},
	})
	require.NoError(t, err)
	require.Len(t, run.Outputs, 1)
	assert.Equal(t, "y", run.Outputs[0].Name)
	assert.Equal(t, []float32{3, 6, 9}, run.Outputs[0].Tensor.Values)
	assert.Equal(t, []int64{3}, run.Outputs[0].Tensor.Shape)

	list, err := ts.client.ListModels(ctx, &ListModelsRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"affine"}, list.Keys)

	_, err = ts.client.DeleteModel(ctx, &DeleteModelRequest{Key: "affine"})
	require.NoError(t, err)

	_, err = ts.client.RunModel(ctx, &RunModelRequest{Key: "affine"})
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = ts.client.DeleteModel(ctx, &DeleteModelRequest{Key: "affine"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestScriptModel(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)

	_, err := ts.client.SetModel(ctx, &SetModelRequest{Key: "sum", Backend: "script", Definition: []byte(addScript)})
	require.NoError(t, err)

	run, err := ts.client.RunModel(ctx, &RunModelRequest{
		Key: "sum",
		Inputs: []NamedTensor{
			{Name: "a", Tensor: Tensor{Shape: []int64{2}, Values: []float32{1, 2}}},
			{Name: "b", Tensor: Tensor{Shape: []int64{2}, Values: []float32{10, 20}}},
		},
		Outputs: []string{"s"},
	})
	require.NoError(t, err)
	require.Len(t, run.Outputs, 1)
	assert.Equal(t, []float32{11, 22}, run.Outputs[0].Tensor.Values)
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)

	_, err := ts.client.SetModel(ctx, &SetModelRequest{Key: "m", Backend: "tensorflow", Definition: []byte("x")})
	assert.Equal(t, codes.Unimplemented, status.Code(err), "unsupported backend: %v", err)

	_, err = ts.client.SetModel(ctx, &SetModelRequest{Key: "m", Backend: "graph", Outputs: []string{"y"}, Definition: []byte("nodes: [")})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "bad definition: %v", err)

	_, err = ts.client.SetModel(ctx, &SetModelRequest{Backend: "graph"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.client.SetModel(ctx, &SetModelRequest{Key: "m", Backend: "graph", Device: "tpu"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.client.SetModel(ctx, &SetModelRequest{Key: "m", Backend: "graph", Inputs: []string{"x"}, Outputs: []string{"y"}, Definition: []byte(affineGraph)})
	require.NoError(t, err)

	_, err = ts.client.RunModel(ctx, &RunModelRequest{
		Key:    "m",
		Inputs: []NamedTensor{{Name: "x", Tensor: Tensor{Shape: []int64{2}, Values: []float32{1}}}},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "shape mismatch: %v", err)

	_, err = ts.client.RunModel(ctx, &RunModelRequest{
		Key:    "m",
		Inputs: []NamedTensor{{Name: "x", Tensor: Tensor{DType: "float32", Shape: []int64{1 << 32, 1 << 32}}}},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "overflowing shape: %v", err)

	_, err = ts.client.SetModel(ctx, &SetModelRequest{Key: "mm", Backend: "script", Definition: []byte("def f(a):\n    y = matmul(a, a)\n    return y\n")})
	require.NoError(t, err)
	_, err = ts.client.RunModel(ctx, &RunModelRequest{
		Key:     "mm",
		Inputs:  []NamedTensor{{Name: "a", Tensor: Tensor{Shape: []int64{2}, Values: []float32{1, 2}}}},
		Outputs: []string{"y"},
	})
	assert.Equal(t, codes.Aborted, status.Code(err), "kernel failure: %v", err)

	_, err = ts.client.LoadModel(ctx, &LoadModelRequest{Key: "m", Hash: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLoadModel(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)

	model, err := engine.NewModel(ctx, ts.registry, engine.BackendGraph, tensor.CPU, []string{"x"}, []string{"y"}, []byte(affineGraph))
	require.NoError(t, err)
	hash, err := persist.Publish(ctx, ts.store, model)
	require.NoError(t, err)
	require.NoError(t, model.Free())

	loaded, err := ts.client.LoadModel(ctx, &LoadModelRequest{Key: "published", Hash: hash})
	require.NoError(t, err)
	assert.Equal(t, "graph", loaded.Backend)

	run, err := ts.client.RunModel(ctx, &RunModelRequest{
		Key:    "published",
		Inputs: []NamedTensor{{Name: "x", Tensor: Tensor{Shape: []int64{1}, Values: []float32{5}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{15}, run.Outputs[0].Tensor.Values)

	missing := persist.Hash([]byte("unpublished"))
	_, err = ts.client.LoadModel(ctx, &LoadModelRequest{Key: "other", Hash: missing})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSetModelReplaces(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)

	first, err := ts.client.SetModel(ctx, &SetModelRequest{Key: "m", Backend: "graph", Inputs: []string{"x"}, Outputs: []string{"y"}, Definition: []byte(affineGraph)})
	require.NoError(t, err)
	second, err := ts.client.SetModel(ctx, &SetModelRequest{Key: "m", Backend: "script", Definition: []byte(addScript)})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := ts.client.GetModel(ctx, &GetModelRequest{Key: "m"})
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "script", got.Backend)
}

func TestTensorWireForm(t *testing.T) {
	half := Tensor{DType: "float16", Shape: []int64{2}, Values: []float32{0.5, -1}}
	x, err := half.ToTensor()
	require.NoError(t, err)
	defer x.Free()
	assert.Equal(t, tensor.Float16, x.DType())

	wire, err := FromTensor(x)
	require.NoError(t, err)
	assert.Equal(t, "float16", wire.DType)
	assert.Len(t, wire.Data, 4)

	back, err := wire.ToTensor()
	require.NoError(t, err)
	defer back.Free()
	values, err := back.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1}, values)

	_, err = (&Tensor{Shape: []int64{1}, Values: []float32{1}, Data: []byte{0, 0, 0, 0}}).ToTensor()
	assert.Error(t, err)
	_, err = (&Tensor{DType: "int32", Shape: []int64{1}, Values: []float32{1}}).ToTensor()
	assert.Error(t, err)
}
