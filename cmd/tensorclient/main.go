package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/justinsb/kllama/pkg/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

// rmsnormGraph is uploaded when -definition is not given.
const rmsnormGraph = `
nodes:
  - {name: x, op: input}
  - {name: y, op: rmsnorm, inputs: [x]}
`

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverAddr := "127.0.0.1:9876"
	key := "rmsnorm"
	backend := "graph"
	definitionPath := ""
	inputs := "x"
	outputs := "y"
	values := "1,2,3"
	flag.StringVar(&serverAddr, "server", serverAddr, "tensorserver address")
	flag.StringVar(&key, "key", key, "key to store the model under")
	flag.StringVar(&backend, "backend", backend, "backend of the model definition")
	flag.StringVar(&definitionPath, "definition", definitionPath, "model definition file; empty uses a built-in rmsnorm graph")
	flag.StringVar(&inputs, "inputs", inputs, "comma-separated input names")
	flag.StringVar(&outputs, "outputs", outputs, "comma-separated output names")
	flag.StringVar(&values, "values", values, "comma-separated float values, fed to every input")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	definition := []byte(rmsnormGraph)
	if definitionPath != "" {
		b, err := os.ReadFile(definitionPath)
		if err != nil {
			return fmt.Errorf("reading definition: %w", err)
		}
		definition = b
	}
	x, err := parseValues(values)
	if err != nil {
		return err
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	conn, err := grpc.NewClient(serverAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", serverAddr, err)
	}
	defer conn.Close()
	client := service.NewClient(conn)

	log.Info("Starting tensorclient", "server", serverAddr)

	set, err := client.SetModel(ctx, &service.SetModelRequest{
		Key:        key,
		Backend:    backend,
		Inputs:     splitNames(inputs),
		Outputs:    splitNames(outputs),
		Definition: definition,
	})
	if err != nil {
		return fmt.Errorf("failed to set model: %w", err)
	}
	log.Info("stored model", "key", key, "id", set.ID)

	request := &service.RunModelRequest{Key: key, Outputs: splitNames(outputs)}
	for _, name := range splitNames(inputs) {
		request.Inputs = append(request.Inputs, service.NamedTensor{
			Name:   name,
			Tensor: service.Tensor{Shape: []int64{int64(len(x))}, Values: x},
		})
	}
	response, err := client.RunModel(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to run model: %w", err)
	}
	for _, out := range response.Outputs {
		fmt.Printf("%s %v %v\n", out.Name, out.Tensor.Shape, out.Tensor.Values)
	}

	return nil
}

func splitNames(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parseValues(s string) ([]float32, error) {
	var values []float32
	for _, token := range splitNames(s) {
		v, err := strconv.ParseFloat(token, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing value %q: %w", token, err)
		}
		values = append(values, float32(v))
	}
	return values, nil
}
