// Package service exposes the model keyspace over gRPC.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/keyspace"
	"github.com/justinsb/kllama/pkg/persist"
	"github.com/justinsb/kllama/pkg/tensor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

type Server struct {
	Registry *engine.Registry
	Keyspace *keyspace.Keyspace

	// Fetcher loads published models. If nil, LoadModel is unimplemented.
	Fetcher *persist.Fetcher

	// Device is used when a request does not name one.
	Device tensor.Device
}

var _ ModelRunnerServer = (*Server)(nil)

func (s *Server) SetModel(ctx context.Context, req *SetModelRequest) (*SetModelResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	device := s.Device
	if req.Device != "" {
		d, err := tensor.ParseDevice(req.Device)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		device = d
	}

	model, err := engine.NewModel(ctx, s.Registry, engine.Backend(req.Backend), device, req.Inputs, req.Outputs, req.Definition)
	if err != nil {
		return nil, toStatus(err)
	}
	id := model.ID()
	s.store(ctx, req.Key, model)
	return &SetModelResponse{ID: id}, nil
}

// store hands model to the keyspace. The new value is stored even if freeing the
// value it replaces fails, so that failure is only logged.
func (s *Server) store(ctx context.Context, key string, model *engine.Model) {
	log := klog.FromContext(ctx)
	if err := s.Keyspace.Set(key, persist.ModelTypeName, model); err != nil {
		log.Error(err, "replacing model", "key", key)
	}
	log.Info("stored model", "key", key, "id", model.ID(), "backend", model.Backend())
}

func (s *Server) GetModel(ctx context.Context, req *GetModelRequest) (*GetModelResponse, error) {
	model, err := persist.GetModel(s.Keyspace, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	defer s.release(ctx, model)

	resp := &GetModelResponse{
		Key:     req.Key,
		ID:      model.ID(),
		Backend: string(model.Backend()),
		Device:  model.Device().String(),
		Inputs:  model.Inputs(),
		Outputs: model.Outputs(),
	}
	if req.IncludeDefinition {
		resp.Definition = model.Definition()
	}
	return resp, nil
}

func (s *Server) RunModel(ctx context.Context, req *RunModelRequest) (*RunModelResponse, error) {
	log := klog.FromContext(ctx)

	model, err := persist.GetModel(s.Keyspace, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	defer s.release(ctx, model)

	inputs := make([]engine.Param, 0, len(req.Inputs))
	defer func() {
		for _, input := range inputs {
			if err := input.Tensor.Free(); err != nil {
				log.Error(err, "releasing input", "name", input.Name)
			}
		}
	}()
	for _, in := range req.Inputs {
		t, err := in.Tensor.ToTensor()
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "input %q: %v", in.Name, err)
		}
		inputs = append(inputs, engine.Param{Name: in.Name, Tensor: t})
	}

	outputNames := req.Outputs
	if len(outputNames) == 0 {
		outputNames = model.Outputs()
	}

	results, err := engine.Evaluate(ctx, model, inputs, outputNames)
	if err != nil {
		return nil, toStatus(err)
	}
	defer func() {
		for _, t := range results {
			if err := t.Free(); err != nil {
				log.Error(err, "releasing output")
			}
		}
	}()

	resp := &RunModelResponse{}
	for i, t := range results {
		wire, err := FromTensor(t)
		if err != nil {
			return nil, toStatus(fmt.Errorf("encoding output %q: %w", outputNames[i], err))
		}
		resp.Outputs = append(resp.Outputs, NamedTensor{Name: outputNames[i], Tensor: wire})
	}
	return resp, nil
}

func (s *Server) DeleteModel(ctx context.Context, req *DeleteModelRequest) (*DeleteModelResponse, error) {
	if err := s.Keyspace.Delete(req.Key); err != nil {
		return nil, toStatus(err)
	}
	klog.FromContext(ctx).Info("deleted model", "key", req.Key)
	return &DeleteModelResponse{}, nil
}

func (s *Server) LoadModel(ctx context.Context, req *LoadModelRequest) (*LoadModelResponse, error) {
	if s.Fetcher == nil {
		return nil, status.Error(codes.Unimplemented, "no blob source configured")
	}
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	model, err := s.Fetcher.Fetch(ctx, s.Registry, req.Hash)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &LoadModelResponse{ID: model.ID(), Backend: string(model.Backend())}
	s.store(ctx, req.Key, model)
	return resp, nil
}

func (s *Server) ListModels(ctx context.Context, req *ListModelsRequest) (*ListModelsResponse, error) {
	return &ListModelsResponse{Keys: s.Keyspace.Keys()}, nil
}

func (s *Server) release(ctx context.Context, model *engine.Model) {
	if err := model.Free(); err != nil {
		klog.FromContext(ctx).Error(err, "releasing model", "id", model.ID())
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, keyspace.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, keyspace.ErrWrongType):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		return status.Error(engineErr.GRPCStatus().Code(), err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
