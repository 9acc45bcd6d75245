package service

import (
	"fmt"
	"slices"

	"github.com/justinsb/kllama/pkg/tensor"
)

// Tensor is the wire form of a tensor. Float32 tensors may use Values instead of Data.
type Tensor struct {
	DType  string    `json:"dtype,omitempty"`
	Shape  []int64   `json:"shape"`
	Data   []byte    `json:"data,omitempty"`
	Values []float32 `json:"values,omitempty"`
}

type NamedTensor struct {
	Name   string `json:"name"`
	Tensor Tensor `json:"tensor"`
}

type SetModelRequest struct {
	Key        string   `json:"key"`
	Backend    string   `json:"backend"`
	Device     string   `json:"device,omitempty"`
	Inputs     []string `json:"inputs,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	Definition []byte   `json:"definition"`
}

type SetModelResponse struct {
	ID string `json:"id"`
}

type GetModelRequest struct {
	Key               string `json:"key"`
	IncludeDefinition bool   `json:"includeDefinition,omitempty"`
}

type GetModelResponse struct {
	Key        string   `json:"key"`
	ID         string   `json:"id"`
	Backend    string   `json:"backend"`
	Device     string   `json:"device"`
	Inputs     []string `json:"inputs,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	Definition []byte   `json:"definition,omitempty"`
}

type RunModelRequest struct {
	Key     string        `json:"key"`
	Inputs  []NamedTensor `json:"inputs"`
	Outputs []string      `json:"outputs,omitempty"`
}

type RunModelResponse struct {
	Outputs []NamedTensor `json:"outputs"`
}

type DeleteModelRequest struct {
	Key string `json:"key"`
}

type DeleteModelResponse struct{}

type LoadModelRequest struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

type LoadModelResponse struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
}

type ListModelsRequest struct{}

type ListModelsResponse struct {
	Keys []string `json:"keys"`
}

// ToTensor builds a tensor from its wire form. The result holds one reference.
func (t *Tensor) ToTensor() (*tensor.Tensor, error) {
	if len(t.Values) != 0 {
		if len(t.Data) != 0 {
			return nil, fmt.Errorf("tensor sets both data and values")
		}
		dtype, err := tensor.ParseDType(t.DType)
		if err != nil {
			return nil, err
		}
		switch dtype {
		case tensor.Float32:
			return tensor.FromFloat32(t.Shape, t.Values)
		case tensor.Float16:
			return tensor.FromFloat16(t.Shape, t.Values)
		default:
			return nil, fmt.Errorf("values are only accepted for float tensors, not %v", dtype)
		}
	}
	dtype, err := tensor.ParseDType(t.DType)
	if err != nil {
		return nil, err
	}
	return tensor.New(dtype, tensor.CPU, t.Shape, slices.Clone(t.Data))
}

// FromTensor is the wire form of t. Float32 tensors are sent as Values.
func FromTensor(t *tensor.Tensor) (Tensor, error) {
	out := Tensor{
		DType: t.DType().String(),
		Shape: t.Shape(),
	}
	if t.DType() == tensor.Float32 {
		values, err := t.Float32s()
		if err != nil {
			return Tensor{}, err
		}
		out.Values = values
		return out, nil
	}
	out.Data = slices.Clone(t.Data())
	return out, nil
}
