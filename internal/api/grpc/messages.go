package grpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stratfed/coordinator/internal/federation"
)

// Task is one local training request handed to a remote client
type Task struct {
	ID     string
	Spec   federation.TrainSpec
	Global federation.Params
}

// TaskResult is what a remote client reports back for a task
type TaskResult struct {
	TaskID         string
	Params         federation.Params
	SampledRecords int
	// Error is set when local training failed
	Error string
	// NoSamples marks a client whose local subsample came out empty
	NoSamples bool
}

// Wire field names
const (
	fieldTaskID         = "task_id"
	fieldRound          = "round"
	fieldClient         = "client"
	fieldMu             = "mu"
	fieldLearningRate   = "learning_rate"
	fieldSteps          = "steps"
	fieldSampleRate     = "sample_rate"
	fieldParams         = "params"
	fieldSampledRecords = "sampled_records"
	fieldError          = "error"
	fieldNoSamples      = "no_samples"
)

func encodeTask(t *Task) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldTaskID:       structpb.NewStringValue(t.ID),
		fieldRound:        structpb.NewNumberValue(float64(t.Spec.Round)),
		fieldClient:       structpb.NewNumberValue(float64(t.Spec.Client)),
		fieldMu:           structpb.NewNumberValue(t.Spec.Mu),
		fieldLearningRate: structpb.NewNumberValue(t.Spec.LearningRate),
		fieldSteps:        structpb.NewNumberValue(float64(t.Spec.Steps)),
		fieldSampleRate:   structpb.NewNumberValue(t.Spec.SampleRate),
		fieldParams:       encodeParams(t.Global),
	}}
}

func decodeTask(s *structpb.Struct) (*Task, error) {
	r := fieldReader{s: s}
	t := &Task{
		ID: r.str(fieldTaskID),
		Spec: federation.TrainSpec{
			Round:        r.integer(fieldRound),
			Client:       r.integer(fieldClient),
			Mu:           r.number(fieldMu),
			LearningRate: r.number(fieldLearningRate),
			Steps:        r.integer(fieldSteps),
			SampleRate:   r.number(fieldSampleRate),
		},
		Global: r.params(fieldParams),
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", r.err)
	}
	return t, nil
}

func encodeResult(res *TaskResult) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldTaskID:         structpb.NewStringValue(res.TaskID),
		fieldParams:         encodeParams(res.Params),
		fieldSampledRecords: structpb.NewNumberValue(float64(res.SampledRecords)),
		fieldError:          structpb.NewStringValue(res.Error),
		fieldNoSamples:      structpb.NewBoolValue(res.NoSamples),
	}}
}

func decodeResult(s *structpb.Struct) (*TaskResult, error) {
	r := fieldReader{s: s}
	res := &TaskResult{
		TaskID:         r.str(fieldTaskID),
		Params:         r.params(fieldParams),
		SampledRecords: r.integer(fieldSampledRecords),
		Error:          r.str(fieldError),
		NoSamples:      r.boolean(fieldNoSamples),
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", r.err)
	}
	if res.TaskID == "" {
		return nil, fmt.Errorf("failed to decode result: %s is required", fieldTaskID)
	}
	return res, nil
}

func encodeParams(p federation.Params) *structpb.Value {
	values := make([]*structpb.Value, len(p))
	for i, v := range p {
		values[i] = structpb.NewNumberValue(v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

// fieldReader reads typed fields off a Struct and keeps the first error
type fieldReader struct {
	s   *structpb.Struct
	err error
}

func (r *fieldReader) value(key string) *structpb.Value {
	v, ok := r.s.GetFields()[key]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("missing field %s", key)
	}
	return v
}

func (r *fieldReader) number(key string) float64 {
	v := r.value(key)
	if v == nil {
		return 0
	}
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok && r.err == nil {
		r.err = fmt.Errorf("field %s is not a number", key)
	}
	return v.GetNumberValue()
}

func (r *fieldReader) integer(key string) int {
	return int(r.number(key))
}

func (r *fieldReader) str(key string) string {
	v := r.value(key)
	if v == nil {
		return ""
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok && r.err == nil {
		r.err = fmt.Errorf("field %s is not a string", key)
	}
	return v.GetStringValue()
}

func (r *fieldReader) boolean(key string) bool {
	v := r.value(key)
	if v == nil {
		return false
	}
	if _, ok := v.GetKind().(*structpb.Value_BoolValue); !ok && r.err == nil {
		r.err = fmt.Errorf("field %s is not a bool", key)
	}
	return v.GetBoolValue()
}

func (r *fieldReader) params(key string) federation.Params {
	v := r.value(key)
	if v == nil {
		return nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		if r.err == nil {
			r.err = fmt.Errorf("field %s is not a list", key)
		}
		return nil
	}
	out := make(federation.Params, len(list.ListValue.GetValues()))
	for i, x := range list.ListValue.GetValues() {
		if _, ok := x.GetKind().(*structpb.Value_NumberValue); !ok {
			if r.err == nil {
				r.err = fmt.Errorf("field %s[%d] is not a number", key, i)
			}
			return nil
		}
		out[i] = x.GetNumberValue()
	}
	return out
}
