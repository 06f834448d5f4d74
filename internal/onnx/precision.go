package onnx

import (
	"slices"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/tensor"
)

// ortPrecisions are the precisions the runner can pass to and read back
// from ONNX Runtime. The binding has no fp16 tensor constructor.
var ortPrecisions = []tensor.Precision{tensor.FP32, tensor.U8, tensor.I8, tensor.I16, tensor.U16, tensor.I32}

// checkPrecisions rejects a model whose declared tensors the runner could
// not exchange with ONNX Runtime.
func checkPrecisions(model inference.Model) error {
	for _, group := range [][]tensor.Info{model.Inputs, model.Outputs} {
		for _, info := range group {
			if !slices.Contains(ortPrecisions, info.Precision) {
				return dagerr.Errorf(dagerr.GraphConfiguration,
					"model %q: tensor %q has precision %s, which the ONNX runner does not support", model.Name, info.Name, info.Precision)
			}
		}
	}
	return nil
}
