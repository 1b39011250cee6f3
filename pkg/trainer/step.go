// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

// Names of the metrics returned by the train and eval steps.
const (
	MetricLoss         = "loss"
	MetricAccuracy     = "accuracy"
	MetricLearningRate = "learning_rate"
	MetricGradientNorm = "gradient_norm"
	MetricParamNorm    = "param_norm"
	MetricEvalLoss     = "eval_loss"
	MetricEvalAccuracy = "eval_accuracy"
)

const (
	lossDType            = dtypes.Float32
	defaultLearningRate  = 1e-4
	minValidTokensLength = 1e-10
)

// TrainMetricsNames in the order they are returned by the train step (after the RNG state).
var TrainMetricsNames = []string{MetricLoss, MetricAccuracy, MetricLearningRate, MetricGradientNorm, MetricParamNorm}

// EvalMetricsNames in the order they are returned by the eval step (after the RNG state).
var EvalMetricsNames = []string{MetricEvalLoss, MetricEvalAccuracy}

// CrossEntropyLossAndAccuracy returns the masked cross-entropy loss and the accuracy of the logits
// ([batch, seq_len, vocab]) predicting the targets ([batch, seq_len]).
//
// Only the positions where lossMasks ([batch, seq_len]) is > 0 count. Both values are first averaged over
// the valid tokens of each sequence and then over the batch.
func CrossEntropyLossAndAccuracy(logits, targets, lossMasks *Node) (loss, accuracy *Node) {
	vocabSize := logits.Shape().Dimensions[logits.Rank()-1]
	logits = ConvertDType(logits, lossDType)
	valid := GreaterThan(lossMasks, ZerosLike(lossMasks))
	validF := ConvertDType(valid, lossDType)
	validLength := MaxScalar(ReduceSum(validF, -1), minValidTokensLength)

	logProbs := LogSoftmax(logits, -1)
	tokenLogProbs := ReduceSum(Mul(logProbs, OneHot(targets, vocabSize, lossDType)), -1)
	tokenLogProbs = Where(valid, tokenLogProbs, ZerosLike(tokenLogProbs))
	loss = Neg(ReduceAllMean(Div(ReduceSum(tokenLogProbs, -1), validLength)))

	predictions := ArgMax(logits, -1, targets.DType())
	correct := LogicalAnd(Equal(predictions, targets), valid)
	accuracy = ReduceAllMean(Div(ReduceSum(ConvertDType(correct, lossDType), -1), validLength))
	return loss, accuracy
}

// globalNorm returns the L2 norm of all the given values, computed in float32.
func globalNorm(values []*Node) *Node {
	g := values[0].Graph()
	sum := ScalarZero(g, lossDType)
	for _, value := range values {
		sum = Add(sum, L2NormSquare(ConvertDType(value, lossDType)))
	}
	return Sqrt(sum)
}

// gradientsUpdater is implemented by the GoMLX optimizers that accept precomputed gradients.
type gradientsUpdater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// modelValues returns the tree of the current graph values of the model variables.
func modelValues(ctx *context.Context, g *Graph) (vars paramtree.Tree[*context.Variable], values paramtree.Tree[*Node]) {
	vars = mustModelVariables(ctx)
	values = paramtree.Map(vars, func(_ string, v *context.Variable) *Node {
		return v.ValueGraph(g)
	})
	return vars, values
}

// trainStepGraph builds one masked training step:
//
//  1. Forward pass in training mode, with dropout driven by a key split from rngState.
//  2. Gradients of the loss for all model parameters, and the optimizer update of all of them.
//  3. Only the parameters selected by the Trainer's selector keep their updated values: the others are
//     rolled back to their values before the step.
//
// The optimizer state (and the global step) advances for all parameters.
//
// It returns the new RNG state followed by the TrainMetricsNames.
func (t *Trainer) trainStepGraph(ctx *context.Context, rngState, tokens, lossMasks, targets *Node) []*Node {
	g := tokens.Graph()
	ctx.SetTraining(g, true)
	rngState, stepKey := RNGStateSplit(rngState)
	logits, _ := gemma.CausalLM(ctx, t.model, gemma.Inputs{Tokens: tokens, RNGState: stepKey})
	loss, accuracy := CrossEntropyLossAndAccuracy(logits, targets, lossMasks)

	vars, preStep := modelValues(ctx, g)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("no trainable variables found")
	}
	cosineschedule.New(ctx, g, lossDType).FromContext().Done()
	if updater, ok := t.optimizer.(gradientsUpdater); ok {
		updater.UpdateGraphWithGradients(ctx, grads, lossDType)
	} else {
		t.optimizer.UpdateGraph(ctx, g, loss)
	}
	if t.sharder != nil {
		// Optimizer moments are created by the first update.
		if _, err := t.sharder.Apply(ctx); err != nil {
			exceptions.Panicf("failed to shard the optimizer state: %+v", err)
		}
	}

	_, postStep := modelValues(ctx, g)
	final, err := paramtree.SelectiveUpdate(preStep, postStep, t.selector)
	if err != nil {
		exceptions.Panicf("failed to merge the updated parameters: %+v", err)
	}
	finalValues := make([]*Node, 0, final.Len())
	for path, value := range final.All() {
		v, _ := vars.Get(path)
		v.SetValueGraph(value)
		finalValues = append(finalValues, value)
	}

	learningRate := optimizers.LearningRateVarWithValue(ctx, lossDType,
		context.GetParamOr(ctx, optimizers.ParamLearningRate, defaultLearningRate)).ValueGraph(g)
	return []*Node{rngState, loss, accuracy, learningRate, globalNorm(grads), globalNorm(finalValues)}
}

// evalStepGraph runs the forward pass in inference mode: no dropout and no variables are updated.
// It returns the new RNG state followed by the EvalMetricsNames.
func (t *Trainer) evalStepGraph(ctx *context.Context, rngState, tokens, lossMasks, targets *Node) []*Node {
	g := tokens.Graph()
	ctx.SetTraining(g, false)
	rngState, _ = RNGStateSplit(rngState)
	logits, _ := gemma.CausalLM(ctx, t.model, gemma.Inputs{Tokens: tokens})
	loss, accuracy := CrossEntropyLossAndAccuracy(logits, targets, lossMasks)
	return []*Node{rngState, loss, accuracy}
}
