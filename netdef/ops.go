package netdef

import (
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ElementWiseOp selects the binary operation of a LayerElementWise.
type ElementWiseOp int

const (
	OpSum ElementWiseOp = iota
	OpSub
	OpProd
	OpDiv
	OpFloorDiv
	OpMax
	OpMin
	OpPow
	OpAnd
	OpOr
	OpXor
	OpEqual
	OpGreater
	OpLess
)

var elementWiseOpNames = [...]string{"Sum", "Sub", "Prod", "Div", "FloorDiv", "Max", "Min", "Pow",
	"And", "Or", "Xor", "Equal", "Greater", "Less"}

func (op ElementWiseOp) String() string {
	if int(op) < len(elementWiseOpNames) {
		return elementWiseOpNames[op]
	}
	return "ElementWiseOp(?)"
}

// isComparison reports whether the op yields a boolean result.
func (op ElementWiseOp) isComparison() bool {
	return op == OpEqual || op == OpGreater || op == OpLess
}

// UnaryOp selects the operation of a LayerUnary.
type UnaryOp int

const (
	OpExp UnaryOp = iota
	OpLog
	OpSqrt
	OpRecip
	OpAbs
	OpNeg
	OpSin
	OpCos
	OpTan
	OpSinh
	OpCosh
	OpAsin
	OpAcos
	OpAtan
	OpAsinh
	OpAcosh
	OpAtanh
	OpCeil
	OpFloor
	OpRound
	OpSign
	OpErf
	OpNot
)

var unaryOpNames = [...]string{"Exp", "Log", "Sqrt", "Recip", "Abs", "Neg", "Sin", "Cos", "Tan",
	"Sinh", "Cosh", "Asin", "Acos", "Atan", "Asinh", "Acosh", "Atanh", "Ceil", "Floor", "Round",
	"Sign", "Erf", "Not"}

func (op UnaryOp) String() string {
	if int(op) < len(unaryOpNames) {
		return unaryOpNames[op]
	}
	return "UnaryOp(?)"
}

// ActivationKind selects the function of a LayerActivation.
type ActivationKind int

const (
	ActRelu ActivationKind = iota
	ActSigmoid
	ActTanh
	ActLeakyRelu
	ActElu
	ActSelu
	ActSoftsign
	ActSoftplus
	ActClip
	ActHardSigmoid
	ActScaledTanh
	ActThresholdedRelu
)

var activationKindNames = [...]string{"Relu", "Sigmoid", "Tanh", "LeakyRelu", "Elu", "Selu",
	"Softsign", "Softplus", "Clip", "HardSigmoid", "ScaledTanh", "ThresholdedRelu"}

func (k ActivationKind) String() string {
	if int(k) < len(activationKindNames) {
		return activationKindNames[k]
	}
	return "ActivationKind(?)"
}

// PoolingType selects the reduction of a LayerPooling.
type PoolingType int

const (
	PoolMax PoolingType = iota
	PoolAverage
)

// ReduceOp selects the reduction of a LayerReduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceProd
	ReduceMax
	ReduceMin
	ReduceAvg
)

var reduceOpNames = [...]string{"Sum", "Prod", "Max", "Min", "Avg"}

func (op ReduceOp) String() string {
	if int(op) < len(reduceOpNames) {
		return reduceOpNames[op]
	}
	return "ReduceOp(?)"
}

// TopKOp selects whether a LayerTopK keeps the largest or smallest entries.
type TopKOp int

const (
	TopKMax TopKOp = iota
	TopKMin
)

// ScaleMode selects how a LayerScale applies its parameters.
type ScaleMode int

const (
	// ScaleUniform applies a single scalar over the whole tensor.
	ScaleUniform ScaleMode = iota
	// ScaleChannel applies one coefficient per channel (axis 1).
	ScaleChannel
	// ScaleElementWise applies one coefficient per element.
	ScaleElementWise
)

// ResizeMode selects the interpolation of a LayerResize.
type ResizeMode int

const (
	ResizeNearest ResizeMode = iota
	ResizeLinear
)

// FillOp selects what a LayerFill generates.
type FillOp int

const (
	// FillConstant fills the output with a single value.
	FillConstant FillOp = iota
	// FillLinspace fills the output with value + i*delta along axis 0.
	FillLinspace
)

// Per-kind configuration structs, retrievable through Layer.Config().

type ElementWiseConfig struct{ Op ElementWiseOp }

type UnaryConfig struct{ Op UnaryOp }

type ActivationConfig struct {
	Kind        ActivationKind
	Alpha, Beta float32
}

type CastConfig struct{ To dtypes.DType }

type MatrixMultiplyConfig struct{ TransposeA, TransposeB bool }

type FullyConnectedConfig struct {
	NumOutputs   int
	Kernel, Bias *tensors.Tensor // Bias may be nil.
}

type ConvolutionConfig struct {
	NumOutputs int
	KernelDims []int
	Strides    []int // Defaults to all ones.
	Dilations  []int // Defaults to all ones.
	BegPadding []int // Defaults to all zeros.
	EndPadding []int
	Groups     int // Defaults to 1.
	Kernel     *tensors.Tensor
	Bias       *tensors.Tensor // May be nil.
}

type DeconvolutionConfig struct {
	NumOutputs int
	KernelDims []int
	Strides    []int
	Dilations  []int
	BegPadding []int
	EndPadding []int
	Groups     int
	Kernel     *tensors.Tensor
	Bias       *tensors.Tensor
}

type PoolingConfig struct {
	Type       PoolingType
	Window     []int
	Strides    []int
	BegPadding []int
	EndPadding []int
	// ExcludePadding makes average pooling divide by the number of
	// in-bounds elements instead of the full window size.
	ExcludePadding bool
	CeilMode       bool
}

type ScaleConfig struct {
	Mode                ScaleMode
	Shift, Scale, Power *tensors.Tensor // Each may be nil (0, 1 and 1 respectively).
}

type ShuffleConfig struct {
	FirstPerm   []int // nil for no pre-transpose.
	ReshapeDims []int // nil for no reshape; 0 copies the input dim, one -1 is inferred.
	SecondPerm  []int // nil for no post-transpose.
	// ZeroIsPlaceholder is the fixed interpretation of 0 above; kept for
	// clarity when printing.
}

type SliceConfig struct {
	Starts, Sizes, Strides []int
}

type ConcatenationConfig struct{ Axis int }

type GatherConfig struct{ Axis int }

type ReduceConfig struct {
	Op       ReduceOp
	Axes     []int
	KeepDims bool
}

type TopKConfig struct {
	Op      TopKOp
	K, Axis int
}

type SoftmaxConfig struct{ Axis int }

type LRNConfig struct {
	Size           int
	Alpha, Beta, K float32
}

type PaddingConfig struct {
	BegPadding, EndPadding []int
	Value                  float64
}

type ResizeConfig struct {
	Mode       ResizeMode
	OutputDims []int     // Target dimensions; used when Scales is nil.
	Scales     []float32 // Per-axis scales; used when OutputDims is nil.
	// AlignCorners maps the corner points of input and output exactly.
	AlignCorners bool
}

type FillConfig struct {
	Op           FillOp
	Value, Delta *tensors.Tensor // Scalars; Delta only for FillLinspace.
}

func onesLike(dims []int) []int {
	ones := make([]int, len(dims))
	for i := range ones {
		ones[i] = 1
	}
	return ones
}

func zerosLike(dims []int) []int { return make([]int, len(dims)) }

// AddIdentity adds a layer that copies its input unchanged.
func (b *Builder) AddIdentity(x *Tensor) (*Tensor, error) {
	layer := b.newLayer(LayerIdentity, nil, x)
	return b.addOutput(layer, x.shape), nil
}

// AddCast adds a layer converting x to the given element type.
func (b *Builder) AddCast(x *Tensor, to dtypes.DType) (*Tensor, error) {
	layer := b.newLayer(LayerCast, CastConfig{To: to}, x)
	return b.addOutput(layer, MakeShape(to, x.shape.Dimensions...)), nil
}

// AddElementWise adds a broadcasting binary operation. Comparison ops yield a
// Bool tensor; all ops require matching input dtypes.
func (b *Builder) AddElementWise(op ElementWiseOp, x, y *Tensor) (*Tensor, error) {
	shape, err := broadcastShapes(x.shape, y.shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "ElementWise(%s)", op)
	}
	if op.isComparison() {
		shape.DType = dtypes.Bool
	}
	layer := b.newLayer(LayerElementWise, ElementWiseConfig{Op: op}, x, y)
	return b.addOutput(layer, shape), nil
}

// AddUnary adds an element-wise unary operation.
func (b *Builder) AddUnary(op UnaryOp, x *Tensor) (*Tensor, error) {
	if op == OpNot && x.shape.DType != dtypes.Bool {
		return nil, errors.Errorf("Unary(Not) requires a Bool input, got %s", x.shape)
	}
	layer := b.newLayer(LayerUnary, UnaryConfig{Op: op}, x)
	return b.addOutput(layer, x.shape), nil
}

// AddActivation adds an element-wise activation. Alpha and beta parameterize
// the kinds that use them (LeakyRelu, Elu, Clip, HardSigmoid, ...).
func (b *Builder) AddActivation(kind ActivationKind, x *Tensor, alpha, beta float32) (*Tensor, error) {
	if !x.shape.DType.IsFloat() {
		return nil, errors.Errorf("Activation(%s) requires a float input, got %s", kind, x.shape)
	}
	layer := b.newLayer(LayerActivation, ActivationConfig{Kind: kind, Alpha: alpha, Beta: beta}, x)
	return b.addOutput(layer, x.shape), nil
}

// AddMatrixMultiply adds a batched matrix multiplication with optional
// transposition of either operand's two trailing axes.
func (b *Builder) AddMatrixMultiply(x *Tensor, transposeX bool, y *Tensor, transposeY bool) (*Tensor, error) {
	shape, err := matMulShape(x.shape, y.shape, transposeX, transposeY)
	if err != nil {
		return nil, err
	}
	layer := b.newLayer(LayerMatrixMultiply, MatrixMultiplyConfig{TransposeA: transposeX, TransposeB: transposeY}, x, y)
	return b.addOutput(layer, shape), nil
}

// AddFullyConnected adds a dense layer collapsing every axis after the first
// into the reduction and producing [batch, numOutputs, 1, ..., 1] with the
// input's rank. The kernel is laid out [numOutputs, inputChannels].
func (b *Builder) AddFullyConnected(x *Tensor, cfg FullyConnectedConfig) (*Tensor, error) {
	if x.Rank() < 3 {
		return nil, errors.Errorf("FullyConnected requires a rank >= 3 input, got %s", x.shape)
	}
	if cfg.Kernel == nil {
		return nil, errors.Errorf("FullyConnected requires a kernel")
	}
	channels := 1
	dynamicChannels := false
	for _, dim := range x.shape.Dimensions[1:] {
		if isDynamic(dim) {
			dynamicChannels = true
			break
		}
		channels *= dim
	}
	if !dynamicChannels && cfg.Kernel.Shape().Size() != cfg.NumOutputs*channels {
		return nil, errors.Errorf("FullyConnected kernel %s does not hold %d x %d coefficients",
			cfg.Kernel.Shape(), cfg.NumOutputs, channels)
	}
	dims := make([]int, x.Rank())
	dims[0] = x.shape.Dimensions[0]
	dims[1] = cfg.NumOutputs
	for i := 2; i < len(dims); i++ {
		dims[i] = 1
	}
	layer := b.newLayer(LayerFullyConnected, cfg, x)
	b.retain(cfg.Kernel, cfg.Bias)
	return b.addOutput(layer, MakeShape(x.shape.DType, dims...)), nil
}

func (b *Builder) retain(values ...*tensors.Tensor) {
	for _, v := range values {
		if v != nil {
			b.constants = append(b.constants, v)
		}
	}
}

func fillConvDefaults(kernelDims []int, strides, dilations, begPadding, endPadding *[]int, groups *int) {
	if *strides == nil {
		*strides = onesLike(kernelDims)
	}
	if *dilations == nil {
		*dilations = onesLike(kernelDims)
	}
	if *begPadding == nil {
		*begPadding = zerosLike(kernelDims)
	}
	if *endPadding == nil {
		*endPadding = zerosLike(kernelDims)
	}
	if *groups == 0 {
		*groups = 1
	}
}

// AddConvolution adds an N-d convolution over a [batch, channels, spatial...]
// input with explicit padding.
func (b *Builder) AddConvolution(x *Tensor, cfg ConvolutionConfig) (*Tensor, error) {
	if cfg.Kernel == nil {
		return nil, errors.Errorf("Convolution requires a kernel")
	}
	fillConvDefaults(cfg.KernelDims, &cfg.Strides, &cfg.Dilations, &cfg.BegPadding, &cfg.EndPadding, &cfg.Groups)
	shape, err := convOutputShape(x.shape, cfg.NumOutputs, cfg.KernelDims, cfg.Strides, cfg.Dilations, cfg.BegPadding, cfg.EndPadding)
	if err != nil {
		return nil, err
	}
	layer := b.newLayer(LayerConvolution, cfg, x)
	b.retain(cfg.Kernel, cfg.Bias)
	return b.addOutput(layer, shape), nil
}

// AddDeconvolution adds an N-d transposed convolution with explicit padding.
func (b *Builder) AddDeconvolution(x *Tensor, cfg DeconvolutionConfig) (*Tensor, error) {
	if cfg.Kernel == nil {
		return nil, errors.Errorf("Deconvolution requires a kernel")
	}
	fillConvDefaults(cfg.KernelDims, &cfg.Strides, &cfg.Dilations, &cfg.BegPadding, &cfg.EndPadding, &cfg.Groups)
	shape, err := deconvOutputShape(x.shape, cfg.NumOutputs, cfg.KernelDims, cfg.Strides, cfg.Dilations, cfg.BegPadding, cfg.EndPadding)
	if err != nil {
		return nil, err
	}
	layer := b.newLayer(LayerDeconvolution, cfg, x)
	b.retain(cfg.Kernel, cfg.Bias)
	return b.addOutput(layer, shape), nil
}

// AddPooling adds an N-d max or average pooling with explicit padding.
func (b *Builder) AddPooling(x *Tensor, cfg PoolingConfig) (*Tensor, error) {
	if cfg.Strides == nil {
		cfg.Strides = onesLike(cfg.Window)
	}
	if cfg.BegPadding == nil {
		cfg.BegPadding = zerosLike(cfg.Window)
	}
	if cfg.EndPadding == nil {
		cfg.EndPadding = zerosLike(cfg.Window)
	}
	shape, err := poolOutputShape(x.shape, cfg.Window, cfg.Strides, cfg.BegPadding, cfg.EndPadding, cfg.CeilMode)
	if err != nil {
		return nil, err
	}
	layer := b.newLayer(LayerPooling, cfg, x)
	return b.addOutput(layer, shape), nil
}

// AddScale adds a per-tensor, per-channel or per-element affine transform:
// y = (x * scale + shift) ^ power.
func (b *Builder) AddScale(x *Tensor, cfg ScaleConfig) (*Tensor, error) {
	if cfg.Mode == ScaleChannel && x.Rank() < 2 {
		return nil, errors.Errorf("Scale in channel mode requires rank >= 2, got %s", x.shape)
	}
	layer := b.newLayer(LayerScale, cfg, x)
	b.retain(cfg.Shift, cfg.Scale, cfg.Power)
	return b.addOutput(layer, x.shape), nil
}

// AddShuffle adds a transpose / reshape / transpose combination. Any of the
// three steps may be nil to skip it.
func (b *Builder) AddShuffle(x *Tensor, cfg ShuffleConfig) (*Tensor, error) {
	shape, err := shuffleOutputShape(x.shape, cfg.FirstPerm, cfg.ReshapeDims, cfg.SecondPerm)
	if err != nil {
		return nil, err
	}
	layer := b.newLayer(LayerShuffle, cfg, x)
	return b.addOutput(layer, shape), nil
}

// AddTranspose is a shortcut for a permutation-only shuffle.
func (b *Builder) AddTranspose(x *Tensor, perm []int) (*Tensor, error) {
	return b.AddShuffle(x, ShuffleConfig{FirstPerm: slices.Clone(perm)})
}

// AddReshape is a shortcut for a reshape-only shuffle.
func (b *Builder) AddReshape(x *Tensor, dims []int) (*Tensor, error) {
	return b.AddShuffle(x, ShuffleConfig{ReshapeDims: slices.Clone(dims)})
}

// AddSlice adds a strided slice with static starts, sizes and strides, one
// entry per axis. Negative strides read backwards from start.
func (b *Builder) AddSlice(x *Tensor, starts, sizes, strides []int) (*Tensor, error) {
	shape, err := sliceOutputShape(x.shape, starts, sizes, strides)
	if err != nil {
		return nil, err
	}
	cfg := SliceConfig{Starts: slices.Clone(starts), Sizes: slices.Clone(sizes), Strides: slices.Clone(strides)}
	layer := b.newLayer(LayerSlice, cfg, x)
	return b.addOutput(layer, shape), nil
}

// AddConcatenation joins the inputs along axis.
func (b *Builder) AddConcatenation(inputs []*Tensor, axis int) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("Concatenation requires at least one input")
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for i, in := range inputs {
		inputShapes[i] = in.shape
	}
	shape, err := concatOutputShape(inputShapes, axis)
	if err != nil {
		return nil, err
	}
	layer := b.newLayer(LayerConcatenation, ConcatenationConfig{Axis: axis}, inputs...)
	return b.addOutput(layer, shape), nil
}

// AddGather looks elements of data up along axis using integer indices.
func (b *Builder) AddGather(data, indices *Tensor, axis int) (*Tensor, error) {
	if !indices.shape.DType.IsInt() {
		return nil, errors.Errorf("Gather requires integer indices, got %s", indices.shape)
	}
	shape, err := gatherOutputShape(data.shape, indices.shape, axis)
	if err != nil {
		return nil, err
	}
	layer := b.newLayer(LayerGather, GatherConfig{Axis: axis}, data, indices)
	return b.addOutput(layer, shape), nil
}

// AddReduce reduces the given axes. Axes must be normalized to [0, rank).
func (b *Builder) AddReduce(x *Tensor, op ReduceOp, axes []int, keepDims bool) (*Tensor, error) {
	shape, err := reduceOutputShape(x.shape, axes, keepDims)
	if err != nil {
		return nil, err
	}
	cfg := ReduceConfig{Op: op, Axes: slices.Clone(axes), KeepDims: keepDims}
	layer := b.newLayer(LayerReduce, cfg, x)
	return b.addOutput(layer, shape), nil
}

// AddTopK returns the k largest (or smallest) entries along axis as two
// tensors: the values and their Int64 positions.
func (b *Builder) AddTopK(x *Tensor, op TopKOp, k, axis int) (values, indices *Tensor, err error) {
	if axis < 0 || axis >= x.Rank() {
		return nil, nil, errors.Errorf("TopK axis %d out of range for %s", axis, x.shape)
	}
	dim := x.shape.Dimensions[axis]
	if !isDynamic(dim) && k > dim {
		return nil, nil, errors.Errorf("TopK k=%d exceeds axis %d size %d of %s", k, axis, dim, x.shape)
	}
	dims := slices.Clone(x.shape.Dimensions)
	dims[axis] = k
	layer := b.newLayer(LayerTopK, TopKConfig{Op: op, K: k, Axis: axis}, x)
	values = b.addOutput(layer, MakeShape(x.shape.DType, dims...))
	indices = b.addOutput(layer, MakeShape(dtypes.Int64, dims...))
	return values, indices, nil
}

// AddSelect picks elements from onTrue or onFalse according to a Bool
// condition, with multidirectional broadcasting across all three inputs.
func (b *Builder) AddSelect(cond, onTrue, onFalse *Tensor) (*Tensor, error) {
	if cond.shape.DType != dtypes.Bool {
		return nil, errors.Errorf("Select requires a Bool condition, got %s", cond.shape)
	}
	shape, err := broadcastShapes(onTrue.shape, onFalse.shape)
	if err != nil {
		return nil, errors.WithMessage(err, "Select")
	}
	condShape := MakeShape(shape.DType, cond.shape.Dimensions...)
	shape, err = broadcastShapes(shape, condShape)
	if err != nil {
		return nil, errors.WithMessage(err, "Select condition")
	}
	layer := b.newLayer(LayerSelect, nil, cond, onTrue, onFalse)
	return b.addOutput(layer, shape), nil
}

// AddSoftmax normalizes along one axis.
func (b *Builder) AddSoftmax(x *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis >= x.Rank() {
		return nil, errors.Errorf("Softmax axis %d out of range for %s", axis, x.shape)
	}
	layer := b.newLayer(LayerSoftmax, SoftmaxConfig{Axis: axis}, x)
	return b.addOutput(layer, x.shape), nil
}

// AddLRN adds local response normalization across channels.
func (b *Builder) AddLRN(x *Tensor, cfg LRNConfig) (*Tensor, error) {
	if x.Rank() < 3 {
		return nil, errors.Errorf("LRN requires rank >= 3, got %s", x.shape)
	}
	layer := b.newLayer(LayerLRN, cfg, x)
	return b.addOutput(layer, x.shape), nil
}

// AddPadding pads (or crops, with negative amounts) every axis with a
// constant value.
func (b *Builder) AddPadding(x *Tensor, begPadding, endPadding []int, value float64) (*Tensor, error) {
	shape, err := padOutputShape(x.shape, begPadding, endPadding)
	if err != nil {
		return nil, err
	}
	cfg := PaddingConfig{BegPadding: slices.Clone(begPadding), EndPadding: slices.Clone(endPadding), Value: value}
	layer := b.newLayer(LayerPadding, cfg, x)
	return b.addOutput(layer, shape), nil
}

// AddResize adds a spatial resize to either explicit output dimensions or
// per-axis scales.
func (b *Builder) AddResize(x *Tensor, cfg ResizeConfig) (*Tensor, error) {
	var dims []int
	switch {
	case cfg.OutputDims != nil:
		if len(cfg.OutputDims) != x.Rank() {
			return nil, errors.Errorf("Resize of %s: expected %d output dims, got %v", x.shape, x.Rank(), cfg.OutputDims)
		}
		dims = slices.Clone(cfg.OutputDims)
	case cfg.Scales != nil:
		if len(cfg.Scales) != x.Rank() {
			return nil, errors.Errorf("Resize of %s: expected %d scales, got %v", x.shape, x.Rank(), cfg.Scales)
		}
		dims = make([]int, x.Rank())
		for i, dim := range x.shape.Dimensions {
			if isDynamic(dim) {
				dims[i] = DynamicDim
				continue
			}
			dims[i] = int(float32(dim) * cfg.Scales[i])
		}
	default:
		return nil, errors.Errorf("Resize requires output dimensions or scales")
	}
	layer := b.newLayer(LayerResize, cfg, x)
	return b.addOutput(layer, MakeShape(x.shape.DType, dims...)), nil
}

// AddFill generates a tensor of the given static shape, either a constant
// fill or a linear sequence.
func (b *Builder) AddFill(shape shapes.Shape, cfg FillConfig) (*Tensor, error) {
	if cfg.Value == nil {
		return nil, errors.Errorf("Fill requires a value")
	}
	if cfg.Op == FillLinspace && cfg.Delta == nil {
		return nil, errors.Errorf("Fill(Linspace) requires a delta")
	}
	layer := b.newLayer(LayerFill, cfg)
	b.retain(cfg.Value, cfg.Delta)
	return b.addOutput(layer, shape), nil
}

// AddFillDynamic generates a tensor whose dimensions come from a rank-1
// integer shape tensor. The output rank must be known; its dimensions are
// dynamic.
func (b *Builder) AddFillDynamic(shapeInput *Tensor, dtype dtypes.DType, cfg FillConfig) (*Tensor, error) {
	if shapeInput.Rank() != 1 {
		return nil, errors.Errorf("Fill requires a rank-1 shape tensor, got %s", shapeInput.shape)
	}
	rank := shapeInput.shape.Dimensions[0]
	if isDynamic(rank) {
		return nil, errors.Errorf("Fill requires the shape tensor length to be static, got %s", shapeInput.shape)
	}
	if cfg.Value == nil {
		return nil, errors.Errorf("Fill requires a value")
	}
	dims := make([]int, rank)
	for i := range dims {
		dims[i] = DynamicDim
	}
	layer := b.newLayer(LayerFill, cfg, shapeInput)
	b.retain(cfg.Value, cfg.Delta)
	return b.addOutput(layer, MakeShape(dtype, dims...)), nil
}
