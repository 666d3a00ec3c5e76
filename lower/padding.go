package lower

// Spatial-attribute extraction and padding resolution shared by the
// convolution, deconvolution and pooling importers.

import (
	"github.com/gomlx/onnx-lower/onnx"
)

type autoPadMode int

const (
	autoPadExplicit autoPadMode = iota
	autoPadSameUpper
	autoPadSameLower
)

// kernelParams holds the normalized spatial attributes of a node: kernel
// window, strides, dilations, explicit padding or a deferred SAME mode, and
// the deconvolution extras.
type kernelParams struct {
	KernelDims []int
	Strides    []int
	Dilations  []int
	BegPadding []int
	EndPadding []int
	AutoPad    autoPadMode

	OutputPadding []int // Deconvolution only.
	OutputShape   []int // Deconvolution only; explicit spatial output sizes.

	Groups          int
	CeilMode        bool
	CountIncludePad bool
}

// spatialParams reads the spatial attributes off a node and normalizes them
// to nbSpatial entries. weightKernelDims supplies the kernel window when the
// kernel_shape attribute is absent (convolutions infer it from the kernel
// weight); pass nil to make kernel_shape mandatory.
func spatialParams(node *onnx.NodeProto, nbSpatial int, weightKernelDims []int) (kernelParams, error) {
	bag := onnx.Attributes(node)
	p := kernelParams{
		KernelDims:      bag.Ints("kernel_shape", weightKernelDims),
		Strides:         bag.Ints("strides", nil),
		Dilations:       bag.Ints("dilations", nil),
		OutputPadding:   bag.Ints("output_padding", nil),
		OutputShape:     bag.Ints("output_shape", nil),
		Groups:          bag.Int("group", 1),
		CeilMode:        bag.Bool("ceil_mode", false),
		CountIncludePad: bag.Bool("count_include_pad", false),
	}
	pads := bag.Ints("pads", nil)
	autoPad := bag.Str("auto_pad", "NOTSET")
	if err := bag.Err(); err != nil {
		return p, nodeError(InvalidNode, node, err)
	}

	if p.KernelDims == nil {
		return p, invalidf(node, "kernel_shape is required")
	}
	if len(p.KernelDims) != nbSpatial {
		return p, invalidf(node, "kernel_shape has %d entries for %d spatial axes", len(p.KernelDims), nbSpatial)
	}
	if p.Strides == nil {
		p.Strides = onesInts(nbSpatial)
	}
	if p.Dilations == nil {
		p.Dilations = onesInts(nbSpatial)
	}
	if p.OutputPadding == nil {
		p.OutputPadding = make([]int, nbSpatial)
	}
	for name, values := range map[string][]int{
		"strides": p.Strides, "dilations": p.Dilations, "output_padding": p.OutputPadding,
	} {
		if len(values) != nbSpatial {
			return p, invalidf(node, "%s has %d entries for %d spatial axes", name, len(values), nbSpatial)
		}
	}
	if p.OutputShape != nil && len(p.OutputShape) != nbSpatial {
		return p, invalidf(node, "output_shape has %d entries for %d spatial axes", len(p.OutputShape), nbSpatial)
	}
	for i := 0; i < nbSpatial; i++ {
		if p.KernelDims[i] < 1 {
			return p, invalidValuef(node, "kernel_shape[%d] = %d must be positive", i, p.KernelDims[i])
		}
		if p.Strides[i] < 1 {
			return p, invalidValuef(node, "strides[%d] = %d must be positive", i, p.Strides[i])
		}
		if p.Dilations[i] < 1 {
			return p, invalidValuef(node, "dilations[%d] = %d must be positive", i, p.Dilations[i])
		}
		if p.OutputPadding[i] < 0 {
			return p, invalidValuef(node, "output_padding[%d] = %d must not be negative", i, p.OutputPadding[i])
		}
	}
	if p.Groups < 1 {
		return p, invalidValuef(node, "group = %d must be positive", p.Groups)
	}

	switch autoPad {
	case "", "NOTSET":
		if pads != nil {
			if len(pads) != 2*nbSpatial {
				return p, invalidf(node, "pads has %d entries, expected %d", len(pads), 2*nbSpatial)
			}
			p.BegPadding = pads[:nbSpatial]
			p.EndPadding = pads[nbSpatial:]
		}
	case "VALID":
		if pads != nil {
			return p, invalidf(node, "auto_pad VALID conflicts with an explicit pads attribute")
		}
	case "SAME_UPPER", "SAME_LOWER":
		if pads != nil {
			return p, invalidf(node, "auto_pad %s conflicts with an explicit pads attribute", autoPad)
		}
		p.AutoPad = autoPadSameUpper
		if autoPad == "SAME_LOWER" {
			p.AutoPad = autoPadSameLower
		}
	default:
		return p, unsupportedf(node, "auto_pad mode %q", autoPad)
	}
	if p.BegPadding == nil {
		p.BegPadding = make([]int, nbSpatial)
		p.EndPadding = make([]int, nbSpatial)
	}
	return p, nil
}

func onesInts(n int) []int {
	ones := make([]int, n)
	for i := range ones {
		ones[i] = 1
	}
	return ones
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func effectiveKernel(kernel, dilation int) int { return (kernel-1)*dilation + 1 }

// sameTotalFloor is the total SAME padding making a floor-rounded forward
// window produce ceil(in/stride) outputs.
func sameTotalFloor(in, stride, kEff int) int {
	out := ceilDiv(in, stride)
	return max(0, (out-1)*stride+kEff-in)
}

// sameTotalCeil is the minimal total SAME padding producing the same
// ceil(in/stride) outputs under ceil rounding: any surplus below one stride
// is absorbed by the rounding itself.
func sameTotalCeil(in, stride, kEff int) int {
	return max(0, sameTotalFloor(in, stride, kEff)-stride+1)
}

// splitSamePadding distributes a total padding between the two ends of an
// axis. SAME_UPPER puts the surplus at the end, SAME_LOWER at the beginning.
func splitSamePadding(total int, mode autoPadMode) (beg, end int) {
	if mode == autoPadSameLower {
		end = total / 2
		return total - end, end
	}
	beg = total / 2
	return beg, total - beg
}

// resolvePadding turns the params' padding spec into explicit per-axis begin
// and end amounts for a forward convolution or pooling over the given input
// spatial dimensions. ceilRound selects the ceil-rounding variant of the SAME
// closed form (pooling); floor rounding is the convolution variant.
func (p *kernelParams) resolvePadding(node *onnx.NodeProto, inputSpatial []int, ceilRound bool) (beg, end []int, err error) {
	if p.AutoPad == autoPadExplicit {
		return p.BegPadding, p.EndPadding, nil
	}
	beg = make([]int, len(inputSpatial))
	end = make([]int, len(inputSpatial))
	for i, in := range inputSpatial {
		if in < 0 {
			return nil, nil, unsupportedf(node, "SAME padding requires static spatial dimensions, axis %d is dynamic", i)
		}
		kEff := effectiveKernel(p.KernelDims[i], p.Dilations[i])
		total := sameTotalFloor(in, p.Strides[i], kEff)
		if ceilRound {
			total = sameTotalCeil(in, p.Strides[i], kEff)
		}
		beg[i], end[i] = splitSamePadding(total, p.AutoPad)
	}
	return beg, end, nil
}

// resolveDeconvPadding computes the explicit padding of a transposed
// convolution, plus any extra zero padding to append to the output after the
// layer (output_padding, and the remainder needed to reach an explicit
// output_shape).
func (p *kernelParams) resolveDeconvPadding(node *onnx.NodeProto, inputSpatial []int) (beg, end, extraEnd []int, err error) {
	n := len(inputSpatial)
	beg = make([]int, n)
	end = make([]int, n)
	extraEnd = make([]int, n)
	copy(extraEnd, p.OutputPadding)

	if p.OutputShape == nil && p.AutoPad == autoPadExplicit {
		copy(beg, p.BegPadding)
		copy(end, p.EndPadding)
		return beg, end, extraEnd, nil
	}
	for i, in := range inputSpatial {
		if in < 0 {
			return nil, nil, nil, unsupportedf(node, "deconvolution output sizing requires static spatial dimensions, axis %d is dynamic", i)
		}
		kEff := effectiveKernel(p.KernelDims[i], p.Dilations[i])
		expanded := (in-1)*p.Strides[i] + kEff
		var total int
		if p.OutputShape != nil {
			total = expanded + p.OutputPadding[i] - p.OutputShape[i]
		} else {
			// SAME: the output covers in*stride positions.
			total = expanded + p.OutputPadding[i] - in*p.Strides[i]
		}
		if total < 0 {
			return nil, nil, nil, invalidValuef(node, "axis %d: requested output %d exceeds the expanded input %d",
				i, p.OutputShape[i], expanded+p.OutputPadding[i])
		}
		// Explicit output sizing defaults to the lower split unless
		// SAME_UPPER asks otherwise.
		mode := autoPadSameLower
		if p.AutoPad == autoPadSameUpper {
			mode = autoPadSameUpper
		}
		beg[i], end[i] = splitSamePadding(total, mode)
	}
	return beg, end, extraEnd, nil
}
