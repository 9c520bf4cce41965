package imgproc

import "fmt"

// MatType identifies the element depth and channel count of a Mat.
type MatType int

const (
	TypeUint8C1 MatType = iota
	TypeUint8C3
	TypeFloat32C1
	TypeFloat32C2
)

// Channels returns the number of interleaved channels per element.
func (t MatType) Channels() int {
	switch t {
	case TypeUint8C3:
		return 3
	case TypeFloat32C2:
		return 2
	default:
		return 1
	}
}

// IsFloat reports whether elements are stored as float32.
func (t MatType) IsFloat() bool {
	return t == TypeFloat32C1 || t == TypeFloat32C2
}

func (t MatType) String() string {
	switch t {
	case TypeUint8C1:
		return "8UC1"
	case TypeUint8C3:
		return "8UC3"
	case TypeFloat32C1:
		return "32FC1"
	case TypeFloat32C2:
		return "32FC2"
	}
	return fmt.Sprintf("MatType(%d)", int(t))
}

// Interpolation selects the sampling used by Remap and Resize.
type Interpolation int

const (
	InterpLinear Interpolation = iota
	InterpNearest
)

// CmpOp is the comparison applied by CompareScalar.
type CmpOp int

const (
	CmpLT CmpOp = iota
	CmpLE
	CmpGE
	CmpGT
)

// Kernel3 is a 3x3 correlation kernel in row-major order.
type Kernel3 [9]float32

// Negate returns the kernel with every coefficient sign-flipped.
func (k Kernel3) Negate() Kernel3 {
	var n Kernel3
	for i, v := range k {
		n[i] = -v
	}
	return n
}

func cmp(op CmpOp, a, b float64) bool {
	switch op {
	case CmpLT:
		return a < b
	case CmpLE:
		return a <= b
	case CmpGE:
		return a >= b
	default:
		return a > b
	}
}
