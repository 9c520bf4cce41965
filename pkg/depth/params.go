package depth

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// FilterMode controls how the sparse disparity filter is selected.
type FilterMode string

const (
	// FilterAuto probes for a compute device and falls back when none is found.
	FilterAuto FilterMode = "auto"
	// FilterOff always emits the unfiltered gated disparity map.
	FilterOff FilterMode = "off"
)

// Params configures an Estimator.
type Params struct {
	// MinDepth and MaxDepth bound the admissible scene depth.
	MinDepth float64 `json:"min_depth"`
	MaxDepth float64 `json:"max_depth"`
	// DisparityCoef is focal length times baseline: disparity = DisparityCoef / depth.
	DisparityCoef float64 `json:"disparity_coef"`
	// Tau is the extraordinary/ordinary intensity ratio, 0 < Tau < 1.
	Tau float64 `json:"tau"`
	// Upsampling sets the working resolution relative to the rectified grid.
	Upsampling float64 `json:"upsampling"`
	// ScaleMask is the resize factor of the confidence and output disparity grid.
	ScaleMask float64 `json:"scale_mask"`
	// WinSize is the cost aggregation window; made odd after upsampling.
	WinSize int `json:"win_size"`
	// ThreshGrad masks out areas whose restored edge response is below it.
	ThreshGrad float64 `json:"thresh_grad"`
	// ThreshCost masks out areas whose max/min cost spread is at most it.
	ThreshCost float64 `json:"thresh_cost"`

	Filter        FilterMode `json:"filter"`
	FilterWorkers int        `json:"filter_workers"`

	// DebugDir receives intermediate buffers when set to an existing directory.
	DebugDir string `json:"debug_dir"`
}

// DefaultParams returns the parameters of the reference prototype camera.
func DefaultParams() Params {
	return Params{
		MinDepth:      450,
		MaxDepth:      800,
		DisparityCoef: -8013,
		Tau:           0.286,
		Upsampling:    1,
		ScaleMask:     0.3,
		WinSize:       61,
		ThreshGrad:    220,
		ThreshCost:    1,
		Filter:        FilterAuto,
	}
}

// Validate checks the parameters for values the estimator cannot work with.
func (p Params) Validate() error {
	switch {
	case p.MinDepth <= 0 || p.MaxDepth <= 0:
		return errors.Errorf("depth range must be positive, got [%v, %v]", p.MinDepth, p.MaxDepth)
	case p.MinDepth >= p.MaxDepth:
		return errors.Errorf("min_depth %v must be below max_depth %v", p.MinDepth, p.MaxDepth)
	case p.DisparityCoef == 0:
		return errors.New("disparity_coef must be non-zero")
	case p.Tau <= 0 || p.Tau >= 1:
		return errors.Errorf("tau must be in (0, 1), got %v", p.Tau)
	case p.Upsampling <= 0:
		return errors.Errorf("upsampling must be positive, got %v", p.Upsampling)
	case p.ScaleMask <= 0 || p.ScaleMask > 1:
		return errors.Errorf("scale_mask must be in (0, 1], got %v", p.ScaleMask)
	case p.WinSize < 1:
		return errors.Errorf("win_size must be at least 1, got %d", p.WinSize)
	case p.ThreshGrad < 0 || p.ThreshGrad > 255 || p.ThreshCost < 0 || p.ThreshCost > 255:
		return errors.New("thresholds must be in [0, 255]")
	case p.FilterWorkers < 0:
		return errors.Errorf("filter_workers must not be negative, got %d", p.FilterWorkers)
	}
	switch p.Filter {
	case FilterAuto, FilterOff:
	default:
		return errors.Errorf("unknown filter mode %q", p.Filter)
	}
	return nil
}

// ReadParams decodes a JSON file on top of DefaultParams without validating,
// so callers can apply further overrides first.
func ReadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrapf(err, "read params %s", path)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrapf(err, "parse params %s", path)
	}
	return p, nil
}

// LoadParams reads a JSON file on top of DefaultParams and validates the result.
func LoadParams(path string) (Params, error) {
	p, err := ReadParams(path)
	if err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, errors.Wrapf(err, "params %s", path)
	}
	return p, nil
}
