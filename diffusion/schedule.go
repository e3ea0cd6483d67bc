package diffusion

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Schedule holds the linear beta noise schedule and all the per-timestep coefficients derived from it.
//
// All tables are indexed by the timestep t in [0, NumSteps).
type Schedule struct {
	NumSteps int

	Betas, Alphas, AlphaHats []float64

	// SqrtAlphaHats and SqrtOneMinusAlphaHats mix the image and the noise in the forward process.
	SqrtAlphaHats, SqrtOneMinusAlphaHats []float64

	// InvSqrtAlphas, NoiseCoefs and Sigmas are used by the reverse step:
	//
	//	x_{t-1} = InvSqrtAlphas[t] * (x_t - NoiseCoefs[t] * predictedNoise) + Sigmas[t] * z
	InvSqrtAlphas, NoiseCoefs, Sigmas []float64
}

// NewSchedule creates the schedule with numSteps betas linearly spaced from betaStart to betaEnd (inclusive).
func NewSchedule(numSteps int, betaStart, betaEnd float64) (*Schedule, error) {
	if numSteps < 1 {
		return nil, errors.Errorf("number of diffusion steps must be >= 1, got %d", numSteps)
	}
	if betaStart <= 0 || betaEnd >= 1 || betaStart > betaEnd {
		return nil, errors.Errorf("invalid beta range [%g, %g]: it must satisfy 0 < beta_start <= beta_end < 1",
			betaStart, betaEnd)
	}
	s := &Schedule{
		NumSteps:              numSteps,
		Betas:                 make([]float64, numSteps),
		Alphas:                make([]float64, numSteps),
		AlphaHats:             make([]float64, numSteps),
		SqrtAlphaHats:         make([]float64, numSteps),
		SqrtOneMinusAlphaHats: make([]float64, numSteps),
		InvSqrtAlphas:         make([]float64, numSteps),
		NoiseCoefs:            make([]float64, numSteps),
		Sigmas:                make([]float64, numSteps),
	}
	if numSteps == 1 {
		s.Betas[0] = betaStart
	} else {
		floats.Span(s.Betas, betaStart, betaEnd)
	}
	alphaHat := 1.0
	for t, beta := range s.Betas {
		alpha := 1.0 - beta
		alphaHat *= alpha
		s.Alphas[t] = alpha
		s.AlphaHats[t] = alphaHat
		s.SqrtAlphaHats[t] = math.Sqrt(alphaHat)
		s.SqrtOneMinusAlphaHats[t] = math.Sqrt(1.0 - alphaHat)
		s.InvSqrtAlphas[t] = 1.0 / math.Sqrt(alpha)
		s.NoiseCoefs[t] = beta / math.Sqrt(1.0-alphaHat)
		if t > 0 {
			s.Sigmas[t] = math.Sqrt(beta)
		}
	}
	return s, nil
}

// gatherPerExample picks table[t] for each example and returns it shaped `[batchSize, 1, 1, ...]`, so it
// broadcasts against images of the given rank.
//
// timesteps must be an integer tensor shaped `[batchSize]`.
func gatherPerExample(table []float64, timesteps *Node, dtype dtypes.DType, rank int) *Node {
	g := timesteps.Graph()
	timesteps.AssertRank(1)
	values := ConvertDType(Const(g, table), dtype)
	values = Gather(values, InsertAxes(timesteps, -1))
	for values.Rank() < rank {
		values = InsertAxes(values, -1)
	}
	return values
}
