package convolve

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Kernel is an immutable square convolution matrix with odd size.
//
// Weights are stored row-major in a flat slice. The engine applies weights
// as given; use Normalize for energy-preserving custom kernels.
type Kernel struct {
	weights []float32
	size    int
}

// NewKernel builds a kernel from rows of weights. The rows are copied.
// Returns ErrInvalidArgument if the matrix is empty, not square, or has
// an even size.
func NewKernel(rows [][]float32) (*Kernel, error) {
	size := len(rows)
	if size == 0 {
		return nil, fmt.Errorf("%w: empty kernel", ErrInvalidArgument)
	}
	if size%2 == 0 {
		return nil, fmt.Errorf("%w: kernel size %d is even", ErrInvalidArgument, size)
	}

	weights := make([]float32, 0, size*size)
	for i, row := range rows {
		if len(row) != size {
			return nil, fmt.Errorf("%w: kernel row %d has %d weights, want %d",
				ErrInvalidArgument, i, len(row), size)
		}
		weights = append(weights, row...)
	}

	return &Kernel{weights: weights, size: size}, nil
}

// mustKernel is NewKernel for package-level tables known to be valid.
func mustKernel(rows [][]float32) *Kernel {
	k, err := NewKernel(rows)
	if err != nil {
		panic(err)
	}
	return k
}

// Size returns the kernel dimension n of an n x n kernel.
func (k *Kernel) Size() int {
	return k.size
}

// HalfWidth returns size/2, the border needed on each side of an image.
func (k *Kernel) HalfWidth() int {
	return k.size / 2
}

// At returns the weight at row ky, column kx.
func (k *Kernel) At(ky, kx int) float32 {
	return k.weights[ky*k.size+kx]
}

// Weights returns a copy of the kernel as rows.
func (k *Kernel) Weights() [][]float32 {
	rows := make([][]float32, k.size)
	for i := range rows {
		rows[i] = append([]float32(nil), k.weights[i*k.size:(i+1)*k.size]...)
	}
	return rows
}

// Sum returns the sum of all weights.
func (k *Kernel) Sum() float64 {
	var sum float64
	for _, w := range k.weights {
		sum += float64(w)
	}
	return sum
}

// Normalize returns a new kernel with every weight divided by the weight sum.
// Returns ErrInvalidArgument if the weights sum to zero (edge detectors).
func (k *Kernel) Normalize() (*Kernel, error) {
	sum := k.Sum()
	if sum == 0 {
		return nil, fmt.Errorf("%w: kernel weights sum to zero", ErrInvalidArgument)
	}
	weights := make([]float32, len(k.weights))
	for i, w := range k.weights {
		weights[i] = float32(float64(w) / sum)
	}
	return &Kernel{weights: weights, size: k.size}, nil
}

// Equal reports whether o has the same size and weights.
func (k *Kernel) Equal(o *Kernel) bool {
	if k == nil || o == nil {
		return k == o
	}
	if k.size != o.size {
		return false
	}
	for i, w := range k.weights {
		if o.weights[i] != w {
			return false
		}
	}
	return true
}

// String formats the kernel in the same row syntax ParseKernel accepts.
func (k *Kernel) String() string {
	var sb strings.Builder
	for y := range k.size {
		if y > 0 {
			sb.WriteByte(';')
		}
		for x := range k.size {
			if x > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.FormatFloat(float64(k.At(y, x)), 'g', -1, 32))
		}
	}
	return sb.String()
}

// ParseKernel parses a matrix written as rows separated by ';' and weights
// separated by ',' or whitespace, e.g. "1,2,1; 2,4,2; 1,2,1".
// Fractions such as "1/9" are accepted.
func ParseKernel(s string) (*Kernel, error) {
	rowText := strings.Split(strings.TrimSpace(s), ";")
	rows := make([][]float32, 0, len(rowText))
	for i, rt := range rowText {
		fields := strings.FieldsFunc(rt, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		})
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: kernel row %d is empty", ErrInvalidArgument, i)
		}
		row := make([]float32, len(fields))
		for j, f := range fields {
			v, err := parseWeight(f)
			if err != nil {
				return nil, fmt.Errorf("%w: kernel row %d column %d: %v", ErrInvalidArgument, i, j, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	return NewKernel(rows)
}

// parseWeight parses a decimal number or a simple "a/b" fraction.
func parseWeight(s string) (float32, error) {
	num, den, isFrac := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 32)
	if err != nil {
		return 0, err
	}
	if !isFrac {
		return float32(n), nil
	}
	d, err := strconv.ParseFloat(den, 32)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("division by zero in %q", s)
	}
	return float32(n / d), nil
}

// Preset names a built-in kernel.
type Preset int

// Built-in kernels.
const (
	// LowPass3x3 is a 3x3 box blur.
	LowPass3x3 Preset = iota

	// LowPass5x5 is a 5x5 box blur.
	LowPass5x5

	// HighPass3x3 is the 8-neighbour Laplacian edge detector.
	HighPass3x3

	// HighPass5x5 is a 5x5 high-pass filter scaled by 1/25.
	HighPass5x5

	// Gaussian3x3 is the 1-2-1 binomial blur.
	Gaussian3x3

	// Gaussian5x5 is the 1-4-6-4-1 binomial blur.
	Gaussian5x5

	presetCount
)

var presetNames = [presetCount]string{
	LowPass3x3:  "LowPass3x3",
	LowPass5x5:  "LowPass5x5",
	HighPass3x3: "HighPass3x3",
	HighPass5x5: "HighPass5x5",
	Gaussian3x3: "Gaussian3x3",
	Gaussian5x5: "Gaussian5x5",
}

// presetKernels is built once; kernels are immutable so sharing is safe.
var presetKernels = [presetCount]*Kernel{
	LowPass3x3:  mustKernel(uniformRows(3, 1.0/9)),
	LowPass5x5:  mustKernel(uniformRows(5, 1.0/25)),
	HighPass3x3: mustKernel([][]float32{{-1, -1, -1}, {-1, 8, -1}, {-1, -1, -1}}),
	HighPass5x5: mustKernel(highPass5x5Rows()),
	Gaussian3x3: mustKernel(binomialRows([]float32{1, 2, 1})),
	Gaussian5x5: mustKernel(binomialRows([]float32{1, 4, 6, 4, 1})),
}

// uniformRows returns a size x size matrix filled with w.
func uniformRows(size int, w float32) [][]float32 {
	rows := make([][]float32, size)
	for i := range rows {
		rows[i] = make([]float32, size)
		for j := range rows[i] {
			rows[i][j] = w
		}
	}
	return rows
}

func highPass5x5Rows() [][]float32 {
	rows := uniformRows(5, -1.0/25)
	rows[2][2] = 24.0 / 25
	return rows
}

// binomialRows returns the outer product of coeffs with itself, divided by
// the square of the coefficient sum.
func binomialRows(coeffs []float32) [][]float32 {
	var sum float32
	for _, c := range coeffs {
		sum += c
	}
	norm := sum * sum
	rows := make([][]float32, len(coeffs))
	for i, a := range coeffs {
		rows[i] = make([]float32, len(coeffs))
		for j, b := range coeffs {
			rows[i][j] = a * b / norm
		}
	}
	return rows
}

// String returns the preset name.
func (p Preset) String() string {
	if p < 0 || p >= presetCount {
		return "Preset(" + strconv.Itoa(int(p)) + ")"
	}
	return presetNames[p]
}

// Kernel returns the preset's kernel, or nil for an unknown preset.
func (p Preset) Kernel() *Kernel {
	if p < 0 || p >= presetCount {
		return nil
	}
	return presetKernels[p]
}

// Presets returns all built-in presets in declaration order.
func Presets() []Preset {
	out := make([]Preset, presetCount)
	for i := range out {
		out[i] = Preset(i)
	}
	return out
}

// ParsePreset looks up a preset by name. Matching ignores case, '-' and '_',
// so "lowpass3x3", "low-pass-3x3" and "LOW_PASS_3X3" all resolve.
func ParsePreset(name string) (Preset, error) {
	key := presetKey(name)
	for i, n := range presetNames {
		if presetKey(n) == key {
			return Preset(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown filter %q", ErrInvalidArgument, name)
}

func presetKey(name string) string {
	folded := cases.Fold().String(strings.TrimSpace(name))
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(folded)
}

// GaussianKernel returns a normalized 2D Gaussian kernel with standard
// deviation sigma. The size is 2*ceil(3*sigma)+1, which covers 99.7% of the
// distribution. For sigma <= 0 it returns the 1x1 identity kernel.
//
// sigma is rounded to the nearest 0.01 and capped at MaxGaussianSigma.
// Kernels are cached by the rounded sigma; the returned kernel is shared
// and immutable.
func GaussianKernel(sigma float64) *Kernel {
	return defaultKernelCache.get(sigma)
}

// MaxGaussianSigma bounds GaussianKernel to a 301x301 kernel.
const MaxGaussianSigma = 50

// sigmaKey rounds sigma to hundredths after capping it.
func sigmaKey(sigma float64) int {
	if math.IsNaN(sigma) || sigma <= 0 {
		return 0
	}
	return int(math.Round(min(sigma, MaxGaussianSigma) * 100))
}

// gaussian1D returns a normalized 1D Gaussian of size 2*ceil(3*sigma)+1.
func gaussian1D(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	half := int(math.Ceil(sigma * 3))
	size := half*2 + 1
	out := make([]float64, size)

	// exp(-x²/(2σ²)); the constant factor cancels during normalization.
	twoSigmaSq := 2 * sigma * sigma
	sum := 0.0
	for i := range out {
		x := float64(i - half)
		out[i] = math.Exp(-(x * x) / twoSigmaSq)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// gaussian2D is the outer product of gaussian1D with itself.
func gaussian2D(sigma float64) *Kernel {
	g := gaussian1D(sigma)
	rows := make([][]float32, len(g))
	for i, a := range g {
		rows[i] = make([]float32, len(g))
		for j, b := range g {
			rows[i][j] = float32(a * b)
		}
	}
	return mustKernel(rows)
}

// kernelCache caches Gaussian kernels keyed by sigmaKey.
type kernelCache struct {
	mu     sync.RWMutex
	cache  map[int]*Kernel
	maxLen int
}

var defaultKernelCache = newKernelCache(64)

func newKernelCache(maxLen int) *kernelCache {
	return &kernelCache{
		cache:  make(map[int]*Kernel),
		maxLen: maxLen,
	}
}

// get retrieves a kernel from the cache or generates and stores it.
func (c *kernelCache) get(sigma float64) *Kernel {
	key := sigmaKey(sigma)

	c.mu.RLock()
	if k, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return k
	}
	c.mu.RUnlock()

	k := gaussian2D(float64(key) / 100)

	c.mu.Lock()
	if len(c.cache) >= c.maxLen {
		// Evict half the entries; map order makes this effectively random.
		count := 0
		for key := range c.cache {
			delete(c.cache, key)
			count++
			if count >= c.maxLen/2 {
				break
			}
		}
	}
	c.cache[key] = k
	c.mu.Unlock()

	return k
}

// len returns the number of cached kernels.
func (c *kernelCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
