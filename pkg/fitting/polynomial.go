package fitting

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PolynomialModel fits a polynomial of fixed degree in the acquisition
// parameter by linear least squares. The design matrix only depends on the
// constants, so its pseudo-inverse is computed once in Prepare and every
// voxel is then a pair of matrix-vector products.
type PolynomialModel struct {
	// Degree of the polynomial (0 reproduces ConstantModel)
	Degree int

	// Abscissa names the constant holding the acquisition parameter per
	// series index. When empty the frame index is used.
	Abscissa string

	pinv *mat.Dense // (Degree+1) x n
	hat  *mat.Dense // n x n
}

func (m *PolynomialModel) Name() string { return fmt.Sprintf("polynomial(%d)", m.Degree) }

func (m *PolynomialModel) Parameters() []string {
	names := make([]string, m.Degree+1)
	for i := range names {
		names[i] = fmt.Sprintf("c%d", i)
	}
	return names
}

// Prepare builds the Vandermonde design matrix and its least squares
// pseudo-inverse.
func (m *PolynomialModel) Prepare(length int, c Constants) error {
	if m.Degree < 0 {
		return fmt.Errorf("polynomial degree %d must be non-negative", m.Degree)
	}
	cols := m.Degree + 1
	if length < cols {
		return fmt.Errorf("polynomial degree %d needs at least %d series points, have %d", m.Degree, cols, length)
	}

	x := make([]float64, length)
	if m.Abscissa != "" {
		v, err := c.Vector(m.Abscissa, length)
		if err != nil {
			return err
		}
		copy(x, v)
	} else {
		for i := range x {
			x[i] = float64(i)
		}
	}

	design := mat.NewDense(length, cols, nil)
	for i, xi := range x {
		for j := 0; j < cols; j++ {
			design.Set(i, j, math.Pow(xi, float64(j)))
		}
	}

	var qr mat.QR
	qr.Factorize(design)

	eye := mat.NewDense(length, length, nil)
	for i := 0; i < length; i++ {
		eye.Set(i, i, 1)
	}

	pinv := mat.NewDense(cols, length, nil)
	if err := qr.SolveTo(pinv, false, eye); err != nil {
		return fmt.Errorf("polynomial design matrix is singular: %w", err)
	}

	hat := mat.NewDense(length, length, nil)
	hat.Mul(design, pinv)

	m.pinv = pinv
	m.hat = hat
	return nil
}

func (m *PolynomialModel) FitVoxel(_ context.Context, signal []float64, c Constants) ([]float64, []float64, error) {
	if m.pinv == nil {
		if err := m.Prepare(len(signal), c); err != nil {
			return nil, nil, err
		}
	}
	_, n := m.pinv.Dims()
	if n != len(signal) {
		return nil, nil, fmt.Errorf("model prepared for %d points, got %d", n, len(signal))
	}

	y := mat.NewVecDense(len(signal), append([]float64(nil), signal...))

	var beta mat.VecDense
	beta.MulVec(m.pinv, y)

	var fit mat.VecDense
	fit.MulVec(m.hat, y)

	return mat.Col(nil, 0, &fit), mat.Col(nil, 0, &beta), nil
}
