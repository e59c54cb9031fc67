// Package sparseblock implements the heterogeneous block-sparse linear
// algebra primitives the bundle adjustment core assembles its normal
// equations with: a map of dense gonum blocks keyed by (row, col) block
// index, generalized from bba_engine/math.go's plain [][]float64 dense arithmetic
// (hhyanyanGitHub-uf-oritention-go/bba/bba_engine/math.go: NewMat,
// Transpose, MultiplyMat, InvertBlockDiagonal) to gonum's mat.Dense and to
// blocks of varying width (PoseDim vs the reduced PrPoseDim, LmDim of 1 or
// 3).
package sparseblock

import "gonum.org/v1/gonum/mat"

// Key addresses a block by its row/column block index (not scalar index).
type Key struct{ Row, Col int }

// Matrix is a block-sparse matrix: present blocks are stored densely, absent
// blocks are implicitly zero. RowDims/ColDims record each block row/column's
// scalar dimension so off-diagonal accumulation and stride promotion (e.g.
// widening a PrPoseDim residual Jacobian block into a PoseDim column) can be
// done without the caller repeating sizes everywhere.
type Matrix struct {
	Blocks  map[Key]*mat.Dense
	RowDims []int
	ColDims []int
}

// New creates an empty block-sparse matrix with the given per-block-row and
// per-block-column scalar dimensions.
func New(rowDims, colDims []int) *Matrix {
	return &Matrix{
		Blocks:  make(map[Key]*mat.Dense),
		RowDims: rowDims,
		ColDims: colDims,
	}
}

// At returns the block at (row, col), allocating a zero block of the
// declared dimension if absent.
func (m *Matrix) At(row, col int) *mat.Dense {
	k := Key{row, col}
	if b, ok := m.Blocks[k]; ok {
		return b
	}
	b := mat.NewDense(m.RowDims[row], m.ColDims[col], nil)
	m.Blocks[k] = b
	return b
}

// AddTo accumulates src into the block at (row, col), creating it if absent.
// If src is narrower than the declared column dimension (the PrPoseDim vs
// PoseDim promotion), it is added into the block's leading columns.
func (m *Matrix) AddTo(row, col int, src *mat.Dense) {
	b := m.At(row, col)
	r, c := src.Dims()
	br, bc := b.Dims()
	if r == br && c == bc {
		b.Add(b, src)
		return
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			b.Set(i, j, b.At(i, j)+src.At(i, j))
		}
	}
}

// Diag returns the diagonal block at index i, i.
func (m *Matrix) Diag(i int) *mat.Dense { return m.At(i, i) }

// MulVec computes dst = M * x over the block structure, where x and dst are
// flat vectors sliced according to ColDims/RowDims. offsets gives the
// cumulative scalar offset of each block row/column.
func (m *Matrix) MulVec(dst, x []float64, rowOffsets, colOffsets []int) {
	for i := range dst {
		dst[i] = 0
	}
	for k, b := range m.Blocks {
		br, bc := b.Dims()
		ro, co := rowOffsets[k.Row], colOffsets[k.Col]
		for i := 0; i < br; i++ {
			var sum float64
			for j := 0; j < bc; j++ {
				sum += b.At(i, j) * x[co+j]
			}
			dst[ro+i] += sum
		}
	}
}

// Dense materializes the block-sparse matrix into one gonum mat.Dense, used
// for the dense Cholesky solve path.
func (m *Matrix) Dense(rowOffsets, colOffsets []int, totalRows, totalCols int) *mat.Dense {
	out := mat.NewDense(totalRows, totalCols, nil)
	for k, b := range m.Blocks {
		br, bc := b.Dims()
		ro, co := rowOffsets[k.Row], colOffsets[k.Col]
		for i := 0; i < br; i++ {
			for j := 0; j < bc; j++ {
				out.Set(ro+i, co+j, b.At(i, j))
			}
		}
	}
	return out
}

// Offsets computes the cumulative scalar offset of each block given its
// dimension slice, the layout Matrix.MulVec/Dense expect.
func Offsets(dims []int) []int {
	offs := make([]int, len(dims))
	sum := 0
	for i, d := range dims {
		offs[i] = sum
		sum += d
	}
	return offs
}

// Total returns the sum of a dimension slice.
func Total(dims []int) int {
	sum := 0
	for _, d := range dims {
		sum += d
	}
	return sum
}
