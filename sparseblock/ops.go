package sparseblock

import "gonum.org/v1/gonum/mat"

// InvertBlockDiagonal inverts every diagonal block independently, the
// generalization of bba_engine/math.go's InvertBlockDiagonal/inverse3x3 (fixed 3x3)
// to landmark blocks of dimension 1 (inverse depth) or 3 (world XYZ).
func InvertBlockDiagonal(blocks []*mat.Dense) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(blocks))
	for i, b := range blocks {
		r, _ := b.Dims()
		inv := mat.NewDense(r, r, nil)
		if r == 1 {
			v := b.At(0, 0)
			if v == 0 {
				return nil, errSingularBlock
			}
			inv.Set(0, 0, 1/v)
			out[i] = inv
			continue
		}
		if err := inv.Inverse(b); err != nil {
			return nil, err
		}
		out[i] = inv
	}
	return out, nil
}

type sparseError string

func (e sparseError) Error() string { return string(e) }

const errSingularBlock = sparseError("sparseblock: singular diagonal block")

// BlockMul computes c = a*b for two dense blocks, allocating the result.
func BlockMul(a, b *mat.Dense) *mat.Dense {
	ar, _ := a.Dims()
	_, bc := b.Dims()
	c := mat.NewDense(ar, bc, nil)
	c.Mul(a, b)
	return c
}

// BlockSub computes c = a - b, allocating the result.
func BlockSub(a, b *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.Sub(a, b)
	return out
}

// SchurComplementTerm computes W * V_ii^-1 * W^T for one landmark's
// contribution to the reduced camera system, the per-landmark term summed
// into S during Schur elimination.
func SchurComplementTerm(w, vInv *mat.Dense) *mat.Dense {
	tmp := BlockMul(w, vInv)
	wt := mat.DenseCopyOf(w.T())
	return BlockMul(tmp, wt)
}
