package codec

// HalfScale box-filters a dim x dim RGBA tile down to dim/2 x dim/2.
// A 1x1 tile is returned unchanged.
func HalfScale(dim int, src []byte) []byte {
	if dim <= 1 {
		return append([]byte(nil), src...)
	}
	half := dim / 2
	dst := make([]byte, half*half*4)
	stride := dim * 4
	for y := 0; y < half; y++ {
		row0 := src[2*y*stride:]
		row1 := src[(2*y+1)*stride:]
		out := dst[y*half*4:]
		for x := 0; x < half; x++ {
			i := x * 8
			for c := 0; c < 4; c++ {
				sum := int(row0[i+c]) + int(row0[i+4+c]) + int(row1[i+c]) + int(row1[i+4+c])
				out[x*4+c] = byte((sum + 2) / 4)
			}
		}
	}
	return dst
}
