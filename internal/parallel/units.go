package parallel

// Unit is a horizontal band of one image in a batch.
type Unit struct {
	Image  int
	Y0, Y1 int // rows [Y0, Y1)
}

// Bands splits a [batch, rows] grid into units of whole rows. Bands hold at
// least minRows rows (except the last of an image) and there are roughly
// four units per worker so that uneven rows balance out.
func Bands(batch, rows, workers, minRows int) []Unit {
	if batch == 0 || rows == 0 {
		return nil
	}
	workers = Workers(workers)
	minRows = max(minRows, 1)

	perImage := max(1, (workers*4+batch-1)/batch)
	h := max(minRows, (rows+perImage-1)/perImage)

	units := make([]Unit, 0, batch*((rows+h-1)/h))
	for b := range batch {
		for y := 0; y < rows; y += h {
			units = append(units, Unit{Image: b, Y0: y, Y1: min(y+h, rows)})
		}
	}
	return units
}

// Ranges splits [0, n) into at most parts contiguous ranges.
func Ranges(n, parts int) [][2]int {
	if n == 0 {
		return nil
	}
	parts = min(max(parts, 1), n)
	out := make([][2]int, 0, parts)
	step := (n + parts - 1) / parts
	for lo := 0; lo < n; lo += step {
		out = append(out, [2]int{lo, min(lo+step, n)})
	}
	return out
}
