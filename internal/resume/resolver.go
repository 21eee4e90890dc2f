// Package resume converts a coarse completion percentage into a
// deterministic (file index, byte offset) resume point. The server and
// client must agree on this algorithm bit-for-bit: every file owns an
// equal share of the 0-100 scale regardless of its size.
package resume

// skipAheadThreshold: once a file's share is this close to done, the
// remaining bytes are rounding noise; resume at the next file instead.
const skipAheadThreshold = 0.95

// Point is a resume position within an ordered file list. Index ==
// len(files) with Offset == 0 means nothing is left to send.
type Point struct {
	Index  int
	Offset int64
}

// Resolve maps progressPercent (0..100) onto the ordered sizes list.
// Callers must not assume proportionality to bytes: a 10-byte file and
// a 10 GB file each consume one equal share.
func Resolve(sizes []int64, progressPercent float64) Point {
	n := len(sizes)
	if n == 0 || progressPercent >= 100 {
		return Point{Index: n}
	}
	if progressPercent <= 0 {
		return Point{}
	}

	share := 100.0 / float64(n)
	index := int(progressPercent / share)
	if index >= n {
		index = n - 1
	}

	fileFraction := (progressPercent - float64(index)*share) / share
	if fileFraction >= skipAheadThreshold {
		return Point{Index: index + 1}
	}
	return Point{
		Index:  index,
		Offset: int64(float64(sizes[index]) * fileFraction),
	}
}
