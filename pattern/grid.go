package pattern

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
)

const (
	// neighbours closer than this multiple of the median nearest-neighbour distance form the
	// first lattice shell
	shellRatio = 1.25
	// a predicted lattice position must be within this fraction of the step to be accepted
	snapRatio = 0.3
	// vectors within this angle (mod pi) belong to the same lattice direction
	directionTolerance = 15 * math.Pi / 180
)

// orderGrid assigns unordered blob centres to the canonical pattern order. It grows lattice
// coordinates outwards from the centre-most point along two locally refined basis vectors,
// then matches the recovered integer layout against the ideal one under the eight grid
// symmetries.
func orderGrid(p Pattern, pts []r2.Point) ([]r2.Point, bool) {
	n := len(pts)
	if n != p.Size() || n < 4 {
		return nil, false
	}

	nearest := make([]float64, n)
	for i := range pts {
		best := math.Inf(1)
		for j := range pts {
			if i != j {
				best = math.Min(best, pts[i].Sub(pts[j]).Norm())
			}
		}
		nearest[i] = best
	}
	spacing, err := stats.Median(nearest)
	if err != nil || spacing <= 0 {
		return nil, false
	}

	var dirs []r2.Point
	for i := range pts {
		for j := i + 1; j < n; j++ {
			d := pts[j].Sub(pts[i])
			if d.Norm() < shellRatio*spacing {
				dirs = append(dirs, d)
			}
		}
	}
	a, b, ok := latticeBasis(dirs)
	if !ok {
		return nil, false
	}

	coords, ok := growLattice(pts, a, b)
	if !ok {
		return nil, false
	}

	// integer positions in pattern units
	positions := make([][2]int, n)
	for i, c := range coords {
		if p.Type == AsymmetricCircles {
			// the first shell of an asymmetric grid is its two diagonals
			positions[i] = [2]int{c[0] + c[1], c[0] - c[1]}
		} else {
			positions[i] = c
		}
	}
	return matchLayout(p, pts, positions)
}

func angleDiff(a, b r2.Point) float64 {
	d := math.Abs(math.Atan2(a.Y, a.X) - math.Atan2(b.Y, b.X))
	d = math.Mod(d, math.Pi)
	return math.Min(d, math.Pi-d)
}

// latticeBasis clusters first shell vectors into the two dominant directions.
func latticeBasis(dirs []r2.Point) (r2.Point, r2.Point, bool) {
	used := make([]bool, len(dirs))
	var basis []r2.Point
	for len(basis) < 2 {
		seed, seedCount := -1, 0
		for i := range dirs {
			if used[i] {
				continue
			}
			count := 0
			for j := range dirs {
				if !used[j] && angleDiff(dirs[i], dirs[j]) < directionTolerance {
					count++
				}
			}
			if count > seedCount {
				seed, seedCount = i, count
			}
		}
		if seed < 0 {
			return r2.Point{}, r2.Point{}, false
		}
		var sum r2.Point
		for j := range dirs {
			if used[j] || angleDiff(dirs[seed], dirs[j]) >= directionTolerance {
				continue
			}
			used[j] = true
			if dirs[j].Dot(dirs[seed]) < 0 {
				sum = sum.Sub(dirs[j])
			} else {
				sum = sum.Add(dirs[j])
			}
		}
		basis = append(basis, sum.Mul(1/float64(seedCount)))
	}
	if angleDiff(basis[0], basis[1]) < 2*directionTolerance {
		return r2.Point{}, r2.Point{}, false
	}
	return basis[0], basis[1], true
}

type latticeNode struct {
	idx  int
	a, b r2.Point
}

// growLattice assigns integer lattice coordinates to every point by breadth first search.
// Each visited point carries its own basis estimate so perspective foreshortening is
// followed across the board.
func growLattice(pts []r2.Point, a, b r2.Point) ([][2]int, bool) {
	var centroid r2.Point
	for _, pt := range pts {
		centroid = centroid.Add(pt)
	}
	centroid = centroid.Mul(1 / float64(len(pts)))
	start := nearestPoint(pts, centroid)

	coords := make([][2]int, len(pts))
	visited := make([]bool, len(pts))
	taken := map[[2]int]int{{0, 0}: start}
	visited[start] = true
	queue := []latticeNode{{idx: start, a: a, b: b}}
	steps := [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, s := range steps {
			step := cur.a.Mul(float64(s[0])).Add(cur.b.Mul(float64(s[1])))
			pred := pts[cur.idx].Add(step)
			j := nearestPoint(pts, pred)
			if pts[j].Sub(pred).Norm() > snapRatio*step.Norm() {
				continue
			}
			c := [2]int{coords[cur.idx][0] + s[0], coords[cur.idx][1] + s[1]}
			if visited[j] {
				if coords[j] != c {
					return nil, false
				}
				continue
			}
			if _, ok := taken[c]; ok {
				return nil, false
			}
			visited[j] = true
			coords[j] = c
			taken[c] = j

			next := latticeNode{idx: j, a: cur.a, b: cur.b}
			observed := pts[j].Sub(pts[cur.idx])
			if s[0] != 0 {
				next.a = observed.Mul(float64(s[0]))
			} else {
				next.b = observed.Mul(float64(s[1]))
			}
			queue = append(queue, next)
		}
	}
	return coords, len(taken) == len(pts)
}

func nearestPoint(pts []r2.Point, q r2.Point) int {
	best, bestDist := 0, math.Inf(1)
	for i, pt := range pts {
		if d := pt.Sub(q).Norm(); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

var gridSymmetries = [8]func(x, y int) (int, int){
	func(x, y int) (int, int) { return x, y },
	func(x, y int) (int, int) { return -y, x },
	func(x, y int) (int, int) { return -x, -y },
	func(x, y int) (int, int) { return y, -x },
	func(x, y int) (int, int) { return -x, y },
	func(x, y int) (int, int) { return x, -y },
	func(x, y int) (int, int) { return y, x },
	func(x, y int) (int, int) { return -y, -x },
}

// matchLayout finds the symmetry that maps the recovered positions onto the pattern layout.
// Only orderings that keep the board's handedness as seen by the camera are accepted; among
// those the one whose first point is closest to the image origin wins.
func matchLayout(p Pattern, pts []r2.Point, positions [][2]int) ([]r2.Point, bool) {
	ideal := p.latticePositions()
	var best []r2.Point
	bestScore := math.Inf(1)

	for _, sym := range gridSymmetries {
		moved := make([][2]int, len(positions))
		minX, minY := math.MaxInt, math.MaxInt
		for i, pos := range positions {
			x, y := sym(pos[0], pos[1])
			moved[i] = [2]int{x, y}
			minX = min(minX, x)
			minY = min(minY, y)
		}
		lookup := make(map[[2]int]int, len(moved))
		for i, pos := range moved {
			lookup[[2]int{pos[0] - minX, pos[1] - minY}] = i
		}

		ordered := make([]r2.Point, 0, len(ideal))
		for _, pos := range ideal {
			i, ok := lookup[pos]
			if !ok {
				break
			}
			ordered = append(ordered, pts[i])
		}
		if len(ordered) != len(ideal) {
			continue
		}

		origin := ordered[0]
		rowDir := ordered[p.Cols-1].Sub(origin)
		colDir := ordered[(p.Rows-1)*p.Cols].Sub(origin)
		if rowDir.Cross(colDir) <= 0 {
			continue
		}
		if score := origin.X + origin.Y; score < bestScore {
			best, bestScore = ordered, score
		}
	}
	return best, best != nil
}
