package aggregate

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"merfishdecode/internal/models"
)

// splitTiles divides the (y, x) plane into tile x tile windows
func splitTiles(g Grid, tile int) []box {
	var boxes []box
	for y0 := 0; y0 < g.Height; y0 += tile {
		for x0 := 0; x0 < g.Width; x0 += tile {
			boxes = append(boxes, box{
				y0: y0, y1: min(y0+tile, g.Height),
				x0: x0, x1: min(x0+tile, g.Width),
			})
		}
	}
	return boxes
}

// labelTiled labels every tile concurrently and then joins regions that
// touch across tile borders. Joined regions keep the smallest id, which is
// the smallest pixel index of the whole region, so the result equals the
// single-pass labeling.
func labelTiled(ctx context.Context, calls []models.PixelCall, g Grid, nbrs []offset, tile int) ([]int, error) {
	labels := newLabels(len(calls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, b := range splitTiles(g, tile) {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			// tiles are disjoint so each goroutine writes its own labels
			labelBox(calls, g, nbrs, labels, b)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	uf := newUnionFind(len(labels))
	for idx, l := range labels {
		if l == unlabeled {
			continue
		}
		z, y, x := g.Coordinate(idx)
		for _, o := range nbrs {
			nz, ny, nx := z+o.dz, y+o.dy, x+o.dx
			if !g.contains(nz, ny, nx) {
				continue
			}
			if ny/tile == y/tile && nx/tile == x/tile {
				continue
			}
			n := g.Index(nz, ny, nx)
			if labels[n] == unlabeled || calls[n].Gene != calls[idx].Gene {
				continue
			}
			uf.union(l, labels[n])
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for idx, l := range labels {
		if l != unlabeled {
			labels[idx] = uf.find(l)
		}
	}
	return labels, nil
}

// unionFind joins region ids; the smaller id always becomes the root
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra < rb:
		u.parent[rb] = ra
	case rb < ra:
		u.parent[ra] = rb
	}
}
