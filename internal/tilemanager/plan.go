package tilemanager

import (
	"github.com/gisquick/tileproxy/internal/domain"
)

// metaTilePlan is the resolved, grid-bbox-clipped fetch plan for one
// meta-tile build (spec §9 Open Question on partial grid-bbox overlap):
// the outgoing source request covers plan.bbox/plan.pixelSize (clipped to
// the grid bbox), and plan.members lists only the coordinates that are
// actually inside the grid bbox — a meta-tile straddling the grid's edge
// produces fewer members than MetaSize[0]*MetaSize[1], not blank padding.
type metaTilePlan struct {
	// bbox/pixelSize are the (possibly clipped-to-grid) request sent to
	// sources; fullBBox/fullPixelSize are the meta-tile's own unclipped
	// geometry, the canvas members are cropped from. offsetPx is where the
	// fetched (possibly smaller) image should be pasted into that canvas.
	bbox         domain.BBox
	pixelSize    [2]int
	fullBBox     domain.BBox
	fullPixelSize [2]int
	offsetPx     [2]int
	bufferPx     [2]int
	members      []domain.TileCoord
	originX      int
	originY      int
}

// planMetaTile resolves a domain.MetaTile against its grid, dropping any
// member tile coordinate that falls entirely outside the grid's own bbox.
func planMetaTile(grid *domain.Grid, meta domain.MetaTile) (metaTilePlan, error) {
	ox, oy := meta.TileOrigin()
	plan := metaTilePlan{
		bufferPx: [2]int{meta.Buffer[0], meta.Buffer[1]},
		originX:  ox,
		originY:  oy,
	}

	var members []domain.TileCoord
	for _, tc := range meta.Members() {
		if tc.X < 0 || tc.Y < 0 {
			continue
		}
		tb, err := grid.TileBBox(tc.Level, tc.X, tc.Y)
		if err != nil {
			continue // tile coordinate outside the grid's own bounds: skip, don't error the whole build
		}
		if !tb.Intersects(grid.BBox) {
			continue
		}
		members = append(members, tc)
	}
	plan.members = members

	fullBBox, err := meta.BBox()
	if err != nil {
		return metaTilePlan{}, err
	}
	fullSize := meta.Size()
	plan.fullBBox = fullBBox
	plan.fullPixelSize = [2]int{fullSize[0], fullSize[1]}

	// clip the outgoing request to the grid's own bbox; sources are never
	// asked to render ground that doesn't exist in this grid. The clipped
	// image is later pasted back into a full-size canvas at offsetPx, so
	// downstream cropping math (splitAndStore) never needs to know a clip
	// happened.
	bbox := fullBBox
	if fullBBox.Intersects(grid.BBox) {
		bbox = fullBBox.Intersect(grid.BBox)
	}
	plan.bbox = bbox

	res := grid.Resolutions[meta.Level]
	plan.offsetPx = [2]int{
		int((bbox[0] - fullBBox[0]) / res),
		int((fullBBox[3] - bbox[3]) / res),
	}
	plan.pixelSize = [2]int{
		fullSize[0] - plan.offsetPx[0] - int((fullBBox[2]-bbox[2])/res),
		fullSize[1] - plan.offsetPx[1] - int((bbox[1]-fullBBox[1])/res),
	}
	if plan.pixelSize[0] <= 0 || plan.pixelSize[1] <= 0 {
		plan.pixelSize = plan.fullPixelSize
		plan.offsetPx = [2]int{0, 0}
		plan.bbox = fullBBox
	}
	return plan, nil
}
