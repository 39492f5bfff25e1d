package coverage

import (
	"fmt"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/gisquick/tileproxy/internal/domain"
)

// LoadShapefile reads every polygon shape from a .shp file into one
// MultiPolygon coverage, using github.com/jonas-p/go-shp per its published
// API (the corpus's OpticalFlyer-goliath example lists the dependency in
// its go.mod but its retrieved snippet doesn't exercise it directly). Only
// polygon shape types are supported; points/lines are not areas and have
// no Coverage meaning.
func LoadShapefile(path, srs string) (Coverage, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("coverage.LoadShapefile: %w", err)
	}
	defer reader.Close()

	var multi orb.MultiPolygon
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}
		multi = append(multi, polygonFromShp(poly)...)
	}
	if len(multi) == 0 {
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "coverage.LoadShapefile", fmt.Errorf("no polygon shapes found in %s", path))
	}
	return NewPolygonCoverage(multi, srs), nil
}

func polygonFromShp(p *shp.Polygon) orb.MultiPolygon {
	var out orb.MultiPolygon
	start := 0
	for i, partStart := range append(p.Parts, int32(len(p.Points))) {
		if i == 0 {
			continue
		}
		ring := make(orb.Ring, 0, int(partStart)-start)
		for _, pt := range p.Points[start:partStart] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		out = append(out, orb.Polygon{ring})
		start = int(partStart)
	}
	return out
}
