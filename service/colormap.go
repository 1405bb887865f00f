package service

import (
	"image/color"
	"math"

	"github.com/TIANLI0/TumorLens/model"
)

type colorStop struct {
	pos     float64
	r, g, b float64
}

func hexStop(pos float64, rgb uint32) colorStop {
	return colorStop{
		pos: pos,
		r:   float64(rgb >> 16 & 0xff),
		g:   float64(rgb >> 8 & 0xff),
		b:   float64(rgb & 0xff),
	}
}

// 与前端渐变一致的色标
var colorRamps = map[model.ColorMap][]colorStop{
	model.ColorMapGrayscale: {hexStop(0, 0x111827), hexStop(1, 0xd1d5db)},
	model.ColorMapViridis:   {hexStop(0, 0x581c87), hexStop(0.5, 0x2563eb), hexStop(1, 0xfacc15)},
	model.ColorMapHeatmap:   {hexStop(0, 0x000000), hexStop(0.5, 0xdc2626), hexStop(1, 0xfacc15)},
	model.ColorMapPlasma:    {hexStop(0, 0x581c87), hexStop(0.5, 0xdb2777), hexStop(1, 0xfde047)},
}

// rampColor t 取 [0,1]，未知色图按 viridis 处理
func rampColor(cm model.ColorMap, t float64) color.NRGBA {
	stops, ok := colorRamps[cm]
	if !ok {
		stops = colorRamps[model.ColorMapViridis]
	}
	t = clamp(t, 0, 1)
	for i := 1; i < len(stops); i++ {
		lo, hi := stops[i-1], stops[i]
		if t <= hi.pos {
			f := (t - lo.pos) / (hi.pos - lo.pos)
			return color.NRGBA{
				R: uint8(math.Round(lo.r + (hi.r-lo.r)*f)),
				G: uint8(math.Round(lo.g + (hi.g-lo.g)*f)),
				B: uint8(math.Round(lo.b + (hi.b-lo.b)*f)),
				A: 255,
			}
		}
	}
	last := stops[len(stops)-1]
	return color.NRGBA{R: uint8(last.r), G: uint8(last.g), B: uint8(last.b), A: 255}
}
