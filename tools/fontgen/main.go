// Command fontgen rasterizes a TTF into the 1bpp bitmap glyph format the
// kernel's console font package expects and emits a Go source file that
// registers the result with an init() call.
//
// The kernel binary never parses TrueType itself (there is no file system
// or font-rasterizing stack available at boot) — fontgen runs once, at
// build time, on the host, and its output is checked in like any other
// generated source file.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

const (
	firstRune = ' '
	lastRune  = '~'
)

type glyphSet struct {
	name                          string
	glyphWidth, glyphHeight       int
	recommendedWidth, recommHeight uint32
	priority                      uint32
	bytesPerRow                   int
	data                          []byte
}

func rasterize(fontPath, name string, size float64, recommendedWidth, recommendedHeight uint32, priority uint32) (*glyphSet, error) {
	raw, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", fontPath, err)
	}

	ttf, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", fontPath, err)
	}

	face := truetype.NewFace(ttf, &truetype.Options{
		Size: size,
		DPI:  72,
	})
	defer face.Close()

	metrics := face.Metrics()
	glyphHeight := metrics.Height.Ceil()

	// Every glyph is rasterized at the advance width of 'M', so the
	// console can lay characters out on a fixed grid.
	advance, ok := face.GlyphAdvance('M')
	if !ok {
		return nil, fmt.Errorf("%s: font has no glyph for 'M'", fontPath)
	}
	glyphWidth := advance.Ceil()
	bytesPerRow := (glyphWidth + 7) / 8

	gs := &glyphSet{
		name:             name,
		glyphWidth:       glyphWidth,
		glyphHeight:      glyphHeight,
		recommendedWidth: recommendedWidth,
		recommHeight:     recommendedHeight,
		priority:         priority,
		bytesPerRow:      bytesPerRow,
	}

	for r := rune(firstRune); r <= lastRune; r++ {
		rows, err := rasterizeGlyph(face, r, glyphWidth, glyphHeight, bytesPerRow)
		if err != nil {
			return nil, fmt.Errorf("%s: glyph %q: %w", fontPath, r, err)
		}
		gs.data = append(gs.data, rows...)
	}

	return gs, nil
}

// rasterizeGlyph draws a single glyph into a glyphWidth x glyphHeight mask
// and packs it MSB-first into bytesPerRow-wide rows, matching the bitmap
// layout the console font package expects.
func rasterizeGlyph(face font.Face, r rune, glyphWidth, glyphHeight, bytesPerRow int) ([]byte, error) {
	dst := image.NewAlpha(image.Rect(0, 0, glyphWidth, glyphHeight))

	dot := fixed.P(0, glyphHeight-2)
	dr, mask, maskp, advance, ok := face.Glyph(dot, r)
	_ = advance
	if !ok {
		// Missing glyph: emit a blank cell rather than aborting the whole
		// font, since control characters and box-drawing ranges are
		// frequently absent from a plain text TTF.
		return make([]byte, bytesPerRow*glyphHeight), nil
	}

	for y := dr.Min.Y; y < dr.Max.Y && y < glyphHeight; y++ {
		for x := dr.Min.X; x < dr.Max.X && x < glyphWidth; x++ {
			if x < 0 || y < 0 {
				continue
			}
			_, _, _, a := mask.At(maskp.X+(x-dr.Min.X), maskp.Y+(y-dr.Min.Y)).RGBA()
			if a > 0x7fff {
				dst.SetAlpha(x, y, color.Alpha{A: 0xff})
			}
		}
	}

	rows := make([]byte, bytesPerRow*glyphHeight)
	for y := 0; y < glyphHeight; y++ {
		for x := 0; x < glyphWidth; x++ {
			if dst.AlphaAt(x, y).A == 0 {
				continue
			}
			rows[y*bytesPerRow+x/8] |= 1 << uint(7-x%8)
		}
	}
	return rows, nil
}

func writeGoSource(out string, gs *glyphSet) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "// Code generated by tools/fontgen. DO NOT EDIT.\n\n")
	fmt.Fprintf(f, "package font\n\n")
	fmt.Fprintf(f, "func init() {\n")
	fmt.Fprintf(f, "\tavailableFonts = append(availableFonts, &Font{\n")
	fmt.Fprintf(f, "\t\tName:              %q,\n", gs.name)
	fmt.Fprintf(f, "\t\tGlyphWidth:        %d,\n", gs.glyphWidth)
	fmt.Fprintf(f, "\t\tGlyphHeight:       %d,\n", gs.glyphHeight)
	fmt.Fprintf(f, "\t\tRecommendedWidth:  %d,\n", gs.recommendedWidth)
	fmt.Fprintf(f, "\t\tRecommendedHeight: %d,\n", gs.recommHeight)
	fmt.Fprintf(f, "\t\tPriority:          %d,\n", gs.priority)
	fmt.Fprintf(f, "\t\tBytesPerRow:       %d,\n", gs.bytesPerRow)
	fmt.Fprintf(f, "\t\tData: []byte{\n")
	for i, b := range gs.data {
		if i%16 == 0 {
			fmt.Fprintf(f, "\t\t\t")
		}
		fmt.Fprintf(f, "0x%02x, ", b)
		if i%16 == 15 {
			fmt.Fprintf(f, "\n")
		}
	}
	fmt.Fprintf(f, "\n\t\t},\n")
	fmt.Fprintf(f, "\t})\n")
	fmt.Fprintf(f, "}\n")

	return nil
}

func main() {
	fontPath := flag.String("font", "", "path to a TTF file")
	name := flag.String("name", "", "registered font name")
	size := flag.Float64("size", 16, "rasterization size in points")
	recWidth := flag.Uint("rec-width", 640, "recommended console width in pixels")
	recHeight := flag.Uint("rec-height", 480, "recommended console height in pixels")
	priority := flag.Uint("priority", 100, "font selection priority (lower wins ties)")
	out := flag.String("out", "", "output .go file path")
	flag.Parse()

	if *fontPath == "" || *name == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "usage: fontgen -font <path.ttf> -name <name> -out <file.go>")
		os.Exit(2)
	}

	gs, err := rasterize(*fontPath, *name, *size, uint32(*recWidth), uint32(*recHeight), uint32(*priority))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[fontgen] error: %s\n", err)
		os.Exit(1)
	}

	if err := writeGoSource(*out, gs); err != nil {
		fmt.Fprintf(os.Stderr, "[fontgen] error: %s\n", err)
		os.Exit(1)
	}
}
