package font

// Additional, higher-fidelity fonts are produced by rasterizing a TTF with
// tools/fontgen and checking in its generated output (see its package doc);
// invoke it with go generate once a redistributable font asset is vendored
// under the repository:
//
//go:generate go run ../../../../tools/fontgen -font ../../../../assets/console.ttf -name vga8x16 -out generated_vga8x16.go -rec-width 640 -rec-height 480

func init() {
	availableFonts = append(availableFonts, builtinBlockFont())
}

// builtinBlockFont is the console's bootstrap font, registered unconditionally
// so BestFit never returns nil before a fontgen-rasterized font has been
// generated and checked in: every byte value above space (including DEL and
// 0x80-0xff) renders as a solid block with a blank top and bottom row, and
// every byte value up to and including space renders blank. It is legible as
// output, not as typography, and carries the lowest possible selection
// priority so a real font always wins BestFit's tie-break once one exists.
func builtinBlockFont() *Font {
	const width, height = 8, 8
	bytesPerRow := uint32((width + 7) / 8)

	var glyphRow byte = 0xff >> uint(8-width)
	filled := make([]byte, bytesPerRow*height)
	for y := uint32(1); y < height-1; y++ {
		filled[y] = glyphRow
	}
	blank := make([]byte, bytesPerRow*height)

	data := make([]byte, 0, len(filled)*256)
	for ch := 0; ch < 256; ch++ {
		if ch <= ' ' {
			data = append(data, blank...)
			continue
		}
		data = append(data, filled...)
	}

	return &Font{
		Name:              "builtin-block-8x8",
		GlyphWidth:        width,
		GlyphHeight:       height,
		RecommendedWidth:  640,
		RecommendedHeight: 480,
		Priority:          ^uint32(0),
		BytesPerRow:       bytesPerRow,
		Data:              data,
	}
}
