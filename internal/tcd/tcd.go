// Package tcd implements the Tile Coder/Decoder for JPEG 2000.
//
// The TCD orchestrates the encoding and decoding of individual tiles,
// including:
// - Wavelet transform (DWT)
// - Quantization
// - Code-block entropy coding (T1)
// - Packet assembly (T2)
package tcd

import (
	"encoding/binary"
	"fmt"

	"github.com/arvoimg/htj2k/internal/codestream"
	"github.com/arvoimg/htj2k/internal/dwt"
	"github.com/arvoimg/htj2k/internal/entropy"
)

// Tile represents a single tile in the image.
type Tile struct {
	// Tile index
	Index int

	// Tile bounds in image coordinates
	X0, Y0, X1, Y1 int

	// Components
	Components []*TileComponent
}

// TileComponent represents a single component within a tile.
type TileComponent struct {
	// Component index
	Index int

	// Component bounds (may differ due to subsampling)
	X0, Y0, X1, Y1 int

	// Resolution levels
	Resolutions []*Resolution

	// Coefficient data
	Data []int32

	// Floating point data for 9-7 transform
	DataFloat []float64
}

// Resolution represents a resolution level within a tile-component.
type Resolution struct {
	// Resolution level (0 = coarsest, LL only)
	Level int

	// Bounds at this resolution
	X0, Y0, X1, Y1 int

	// Number of bands (1 for LL, 3 for others)
	NumBands int

	// Bands at this resolution
	Bands []*Band

	// Precincts
	Precincts []*Precinct

	// Precinct grid dimensions
	PrecinctsX, PrecinctsY int
}

// Band represents a subband within a resolution level.
type Band struct {
	// Band type (LL, HL, LH, HH)
	Type int

	// Band bounds
	X0, Y0, X1, Y1 int

	// Quantization step size
	StepSize float64

	// Code-blocks
	CodeBlocks []*CodeBlock

	// Code-block grid dimensions
	CodeBlocksX, CodeBlocksY int
}

// Precinct represents a precinct for packet organization.
type Precinct struct {
	// Precinct index
	Index int

	// Bounds
	X0, Y0, X1, Y1 int

	// Code-blocks in this precinct, per band
	CodeBlocks [][]*CodeBlock

	// Tag trees for inclusion and IMSB
	InclusionTree *TagTree
	IMSBTree      *TagTree
}

// CodeBlock represents a code-block for entropy coding.
type CodeBlock struct {
	// Code-block index
	Index int

	// Bounds
	X0, Y0, X1, Y1 int

	// Encoded data
	Data []byte

	// Coding passes
	Passes []CodingPass

	// Number of zero bit-planes
	ZeroBitPlanes int

	// Total number of bit-planes
	TotalBitPlanes int

	// Length in bytes of a trailing SigProp+MagRef segment within Data
	// (HTJ2K only); 0 means Data is a Cleanup-only code block.
	RefinementLength int

	// Included in previous layers
	IncludedInLayers int

	// Decoded coefficient data
	Coefficients []int32
}

// CodingPass represents a single coding pass.
type CodingPass struct {
	// Pass type (significance, refinement, cleanup)
	Type int

	// Length in bytes
	Length int

	// Cumulative length
	CumulativeLength int

	// Rate-distortion slope
	Slope float64

	// Terminated flag
	Terminated bool
}

// Pass type constants.
const (
	PassSignificance = iota
	PassRefinement
	PassCleanup
)

// TagTree implements a tag tree for incremental coding.
type TagTree struct {
	width  int
	height int
	levels int
	nodes  [][]tagNode
}

type tagNode struct {
	value    int
	low      int
	known    bool
}

// NewTagTree creates a new tag tree.
func NewTagTree(width, height int) *TagTree {
	t := &TagTree{
		width:  width,
		height: height,
	}

	// Calculate number of levels
	w, h := width, height
	for w > 1 || h > 1 {
		t.levels++
		w = (w + 1) / 2
		h = (h + 1) / 2
	}
	t.levels++

	// Allocate nodes
	t.nodes = make([][]tagNode, t.levels)
	w, h = width, height
	for level := 0; level < t.levels; level++ {
		t.nodes[level] = make([]tagNode, w*h)
		for i := range t.nodes[level] {
			t.nodes[level][i].value = int(^uint(0) >> 1) // MaxInt
		}
		w = (w + 1) / 2
		h = (h + 1) / 2
	}

	return t
}

// SetValue sets the value at a leaf node.
func (t *TagTree) SetValue(x, y, value int) {
	t.nodes[0][y*t.width+x].value = value
}

// Reset resets the tree for a new encoding/decoding session.
func (t *TagTree) Reset() {
	for level := range t.nodes {
		for i := range t.nodes[level] {
			t.nodes[level][i].low = 0
			t.nodes[level][i].known = false
		}
	}
}

// TileDecoder decodes a single tile.
type TileDecoder struct {
	header     *codestream.Header
	tileHeader *codestream.TilePartHeader
	tile       *Tile
	htj2k      bool // True if using High-Throughput mode
	htMixed    bool // True if HT code-blocks carry a SigProp+MagRef segment
}

// NewTileDecoder creates a new tile decoder.
func NewTileDecoder(header *codestream.Header) *TileDecoder {
	return &TileDecoder{
		header:  header,
		htj2k:   header.IsHTJ2K(),
		htMixed: header.CodingStyle.HTMixed(),
	}
}

// SetHTJ2K sets whether this decoder uses High-Throughput mode.
func (d *TileDecoder) SetHTJ2K(htj2k bool) {
	d.htj2k = htj2k
}

// Tile returns the current tile being decoded.
func (d *TileDecoder) Tile() *Tile {
	return d.tile
}

// InitTile initializes a tile for decoding.
func (d *TileDecoder) InitTile(tileIndex int) {
	h := d.header

	// Calculate tile bounds
	tileX := tileIndex % int(h.NumTilesX)
	tileY := tileIndex / int(h.NumTilesX)

	x0 := max(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset))
	y0 := max(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset))
	x1 := min(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth))
	y1 := min(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight))

	d.tile = &Tile{
		Index:      tileIndex,
		X0:         x0,
		Y0:         y0,
		X1:         x1,
		Y1:         y1,
		Components: make([]*TileComponent, h.NumComponents),
	}

	// Initialize components
	for c := 0; c < int(h.NumComponents); c++ {
		comp := h.ComponentInfo[c]

		// Apply subsampling
		cx0 := ceilDiv(x0, int(comp.SubsamplingX))
		cy0 := ceilDiv(y0, int(comp.SubsamplingY))
		cx1 := ceilDiv(x1, int(comp.SubsamplingX))
		cy1 := ceilDiv(y1, int(comp.SubsamplingY))

		tc := &TileComponent{
			Index: c,
			X0:    cx0,
			Y0:    cy0,
			X1:    cx1,
			Y1:    cy1,
		}

		// Allocate data
		width := cx1 - cx0
		height := cy1 - cy0
		tc.Data = make([]int32, width*height)

		// Initialize resolutions
		numRes := int(h.CodingStyle.NumDecompositions) + 1
		tc.Resolutions = make([]*Resolution, numRes)

		for r := 0; r < numRes; r++ {
			d.initResolution(tc, r)
		}

		d.tile.Components[c] = tc
	}
}

// BandBounds returns a subband's boundaries local to the tile-component's
// coefficient array (the same 0-based coordinate space as
// TileComponent.Data, addressed with stride tcWidth) — the space
// dwt.CalculateSubbands describes, which is how the DWT engine actually
// lays out its packed pyramid. resLevel follows Resolution.Level's
// convention (0 is the coarsest, LL-only resolution; numDecomp is the
// finest), so it maps to dwt level numDecomp-resLevel.
func BandBounds(tcWidth, tcHeight, numDecomp, resLevel, bandType int) (x0, y0, x1, y1 int) {
	level := numDecomp - resLevel
	ll, hl, lh, hh := dwt.CalculateSubbands(tcWidth, tcHeight, level)
	var b dwt.SubbandBounds
	switch bandType {
	case entropy.BandHL:
		b = hl
	case entropy.BandLH:
		b = lh
	case entropy.BandHH:
		b = hh
	default:
		b = ll
	}
	return b.X0, b.Y0, b.X1, b.Y1
}

// CodeBlockBounds clips the (cbx, cby) grid cell of size cbWidth x
// cbHeight to a band's bounds, in the same local coordinate space as
// BandBounds.
func CodeBlockBounds(bandX0, bandY0, bandX1, bandY1, cbWidth, cbHeight, cbx, cby int) (x0, y0, x1, y1 int) {
	x0 = bandX0 + cbx*cbWidth
	y0 = bandY0 + cby*cbHeight
	x1 = min(x0+cbWidth, bandX1)
	y1 = min(y0+cbHeight, bandY1)
	return
}

// initResolution initializes a resolution level.
func (d *TileDecoder) initResolution(tc *TileComponent, resLevel int) {
	numDecomp := int(d.header.CodingStyle.NumDecompositions)
	tcWidth, tcHeight := tc.X1-tc.X0, tc.Y1-tc.Y0

	res := &Resolution{
		Level: resLevel,
	}

	// The resolution's own bounding box is its LL/HL/LH/HH union, i.e.
	// the bounds of the dwt level that produced it.
	ll, hl, lh, hh := dwt.CalculateSubbands(tcWidth, tcHeight, numDecomp-resLevel)
	res.X0, res.Y0 = ll.X0, ll.Y0
	res.X1 = max(ll.X1, max(hl.X1, lh.X1))
	res.Y1 = max(ll.Y1, max(hl.Y1, hh.Y1))

	// Initialize bands
	if resLevel == 0 {
		res.NumBands = 1
		res.Bands = []*Band{d.initBand(tcWidth, tcHeight, numDecomp, res, entropy.BandLL)}
	} else {
		res.NumBands = 3
		res.Bands = []*Band{
			d.initBand(tcWidth, tcHeight, numDecomp, res, entropy.BandHL),
			d.initBand(tcWidth, tcHeight, numDecomp, res, entropy.BandLH),
			d.initBand(tcWidth, tcHeight, numDecomp, res, entropy.BandHH),
		}
	}

	tc.Resolutions[resLevel] = res
}

// initBand initializes a band.
func (d *TileDecoder) initBand(tcWidth, tcHeight, numDecomp int, res *Resolution, bandType int) *Band {
	h := d.header.CodingStyle

	band := &Band{
		Type: bandType,
	}

	band.X0, band.Y0, band.X1, band.Y1 = BandBounds(tcWidth, tcHeight, numDecomp, res.Level, bandType)

	// Calculate code-block grid
	cbWidth := 1 << (h.CodeBlockWidthExp + 2)
	cbHeight := 1 << (h.CodeBlockHeightExp + 2)

	band.CodeBlocksX = ceilDiv(band.X1-band.X0, cbWidth)
	band.CodeBlocksY = ceilDiv(band.Y1-band.Y0, cbHeight)

	// Initialize code-blocks
	numCB := band.CodeBlocksX * band.CodeBlocksY
	band.CodeBlocks = make([]*CodeBlock, numCB)

	for i := 0; i < numCB; i++ {
		cbX := i % band.CodeBlocksX
		cbY := i / band.CodeBlocksX

		x0, y0, x1, y1 := CodeBlockBounds(band.X0, band.Y0, band.X1, band.Y1, cbWidth, cbHeight, cbX, cbY)
		cb := &CodeBlock{
			Index: i,
			X0:    x0,
			Y0:    y0,
			X1:    x1,
			Y1:    y1,
		}
		band.CodeBlocks[i] = cb
	}

	return band
}

// DecodeComponent walks tc's resolutions/bands/code-blocks in the same
// deterministic order encoder.go emits code-block records in (resolution
// ascending, then band LL or HL/LH/HH, then code-block index), parsing
// each self-delimited record out of data — a 4-byte length, 4-byte
// TotalBitPlanes, 4-byte RefinementLength, then the entropy-coded bytes —
// decoding it via DecodeCodeBlock, and scattering the result into
// tc.Data. Returns the number of bytes of data consumed.
func (d *TileDecoder) DecodeComponent(tc *TileComponent, data []byte) (int, error) {
	pos := 0
	for _, res := range tc.Resolutions {
		for _, band := range res.Bands {
			for _, cb := range band.CodeBlocks {
				if pos+12 > len(data) {
					return pos, fmt.Errorf("truncated code-block record at resolution %d band %d", res.Level, band.Type)
				}
				length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
				cb.TotalBitPlanes = int(binary.BigEndian.Uint32(data[pos+4 : pos+8]))
				cb.RefinementLength = int(binary.BigEndian.Uint32(data[pos+8 : pos+12]))
				pos += 12
				if pos+length > len(data) {
					return pos, fmt.Errorf("truncated code-block data at resolution %d band %d", res.Level, band.Type)
				}
				cb.Data = data[pos : pos+length]
				pos += length

				if err := d.DecodeCodeBlock(cb, band.Type); err != nil {
					return pos, err
				}
				ScatterCodeBlock(tc, cb)
			}
		}
	}
	return pos, nil
}

// DecodeCodeBlock decodes a single code-block.
func (d *TileDecoder) DecodeCodeBlock(cb *CodeBlock, bandType int) error {
	if len(cb.Data) == 0 {
		return nil
	}

	width := cb.X1 - cb.X0
	height := cb.Y1 - cb.Y0

	if d.htj2k {
		// Use HTJ2K decoder
		htDec := entropy.GetHTDecoder(width, height)
		if cb.RefinementLength > 0 {
			cb.Coefficients = htDec.Decode(cb.Data, cb.TotalBitPlanes, bandType, cb.RefinementLength)
		} else {
			cb.Coefficients = htDec.Decode(cb.Data, cb.TotalBitPlanes, bandType)
		}
		entropy.PutHTDecoder(htDec)
	} else {
		// Use standard EBCOT decoder
		t1 := entropy.NewT1(width, height)
		cb.Coefficients = t1.Decode(cb.Data, cb.TotalBitPlanes, bandType)
	}

	return nil
}

// ScatterCodeBlock writes cb's decoded coefficients into tc.Data at cb's
// bounds. tc.Data is addressed row-major with stride tc.X1-tc.X0, the
// same packed layout the DWT engine expects its LL quadrant pinned to.
func ScatterCodeBlock(tc *TileComponent, cb *CodeBlock) {
	stride := tc.X1 - tc.X0
	w := cb.X1 - cb.X0
	h := cb.Y1 - cb.Y0
	for y := 0; y < h; y++ {
		dstRow := (cb.Y0+y)*stride + cb.X0
		srcRow := y * w
		for x := 0; x < w; x++ {
			if srcRow+x < len(cb.Coefficients) {
				tc.Data[dstRow+x] = cb.Coefficients[srcRow+x]
			}
		}
	}
}

// ApplyInverseDWT applies the inverse wavelet transform.
func (d *TileDecoder) ApplyInverseDWT(tc *TileComponent) {
	h := d.header.CodingStyle
	numLevels := int(h.NumDecompositions)

	width := tc.X1 - tc.X0
	height := tc.Y1 - tc.Y0

	if h.WaveletTransform == 1 {
		// 5-3 reversible
		dwt.ReconstructMultiLevel53(tc.Data, width, height, numLevels)
	} else {
		// 9-7 irreversible
		tc.DataFloat = make([]float64, len(tc.Data))
		for i, v := range tc.Data {
			tc.DataFloat[i] = float64(v)
		}
		dwt.ReconstructMultiLevel97(tc.DataFloat, width, height, numLevels)
		for i, v := range tc.DataFloat {
			tc.Data[i] = int32(v + 0.5)
		}
	}
}

// TileEncoder encodes a single tile.
type TileEncoder struct {
	header  *codestream.Header
	tile    *Tile
	htj2k   bool // True if using High-Throughput mode
	htMixed bool // True if HT code-blocks should carry a SigProp+MagRef segment
}

// NewTileEncoder creates a new tile encoder.
func NewTileEncoder(header *codestream.Header) *TileEncoder {
	return &TileEncoder{
		header:  header,
		htj2k:   header.IsHTJ2K(),
		htMixed: header.CodingStyle.HTMixed(),
	}
}

// SetHTJ2K sets whether this encoder uses High-Throughput mode.
func (e *TileEncoder) SetHTJ2K(htj2k bool) {
	e.htj2k = htj2k
}

// InitTile initializes a tile for encoding.
func (e *TileEncoder) InitTile(tileIndex int, componentData [][]int32) {
	h := e.header

	// Calculate tile bounds (same as decoder)
	tileX := tileIndex % int(h.NumTilesX)
	tileY := tileIndex / int(h.NumTilesX)

	x0 := max(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset))
	y0 := max(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset))
	x1 := min(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth))
	y1 := min(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight))

	e.tile = &Tile{
		Index:      tileIndex,
		X0:         x0,
		Y0:         y0,
		X1:         x1,
		Y1:         y1,
		Components: make([]*TileComponent, h.NumComponents),
	}

	// Initialize components with provided data
	for c := 0; c < int(h.NumComponents); c++ {
		comp := h.ComponentInfo[c]

		cx0 := ceilDiv(x0, int(comp.SubsamplingX))
		cy0 := ceilDiv(y0, int(comp.SubsamplingY))
		cx1 := ceilDiv(x1, int(comp.SubsamplingX))
		cy1 := ceilDiv(y1, int(comp.SubsamplingY))

		tc := &TileComponent{
			Index: c,
			X0:    cx0,
			Y0:    cy0,
			X1:    cx1,
			Y1:    cy1,
			Data:  componentData[c],
		}

		// Initialize resolutions (similar to decoder)
		numRes := int(h.CodingStyle.NumDecompositions) + 1
		tc.Resolutions = make([]*Resolution, numRes)

		e.tile.Components[c] = tc
	}
}

// ApplyForwardDWT applies the forward wavelet transform.
func (e *TileEncoder) ApplyForwardDWT(tc *TileComponent) {
	h := e.header.CodingStyle
	numLevels := int(h.NumDecompositions)

	width := tc.X1 - tc.X0
	height := tc.Y1 - tc.Y0

	if h.WaveletTransform == 1 {
		// 5-3 reversible
		dwt.DecomposeMultiLevel53(tc.Data, width, height, numLevels)
	} else {
		// 9-7 irreversible
		tc.DataFloat = make([]float64, len(tc.Data))
		for i, v := range tc.Data {
			tc.DataFloat[i] = float64(v)
		}
		dwt.DecomposeMultiLevel97(tc.DataFloat, width, height, numLevels)
		// Quantize back to integers
		for i, v := range tc.DataFloat {
			if v >= 0 {
				tc.Data[i] = int32(v + 0.5)
			} else {
				tc.Data[i] = int32(v - 0.5)
			}
		}
	}
}

// EncodeCodeBlock encodes a single code-block.
func (e *TileEncoder) EncodeCodeBlock(cb *CodeBlock, data []int32, bandType int) {
	width := cb.X1 - cb.X0
	height := cb.Y1 - cb.Y0

	if e.htj2k {
		// Use HTJ2K encoder
		htEnc := entropy.GetHTEncoder(width, height)
		htEnc.SetData(data)
		if e.htMixed {
			cleanup, refinement := htEnc.EncodeWithRefinement(bandType)
			cb.Data = append(cleanup, refinement...)
			cb.RefinementLength = len(refinement)
		} else {
			cb.Data = htEnc.Encode(bandType)
			cb.RefinementLength = 0
		}
		entropy.PutHTEncoder(htEnc)
	} else {
		// Use standard EBCOT encoder
		t1 := entropy.NewT1(width, height)
		t1.SetData(data)
		cb.Data = t1.Encode(bandType)
	}
}

// Helper functions

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
