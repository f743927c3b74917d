package jpeg2000

import (
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"runtime"
	"sync"

	"github.com/arvoimg/htj2k/internal/box"
	"github.com/arvoimg/htj2k/internal/codestream"
	"github.com/arvoimg/htj2k/internal/diag"
	"github.com/arvoimg/htj2k/internal/dwt"
	"github.com/arvoimg/htj2k/internal/entropy"
	"github.com/arvoimg/htj2k/internal/errs"
	"github.com/arvoimg/htj2k/internal/mct"
	"github.com/arvoimg/htj2k/internal/tcd"
)

// encoder handles JPEG 2000 encoding.
type encoder struct {
	w       io.Writer
	img     image.Image
	options *Options
	diag    diag.Sink

	// Image parameters
	width         int
	height        int
	numComponents int
	precision     int
	signed        bool

	// Component data
	componentData [][]int32
}

// newEncoder creates a new encoder.
func newEncoder(w io.Writer, img image.Image, options *Options) *encoder {
	bounds := img.Bounds()
	d := diag.Noop()
	if options != nil && options.Diag != nil {
		d = options.Diag.WithJob(options.JobID)
	}
	return &encoder{
		w:       w,
		img:     img,
		options: options,
		diag:    d,
		width:   bounds.Dx(),
		height:  bounds.Dy(),
	}
}

// encode encodes the image.
func (e *encoder) encode() error {
	e.diag.Info("encode started", map[string]any{"width": e.width, "height": e.height})

	// Extract image data
	if err := e.extractImageData(); err != nil {
		return errs.New(errs.InvalidParameter, err)
	}

	// Apply preprocessing
	if err := e.preprocess(); err != nil {
		return errs.New(errs.InvalidParameter, err)
	}

	// Generate codestream
	codestream, err := e.generateCodestream()
	if err != nil {
		return errs.New(errs.StreamIO, err)
	}

	// Write output based on format
	switch e.options.Format {
	case FormatJP2:
		return e.writeJP2(codestream)
	case FormatJ2K:
		_, err := e.w.Write(codestream)
		return err
	default:
		return errs.Newf(errs.InvalidParameter, "unsupported format: %s", e.options.Format)
	}
}

// extractImageData extracts pixel data from the source image.
func (e *encoder) extractImageData() error {
	bounds := e.img.Bounds()

	// Determine image properties based on type
	switch img := e.img.(type) {
	case *image.Gray:
		e.numComponents = 1
		e.precision = 8
		e.componentData = make([][]int32, 1)
		e.componentData[0] = make([]int32, e.width*e.height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				e.componentData[0][idx] = int32(img.GrayAt(x, y).Y)
			}
		}

	case *image.Gray16:
		e.numComponents = 1
		e.precision = 16
		e.componentData = make([][]int32, 1)
		e.componentData[0] = make([]int32, e.width*e.height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				e.componentData[0][idx] = int32(img.Gray16At(x, y).Y)
			}
		}

	case *image.RGBA:
		e.numComponents = 3 // We'll ignore alpha for now
		e.precision = 8
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.RGBAAt(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
			}
		}

	case *image.RGBA64:
		e.numComponents = 3
		e.precision = 16
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.RGBA64At(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
			}
		}

	case *image.NRGBA:
		e.numComponents = 4
		e.precision = 8
		e.componentData = make([][]int32, 4)
		for c := 0; c < 4; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.NRGBAAt(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
				e.componentData[3][idx] = int32(c.A)
			}
		}

	case *image.NRGBA64:
		e.numComponents = 4
		e.precision = 16
		e.componentData = make([][]int32, 4)
		for c := 0; c < 4; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.NRGBA64At(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
				e.componentData[3][idx] = int32(c.A)
			}
		}

	default:
		// Generic fallback - convert to RGBA
		e.numComponents = 3
		e.precision = 8
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				r, g, b, _ := e.img.At(x, y).RGBA()
				e.componentData[0][idx] = int32(r >> 8)
				e.componentData[1][idx] = int32(g >> 8)
				e.componentData[2][idx] = int32(b >> 8)
			}
		}
	}

	// Apply precision override if specified
	if e.options.Precision > 0 && e.options.Precision <= 16 && e.options.Precision != e.precision {
		targetPrecision := e.options.Precision
		srcMax := int32((1 << e.precision) - 1)
		dstMax := int32((1 << targetPrecision) - 1)

		for c := 0; c < e.numComponents; c++ {
			for i := range e.componentData[c] {
				// Scale from source precision to target precision
				e.componentData[c][i] = e.componentData[c][i] * dstMax / srcMax
			}
		}
		e.precision = targetPrecision
	}

	return nil
}

// preprocess applies preprocessing transforms.
func (e *encoder) preprocess() error {
	// Apply DC level shift
	for c := 0; c < e.numComponents; c++ {
		mct.DCLevelShiftForward(e.componentData[c], e.precision)
	}

	// Apply MCT if we have 3+ components
	if e.numComponents >= 3 {
		if e.options.Lossless {
			mct.ForwardRCT(e.componentData[0], e.componentData[1], e.componentData[2])
		} else {
			// Convert to float for ICT
			compFloat := make([][]float64, 3)
			for c := 0; c < 3; c++ {
				compFloat[c] = make([]float64, len(e.componentData[c]))
				for i, v := range e.componentData[c] {
					compFloat[c][i] = float64(v)
				}
			}
			mct.ForwardICT(compFloat[0], compFloat[1], compFloat[2])
			for c := 0; c < 3; c++ {
				for i, v := range compFloat[c] {
					if v >= 0 {
						e.componentData[c][i] = int32(v + 0.5)
					} else {
						e.componentData[c][i] = int32(v - 0.5)
					}
				}
			}
		}
	}

	// Apply DWT
	numLevels := e.options.NumResolutions - 1
	if numLevels <= 0 {
		numLevels = 5
	}

	for c := 0; c < e.numComponents; c++ {
		if e.options.Lossless {
			dwt.DecomposeMultiLevel53(e.componentData[c], e.width, e.height, numLevels)
		} else {
			// Convert to float for 9-7 transform
			dataFloat := make([]float64, len(e.componentData[c]))
			for i, v := range e.componentData[c] {
				dataFloat[i] = float64(v)
			}
			dwt.DecomposeMultiLevel97(dataFloat, e.width, e.height, numLevels)
			// Convert back with quantization
			quality := e.options.Quality
			if quality <= 0 {
				quality = 100 // Default to the finest step (1/100) if quality not set
			}
			stepSize := 1.0 / float64(quality)
			for i, v := range dataFloat {
				if v >= 0 {
					e.componentData[c][i] = int32(v/stepSize + 0.5)
				} else {
					e.componentData[c][i] = int32(v/stepSize - 0.5)
				}
			}
		}
	}

	return nil
}

// generateCodestream generates the JPEG 2000 codestream.
func (e *encoder) generateCodestream() ([]byte, error) {
	var buf []byte

	// SOC marker
	buf = append(buf, 0xFF, 0x4F)

	// SIZ marker
	siz := e.generateSIZ()
	buf = append(buf, siz...)

	// CAP marker (required for HTJ2K mode)
	if e.options.HighThroughput {
		cap := e.generateCAP()
		buf = append(buf, cap...)
	}

	// COD marker
	cod := e.generateCOD()
	buf = append(buf, cod...)

	// QCD marker
	qcd := e.generateQCD()
	buf = append(buf, qcd...)

	// Comment marker (optional)
	if e.options.Comment != "" {
		com := e.generateCOM()
		buf = append(buf, com...)
	}

	// Generate tile data
	tileData, err := e.generateTiles()
	if err != nil {
		return nil, err
	}
	buf = append(buf, tileData...)

	// EOC marker
	buf = append(buf, 0xFF, 0xD9)

	return buf, nil
}

// generateSIZ generates the SIZ marker segment.
func (e *encoder) generateSIZ() []byte {
	numComp := e.numComponents

	// Length = 38 + 3*numComponents
	length := 38 + 3*numComp

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.SIZ))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	// Rsiz (profile)
	binary.BigEndian.PutUint16(buf[4:6], uint16(e.options.Profile))

	// Image dimensions
	binary.BigEndian.PutUint32(buf[6:10], uint32(e.width))
	binary.BigEndian.PutUint32(buf[10:14], uint32(e.height))

	// Image offset (0, 0)
	binary.BigEndian.PutUint32(buf[14:18], 0)
	binary.BigEndian.PutUint32(buf[18:22], 0)

	// Tile size
	tileWidth := e.width
	tileHeight := e.height
	if e.options.TileSize.X > 0 {
		tileWidth = e.options.TileSize.X
	}
	if e.options.TileSize.Y > 0 {
		tileHeight = e.options.TileSize.Y
	}
	binary.BigEndian.PutUint32(buf[22:26], uint32(tileWidth))
	binary.BigEndian.PutUint32(buf[26:30], uint32(tileHeight))

	// Tile offset
	binary.BigEndian.PutUint32(buf[30:34], 0)
	binary.BigEndian.PutUint32(buf[34:38], 0)

	// Number of components
	binary.BigEndian.PutUint16(buf[38:40], uint16(numComp))

	// Component info
	for c := 0; c < numComp; c++ {
		offset := 40 + c*3
		// Ssiz: bit depth (precision - 1, with sign bit)
		ssiz := uint8(e.precision - 1)
		if e.signed {
			ssiz |= 0x80
		}
		buf[offset] = ssiz
		// XRsiz, YRsiz: subsampling
		buf[offset+1] = 1
		buf[offset+2] = 1
	}

	return buf
}

// generateCOD generates the COD marker segment.
func (e *encoder) generateCOD() []byte {
	numRes := e.options.NumResolutions
	if numRes <= 0 {
		numRes = 6
	}

	// Base length = 12 (without precinct sizes)
	length := 12

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.COD))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	// Scod: coding style
	scod := uint8(0)
	if e.options.EnableSOP {
		scod |= codestream.CodingStyleSOP
	}
	if e.options.EnableEPH {
		scod |= codestream.CodingStyleEPH
	}
	buf[4] = scod

	// SGcod
	buf[5] = uint8(e.options.ProgressionOrder) // Progression order
	numLayers := e.options.NumLayers
	if numLayers <= 0 {
		numLayers = 1
	}
	binary.BigEndian.PutUint16(buf[6:8], uint16(numLayers))
	buf[8] = 1 // MCT (enabled for 3 components)

	// SPcod
	buf[9] = uint8(numRes - 1) // Number of decomposition levels

	// Determine code block size (log2 of the actual pixel dimension; see
	// codeBlockLog2Dims for the single source of truth shared with encodeTile).
	cbWidth, cbHeight := e.codeBlockLog2Dims()

	buf[10] = uint8(cbWidth - 2)  // Code-block width exponent
	buf[11] = uint8(cbHeight - 2) // Code-block height exponent

	// Code-block style flags
	cbStyle := uint8(0)
	if e.options.HighThroughput {
		cbStyle |= codestream.CodeBlockHT // Set HTJ2K flag (0x40)
		if e.options.HTMixed {
			cbStyle |= codestream.CodeBlockHTMixed // HT-MIXED: refinement segments present
		}
	}
	buf[12] = cbStyle

	if e.options.Lossless {
		buf[13] = 1 // 5-3 reversible wavelet
	} else {
		buf[13] = 0 // 9-7 irreversible wavelet
	}

	return buf
}

// codeBlockLog2Dims returns the log2 of the code-block's actual pixel width
// and height — the same quantity the SPcod exponent bytes are derived from
// (exponent = log2Dim - 2) and that encodeTile must split jobs against, so
// the two never disagree about how many pixels a code block covers.
func (e *encoder) codeBlockLog2Dims() (cbWidth, cbHeight int) {
	cbWidth = e.options.CodeBlockSize.X
	cbHeight = e.options.CodeBlockSize.Y

	if e.options.HighThroughput {
		// HTJ2K defaults to 128x128 blocks, but OpenEXR also supports 32x32
		htWidth := e.options.HTBlockWidth
		htHeight := e.options.HTBlockHeight
		if htWidth == 0 {
			htWidth = 128 // Default HTJ2K block width
		}
		if htHeight == 0 {
			htHeight = 128 // Default HTJ2K block height
		}
		// Convert to log2 exponent (32->5, 128->7; any other value -> 7)
		switch htWidth {
		case 32:
			cbWidth = 5
		case 128:
			cbWidth = 7
		default:
			cbWidth = 7 // Default to 128
		}
		switch htHeight {
		case 32:
			cbHeight = 5
		case 128:
			cbHeight = 7
		default:
			cbHeight = 7 // Default to 128
		}
	} else {
		// Standard mode defaults
		if cbWidth <= 0 {
			cbWidth = 6
		}
		if cbHeight <= 0 {
			cbHeight = 6
		}
	}

	return cbWidth, cbHeight
}

// generateQCD generates the QCD marker segment.
func (e *encoder) generateQCD() []byte {
	numRes := e.options.NumResolutions
	if numRes <= 0 {
		numRes = 6
	}

	// Calculate number of subbands
	numBands := 3*(numRes-1) + 1

	var buf []byte
	if e.options.Lossless {
		// No quantization
		length := 3 + numBands
		buf = make([]byte, 2+length)
		binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.QCD))
		binary.BigEndian.PutUint16(buf[2:4], uint16(length))

		// Sqcd: no quantization, 0 guard bits
		buf[4] = codestream.QuantizationNone

		// SPqcd: one exponent per subband
		for i := 0; i < numBands; i++ {
			// Default exponent based on subband level
			buf[5+i] = uint8(e.precision + i/3) << 3
		}
	} else {
		// Scalar derived quantization
		length := 5
		buf = make([]byte, 2+length)
		binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.QCD))
		binary.BigEndian.PutUint16(buf[2:4], uint16(length))

		// Sqcd: scalar derived, 1 guard bit
		buf[4] = codestream.QuantizationScalarDerived | (1 << 5)

		// Base step size
		stepSize := uint16(0x4000) // Default step size
		if e.options.Quality > 0 {
			// Adjust based on quality
			stepSize = uint16((100 - e.options.Quality) * 256)
		}
		binary.BigEndian.PutUint16(buf[5:7], stepSize)
	}

	return buf
}

// generateCOM generates the COM marker segment.
func (e *encoder) generateCOM() []byte {
	comment := []byte(e.options.Comment)
	length := 4 + len(comment)

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.COM))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint16(buf[4:6], codestream.CommentLatin1)
	copy(buf[6:], comment)

	return buf
}

// generateCAP generates the CAP (extended capabilities) marker segment.
// This marker is required for HTJ2K mode to signal the use of the
// High-Throughput block coder.
func (e *encoder) generateCAP() []byte {
	// CAP marker format:
	// - Marker (2 bytes): 0xFF50
	// - Length (2 bytes): 6 (length field + Pcap)
	// - Pcap (4 bytes): capabilities flags
	// Total: 8 bytes

	length := 6 // Length includes itself and Pcap

	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.CAP))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	// Set Pcap with HTJ2K capability flag (bit 15)
	pcap := codestream.CapPcapHTJ2K
	binary.BigEndian.PutUint32(buf[4:8], pcap)

	return buf
}

// generateTiles generates tile data.
func (e *encoder) generateTiles() ([]byte, error) {
	var buf []byte

	// For now, single tile (entire image)
	tileData, err := e.encodeTile(0)
	if err != nil {
		return nil, err
	}
	buf = append(buf, tileData...)

	return buf, nil
}

// codeBlockJob represents a code-block encoding job for parallel processing.
type codeBlockJob struct {
	index    int // Order in output
	data     []int32
	width    int
	height   int
	bandType int
}

// codeBlockResult holds the encoded result, framed with the metadata the
// decoder needs to drive entropy decoding: the number of magnitude
// bitplanes the Cleanup pass was built over, and the length of a trailing
// SigProp+MagRef refinement segment (0 when there is none).
type codeBlockResult struct {
	index            int
	encoded          []byte
	totalBitPlanes   int
	refinementLength int
}

// encodeCodeBlockJob runs a single code-block through the Part-1 (T1) coder
// or, when HighThroughput is set, the HTJ2K block coder — appending a
// trailing SigProp+MagRef refinement segment when HTMixed is also set.
func (e *encoder) encodeCodeBlockJob(job codeBlockJob) (encoded []byte, totalBitPlanes, refinementLength int) {
	if e.options.HighThroughput {
		ht := entropy.GetHTEncoder(job.width, job.height)
		ht.SetData(job.data)
		if e.options.HTMixed {
			cleanup, refinement := ht.EncodeWithRefinement(job.bandType)
			encoded = append(append([]byte{}, cleanup...), refinement...)
			refinementLength = len(refinement)
		} else {
			encoded = ht.Encode(job.bandType)
		}
		totalBitPlanes = ht.NumBitplanes()
		entropy.PutHTEncoder(ht)
		return encoded, totalBitPlanes, refinementLength
	}

	t1 := entropy.GetT1(job.width, job.height)
	t1.SetData(job.data)
	encoded = t1.Encode(job.bandType)
	totalBitPlanes = t1.NumBPS()
	entropy.PutT1(t1)
	return encoded, totalBitPlanes, 0
}

// frameCodeBlockRecord produces the self-delimited record encodeTile emits
// per code-block: a 4-byte data length, a 4-byte TotalBitPlanes, a 4-byte
// RefinementLength, then the entropy-coded bytes. decodeTile parses these
// back in the same deterministic order to populate each tcd.CodeBlock
// before calling TileDecoder.DecodeCodeBlock.
func frameCodeBlockRecord(encoded []byte, totalBitPlanes, refinementLength int) []byte {
	rec := make([]byte, 12, 12+len(encoded))
	binary.BigEndian.PutUint32(rec[0:4], uint32(len(encoded)))
	binary.BigEndian.PutUint32(rec[4:8], uint32(totalBitPlanes))
	binary.BigEndian.PutUint32(rec[8:12], uint32(refinementLength))
	return append(rec, encoded...)
}

// encodeTile encodes a single tile using parallel code-block encoding.
func (e *encoder) encodeTile(tileIdx int) ([]byte, error) {
	// Collect all code-block jobs
	var jobs []codeBlockJob

	numRes := e.options.NumResolutions
	if numRes <= 0 {
		numRes = 6
	}

	cbWidthLog2, cbHeightLog2 := e.codeBlockLog2Dims()
	cbWidth := 1 << cbWidthLog2
	cbHeight := 1 << cbHeightLog2

	numDecomp := numRes - 1

	// First pass: collect all code-block jobs. Band and code-block bounds
	// come from tcd.BandBounds/CodeBlockBounds, the same geometry
	// TileDecoder uses to address tc.Data on the decode side, so the two
	// sides agree on where each code-block's samples live by construction.
	for c := 0; c < e.numComponents; c++ {
		for r := 0; r < numRes; r++ {
			var bandTypes []int
			if r == 0 {
				bandTypes = []int{entropy.BandLL}
			} else {
				bandTypes = []int{entropy.BandHL, entropy.BandLH, entropy.BandHH}
			}

			for _, bandType := range bandTypes {
				bx0, by0, bx1, by1 := tcd.BandBounds(e.width, e.height, numDecomp, r, bandType)
				bandWidth := bx1 - bx0
				bandHeight := by1 - by0

				cbsX := (bandWidth + cbWidth - 1) / cbWidth
				cbsY := (bandHeight + cbHeight - 1) / cbHeight

				for cby := 0; cby < cbsY; cby++ {
					for cbx := 0; cbx < cbsX; cbx++ {
						x0, y0, x1, y1 := tcd.CodeBlockBounds(bx0, by0, bx1, by1, cbWidth, cbHeight, cbx, cby)
						cbData := e.extractCodeBlockData(c, x0, y0, x1, y1)

						jobs = append(jobs, codeBlockJob{
							index:    len(jobs),
							data:     cbData,
							width:    x1 - x0,
							height:   y1 - y0,
							bandType: bandType,
						})
					}
				}
			}
		}
	}

	// Sequential encoding for small job counts or single-threaded mode
	// Set GOMAXPROCS=1 to force single-threaded encoding
	if len(jobs) <= 4 || runtime.GOMAXPROCS(0) == 1 {
		var tileData []byte
		for _, job := range jobs {
			encoded, totalBitPlanes, refinementLength := e.encodeCodeBlockJob(job)
			tileData = append(tileData, frameCodeBlockRecord(encoded, totalBitPlanes, refinementLength)...)
		}
		return e.createTileHeader(tileIdx, tileData), nil
	}

	// Parallel encoding - use all available cores
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	// Pre-fill job channel before starting workers to reduce contention
	jobChan := make(chan codeBlockJob, len(jobs))
	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)

	resultChan := make(chan codeBlockResult, len(jobs))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobChan {
				encoded, totalBitPlanes, refinementLength := e.encodeCodeBlockJob(job)
				resultChan <- codeBlockResult{
					index:            job.index,
					encoded:          encoded,
					totalBitPlanes:   totalBitPlanes,
					refinementLength: refinementLength,
				}
			}
		}()
	}

	// Wait for completion
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Collect results in order
	results := make([]codeBlockResult, len(jobs))
	for result := range resultChan {
		results[result.index] = result
	}

	// Combine results in order
	var tileData []byte
	for _, result := range results {
		tileData = append(tileData, frameCodeBlockRecord(result.encoded, result.totalBitPlanes, result.refinementLength)...)
	}

	return e.createTileHeader(tileIdx, tileData), nil
}

// createTileHeader creates the tile-part header.
func (e *encoder) createTileHeader(tileIdx int, tileData []byte) []byte {
	sotLength := 10
	tilePartLength := uint32(14 + len(tileData))

	header := make([]byte, 14)
	binary.BigEndian.PutUint16(header[0:2], uint16(codestream.SOT))
	binary.BigEndian.PutUint16(header[2:4], uint16(sotLength))
	binary.BigEndian.PutUint16(header[4:6], uint16(tileIdx))
	binary.BigEndian.PutUint32(header[6:10], tilePartLength)
	header[10] = 0 // Tile-part index
	header[11] = 1 // Number of tile-parts
	binary.BigEndian.PutUint16(header[12:14], uint16(codestream.SOD))

	return append(header, tileData...)
}

// extractCodeBlockData extracts the code-block's samples from the
// DWT-transformed component data, addressed at [x0,x1)x[y0,y1) — the same
// packed-pyramid coordinate space tcd.BandBounds describes, with stride
// e.width (the transform is applied in place over the full image, so
// every subband quadrant's row stride is the original image width
// regardless of resolution level).
func (e *encoder) extractCodeBlockData(comp, x0, y0, x1, y1 int) []int32 {
	w := x1 - x0
	h := y1 - y0
	data := make([]int32, w*h)

	for y := 0; y < h; y++ {
		srcRow := (y0+y)*e.width + x0
		if srcRow < 0 || srcRow+w > len(e.componentData[comp]) {
			continue
		}
		copy(data[y*w:(y+1)*w], e.componentData[comp][srcRow:srcRow+w])
	}

	return data
}

// writeJP2 writes a JP2 file.
func (e *encoder) writeJP2(codestream []byte) error {
	boxWriter := box.NewWriter(e.w)

	// Write signature
	if err := boxWriter.WriteSignature(); err != nil {
		return err
	}

	// Write file type box
	ftypBox := box.CreateFileTypeBox()
	if err := boxWriter.WriteBox(ftypBox); err != nil {
		return err
	}

	// Determine colorspace from options or default based on components
	var colorspace uint32
	switch e.options.ColorSpace {
	case ColorSpaceBilevel:
		colorspace = box.CSBilevel1
	case ColorSpaceGray:
		colorspace = box.CSGray
	case ColorSpaceSRGB:
		colorspace = box.CSSRGB
	case ColorSpaceSYCC:
		colorspace = box.CSYCbCr1
	case ColorSpaceYCbCr2:
		colorspace = box.CSYCbCr2
	case ColorSpaceYCbCr3:
		colorspace = box.CSYCbCr3
	case ColorSpacePhotoYCC:
		colorspace = box.CSPhotoYCC
	case ColorSpaceCMY:
		colorspace = box.CSCMY
	case ColorSpaceCMYK:
		colorspace = box.CSCMYK
	case ColorSpaceYCCK:
		colorspace = box.CSYCCK
	case ColorSpaceCIELab:
		colorspace = box.CSCIELab
	case ColorSpaceCIEJab:
		colorspace = box.CSCIEJab
	case ColorSpaceESRGB:
		colorspace = box.CSeSRGB
	case ColorSpaceROMMRGB:
		colorspace = box.CSROMMRGB
	case ColorSpaceYPbPr60:
		colorspace = box.CSYPbPr1125
	case ColorSpaceYPbPr50:
		colorspace = box.CSYPbPr1250
	case ColorSpaceEYCC:
		colorspace = box.CSeSYCC
	default:
		// Default based on number of components
		if e.numComponents == 1 {
			colorspace = box.CSGray
		} else {
			// 3 or 4 components default to sRGB (4th component is alpha)
			colorspace = box.CSSRGB
		}
	}

	// Write JP2 header
	jp2hBox := box.CreateJP2Header(
		uint32(e.width),
		uint32(e.height),
		uint16(e.numComponents),
		uint8(e.precision-1),
		colorspace,
	)
	if err := boxWriter.WriteBox(jp2hBox); err != nil {
		return err
	}

	// Write codestream
	jp2cBox := box.CreateCodestreamBox(codestream)
	if err := boxWriter.WriteBox(jp2cBox); err != nil {
		return err
	}

	return nil
}

// Ensure encoder implements required interfaces
var _ color.Model = (*encoder)(nil).colorModel()

func (e *encoder) colorModel() color.Model {
	return nil
}
