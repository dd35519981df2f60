package pngstream

import "encoding/binary"

const signature = "\x89PNG\r\n\x1a\n"

// ChunkID is a four-character chunk type code, eg "IHDR".
type ChunkID [4]byte

var (
	ChunkIHDR = ChunkID{'I', 'H', 'D', 'R'}
	ChunkIDAT = ChunkID{'I', 'D', 'A', 'T'}
	ChunkIEND = ChunkID{'I', 'E', 'N', 'D'}
	ChunkPLTE = ChunkID{'P', 'L', 'T', 'E'}
	ChunkTRNS = ChunkID{'t', 'R', 'N', 'S'}
)

func (id ChunkID) String() string {
	return string(id[:])
}

// IsCritical reports whether the ancillary bit (lowercase first letter) is clear.
func (id ChunkID) IsCritical() bool {
	return id[0]&0x20 == 0
}

// structural chunks are consumed by the codec and never stored on an Image.
func (id ChunkID) structural() bool {
	return id == ChunkIHDR || id == ChunkIDAT || id == ChunkIEND
}

func chunkIDFrom(b []byte) ChunkID {
	var id ChunkID
	copy(id[:], b[:4])
	return id
}

// Chunk is an opaque chunk kept on an Image in the order it was encountered.
type Chunk struct {
	ID   ChunkID
	Data []byte
}

// ihdr is the decoded 13-byte header payload.
type ihdr struct {
	width, height int
	format        Format
	compression   uint8
	filter        uint8
	interlace     uint8
}

const ihdrLen = 13

func parseIHDR(b []byte) ihdr {
	return ihdr{
		width:       int(binary.BigEndian.Uint32(b[0:4])),
		height:      int(binary.BigEndian.Uint32(b[4:8])),
		format:      Format{Depth: b[8], ColorType: ColorType(b[9])},
		compression: b[10],
		filter:      b[11],
		interlace:   b[12],
	}
}

func (h ihdr) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.width))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.height))
	return append(dst, h.format.Depth, byte(h.format.ColorType), h.compression, h.filter, h.interlace)
}
