package validate

import "encoding/binary"

// IsAnimatedGIF walks the GIF block structure and reports whether the file
// contains more than one image descriptor. It never decodes pixel data.
func IsAnimatedGIF(data []byte) bool {
	if len(data) < 13 {
		return false
	}
	if string(data[:3]) != "GIF" {
		return false
	}

	// Logical screen descriptor follows the 6-byte header
	packed := data[10]
	pos := 13
	if packed&0x80 != 0 {
		// Global color table: 3 * 2^(N+1) bytes
		pos += 3 * (1 << ((packed & 0x07) + 1))
	}

	frames := 0
	for pos < len(data) {
		switch data[pos] {
		case 0x3B: // trailer
			return frames > 1

		case 0x21: // extension block
			pos += 2 // introducer + label
			pos = skipSubBlocks(data, pos)

		case 0x2C: // image descriptor
			frames++
			if frames > 1 {
				return true
			}
			if pos+10 > len(data) {
				return false
			}
			local := data[pos+9]
			pos += 10
			if local&0x80 != 0 {
				pos += 3 * (1 << ((local & 0x07) + 1))
			}
			pos++ // LZW minimum code size
			pos = skipSubBlocks(data, pos)

		default:
			// Corrupt block stream; animation detection is best-effort here,
			// structural corruption is caught by the full decode gate
			return frames > 1
		}
	}
	return frames > 1
}

// skipSubBlocks advances past a GIF data sub-block sequence terminated by a
// zero-length block.
func skipSubBlocks(data []byte, pos int) int {
	for pos < len(data) {
		size := int(data[pos])
		pos++
		if size == 0 {
			return pos
		}
		pos += size
	}
	return pos
}

// IsAnimatedWebP walks the RIFF chunk list and reports whether the file
// carries the VP8X animation flag or an ANIM chunk.
func IsAnimatedWebP(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return false
	}

	pos := 12
	for pos+8 <= len(data) {
		fourCC := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))

		switch fourCC {
		case "VP8X":
			if pos+8 < len(data) && data[pos+8]&0x02 != 0 {
				return true
			}
		case "ANIM", "ANMF":
			return true
		}

		// Chunks are padded to even sizes
		pos += 8 + size + size%2
	}
	return false
}
