package protocol

// Status exchange frame sizes, in arrival order. The full status buffer is
// their concatenation.
var StatusFrameSizes = [...]int{8, 8, 7}

// StatusBufferLen is the length of a fully assembled status buffer.
const StatusBufferLen = 8 + 8 + 7

// AppendFrame appends at most limit bytes of frame to buf. A limit of zero
// keeps the whole frame.
func AppendFrame(buf, frame []byte, limit int) []byte {
	if limit > 0 && len(frame) > limit {
		frame = frame[:limit]
	}
	return append(buf, frame...)
}

// block returns buf[start:start+size], clipped to what buf actually holds.
func block(buf []byte, start, size int) []byte {
	if start >= len(buf) {
		return nil
	}
	end := start + size
	if end > len(buf) {
		end = len(buf)
	}
	return buf[start:end]
}
