package transport

import "encoding/base64"

// Envelopes are framed newline-delimited on the wire. The canonical
// envelope encoding is binary and clipboard content can legitimately
// contain an embedded 0x0A byte, so each frame is base64-encoded before
// the newline is appended; this keeps the newline strictly a frame
// delimiter and never part of frame content.
var frameEncoding = base64.StdEncoding

func encodeFrame(b []byte) []byte {
	out := make([]byte, frameEncoding.EncodedLen(len(b))+1)
	frameEncoding.Encode(out, b)
	out[len(out)-1] = '\n'
	return out
}

func decodeFrame(line []byte) ([]byte, error) {
	return frameEncoding.DecodeString(string(line))
}
