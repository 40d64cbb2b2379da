package voiceplugin

import "encoding/base64"

// EncodeAudio base64-encodes a PCM chunk for wire transport, standard
// RFC 4648 alphabet with padding.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudio decodes a base64-encoded PCM chunk. Unlike a placeholder that
// merely validates length and zero-fills, this performs a real RFC 4648
// decode.
func DecodeAudio(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
