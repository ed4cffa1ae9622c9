package audio

// EncodePCM16 converts float32 samples in [-1, 1] to little-endian int16 PCM
// bytes, clamping out-of-range values. This is the wire format expected by
// the speech-to-speech transports.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM bytes to float32 samples in
// [-1, 1]. A trailing odd byte is ignored; callers that must reject
// misaligned input should check len(pcm)%2 themselves.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}
