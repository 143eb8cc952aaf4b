package audio

import "math"

// RMS returns the root-mean-square energy of a little-endian int16 PCM frame,
// normalised to [0.0, 1.0]. Empty or misaligned input yields 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}
