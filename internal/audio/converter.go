package audio

import (
	"fmt"
	"math"
)

// BytesToSamples decodes little-endian 16-bit PCM
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Resample converts between sample rates using linear interpolation.
// Good enough for speech recognition input.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// Downmix averages interleaved channels into mono
func Downmix(interleaved []int, channels int) []int {
	if channels <= 1 {
		return interleaved
	}

	mono := make([]int, len(interleaved)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / channels
	}
	return mono
}

// ToInt16 rescales integer samples of the given bit depth to 16 bits
func ToInt16(samples []int, bitDepth int) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case bitDepth == 8:
			// 8-bit WAV is unsigned
			out[i] = int16((s - 128) << 8)
		case bitDepth > 16:
			out[i] = int16(s >> (bitDepth - 16))
		default:
			out[i] = int16(s)
		}
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
