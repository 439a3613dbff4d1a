package audio

import (
	"testing"
)

func constFrame(n int, v int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = v
	}
	return samples
}

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       640,
	}
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constFrame(640, 5000)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(samples)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected speechStarted only once, got it on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constFrame(640, 10)

	for i := 0; i < 15; i++ {
		isSpeaking, started, ended := vad.ProcessFrame(samples)
		if isSpeaking || started || ended {
			t.Errorf("Expected no speech events on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	vad.ProcessFrame(constFrame(640, 5000))

	quiet := constFrame(640, 10)
	for i := 0; i < 9; i++ {
		isSpeaking, _, ended := vad.ProcessFrame(quiet)
		if !isSpeaking || ended {
			t.Fatalf("Expected speech to continue through frame %d of silence", i)
		}
	}

	isSpeaking, _, ended := vad.ProcessFrame(quiet)
	if isSpeaking || !ended {
		t.Error("Expected speech to end after SilenceFrames of silence")
	}
}

func TestVADDetector_ProcessPCM(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	// Trailing odd byte must be tolerated
	pcm := append(SamplesToBytes(constFrame(640, 5000)), 0x01)
	isSpeaking, started, _ := vad.ProcessPCM(pcm)
	if !isSpeaking || !started {
		t.Error("Expected PCM speech to be detected")
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	samples := constFrame(640, 1000)

	low := NewVADDetector(&VADConfig{EnergyThreshold: 100.0, SilenceFrames: 10, FrameSize: 640})
	if isSpeaking, _, _ := low.ProcessFrame(samples); !isSpeaking {
		t.Error("Expected low threshold to detect speech")
	}

	high := NewVADDetector(&VADConfig{EnergyThreshold: 5000.0, SilenceFrames: 10, FrameSize: 640})
	if isSpeaking, _, _ := high.ProcessFrame(samples); isSpeaking {
		t.Error("Expected high threshold to not detect speech")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(nil)
	vad.ProcessFrame(constFrame(640, 5000))

	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.FrameSize != 640 {
		t.Errorf("Expected default FrameSize 640, got %d", config.FrameSize)
	}
}
