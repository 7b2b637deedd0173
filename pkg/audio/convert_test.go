package audio_test

import (
	"testing"

	"github.com/veridian-labs/aria/pkg/audio"
)

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 8kHz → 4 samples at 16kHz (2x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 8000, 16000)
	got := bytesToSamples(out)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestRateConverter_PassThrough(t *testing.T) {
	conv := audio.RateConverter{TargetRate: 16000}
	pcm := samplesToBytes([]int16{1, 2, 3})
	out := conv.Convert(pcm, 16000)
	if &out[0] != &pcm[0] {
		t.Error("matching rate should return the input unchanged")
	}
}

func TestRateConverter_ResamplesMismatchedDevice(t *testing.T) {
	// A device opened at 48kHz feeding a 16kHz pipeline: every 3 source
	// samples collapse into 1.
	conv := audio.RateConverter{TargetRate: 16000}
	pcm := samplesToBytes([]int16{100, 100, 100, 200, 200, 200})
	got := bytesToSamples(conv.Convert(pcm, 48000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample: got %d, want 100", got[0])
	}
}

func TestRateConverter_DropsMisaligned(t *testing.T) {
	conv := audio.RateConverter{TargetRate: 16000}
	if out := conv.Convert([]byte{0x01}, 48000); out != nil {
		t.Errorf("odd-length frame should be dropped, got %d bytes", len(out))
	}
}
