package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes mono s16le PCM as a 16-bit WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("store: write wav: invalid sample rate %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("store: write wav: odd pcm length %d", len(pcm))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)/2),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("store: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("store: finalize wav: %w", err)
	}
	return nil
}

// ExportWAV fetches a stored blob and writes it to path as a WAV file.
func ExportWAV(ctx context.Context, s Store, audioID, path string) error {
	blob, err := s.Audio(ctx, audioID)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: export wav: %w", err)
	}
	if err := WriteWAV(f, blob.PCM, blob.SampleRate); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: export wav: %w", err)
	}
	return nil
}
