// Package audio provides the audio container handling used by the synthesis stage:
// WAV encoding of raw PCM and decoding of MP3 engine output.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// Constants for the PCM layout produced by the MP3 decoder.
const (
	DecoderBitDepth = 16
	DecoderChannels = 2
)

// Constants for quality validation limits.
const (
	maxSampleRate = 192000
	maxChannels   = 8
	wavHeaderSize = 44
	pcmFormatTag  = 1
	fmtChunkSize  = 16
	bitsPerByte   = 8
)

// Constants for error messages and formats.
const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32, got %d"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d, got %d"
)

var (
	// ErrInvalidFormat indicates PCM parameters that cannot be encoded.
	ErrInvalidFormat = errors.New("invalid pcm format")
	// ErrEmptyAudio indicates that no audio samples were produced.
	ErrEmptyAudio = errors.New("empty audio data")
	// ErrNotWAV indicates data that does not carry a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a wav file")
)

// PCMFormat describes interleaved little-endian PCM samples.
type PCMFormat struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

// Validate checks if the PCM settings are within reasonable bounds.
func (f PCMFormat) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, maxSampleRate, f.SampleRate)
	}

	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidFormat, f.BitDepth)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, maxChannels, f.Channels)
	}

	return nil
}

func (f PCMFormat) blockAlign() int {
	return f.Channels * f.BitDepth / bitsPerByte
}

// EncodeWAV writes pcm as a canonical 44-byte-header WAV stream.
func EncodeWAV(w io.Writer, pcm []byte, format PCMFormat) error {
	validateErr := format.Validate()
	if validateErr != nil {
		return validateErr
	}

	if len(pcm) == 0 {
		return ErrEmptyAudio
	}

	blockAlign := format.blockAlign()
	dataSize := len(pcm) - len(pcm)%blockAlign

	header := struct {
		ChunkID       [4]byte
		ChunkSize     uint32
		Format        [4]byte
		Subchunk1ID   [4]byte
		Subchunk1Size uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Subchunk2ID   [4]byte
		Subchunk2Size uint32
	}{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(wavHeaderSize - 8 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: fmtChunkSize,
		AudioFormat:   pcmFormatTag,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(format.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}

	err := binary.Write(w, binary.LittleEndian, header)
	if err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}

	_, err = w.Write(pcm[:dataSize])
	if err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}

	return nil
}

// MP3ToWAV decodes an MP3 stream and re-encodes it as 16-bit stereo WAV.
func MP3ToWAV(mp3Data []byte) ([]byte, error) {
	if len(mp3Data) == 0 {
		return nil, ErrEmptyAudio
	}

	decoder, err := mp3.NewDecoder(bytes.NewReader(mp3Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}

	pcmData, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcm data: %w", err)
	}

	var wavBuffer bytes.Buffer

	err = EncodeWAV(&wavBuffer, pcmData, PCMFormat{
		SampleRate: decoder.SampleRate(),
		BitDepth:   DecoderBitDepth,
		Channels:   DecoderChannels,
	})
	if err != nil {
		return nil, err
	}

	return wavBuffer.Bytes(), nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Duration returns the playback length in seconds of a canonical WAV stream.
func Duration(wavData []byte) (float64, error) {
	if !IsWAV(wavData) || len(wavData) < wavHeaderSize {
		return 0, ErrNotWAV
	}

	byteRate := binary.LittleEndian.Uint32(wavData[28:32])
	dataSize := binary.LittleEndian.Uint32(wavData[40:44])

	if byteRate == 0 {
		return 0, fmt.Errorf("%w: zero byte rate", ErrInvalidFormat)
	}

	return float64(dataSize) / float64(byteRate), nil
}

// FileDuration reads the header of the WAV file at path and returns its playback length in seconds.
func FileDuration(path string) (float64, error) {
	file, err := os.Open(path) // #nosec G304 -- path is a job artifact produced by this service
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	header := make([]byte, wavHeaderSize)

	_, err = io.ReadFull(file, header)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrNotWAV, path, err)
	}

	return Duration(header)
}
