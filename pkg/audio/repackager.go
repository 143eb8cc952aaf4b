package audio

import "fmt"

// Repackager reshapes arbitrary provider PCM into wire-format Opus packets.
// TTS providers emit audio in whatever chunk size and format suits them;
// the Repackager converts each chunk to 16 kHz mono, accumulates it, and
// slices off complete 60 ms frames as they fill up.
//
// Not safe for concurrent use; create one per synthesis stream.
type Repackager struct {
	enc  *Encoder
	conv FormatConverter
	buf  []byte
}

// NewRepackager creates a Repackager for provider audio in the given source
// format.
func NewRepackager(src Format) (*Repackager, error) {
	if src.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: repackager: invalid source sample rate %d", src.SampleRate)
	}
	if src.Channels != 1 && src.Channels != 2 {
		return nil, fmt.Errorf("audio: repackager: invalid source channel count %d", src.Channels)
	}
	enc, err := NewEncoder()
	if err != nil {
		return nil, err
	}
	return &Repackager{
		enc:  enc,
		conv: FormatConverter{Target: Wire},
	}, nil
}

// Write converts pcm from the source format, appends it to the internal
// buffer, and returns zero or more complete encoded Opus packets.
func (r *Repackager) Write(pcm []byte, src Format) ([][]byte, error) {
	converted := r.conv.Convert(Frame{Data: pcm, SampleRate: src.SampleRate, Channels: src.Channels})
	r.buf = append(r.buf, converted.Data...)

	var packets [][]byte
	for len(r.buf) >= FrameBytes {
		packet, err := r.enc.Encode(r.buf[:FrameBytes])
		if err != nil {
			return packets, err
		}
		packets = append(packets, packet)
		r.buf = r.buf[FrameBytes:]
	}
	return packets, nil
}

// Flush encodes any remaining buffered audio as a final frame, zero-padded to
// full length. Returns nil when the buffer is empty.
func (r *Repackager) Flush() ([]byte, error) {
	if len(r.buf) == 0 {
		return nil, nil
	}
	packet, err := r.enc.Encode(PadFrame(r.buf))
	r.buf = r.buf[:0]
	if err != nil {
		return nil, err
	}
	return packet, nil
}

// Buffered returns the number of PCM bytes waiting for the next full frame.
func (r *Repackager) Buffered() int {
	return len(r.buf)
}

// Reset discards all buffered audio. Used on barge-in so stale synthesis
// never leaks into the next reply.
func (r *Repackager) Reset() {
	r.buf = r.buf[:0]
}
