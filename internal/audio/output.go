package audio

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
)

const (
	defaultSampleRate = 44100
	defaultChannels   = 2
	bytesPerSample    = 2 // signed 16-bit little endian

	// how much decoded audio may sit ahead of the speaker. Short, so a
	// pause, skip or rate change is heard almost at once.
	aheadOfPlayhead = 200 * time.Millisecond
)

// Output is the sink a decoder writes PCM into
type Output interface {
	io.Writer
	SampleRate() int
	Channels() int
	Pause()
	Resume()
	Stop()
	Close() error
}

// OtoOutput is one player on the shared oto context. The decoder writes,
// oto reads; writes block once the buffer holds aheadOfPlayhead of audio.
type OtoOutput struct {
	player     oto.Player
	sampleRate int
	channels   int
	gain       float64
	limit      int

	mu      sync.Mutex
	changed *sync.Cond // broadcast on every buffer or state change
	pcm     bytes.Buffer
	held    bool // paused by the listener; Write never restarts the player
	closed  bool
}

func newOtoOutput(ctx *oto.Context, sampleRate, channels int, volume float64) *OtoOutput {
	o := &OtoOutput{
		sampleRate: sampleRate,
		channels:   channels,
		gain:       clampVolume(volume),
		limit:      bufferLimit(sampleRate, channels),
	}
	o.changed = sync.NewCond(&o.mu)
	if ctx != nil {
		o.player = ctx.NewPlayer(o)
	}
	return o
}

// bufferLimit is the byte size of aheadOfPlayhead, rounded to whole frames
func bufferLimit(sampleRate, channels int) int {
	frame := channels * bytesPerSample
	frames := int(int64(sampleRate) * int64(aheadOfPlayhead) / int64(time.Second))
	return max(frames, 1) * frame
}

func clampVolume(v float64) float64 {
	return min(max(v, 0), 1)
}

// scalePCM multiplies 16-bit samples in place by gain
func scalePCM(pcm []byte, gain float64) {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		s = int16(float64(s) * gain)
		pcm[i], pcm[i+1] = byte(s), byte(s>>8)
	}
}

// Read feeds oto. It blocks while held and plays silence while the decoder
// has nothing queued, so the device stream never drains mid-chapter.
func (o *OtoOutput) Read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for o.held && !o.closed {
		o.changed.Wait()
	}
	if o.closed {
		return 0, io.EOF
	}
	if o.pcm.Len() == 0 {
		clear(p)
		return len(p), nil
	}

	n, err := o.pcm.Read(p)
	o.changed.Broadcast()
	return n, err
}

// Write queues decoded PCM, waiting for room so decoding is paced by
// playback. Volume is applied here, once per sample.
func (o *OtoOutput) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for !o.closed && o.pcm.Len() >= o.limit {
		o.changed.Wait()
	}
	if o.closed {
		return 0, io.ErrClosedPipe
	}

	if o.gain < 1 {
		data = append([]byte(nil), data...)
		scalePCM(data, o.gain)
	}
	n, err := o.pcm.Write(data)
	if err != nil {
		return n, err
	}
	if o.player != nil && !o.held && !o.player.IsPlaying() {
		o.player.Play()
	}
	return n, nil
}

// Pause holds playback, keeping what is buffered for Resume
func (o *OtoOutput) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.held = true
	if o.player != nil && o.player.IsPlaying() {
		o.player.Pause()
	}
}

// Resume continues from the buffered audio
func (o *OtoOutput) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.held = false
	o.changed.Broadcast()
	if o.player != nil && !o.player.IsPlaying() {
		o.player.Play()
	}
}

// Stop drops buffered audio so the next segment starts clean, and wakes a
// writer blocked on a full buffer.
func (o *OtoOutput) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.held = false
	o.pcm.Reset()
	o.changed.Broadcast()
	if o.player != nil {
		o.player.Pause()
	}
}

// Close releases the player. Pending reads return EOF and writes fail.
func (o *OtoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	o.changed.Broadcast()
	if o.player != nil {
		return o.player.Close()
	}
	return nil
}

func (o *OtoOutput) SampleRate() int { return o.sampleRate }
func (o *OtoOutput) Channels() int   { return o.channels }

var _ io.Reader = (*OtoOutput)(nil)
