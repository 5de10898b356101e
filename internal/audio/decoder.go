package audio

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// FileMetadata contains metadata extracted from an audio file
type FileMetadata struct {
	Title    string
	Artist   string
	Album    string
	Duration time.Duration
	// Chapters are the file's embedded chapter markers, as in m4b files
	Chapters []ChapterMark
}

// ChapterMark is an embedded chapter of a single file
type ChapterMark struct {
	Title string
	Start time.Duration
	End   time.Duration
}

// Decoder turns an audio file into PCM written to an Output
type Decoder interface {
	// DecodeFrom decodes path starting at start, time-stretched to rate
	DecodeFrom(ctx context.Context, path string, output Output, start time.Duration, rate float64) error
}

// FFmpegDecoder uses FFmpeg for audio decoding
type FFmpegDecoder struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegDecoder creates a new FFmpeg-based decoder
func NewFFmpegDecoder() (*FFmpegDecoder, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	return &FFmpegDecoder{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}, nil
}

// decodeArgs builds the ffmpeg arguments producing s16le PCM for output
func decodeArgs(path string, output Output, start time.Duration, rate float64) []string {
	var args []string
	if start > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", start.Seconds()))
	}
	args = append(args, "-i", path, "-vn")
	if rate > 0 && rate != 1.0 {
		// atempo keeps pitch; it accepts 0.5 - 2.0, which covers every selectable rate
		args = append(args, "-af", fmt.Sprintf("atempo=%.2f", rate))
	}
	return append(args,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(output.Channels()),
		"-ar", strconv.Itoa(output.SampleRate()),
		"-",
	)
}

// DecodeFrom streams path into output from start. Cancelling ctx kills
// ffmpeg, which closes the pipe and ends the copy.
func (d *FFmpegDecoder) DecodeFrom(ctx context.Context, path string, output Output, start time.Duration, rate float64) error {
	cmd := exec.CommandContext(ctx, d.ffmpegPath, decodeArgs(path, output, start, rate)...)
	pcm, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	_, copyErr := io.Copy(output, pcm)
	if copyErr != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case copyErr != nil:
		return fmt.Errorf("failed to write to output: %w", copyErr)
	case waitErr != nil:
		return fmt.Errorf("ffmpeg exited: %w", waitErr)
	}
	return nil
}

// Metadata extracts tags, duration and chapter markers from an audio file
// using ffprobe
func (d *FFmpegDecoder) Metadata(path string) (*FileMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_chapters",
		path,
	}

	output, err := exec.Command(d.ffprobePath, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(path, output)
}

type probeResult struct {
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Chapters []probeChapter `json:"chapters"`
}

type probeChapter struct {
	Start string            `json:"start_time"`
	End   string            `json:"end_time"`
	Tags  map[string]string `json:"tags"`
}

func parseProbe(path string, output []byte) (*FileMetadata, error) {
	var probe probeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	// tag case differs between containers
	tags := lowerKeys(probe.Format.Tags)
	base := filepath.Base(path)
	meta := &FileMetadata{
		Title:    cmp.Or(tags["title"], strings.TrimSuffix(base, filepath.Ext(base))),
		Artist:   cmp.Or(tags["artist"], tags["album_artist"]),
		Album:    tags["album"],
		Duration: parseSeconds(probe.Format.Duration),
	}

	meta.Chapters = lo.Map(probe.Chapters, func(ch probeChapter, i int) ChapterMark {
		return ChapterMark{
			Title: cmp.Or(lowerKeys(ch.Tags)["title"], fmt.Sprintf("Chapter %d", i+1)),
			Start: parseSeconds(ch.Start),
			End:   parseSeconds(ch.End),
		}
	})
	return meta, nil
}

func lowerKeys(tags map[string]string) map[string]string {
	return lo.MapKeys(tags, func(_ string, k string) string { return strings.ToLower(k) })
}

// parseSeconds reads ffprobe's decimal seconds. Unparseable values are zero.
func parseSeconds(s string) time.Duration {
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
