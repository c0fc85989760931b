package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicolas-f/sonomkr-core/internal/config"
	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/internal/metrics"
	"github.com/nicolas-f/sonomkr-core/internal/ringbuffer"
	"github.com/nicolas-f/sonomkr-core/pkg/pcm"
)

const wavFormatPCM = 1

// Recorder is a ringbuffer.Processor writing one channel to mono WAV files.
// Files are named ch<channel>_<start>_<index>.wav and rotated after
// max_duration_seconds when that is set.
type Recorder struct {
	channel    int
	dir        string
	sampleRate int
	bitDepth   int
	maxFrames  int // 0 for unlimited.
	stamp      string

	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	samples []float32
	data    []int
	written int // Frames in the current file.
	index   int
	files   []string

	recorded prometheus.Counter
}

// NewRecorder returns a recorder for channel that writes batches of up to
// batch samples. The output directory is created if needed.
func NewRecorder(channel int, sampleRate float64, batch int, cfg config.RecordingConfig) (*Recorder, error) {
	if _, err := pcm.BytesPerSample(cfg.BitDepth); err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}

	r := &Recorder{
		channel:    channel,
		dir:        cfg.OutputDir,
		sampleRate: int(sampleRate),
		bitDepth:   cfg.BitDepth,
		maxFrames:  cfg.MaxDuration * int(sampleRate),
		stamp:      time.Now().Format("20060102T150405"),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: int(sampleRate)},
			SourceBitDepth: cfg.BitDepth,
		},
		samples:  make([]float32, batch),
		data:     make([]int, batch),
		recorded: metrics.RecordedSamplesTotal.WithLabelValues(strconv.Itoa(channel)),
	}
	return r, nil
}

// Files returns the paths of the files written so far.
func (r *Recorder) Files() []string { return r.files }

// Process appends the unread data of v to the current file.
func (r *Recorder) Process(v ringbuffer.View[float32]) (ringbuffer.Result, error) {
	if r.enc == nil {
		if err := r.open(); err != nil {
			return ringbuffer.Result{}, err
		}
	}

	n := min(v.Available, len(r.samples))
	if r.maxFrames > 0 {
		n = min(n, r.maxFrames-r.written)
	}
	n, err := v.Copy(r.samples[:n])
	if err != nil {
		return ringbuffer.Result{}, err
	}
	run := r.samples[:n]

	data := r.data[:len(run)]
	if r.bitDepth == 16 {
		for i, s := range run {
			data[i] = int(pcm.Quantize16(s))
		}
	} else {
		for i, s := range run {
			data[i] = int(pcm.Quantize24(s))
		}
	}
	r.buf.Data = data
	if err := r.enc.Write(r.buf); err != nil {
		return ringbuffer.Result{}, fmt.Errorf("recording: write %s: %w", r.file.Name(), err)
	}
	r.written += len(run)
	r.recorded.Add(float64(len(run)))

	if r.maxFrames > 0 && r.written >= r.maxFrames {
		if err := r.closeFile(); err != nil {
			return ringbuffer.Result{}, err
		}
		r.index++
	}
	return ringbuffer.Consumed(len(run)), nil
}

// Close finalizes the current file. The consumer running the recorder must
// have stopped.
func (r *Recorder) Close() error {
	return r.closeFile()
}

func (r *Recorder) open() error {
	name := filepath.Join(r.dir, fmt.Sprintf("ch%d_%s_%03d.wav", r.channel, r.stamp, r.index))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	r.file = f
	r.enc = wav.NewEncoder(f, r.sampleRate, r.bitDepth, 1, wavFormatPCM)
	r.written = 0
	r.files = append(r.files, name)
	applog.Infof("Recording: channel %d to %s", r.channel, name)
	return nil
}

func (r *Recorder) closeFile() error {
	if r.enc == nil {
		return nil
	}
	err := errors.Join(r.enc.Close(), r.file.Close())
	r.enc = nil
	r.file = nil
	if err != nil {
		return fmt.Errorf("recording: close: %w", err)
	}
	return nil
}

var _ ringbuffer.Processor[float32] = (*Recorder)(nil)
