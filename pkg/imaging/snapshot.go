package imaging

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/iox"
)

// Snapshot keeps a JPEG of the most recent frame, at most once per Interval.
// If Dir is not empty, the JPEG is also written to Dir/<name>.jpg.
type Snapshot struct {
	graph.Base
	In *graph.Port

	Interval time.Duration
	Dir      string
	Quality  int

	log       logs.Log
	lock      sync.Mutex
	latest    []byte
	latestSeq int64
	lastAt    time.Time
}

func NewSnapshot(log logs.Log, name string, interval time.Duration, dir string) *Snapshot {
	s := &Snapshot{
		Interval: interval,
		Dir:      dir,
		Quality:  85,
	}
	s.InitBase(name)
	s.log = logs.NewPrefixLogger(log, "Snapshot:")
	s.In = s.AddInput("sink", graph.Format{PixelFormat: "BGRA"})
	return s
}

// Latest returns the most recent JPEG, and the sequence number of its frame
func (s *Snapshot) Latest() ([]byte, int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.latest, s.latestSeq
}

func (s *Snapshot) Chain(in *graph.Port, f *frame.Frame) error {
	defer f.Release()
	s.lock.Lock()
	due := time.Since(s.lastAt) >= s.Interval
	if due {
		s.lastAt = time.Now()
	}
	s.lock.Unlock()
	if !due || f.Width == 0 || f.Height == 0 {
		return nil
	}

	jpg, err := EncodeJPEG(f, s.Quality)
	if err != nil {
		s.log.Warnf("Failed to compress frame %v: %v", f.Seq, err)
		return nil
	}
	s.lock.Lock()
	s.latest = jpg
	s.latestSeq = f.Seq
	s.lock.Unlock()

	if s.Dir != "" {
		filename := filepath.Join(s.Dir, s.Name()+".jpg")
		if err := iox.WriteFile(filename, jpg); err != nil {
			s.log.Warnf("Failed to write %v: %v", filename, err)
		}
	}
	return nil
}

// EncodeJPEG compresses a BGRA frame
func EncodeJPEG(f *frame.Frame, quality int) ([]byte, error) {
	img := cimg.WrapImageStrided(f.Width, f.Height, cimg.PixelFormatBGRA, f.Pixels, f.Stride)
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}
