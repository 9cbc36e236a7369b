package location

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/safezone/internal/timeutil"
)

// Port is the byte stream a Receiver reads NMEA sentences from.
type Port interface {
	io.ReadWriteCloser
}

// OpenPort opens the GPS serial device at path.
func OpenPort(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// ReplayPort emits a fixed list of NMEA sentences on an interval, looping
// forever. It stands in for a GPS module in dev mode.
type ReplayPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	closeOnce sync.Once
	done      chan struct{}
}

// NewReplayPort starts replaying lines, one epoch per interval. Lines that
// share an NMEA time field are written together.
func NewReplayPort(lines []string, interval time.Duration, clock timeutil.Clock) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, done: make(chan struct{})}
	go p.run(groupEpochs(lines), interval, clock)
	return p
}

func (p *ReplayPort) run(epochs [][]string, interval time.Duration, clock timeutil.Clock) {
	if len(epochs) == 0 {
		return
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i = (i + 1) % len(epochs) {
		for _, line := range epochs[i] {
			if _, err := io.WriteString(p.w, line+"\r\n"); err != nil {
				return
			}
		}
		select {
		case <-ticker.C():
		case <-p.done:
			return
		}
	}
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write discards commands; replayed receivers accept no configuration.
func (p *ReplayPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *ReplayPort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.w.Close()
	})
	return p.r.Close()
}

// groupEpochs splits sentences into runs that share the same time field.
func groupEpochs(lines []string) [][]string {
	var (
		epochs [][]string
		last   string
	)
	for _, line := range lines {
		ts := sentenceTime(line)
		if len(epochs) == 0 || ts == "" || ts != last {
			epochs = append(epochs, nil)
		}
		epochs[len(epochs)-1] = append(epochs[len(epochs)-1], line)
		last = ts
	}
	return epochs
}

// sentenceTime returns the UTC time field of RMC and GGA sentences.
func sentenceTime(line string) string {
	fields := strings.Split(line, ",")
	if len(fields) < 2 || len(fields[0]) < 6 {
		return ""
	}
	switch fields[0][3:6] {
	case "RMC", "GGA":
		return fields[1]
	}
	return ""
}

// LoadFixture reads NMEA sentences from a file, skipping blank lines and
// lines starting with '#'.
func LoadFixture(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixture %s has no sentences", path)
	}
	return lines, nil
}
