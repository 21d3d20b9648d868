package stages

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tevino/abool"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// CSVSinkParams configures the recording sink. PathTemplate may contain
// a single "%d" verb, which is filled with the recording's start time
// as a Unix nanosecond timestamp.
type CSVSinkParams struct {
	PathTemplate  string `mapstructure:"path_template"`
	WatchdogSecs  int    `mapstructure:"watchdog_secs"`
	RotateMinutes int    `mapstructure:"rotate_minutes"`
}

func (p *CSVSinkParams) applyDefaults() {
	if p.WatchdogSecs == 0 {
		p.WatchdogSecs = 2
	}
}

// CSVSink is the engine's recording sink: it writes every received
// Voltage packet as CSV rows, one per sample, and reports itself
// locked for the entire interval between start and stop so a parameter
// change cannot land mid-recording.
type CSVSink struct {
	stage.BaseStage

	params CSVSinkParams

	file       *lumberjack.Logger
	raw        *os.File
	writer     *csv.Writer
	started    *abool.AtomicBool
	headerDone bool
	lastInput  time.Time
}

func NewCSVSink(params CSVSinkParams) (*CSVSink, error) {
	if params.PathTemplate == "" {
		return nil, fmt.Errorf("csv_sink: path_template is required")
	}
	params.applyDefaults()
	return &CSVSink{params: params, started: abool.New()}, nil
}

func (s *CSVSink) Initialize(ctx *stage.Context) error {
	path := s.params.PathTemplate
	if strings.Contains(path, "%d") {
		path = fmt.Sprintf(path, timestampFunc())
	}
	s.file = &lumberjack.Logger{
		Filename: path,
		MaxAge:   0,
		MaxSize:  1 << 30,
	}
	if s.params.RotateMinutes > 0 {
		go s.rotateLoop(ctx)
	}
	s.writer = csv.NewWriter(s.file)
	s.started.Set()
	s.lastInput = timeNowFunc()
	return nil
}

func (s *CSVSink) rotateLoop(ctx *stage.Context) {
	ticker := time.NewTicker(time.Duration(s.params.RotateMinutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done.Done():
			return
		case <-ticker.C:
			s.writer.Flush()
			_ = s.file.Rotate()
		}
	}
}

func (s *CSVSink) writeHeader(meta *core.SensorMeta) {
	row := make([]string, 0, meta.NumChannels()+1)
	row = append(row, "timestamp_ns")
	row = append(row, meta.ChannelNames...)
	s.writer.Write(row)
	s.headerDone = true
}

func (s *CSVSink) Process(ctx *stage.Context) stage.Result {
	in, ok := ctx.Inputs["in"].TryRecv()
	if !ok {
		if ctx.Inputs["in"].Closed() {
			return stage.Drain()
		}
		if s.params.WatchdogSecs > 0 && timeNowFunc().Sub(s.lastInput) > time.Duration(s.params.WatchdogSecs)*time.Second {
			ctx.Events.Publish(&core.EngineError{Kind: core.KindWatchdogTimeout, StageID: ctx.StageID})
			return stage.Fatal(core.NewError(core.KindWatchdogTimeout, "no input received within watchdog window"))
		}
		return stage.Yield()
	}
	defer in.Release()
	s.lastInput = timeNowFunc()

	if !s.headerDone {
		s.writeHeader(in.Header.Meta)
	}

	channels := in.Header.Meta.NumChannels()
	batch := int(in.Header.BatchSize)
	rowTimestamp := in.Header.TimestampNs
	sampleNs := uint64(0)
	if in.Header.SampleRateHz > 0 {
		sampleNs = uint64(1e9) / uint64(in.Header.SampleRateHz)
	}
	for t := 0; t < batch; t++ {
		row := make([]string, 0, channels+1)
		row = append(row, strconv.FormatUint(rowTimestamp+uint64(t)*sampleNs, 10))
		for ch := 0; ch < channels; ch++ {
			row = append(row, strconv.FormatFloat(float64(in.Voltage[ch*batch+t]), 'f', 6, 32))
		}
		s.writer.Write(row)
	}
	return stage.Progress()
}

func (s *CSVSink) Flush() error {
	if s.writer != nil {
		s.writer.Flush()
		return s.writer.Error()
	}
	return nil
}

// Shutdown is idempotent: the executor calls it once after the stage
// drains and again for every member when Stop runs, and closing the lumberjack file
// twice would be a bug, not a no-op.
func (s *CSVSink) Shutdown() {
	if !s.started.IsSet() {
		return
	}
	s.Flush()
	if s.file != nil {
		s.file.Close()
	}
	s.started.UnSet()
}

// IsLocked reports true from the moment Initialize runs until
// Shutdown runs. It is read concurrently from the control plane (a
// goroutine other than the one running Process), which is exactly the
// case an atomic flag rather than a plain bool guards against.
func (s *CSVSink) IsLocked() bool { return s.started.IsSet() }

var timeNowFunc = time.Now
var timestampFunc = func() int64 { return timeNowFunc().UnixNano() }
