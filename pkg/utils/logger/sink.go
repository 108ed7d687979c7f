package logger

import (
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// Sink receives one decoded log entry. Sinks must not block.
type Sink func(entry map[string]any)

var (
	sinkMu     sync.RWMutex
	sinks      = make(map[uint64]Sink)
	sinkCount  atomic.Int32
	nextSinkID uint64
)

// AddSink registers fn to receive every entry written through the global logger
// and returns a func that unregisters it.
func AddSink(fn Sink) func() {
	sinkMu.Lock()
	nextSinkID++
	id := nextSinkID
	sinks[id] = fn
	sinkCount.Add(1)
	sinkMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sinkMu.Lock()
			delete(sinks, id)
			sinkCount.Add(-1)
			sinkMu.Unlock()
		})
	}
}

type sinkCore struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
}

func newSinkCore(enc zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core {
	return &sinkCore{LevelEnabler: level, enc: enc}
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.enc.Clone()
	for i := range fields {
		fields[i].AddTo(clone)
	}
	return &sinkCore{LevelEnabler: c.LevelEnabler, enc: clone}
}

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if sinkCount.Load() == 0 || !c.Enabled(ent.Level) {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *sinkCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		return err
	}

	sinkMu.RLock()
	targets := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		targets = append(targets, s)
	}
	sinkMu.RUnlock()

	for i, s := range targets {
		if i == 0 {
			s(entry)
			continue
		}
		s(maps.Clone(entry))
	}
	return nil
}

func (c *sinkCore) Sync() error {
	return nil
}
