package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore wraps core with sampling below Error. Poll loops log every
// tick, so Debug/Info volume is bounded while failures always get through.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	errorCore := &levelFilterCore{Core: core, enabler: minLevel(zapcore.ErrorLevel)}
	belowError := &levelFilterCore{Core: core, enabler: maxLevel(zapcore.WarnLevel)}

	sampled := zapcore.NewSamplerWithOptions(belowError, cfg.Tick, cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(errorCore, sampled)
}

type minLevel zapcore.Level

func (m minLevel) Enabled(l zapcore.Level) bool { return l >= zapcore.Level(m) }

type maxLevel zapcore.Level

func (m maxLevel) Enabled(l zapcore.Level) bool { return l <= zapcore.Level(m) }

// levelFilterCore gates an inner core with an extra LevelEnabler.
type levelFilterCore struct {
	zapcore.Core
	enabler zapcore.LevelEnabler
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.enabler.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enabler.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), enabler: c.enabler}
}
