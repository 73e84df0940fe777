// Package logging provides the server's asynchronous batched logger.
//
// The event loop, the server's request handling and connection table, and
// the response writer funnel their log lines through a single Logger. A
// background goroutine drains a FIFO queue in batches of up to 100
// messages, waking either on a condition signal or a 1-second timeout, and
// writes them through a zap core to both the terminal (colored by level)
// and an append-only log file. Producers never block on I/O; a logging
// failure never propagates back to them.
package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the logger's four-level set — not zap's own, which has no
// SUCCESS.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "SUCCESS"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// message is one queued log line. It lives only on the queue until drained.
type message struct {
	timestamp time.Time
	level     Level
	clientID  string
	text      string
}

const (
	batchSize          = 100
	drainTimeout       = time.Second
	waitEventsText     = "waiting for events"
	waitEventsInterval = 5 * time.Second
)

// Logger is a process-wide, background-drained log sink.
type Logger struct {
	core zapcore.Core

	mu    sync.Mutex
	queue []message
	cond  *sync.Cond

	draining bool
	done     chan struct{}

	dedupMu        sync.Mutex
	waitingEvents  bool
	lastWaitLogged time.Time
}

// New builds a Logger writing to logPath (append mode) and the terminal,
// and starts its background drain goroutine. Call Close to flush and stop.
func New(logPath string) (*Logger, error) {
	core, err := buildCore(logPath)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		core: core,
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	go l.drainLoop()
	go l.tick()
	return l, nil
}

// tick wakes the drain loop every second even when the queue stays empty,
// standing in for a condition-variable wait with a timeout.
func (l *Logger) tick() {
	ticker := time.NewTicker(drainTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cond.Signal()
		case <-l.done:
			return
		}
	}
}

func buildCore(logPath string) (zapcore.Core, error) {
	fileSink, _, err := zap.Open(logPath)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
	fileEncoder := zapcore.NewJSONEncoder(encoderCfg)

	return zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), zapcore.DebugLevel),
		zapcore.NewCore(fileEncoder, fileSink, zapcore.DebugLevel),
	), nil
}

// Info, Success, Warning and Error enqueue a log line at the given level
// for the named client (pass "-" when there is none). They never block on
// I/O and never return an error: logging is best-effort.
func (l *Logger) Info(clientID, text string)    { l.log(LevelInfo, clientID, text) }
func (l *Logger) Success(clientID, text string) { l.log(LevelSuccess, clientID, text) }
func (l *Logger) Warning(clientID, text string) { l.log(LevelWarning, clientID, text) }
func (l *Logger) Error(clientID, text string)   { l.log(LevelError, clientID, text) }

func (l *Logger) log(level Level, clientID, text string) {
	if l.suppressIdleWait(text) {
		return
	}

	l.mu.Lock()
	l.queue = append(l.queue, message{
		timestamp: time.Now(),
		level:     level,
		clientID:  clientID,
		text:      text,
	})
	l.mu.Unlock()
	l.cond.Signal()
}

// suppressIdleWait collapses repeated "waiting for events" messages into
// at most one per 5-second window; any other message resets the window so
// the next idle-wait line is logged again.
func (l *Logger) suppressIdleWait(text string) bool {
	l.dedupMu.Lock()
	defer l.dedupMu.Unlock()

	if text != waitEventsText {
		l.waitingEvents = false
		return false
	}

	now := time.Now()
	if l.waitingEvents && now.Sub(l.lastWaitLogged) < waitEventsInterval {
		return true
	}
	l.waitingEvents = true
	l.lastWaitLogged = now
	return false
}

// drainLoop runs on its own goroutine for the Logger's lifetime, moving up
// to batchSize messages per pass into a local batch and writing them
// through the core. It wakes on a queue signal or a 1-second timeout so a
// quiet period still gets flushed promptly on shutdown.
func (l *Logger) drainLoop() {
	defer close(l.done)

	for {
		batch := l.nextBatch()
		for _, m := range batch {
			l.write(m)
		}

		l.mu.Lock()
		stop := l.draining && len(l.queue) == 0
		l.mu.Unlock()
		if stop {
			return
		}
	}
}

func (l *Logger) nextBatch() []message {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.queue) == 0 && !l.draining {
		l.cond.Wait()
	}

	n := len(l.queue)
	if n > batchSize {
		n = batchSize
	}
	batch := make([]message, n)
	copy(batch, l.queue[:n])
	l.queue = l.queue[n:]
	return batch
}

func (l *Logger) write(m message) {
	fields := []zapcore.Field{zap.String("client_id", m.clientID)}
	ent := zapcore.Entry{
		Level:   m.level.zapLevel(),
		Time:    m.timestamp,
		Message: m.text,
	}
	// a write failure is swallowed: logging must never be able to take
	// down the caller.
	_ = l.core.Write(ent, fields)
}

// Close signals the drain loop to finish its queue and stop, then blocks
// until it has. Safe to call once.
func (l *Logger) Close() error {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()
	l.cond.Signal()
	<-l.done

	return multierr.Combine(l.core.Sync())
}
