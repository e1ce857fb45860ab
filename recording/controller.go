// Package recording owns the pre-event ring buffer and the recording
// session state machine.
package recording

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"camlink/motion"
)

// AssumedFPS sizes the ring buffer and the post-record countdown. It is a
// fixed figure, not the measured rate.
const AssumedFPS = 11.0

// DefaultMaxBytes is the per-session size ceiling (1 GB).
const DefaultMaxBytes int64 = 1 << 30

// ErrNotRecording is returned by Stop when no session is open.
var ErrNotRecording = errors.New("not recording")

// errSizeLimit marks a write refused by the session ceiling.
var errSizeLimit = errors.New("size limit reached")

// Trigger says what opened a session.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerMotion
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerMotion:
		return "motion"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// StopReason says why a session ended.
type StopReason int

const (
	ReasonManual StopReason = iota
	ReasonSizeLimit
	ReasonMotionEnded
	ReasonMotionDisabled
	ReasonTransportStopped
	ReasonWriteError
)

func (r StopReason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonSizeLimit:
		return "size_limit"
	case ReasonMotionEnded:
		return "motion_ended"
	case ReasonMotionDisabled:
		return "motion_disabled"
	case ReasonTransportStopped:
		return "transport_stopped"
	case ReasonWriteError:
		return "write_error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Summary describes a finished session.
type Summary struct {
	ID              uuid.UUID
	Trigger         Trigger
	Encoding        Encoding
	Path            string
	Frames          int
	Bytes           int64
	PrebufferFrames int
	Started         time.Time
	Duration        time.Duration
	Reason          StopReason

	// Err is set when closing the output failed, for example a non-zero
	// encoder exit.
	Err error
}

// Options configure a Controller.
type Options struct {
	Dir      string
	Encoding Encoding
	Pipe     PipeOptions

	// MaxBytes is the session ceiling; DefaultMaxBytes when zero.
	MaxBytes int64

	// FPS sizes the ring and the countdown; AssumedFPS when zero.
	FPS float64

	Motion motion.Config

	// OnSessionEnd is called after every session closes, including the
	// ones the controller closes by itself.
	OnSessionEnd func(Summary)

	Logger *slog.Logger
}

// state is one of idle, *manualSession or *motionSession.
type state interface{ state() }

type idle struct{}

type session struct {
	id          uuid.UUID
	trigger     Trigger
	encoding    Encoding
	started     time.Time
	frames      int
	bytes       int64
	prebuffered int
	sink        Sink
}

type manualSession struct {
	session
}

type motionSession struct {
	session
	motionActive bool
	countdown    int
}

func (idle) state()           {}
func (*manualSession) state() {}
func (*motionSession) state() {}

// Controller turns submitted frames into recordings. All methods except
// IsRecording must be called from a single goroutine.
type Controller struct {
	opts     Options
	log      *slog.Logger
	ring     *Ring
	detector *motion.Detector
	motion   motion.Config

	state     state
	recording atomic.Bool

	newSink func(path string, enc Encoding) (Sink, error)
	now     func() time.Time
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.FPS <= 0 {
		opts.FPS = AssumedFPS
	}
	if opts.Encoding == "" {
		opts.Encoding = EncodingRaw
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Pipe.FPS <= 0 {
		opts.Pipe.FPS = opts.FPS
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Controller{
		opts:     opts,
		log:      opts.Logger.With("component", "recording"),
		ring:     NewRingForDuration(opts.Motion.PreRecordSeconds, opts.FPS),
		detector: motion.NewDetector(opts.Motion),
		motion:   opts.Motion,
		state:    idle{},
		now:      time.Now,
	}
	c.newSink = c.createSink
	return c
}

func (c *Controller) createSink(path string, enc Encoding) (Sink, error) {
	switch enc {
	case EncodingPipe:
		return StartPipe(path, c.opts.Pipe)
	default:
		return CreateRaw(path)
	}
}

// Start opens a session. Starting while a session is open does nothing.
func (c *Controller) Start(trigger Trigger) error {
	if _, ok := c.state.(idle); !ok {
		c.log.Debug("start ignored, already recording", "trigger", trigger)
		return nil
	}

	s, err := c.open(trigger)
	if err != nil {
		return err
	}

	switch trigger {
	case TriggerMotion:
		ms := &motionSession{session: s, motionActive: true, countdown: c.countdownFrames()}
		c.state = ms
		c.recording.Store(true)
		if err := c.flushRing(ms); err != nil {
			return err
		}
	default:
		c.state = &manualSession{session: s}
		c.recording.Store(true)
	}
	return nil
}

// open creates the artifact for a new session. The controller stays idle
// when it fails.
func (c *Controller) open(trigger Trigger) (session, error) {
	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return session{}, fmt.Errorf("start %s recording: %w", trigger, err)
	}

	now := c.now()
	id := uuid.New()
	name := fmt.Sprintf("%s_%s_%s%s", trigger, now.Format("20060102_150405"), id.String()[:8], c.opts.Encoding.Extension())
	path := filepath.Join(c.opts.Dir, name)

	sink, err := c.newSink(path, c.opts.Encoding)
	if err != nil {
		return session{}, fmt.Errorf("start %s recording: %w", trigger, err)
	}

	c.log.Info("recording started", "id", id, "trigger", trigger, "encoding", c.opts.Encoding, "path", path)
	return session{
		id:       id,
		trigger:  trigger,
		encoding: c.opts.Encoding,
		started:  now,
		sink:     sink,
	}, nil
}

// flushRing writes the pre-event footage into a new raw motion session.
// Encoded sessions start from the triggering frame.
func (c *Controller) flushRing(ms *motionSession) error {
	if ms.encoding != EncodingRaw {
		return nil
	}
	w, ok := ms.sink.(io.Writer)
	if !ok {
		return nil
	}

	frames, n, err := c.ring.DrainTo(&ceilingWriter{w: w, used: &ms.bytes, max: c.opts.MaxBytes})
	ms.frames += frames
	ms.prebuffered = frames
	switch {
	case errors.Is(err, errSizeLimit):
		_, closeErr := c.finish(ReasonSizeLimit)
		return closeErr
	case err != nil:
		_, closeErr := c.finish(ReasonWriteError)
		return errors.Join(fmt.Errorf("write pre-event footage: %w", err), closeErr)
	}
	c.log.Info("pre-event footage written", "id", ms.id, "frames", frames, "bytes", n)
	return nil
}

// SubmitFrame feeds one validated JPEG payload through motion detection, the
// open session and the ring buffer.
func (c *Controller) SubmitFrame(frame []byte) error {
	detected := false
	if c.motion.Enabled {
		var err error
		detected, err = c.detector.DetectJPEG(frame)
		if err != nil {
			c.log.Warn("motion analysis skipped", "error", err)
		}
	}

	var startErr error
	switch s := c.state.(type) {
	case idle:
		if detected {
			c.log.Info("motion detected")
			startErr = c.Start(TriggerMotion)
		}
	case *manualSession:
	case *motionSession:
		if detected {
			s.motionActive = true
			s.countdown = c.countdownFrames()
		} else {
			s.motionActive = false
		}
	}

	var writeErr, closeErr error
	switch s := c.state.(type) {
	case idle:
	case *manualSession:
		writeErr = c.write(&s.session, frame)
	case *motionSession:
		writeErr = c.write(&s.session, frame)
		if writeErr == nil && c.state == state(s) && !s.motionActive {
			s.countdown--
			if s.countdown <= 0 {
				c.log.Info("motion ended")
				_, closeErr = c.finish(ReasonMotionEnded)
			}
		}
	}

	if c.motion.Enabled {
		c.ring.Push(frame)
	}
	return errors.Join(startErr, writeErr, closeErr)
}

// write appends frame to s. A frame that would take the session past the
// ceiling is not written; the session stops instead, and only a failed close
// is reported.
func (c *Controller) write(s *session, frame []byte) error {
	if s.bytes+int64(len(frame)) > c.opts.MaxBytes {
		c.log.Warn("recording size limit reached", "id", s.id, "bytes", s.bytes, "max_bytes", c.opts.MaxBytes)
		_, err := c.finish(ReasonSizeLimit)
		return err
	}
	if err := s.sink.WriteFrame(frame); err != nil {
		_, closeErr := c.finish(ReasonWriteError)
		return errors.Join(fmt.Errorf("write frame: %w", err), closeErr)
	}
	s.frames++
	s.bytes += int64(len(frame))
	return nil
}

// Stop closes the open session.
func (c *Controller) Stop() (Summary, error) {
	return c.StopFor(ReasonManual)
}

// StopFor closes the open session, recording reason in the summary.
func (c *Controller) StopFor(reason StopReason) (Summary, error) {
	if _, ok := c.state.(idle); ok {
		return Summary{}, ErrNotRecording
	}
	return c.finish(reason)
}

func (c *Controller) finish(reason StopReason) (Summary, error) {
	var s *session
	switch st := c.state.(type) {
	case idle:
		return Summary{}, ErrNotRecording
	case *manualSession:
		s = &st.session
	case *motionSession:
		s = &st.session
	}

	c.state = idle{}
	c.recording.Store(false)

	err := s.sink.Close()
	sum := Summary{
		ID:              s.id,
		Trigger:         s.trigger,
		Encoding:        s.encoding,
		Path:            s.sink.Path(),
		Frames:          s.frames,
		Bytes:           s.bytes,
		PrebufferFrames: s.prebuffered,
		Started:         s.started,
		Duration:        c.now().Sub(s.started),
		Reason:          reason,
	}

	if err != nil {
		c.log.Error("recording finished with error", "id", s.id, "path", sum.Path, "error", err)
		err = fmt.Errorf("close %s: %w", sum.Path, err)
		sum.Err = err
	} else {
		c.log.Info("recording stopped",
			"id", s.id,
			"reason", reason,
			"path", sum.Path,
			"frames", sum.Frames,
			"bytes", sum.Bytes,
			"duration", sum.Duration.Round(time.Millisecond),
		)
	}
	if c.opts.OnSessionEnd != nil {
		c.opts.OnSessionEnd(sum)
	}
	return sum, err
}

// SetMotionRecording turns motion-triggered recording on or off. Turning it
// off closes an open motion session and empties the ring.
func (c *Controller) SetMotionRecording(on bool) error {
	if c.motion.Enabled == on {
		return nil
	}
	cfg := c.motion
	cfg.Enabled = on
	c.motion = cfg
	c.detector.UpdateConfig(cfg)
	c.detector.Reset()
	c.ring.Clear()

	c.log.Info("motion recording", "enabled", on)
	if !on {
		if _, ok := c.state.(*motionSession); ok {
			_, err := c.finish(ReasonMotionDisabled)
			return err
		}
	}
	return nil
}

// Reconfigure applies new motion settings. The ring is resized, which
// discards the buffered footage, and the detector starts over.
func (c *Controller) Reconfigure(cfg motion.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("motion config: %w", err)
	}
	wasEnabled := c.motion.Enabled
	c.motion = cfg
	c.detector.UpdateConfig(cfg)
	c.detector.Reset()
	c.ring.Resize(CapacityFor(cfg.PreRecordSeconds, c.opts.FPS))

	c.log.Info("motion settings updated",
		"enabled", cfg.Enabled,
		"sensitivity", cfg.Sensitivity,
		"min_motion_area", cfg.MinMotionArea,
		"ring_capacity", c.ring.Cap(),
	)
	if wasEnabled && !cfg.Enabled {
		if _, ok := c.state.(*motionSession); ok {
			_, err := c.finish(ReasonMotionDisabled)
			return err
		}
	}
	return nil
}

func (c *Controller) countdownFrames() int {
	return int(float64(c.motion.PostRecordSeconds) * c.opts.FPS)
}

// IsRecording may be called from any goroutine.
func (c *Controller) IsRecording() bool {
	return c.recording.Load()
}

// MotionEnabled reports whether motion-triggered recording is on.
func (c *Controller) MotionEnabled() bool {
	return c.motion.Enabled
}

// Ring exposes the pre-event buffer for status display.
func (c *Controller) Ring() *Ring { return c.ring }

// Detector exposes the motion detector for status display.
func (c *Controller) Detector() *motion.Detector { return c.detector }

// Status is a read-only view of the controller.
type Status struct {
	State         string
	ID            uuid.UUID
	Path          string
	Frames        int
	Bytes         int64
	Elapsed       time.Duration
	MotionEnabled bool
	MotionActive  bool
	Countdown     int
	RingLen       int
	RingCap       int
	RingBytes     int
	Motion        motion.Stats
}

// Status returns a snapshot for presentation.
func (c *Controller) Status() Status {
	st := Status{
		State:         "idle",
		MotionEnabled: c.motion.Enabled,
		RingLen:       c.ring.Len(),
		RingCap:       c.ring.Cap(),
		RingBytes:     c.ring.TotalBytes(),
		Motion:        c.detector.Stats(),
	}

	var s *session
	switch cur := c.state.(type) {
	case idle:
		return st
	case *manualSession:
		st.State = "manual"
		s = &cur.session
	case *motionSession:
		st.State = "motion"
		st.MotionActive = cur.motionActive
		st.Countdown = cur.countdown
		s = &cur.session
	}
	st.ID = s.id
	st.Path = s.sink.Path()
	st.Frames = s.frames
	st.Bytes = s.bytes
	st.Elapsed = c.now().Sub(s.started)
	return st
}

// ceilingWriter refuses writes that would take *used past max.
type ceilingWriter struct {
	w    io.Writer
	used *int64
	max  int64
}

func (cw *ceilingWriter) Write(p []byte) (int, error) {
	if *cw.used+int64(len(p)) > cw.max {
		return 0, errSizeLimit
	}
	n, err := cw.w.Write(p)
	*cw.used += int64(n)
	return n, err
}
