// Package portaudio provides an alternative microphone backend built on
// PortAudio (github.com/gordonklaus/portaudio). It is useful on systems where
// miniaudio picks the wrong default input device, since devices can be
// selected by name.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sumnex/voicecall/pkg/audio"
)

// framesPerBuffer is sized for 20 ms reads at the given sample rate.
func framesPerBuffer(sampleRate int) int { return sampleRate * 20 / 1000 }

// Device is an [audio.Device] backed by PortAudio. Create with [New] and
// release with Close once all streams are closed.
type Device struct {
	name string
}

// New initialises PortAudio. name selects an input device by case-insensitive
// substring match; empty selects the system default.
func New(name string) (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{name: name}, nil
}

// Close terminates PortAudio.
func (d *Device) Close() error {
	return portaudio.Terminate()
}

func (d *Device) input() (*portaudio.DeviceInfo, error) {
	if d.name != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("portaudio: list devices: %w", err)
		}
		for _, info := range devices {
			if info.MaxInputChannels > 0 && strings.Contains(strings.ToLower(info.Name), strings.ToLower(d.name)) {
				return info, nil
			}
		}
		slog.Warn("portaudio: input device not found, using default", "name", d.name)
	}
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrNoInputDevice, err)
	}
	return info, nil
}

// Probe implements [audio.Device].
func (d *Device) Probe(_ context.Context) error {
	_, err := d.input()
	return err
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, format audio.Format) (audio.Stream, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, errors.New("portaudio: invalid capture format")
	}
	info, err := d.input()
	if err != nil {
		return nil, err
	}

	buf := make([]int16, framesPerBuffer(format.SampleRate)*format.Channels)
	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = format.Channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = framesPerBuffer(format.SampleRate)

	ps, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open capture stream: %w", err)
	}
	if err := ps.Start(); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("portaudio: start capture: %w", err)
	}

	s := &stream{
		ps:     ps,
		buf:    buf,
		format: format,
		frames: make(chan audio.AudioFrame, 64),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readLoop()
	slog.Debug("portaudio: capture started", "device", info.Name, "sampleRate", format.SampleRate)
	return s, nil
}

type stream struct {
	ps     *portaudio.Stream
	buf    []int16
	format audio.Format
	frames chan audio.AudioFrame

	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

// readLoop blocks on PortAudio reads and forwards each buffer as a frame. It
// owns the frames channel and closes it on exit.
func (s *stream) readLoop() {
	defer close(s.exited)
	defer close(s.frames)
	var elapsed time.Duration
	for {
		if err := s.ps.Read(); err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("portaudio: capture read failed", "err", err)
			}
			return
		}
		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(s.buf),
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  elapsed,
		}
		elapsed += frame.Duration()
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		default:
			// Consumer is behind; drop rather than stall the device.
		}
	}
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Stop unblocks a pending Read with an error.
		if stopErr := s.ps.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop capture: %w", stopErr)
		}
		<-s.exited
		if closeErr := s.ps.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close capture: %w", closeErr)
		}
	})
	return err
}

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Stream = (*stream)(nil)
)
