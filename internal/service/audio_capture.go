package service

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/nats-io/nats.go"
)

// CaptureRequest asks a vendor device to start capturing audio
type CaptureRequest struct {
	VendorID    string `json:"vendor_id"`
	SessionID   string `json:"session_id"`
	RecordingID string `json:"recording_id"`
	SampleRate  int    `json:"sample_rate"`
	Background  bool   `json:"background"` // device may keep capturing with the app in background
}

// AudioCapture drives the microphone on the vendor's device
type AudioCapture interface {
	Start(ctx context.Context, req CaptureRequest) error
	// Stop ends the capture and returns the recorded PCM
	Stop(ctx context.Context, vendorID, recordingID string) (*audio.IntBuffer, error)
	Abort(ctx context.Context, vendorID, recordingID string) error
}

// AudioCommand is the request sent on device.<vendor>.command.audio
type AudioCommand struct {
	Command     string `json:"command"` // start, stop, abort
	RecordingID string `json:"recording_id"`
	SessionID   string `json:"session_id,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Background  bool   `json:"background,omitempty"`
}

// AudioReply is the device's answer. PCM is base64 of 16-bit little-endian mono samples.
type AudioReply struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	PCM        string `json:"pcm,omitempty"`
}

// NATSAudioCapture talks to devices over NATS request/reply
type NATSAudioCapture struct {
	nc *nats.Conn
}

// NewNATSAudioCapture creates a new NATS audio capture client
func NewNATSAudioCapture(nc *nats.Conn) *NATSAudioCapture {
	return &NATSAudioCapture{nc: nc}
}

// AudioSubject returns the command subject of a vendor's device
func AudioSubject(vendorID string) string {
	return fmt.Sprintf("device.%s.command.audio", vendorID)
}

// Start requests capture start and waits for the device to confirm
func (c *NATSAudioCapture) Start(ctx context.Context, req CaptureRequest) error {
	_, err := c.request(ctx, req.VendorID, AudioCommand{
		Command:     "start",
		RecordingID: req.RecordingID,
		SessionID:   req.SessionID,
		SampleRate:  req.SampleRate,
		Background:  req.Background,
	})
	return err
}

// Stop requests capture stop and decodes the returned audio
func (c *NATSAudioCapture) Stop(ctx context.Context, vendorID, recordingID string) (*audio.IntBuffer, error) {
	reply, err := c.request(ctx, vendorID, AudioCommand{Command: "stop", RecordingID: recordingID})
	if err != nil {
		return nil, err
	}
	return DecodePCM16(reply.PCM, reply.SampleRate)
}

// Abort asks the device to drop an in-progress capture
func (c *NATSAudioCapture) Abort(ctx context.Context, vendorID, recordingID string) error {
	_, err := c.request(ctx, vendorID, AudioCommand{Command: "abort", RecordingID: recordingID})
	return err
}

func (c *NATSAudioCapture) request(ctx context.Context, vendorID string, cmd AudioCommand) (*AudioReply, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	msg, err := c.nc.RequestWithContext(ctx, AudioSubject(vendorID), data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%s %s: %w", cmd.Command, cmd.RecordingID, ErrBridgeTimeout)
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%s %s: device offline: %w", cmd.Command, cmd.RecordingID, ErrCaptureFailed)
		}
		return nil, err
	}
	var reply AudioReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode audio reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("%s %s: %s: %w", cmd.Command, cmd.RecordingID, reply.Error, ErrCaptureFailed)
	}
	return &reply, nil
}

// EncodePCM16 packs samples as base64 16-bit little-endian PCM
func EncodePCM16(samples []int) string {
	raw := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(s)))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePCM16 unpacks base64 16-bit little-endian mono PCM into an audio buffer
func DecodePCM16(encoded string, sampleRate int) (*audio.IntBuffer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("decode pcm: odd byte count %d", len(raw))
	}
	samples := make([]int, len(raw)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(raw[2*i:])))
	}
	return &audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}, nil
}
