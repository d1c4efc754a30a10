package player

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
)

// commandReply is the envelope every mpv-style response carries.
type commandReply struct {
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func (c *Controller) roundTrip(ctx context.Context, command ...any) (json.RawMessage, error) {
	p, err := c.Send(command...)
	if err != nil {
		return nil, err
	}
	resp, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var reply commandReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if reply.Error != "" && reply.Error != "success" {
		return nil, fmt.Errorf("player error: %s", reply.Error)
	}
	return reply.Data, nil
}

// SetProperty sets a player property and waits for the acknowledgement.
func (c *Controller) SetProperty(ctx context.Context, name string, value any) error {
	_, err := c.roundTrip(ctx, "set_property", name, value)
	return err
}

// GetProperty reads a player property into out.
func (c *Controller) GetProperty(ctx context.Context, name string, out any) error {
	data, err := c.roundTrip(ctx, "get_property", name)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// LoadFile replaces the current media with the given source.
func (c *Controller) LoadFile(ctx context.Context, source string) error {
	_, err := c.roundTrip(ctx, "loadfile", source, "replace")
	return err
}

// SeekTo moves playback to an absolute position in seconds.
func (c *Controller) SeekTo(ctx context.Context, seconds float64) error {
	return c.SetProperty(ctx, "time-pos", seconds)
}

// SetPause pauses or resumes playback.
func (c *Controller) SetPause(ctx context.Context, paused bool) error {
	return c.SetProperty(ctx, "pause", paused)
}

// Position reads the current playback position and pause state.
func (c *Controller) Position(ctx context.Context) (seconds float64, paused bool, err error) {
	if err = c.GetProperty(ctx, "time-pos", &seconds); err != nil {
		return 0, false, err
	}
	if err = c.GetProperty(ctx, "pause", &paused); err != nil {
		return 0, false, err
	}
	return seconds, paused, nil
}
