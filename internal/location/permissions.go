package location

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// DevicePermissions derives location permission from the GPS device node.
// Foreground access means the process can open the device for reading.
// Background access is an operator setting.
type DevicePermissions struct {
	DevicePath string
	Background bool
}

func (p DevicePermissions) RequestForeground(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.DevicePath == "" {
		return fmt.Errorf("%w: no GPS device configured", ErrPermissionDenied)
	}
	if err := unix.Access(p.DevicePath, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, p.DevicePath, err)
	}
	return nil
}

func (p DevicePermissions) RequestBackground(ctx context.Context) error {
	if !p.Background {
		return fmt.Errorf("%w: background location disabled", ErrPermissionDenied)
	}
	return nil
}

// StaticPermissions answers with fixed grants. Used in dev mode where
// there is no device node.
type StaticPermissions struct {
	Foreground bool
	Background bool
}

func (p StaticPermissions) RequestForeground(context.Context) error {
	if !p.Foreground {
		return ErrPermissionDenied
	}
	return nil
}

func (p StaticPermissions) RequestBackground(context.Context) error {
	if !p.Background {
		return ErrPermissionDenied
	}
	return nil
}
