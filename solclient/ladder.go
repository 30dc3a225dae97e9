package solclient

import (
	"context"
	"errors"
	"fmt"
)

// IPMI command constants used by the payload activation ladder.
const (
	NetFnApp uint8 = 0x06

	CmdGetChannelPayloadSupport  uint8 = 0x4E
	CmdGetSoLConfigParameters    uint8 = 0x25
	CmdSetSoLConfigParameters    uint8 = 0x21
	CmdGetSessionInfo            uint8 = 0x3D
	CmdGetPayloadActivationStatus uint8 = 0x4A
	CmdActivatePayload           uint8 = 0x48
	CmdDeactivatePayload         uint8 = 0x49

	ParamSoLEnable    uint8 = 0x01
	ParamSoLBitRate   uint8 = 0x07
)

// SOLPayloadType is the payload type value passed to Activate/Deactivate
// Payload to select the SOL payload (spec.md §3).
const SOLPayloadType uint8 = 0x01

// Transport sends one IPMI request over the already-open RMCP+ session
// and returns its response data and completion code, so the ladder can
// be driven and unit-tested without real network I/O.
type Transport interface {
	SendCommand(ctx context.Context, netfn, cmd uint8, data []byte) (resp []byte, cc uint8, err error)
}

// ActivationOptions configures one activation attempt.
type ActivationOptions struct {
	PayloadInstance uint8 // 0 lets the ladder pick the first free instance
	VolatileBitRate uint8 // 0 leaves the configured default
	FastConnect     bool  // try Get Payload Activation Status first
}

// ActivationResult is everything the caller needs after a successful
// ladder run.
type ActivationResult struct {
	Instance        uint8
	MaxInbound      uint16
	MaxOutbound     uint16
	Port            uint16
	SecondaryNeeded bool
}

// ErrActivationFailed wraps a non-zero completion code from any ladder
// step.
type ErrActivationFailed struct {
	Step string
	CC   uint8
}

func (e *ErrActivationFailed) Error() string {
	return fmt.Sprintf("solclient: %s failed: completion code 0x%02X", e.Step, e.CC)
}

// Activate drives the scripted ladder of spec.md §4.6: each step is
// chosen only after the previous response's completion code is 0.
func Activate(ctx context.Context, t Transport, opts ActivationOptions) (*ActivationResult, error) {
	instance := opts.PayloadInstance

	if opts.FastConnect {
		inst, err := getFreePayloadInstance(ctx, t)
		if err == nil {
			instance = inst
		}
		// Fast-connect failure falls through to the full ladder rather
		// than failing activation outright.
	}

	if instance == 0 {
		if _, cc, err := t.SendCommand(ctx, NetFnApp, CmdGetChannelPayloadSupport, []byte{0x0E}); err != nil {
			return nil, err
		} else if cc != 0 {
			return nil, &ErrActivationFailed{"get channel payload support", cc}
		}

		if _, cc, err := t.SendCommand(ctx, NetFnApp, CmdGetSoLConfigParameters, []byte{0x0E, ParamSoLEnable, 0x00, 0x00}); err != nil {
			return nil, err
		} else if cc != 0 {
			return nil, &ErrActivationFailed{"get sol configuration", cc}
		}

		if _, cc, err := t.SendCommand(ctx, NetFnApp, CmdSetSoLConfigParameters, []byte{0x0E, ParamSoLEnable, 0x01}); err != nil {
			return nil, err
		} else if cc != 0 && cc != 0x80 {
			return nil, &ErrActivationFailed{"set sol configuration enable", cc}
		}

		if _, cc, err := t.SendCommand(ctx, NetFnApp, CmdSetSoLConfigParameters, []byte{0x0E, 0xFF}); err != nil {
			return nil, err
		} else if cc != 0 {
			return nil, &ErrActivationFailed{"commit write", cc}
		}

		if _, cc, err := t.SendCommand(ctx, NetFnApp, CmdGetSessionInfo, []byte{0x00}); err != nil {
			return nil, err
		} else if cc != 0 {
			return nil, &ErrActivationFailed{"get session info", cc}
		}

		inst, err := getFreePayloadInstance(ctx, t)
		if err != nil {
			return nil, err
		}
		instance = inst
	}

	if opts.VolatileBitRate != 0 {
		data := []byte{0x0E, ParamSoLBitRate, opts.VolatileBitRate}
		if _, cc, err := t.SendCommand(ctx, NetFnApp, CmdSetSoLConfigParameters, data); err != nil {
			return nil, err
		} else if cc != 0 {
			return nil, &ErrActivationFailed{"set sol bit rate", cc}
		}
	}

	activateData := []byte{SOLPayloadType, instance, 0x00, 0x00, 0x00, 0x00}
	resp, cc, err := t.SendCommand(ctx, NetFnApp, CmdActivatePayload, activateData)
	if err != nil {
		return nil, err
	}
	if cc != 0 {
		if cc != 0x80 {
			Deactivate(ctx, t, instance)
		}
		return nil, &ErrActivationFailed{"activate payload", cc}
	}
	if len(resp) < 12 {
		return nil, errors.New("solclient: activate payload response too short")
	}

	inSize, ok := GetSanePayloadSize(resp[4], resp[5])
	if !ok {
		return nil, errors.New("solclient: inbound payload size not recoverable")
	}
	outSize, ok := GetSanePayloadSize(resp[6], resp[7])
	if !ok {
		return nil, errors.New("solclient: outbound payload size not recoverable")
	}
	port := uint16(resp[8]) | uint16(resp[9])<<8

	return &ActivationResult{
		Instance:        instance,
		MaxInbound:      inSize,
		MaxOutbound:     outSize,
		Port:            port,
		SecondaryNeeded: port != 0 && port != standardRMCPPort,
	}, nil
}

const standardRMCPPort = 623

// getFreePayloadInstance issues Get Payload Activation Status and
// returns the first instance reported free.
func getFreePayloadInstance(ctx context.Context, t Transport) (uint8, error) {
	resp, cc, err := t.SendCommand(ctx, NetFnApp, CmdGetPayloadActivationStatus, []byte{SOLPayloadType})
	if err != nil {
		return 0, err
	}
	if cc != 0 {
		return 0, &ErrActivationFailed{"get payload activation status", cc}
	}
	if len(resp) < 2 {
		return 0, errors.New("solclient: payload activation status response too short")
	}
	instanceCount := resp[0]
	activeMask := resp[1]
	for i := uint8(1); i <= instanceCount && i <= 8; i++ {
		if activeMask&(1<<(i-1)) == 0 {
			return i, nil
		}
	}
	return 0, errors.New("solclient: no free payload instance")
}

// Deactivate issues Deactivate Payload for instance.
func Deactivate(ctx context.Context, t Transport, instance uint8) error {
	data := []byte{SOLPayloadType, instance, 0x00, 0x00, 0x00, 0x00}
	_, cc, err := t.SendCommand(ctx, NetFnApp, CmdDeactivatePayload, data)
	if err != nil {
		return err
	}
	if cc != 0 {
		return &ErrActivationFailed{"deactivate payload", cc}
	}
	return nil
}
