package domain

import "fmt"

type CommandKind string

const (
	CMD_OPEN_BREAKER      CommandKind = "open_breaker"
	CMD_CLOSE_BREAKER     CommandKind = "close_breaker"
	CMD_SET_INVERTER_MODE CommandKind = "set_inverter_mode"
	CMD_OPEN_CONTACTOR    CommandKind = "open_contactor"
	CMD_CLOSE_CONTACTOR   CommandKind = "close_contactor"
)

type InverterMode string

const (
	INVERTER_MODE_GRID_TIED      InverterMode = "grid_tied"
	INVERTER_MODE_ISLAND_FORMING InverterMode = "island_forming"
	INVERTER_MODE_GRID_SYNC      InverterMode = "grid_following_sync"
)

type CommandParams struct {
	ContactorId     string
	LoadId          string
	Mode            InverterMode
	VoltageTarget   float64 // V
	FrequencyTarget float64 // Hz
	RampRate        float64 // %/s
}

type Command struct {
	Kind   CommandKind
	Params CommandParams
}

func (c Command) String() string {
	switch c.Kind {
	case CMD_OPEN_CONTACTOR, CMD_CLOSE_CONTACTOR:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Params.ContactorId)
	case CMD_SET_INVERTER_MODE:
		return fmt.Sprintf("%s(%s %.1fV %.2fHz)", c.Kind, c.Params.Mode, c.Params.VoltageTarget, c.Params.FrequencyTarget)
	default:
		return string(c.Kind)
	}
}

func OpenBreakerCommand() Command {
	return Command{Kind: CMD_OPEN_BREAKER}
}

func CloseBreakerCommand() Command {
	return Command{Kind: CMD_CLOSE_BREAKER}
}

func InverterModeCommand(mode InverterMode, voltage, frequency, rampRate float64) Command {
	return Command{
		Kind: CMD_SET_INVERTER_MODE,
		Params: CommandParams{
			Mode:            mode,
			VoltageTarget:   voltage,
			FrequencyTarget: frequency,
			RampRate:        rampRate,
		},
	}
}

// ContactorCommand builds an open/close command for a load. Loads without a
// physical contactor are addressed by their id.
func ContactorCommand(load CriticalLoad, close bool) Command {
	kind := CMD_OPEN_CONTACTOR
	if close {
		kind = CMD_CLOSE_CONTACTOR
	}
	contactor := load.ContactorId
	if contactor == "" {
		contactor = load.Id
	}
	return Command{
		Kind: kind,
		Params: CommandParams{
			ContactorId: contactor,
			LoadId:      load.Id,
		},
	}
}
